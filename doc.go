// Package flatblocks stores small named chunks of content ("flat blocks") and
// ordered groups of them ("block sets") for lookup by slug at render time.
//
// Reads go through a generation-checked cache (see package cache). Writes go to
// a Repository and then publish a slug-changed Event on a Bus; the Invalidator
// subscribed to that bus drops the cached entries. Invalidation is synchronous,
// so once a save returns the next lookup for that slug reads fresh data.
//
// Cache keys are namespaced by entity kind:
//
//	<prefix>flatblock:<slug>
//	<prefix>blockset:<slug>
//
// so a block and a set sharing a slug never share an entry.
//
// Typical wiring:
//
//	st, err := flatblocks.New(flatblocks.Options{
//		Repository: memory.New(),
//		Provider:   rp,
//		Prefix:     "site:",
//	})
//	...
//	fb, err := st.GetFlatBlock(ctx, "footer")
package flatblocks
