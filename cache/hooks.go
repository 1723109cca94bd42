package cache

// Hooks receive cache events worth alerting on: self-healed entries, rejected
// bulk reads, backend errors. They run inline on reads and invalidations, so
// implementations must return quickly; wrap slow sinks with hooks/async.
type Hooks interface {
	// SelfHealSingle reports an entry the cache deleted while reading it.
	// reason is "corrupt", "gen_mismatch" or "value_decode".
	SelfHealSingle(storageKey, reason string)

	// BulkRejected reports a bulk entry for namespace that could not serve
	// requested keys; the read fell back to single entries.
	// reason is "decode_error", "invalid_or_stale" or "snapshot_error".
	BulkRejected(namespace string, requested int, reason string)

	// ProviderSetRejected reports a write the provider refused (eviction pressure).
	ProviderSetRejected(storageKey string, isBulk bool)

	// GenSnapshotError reports a failed generation read over count keys.
	GenSnapshotError(count int, err error)
	// GenBumpError reports a failed generation bump during Invalidate.
	GenBumpError(storageKey string, err error)

	// InvalidateOutage reports an Invalidate where both the bump and the delete failed.
	InvalidateOutage(storageKey string, bumpErr, delErr error)

	// LocalGenWithBulk fires once at construction when bulk entries are
	// enabled over a process-local GenStore.
	LocalGenWithBulk()
}

// NopHooks ignores every event.
type NopHooks struct{}

func (NopHooks) SelfHealSingle(string, string)         {}
func (NopHooks) BulkRejected(string, int, string)      {}
func (NopHooks) ProviderSetRejected(string, bool)      {}
func (NopHooks) GenSnapshotError(int, error)           {}
func (NopHooks) GenBumpError(string, error)            {}
func (NopHooks) InvalidateOutage(string, error, error) {}
func (NopHooks) LocalGenWithBulk()                     {}
