package flatblocks

import (
	"context"

	"github.com/unkn0wn-root/flatblocks/cache"
)

type (
	Logger = cache.Logger
	Fields = cache.Fields
)

// Invalidator drops cache entries named by events. Cache failures are logged
// and never reach the writer that published the event.
type Invalidator struct {
	blocks cache.CAS[FlatBlock]
	sets   cache.CAS[BlockSetView]
	log    Logger
}

var _ Subscriber = (*Invalidator)(nil)

func NewInvalidator(blocks cache.CAS[FlatBlock], sets cache.CAS[BlockSetView], log Logger) *Invalidator {
	if log == nil {
		log = cache.NopLogger{}
	}
	return &Invalidator{blocks: blocks, sets: sets, log: log}
}

func (i *Invalidator) Handle(ctx context.Context, e Event) {
	var err error
	switch e.Kind {
	case KindFlatBlock:
		err = i.blocks.Invalidate(ctx, e.Slug)
	case KindBlockSet:
		err = i.sets.Invalidate(ctx, e.Slug)
	default:
		return
	}
	if err != nil {
		i.log.Error("cache invalidation failed", Fields{
			"event": e.ID.String(),
			"kind":  string(e.Kind),
			"slug":  e.Slug,
			"op":    string(e.Op),
			"err":   err,
		})
		return
	}
	i.log.Debug("cache invalidated", Fields{"kind": string(e.Kind), "slug": e.Slug, "op": string(e.Op)})
}
