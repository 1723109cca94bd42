package flatblocks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names an entity type. It is also the cache namespace for that type.
type Kind string

const (
	KindFlatBlock    Kind = "flatblock"
	KindBlockSet     Kind = "blockset"
	KindBlockSetItem Kind = "blocksetitem"
)

type Op string

const (
	OpSaved   Op = "saved"
	OpDeleted Op = "deleted"
)

// Event announces that the content behind a slug changed.
type Event struct {
	ID   uuid.UUID
	Kind Kind
	Slug string
	Op   Op
	At   time.Time
}

func NewEvent(kind Kind, slug string, op Op) Event {
	return Event{ID: uuid.New(), Kind: kind, Slug: slug, Op: op, At: time.Now().UTC()}
}

// Subscriber consumes events. Handle must not block for long; it runs on
// the publisher's goroutine.
type Subscriber interface {
	Handle(ctx context.Context, e Event)
}

type SubscriberFunc func(ctx context.Context, e Event)

func (f SubscriberFunc) Handle(ctx context.Context, e Event) { f(ctx, e) }

// Bus delivers events to every subscriber synchronously, in subscription order.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs []subscription
}

type subscription struct {
	id int
	s  Subscriber
}

func NewBus() *Bus { return &Bus{} }

// Subscribe registers s and returns a func that removes it.
func (b *Bus) Subscribe(s Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs = append(b.subs, subscription{id: id, s: s})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.subs {
				if sub.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.s.Handle(ctx, e)
	}
}
