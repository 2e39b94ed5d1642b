// Package thub provides a transactional broadcast hub: a publish fans an
// item out to every subscriber's own transactional queue in one commit, so
// all subscriber queues advance together or not at all.
package thub

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/sushant-115/gojostm/core/collections/tqueue"
	"github.com/sushant-115/gojostm/core/stm"
	commonutils "github.com/sushant-115/gojostm/internal/common_utils"
)

// ErrShutdown is returned by publish and subscribe on a hub that has been
// shut down.
var ErrShutdown = errors.New("thub: hub is shut down")

// state is the single cell value backing a hub: subscriber membership plus
// the shutdown flag. Each subscriber owns an independent queue; the hub
// cell holds only membership, versioned so subscribe/unsubscribe and
// publish interleave correctly.
type state[A any] struct {
	subs map[uuid.UUID]*tqueue.Queue[A]
	down bool
}

// Hub is a transactional publish/subscribe fan-out. Subscriber queues are
// created with the hub's default capacity and strategy unless a
// subscription overrides them.
type Hub[A any] struct {
	engine   *stm.Engine
	cell     *stm.Cell[state[A]]
	capacity int
	strategy tqueue.Strategy
}

// New creates a hub whose subscribers default to a queue of capacity n
// (zero or negative for unbounded) with the given overflow strategy.
func New[A any](e *stm.Engine, n int, s tqueue.Strategy) *Hub[A] {
	return &Hub[A]{
		engine:   e,
		cell:     stm.NewCell(e, state[A]{subs: map[uuid.UUID]*tqueue.Queue[A]{}}),
		capacity: n,
		strategy: s,
	}
}

// SubOption overrides per-subscriber queue configuration.
type SubOption struct {
	apply func(*subConfig)
}

type subConfig struct {
	capacity int
	strategy tqueue.Strategy
}

// WithCapacity sets the subscriber queue capacity; zero or negative means
// unbounded.
func WithCapacity(n int) SubOption {
	return SubOption{apply: func(c *subConfig) { c.capacity = n }}
}

// WithStrategy sets the subscriber queue overflow strategy.
func WithStrategy(s tqueue.Strategy) SubOption {
	return SubOption{apply: func(c *subConfig) { c.strategy = s }}
}

// PublishTx delivers item to every currently-registered subscriber inside
// an enclosing transaction, applying each subscriber queue's own offer
// semantics. If any Suspend-strategy subscriber is at capacity the whole
// publish retries until it has room, which also delays faster subscribers
// in the same call; callers wanting independent pacing configure those
// subscribers with Dropping or Sliding queues.
func (h *Hub[A]) PublishTx(tx *stm.Txn, item A) error {
	st := h.cell.Get(tx)
	if st.down {
		return ErrShutdown
	}
	for _, q := range st.subs {
		q.OfferTx(tx, item)
	}
	return nil
}

// Publish runs PublishTx in its own transaction.
func (h *Hub[A]) Publish(ctx context.Context, item A) error {
	return h.engine.Atomically(ctx, func(tx *stm.Txn) error {
		return h.PublishTx(tx, item)
	})
}

// Subscription is a registered subscriber backed by its own queue. It
// observes only items published strictly after its Subscribe commit.
type Subscription[A any] struct {
	hub   *Hub[A]
	id    uuid.UUID
	queue *tqueue.Queue[A]
}

// Subscribe registers a new subscriber queue into the membership set and
// returns its subscription. The queue is configured from the hub defaults
// unless overridden by options.
func (h *Hub[A]) Subscribe(ctx context.Context, opts ...SubOption) (*Subscription[A], error) {
	return stm.Run(ctx, h.engine, func(tx *stm.Txn) (*Subscription[A], error) {
		return h.SubscribeTx(tx, opts...)
	})
}

// SubscribeTx registers a subscriber inside an enclosing transaction, so a
// caller can pair the registration with other transactional reads or
// writes in the same commit (the observable cell does this to capture the
// value current at subscribe time).
func (h *Hub[A]) SubscribeTx(tx *stm.Txn, opts ...SubOption) (*Subscription[A], error) {
	st := h.cell.Get(tx)
	if st.down {
		return nil, ErrShutdown
	}
	cfg := subConfig{capacity: h.capacity, strategy: h.strategy}
	for _, o := range opts {
		o.apply(&cfg)
	}
	q, err := newSubscriberQueue[A](h.engine, cfg)
	if err != nil {
		return nil, err
	}
	sub := &Subscription[A]{hub: h, id: uuid.New(), queue: q}
	subs := commonutils.CloneMap(st.subs)
	subs[sub.id] = sub.queue
	h.cell.Set(tx, state[A]{subs: subs})
	return sub, nil
}

func newSubscriberQueue[A any](e *stm.Engine, cfg subConfig) (*tqueue.Queue[A], error) {
	if cfg.capacity <= 0 {
		return tqueue.Unbounded[A](e)
	}
	switch cfg.strategy {
	case tqueue.StrategyDropping:
		return tqueue.Dropping[A](e, cfg.capacity)
	case tqueue.StrategySliding:
		return tqueue.Sliding[A](e, cfg.capacity)
	default:
		return tqueue.Bounded[A](e, cfg.capacity)
	}
}

// TakeTx pops the next delivered item inside an enclosing transaction.
func (s *Subscription[A]) TakeTx(tx *stm.Txn) (A, error) {
	return s.queue.TakeTx(tx)
}

// Take blocks until an item is delivered, the subscription is closed, or
// ctx is cancelled.
func (s *Subscription[A]) Take(ctx context.Context) (A, error) {
	return s.queue.Take(ctx)
}

// Poll is the non-blocking take.
func (s *Subscription[A]) Poll(ctx context.Context) (A, bool, error) {
	return s.queue.Poll(ctx)
}

// TakeAll drains everything delivered so far.
func (s *Subscription[A]) TakeAll(ctx context.Context) ([]A, error) {
	return s.queue.TakeAll(ctx)
}

// Len is a snapshot of the pending item count.
func (s *Subscription[A]) Len() int {
	return s.queue.Len()
}

// Close removes the subscriber from the membership set and shuts its queue
// down in one transaction, so subsequent publishes stop targeting it.
// Idempotent.
func (s *Subscription[A]) Close(ctx context.Context) error {
	return s.hub.engine.Atomically(ctx, func(tx *stm.Txn) error {
		st := s.hub.cell.Get(tx)
		if _, ok := st.subs[s.id]; ok {
			subs := commonutils.CloneMap(st.subs)
			delete(subs, s.id)
			s.hub.cell.Set(tx, state[A]{subs: subs, down: st.down})
		}
		s.queue.ShutdownTx(tx)
		return nil
	})
}

// Shutdown marks the hub down, clears membership and shuts every
// subscriber queue down in the same transaction. Idempotent.
func (h *Hub[A]) Shutdown(ctx context.Context) error {
	return h.engine.Atomically(ctx, func(tx *stm.Txn) error {
		st := h.cell.Get(tx)
		if st.down {
			return nil
		}
		for _, q := range st.subs {
			q.ShutdownTx(tx)
		}
		h.cell.Set(tx, state[A]{subs: map[uuid.UUID]*tqueue.Queue[A]{}, down: true})
		return nil
	})
}

// SubscribersTx returns the current subscriber count, composable with
// other transactional decisions.
func (h *Hub[A]) SubscribersTx(tx *stm.Txn) int {
	return len(h.cell.Get(tx).subs)
}

// NumSubscribers is a snapshot of the subscriber count.
func (h *Hub[A]) NumSubscribers() int {
	return len(h.cell.Load().subs)
}

// IsShutdown is a snapshot of the shutdown flag.
func (h *Hub[A]) IsShutdown() bool {
	return h.cell.Load().down
}
