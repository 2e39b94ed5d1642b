// Package observable provides a transactional cell whose committed writes
// are also broadcast as a change stream. The write and the broadcast happen
// in the same transaction, so every subscriber observes exactly the
// committed sequence of values, with no gaps and no duplicates.
package observable

import (
	"context"
	"errors"
	"sync"

	"github.com/sushant-115/gojostm/core/collections/thub"
	"github.com/sushant-115/gojostm/core/collections/tqueue"
	"github.com/sushant-115/gojostm/core/stm"
)

// ErrClosed is returned by writes and new change streams after Close.
var ErrClosed = errors.New("observable: value is closed")

// Value is an observable transactional cell: a current value plus a hub
// carrying its change stream. Subscriber queues are unbounded so no reader
// can stall a writer.
type Value[A any] struct {
	engine  *stm.Engine
	current *stm.Cell[A]
	hub     *thub.Hub[A]
}

// New creates an observable cell holding initial. Subscriber queues are
// unbounded, so the overflow strategy never applies.
func New[A any](e *stm.Engine, initial A) *Value[A] {
	return &Value[A]{
		engine:  e,
		current: stm.NewCell(e, initial),
		hub:     thub.New[A](e, 0, tqueue.StrategySuspend),
	}
}

// GetTx reads the current value inside an enclosing transaction.
func (v *Value[A]) GetTx(tx *stm.Txn) A {
	return v.current.Get(tx)
}

// Get is a snapshot of the committed current value.
func (v *Value[A]) Get() A {
	return v.current.Load()
}

// SetTx writes val and publishes it to the change stream in the same
// transaction. Fails with ErrClosed after Close.
func (v *Value[A]) SetTx(tx *stm.Txn, val A) error {
	if err := v.hub.PublishTx(tx, val); err != nil {
		return ErrClosed
	}
	v.current.Set(tx, val)
	return nil
}

// Set runs SetTx in its own transaction.
func (v *Value[A]) Set(ctx context.Context, val A) error {
	return v.engine.Atomically(ctx, func(tx *stm.Txn) error {
		return v.SetTx(tx, val)
	})
}

// UpdateTx applies f to the current value, writes and publishes the result
// and returns it.
func (v *Value[A]) UpdateTx(tx *stm.Txn, f func(A) A) (A, error) {
	next := v.current.Update(tx, f)
	if err := v.hub.PublishTx(tx, next); err != nil {
		return next, ErrClosed
	}
	return next, nil
}

// Update runs UpdateTx in its own transaction.
func (v *Value[A]) Update(ctx context.Context, f func(A) A) (A, error) {
	return stm.Run(ctx, v.engine, func(tx *stm.Txn) (A, error) {
		return v.UpdateTx(tx, f)
	})
}

// Modify applies f to the current value, committing the new value (written
// and published atomically) and returning f's secondary result.
func Modify[A, B any](ctx context.Context, v *Value[A], f func(A) (A, B)) (B, error) {
	return stm.Run(ctx, v.engine, func(tx *stm.Txn) (B, error) {
		next, out := f(v.current.Get(tx))
		if err := v.SetTx(tx, next); err != nil {
			return out, err
		}
		return out, nil
	})
}

// Close shuts the change stream down. Further writes fail with ErrClosed;
// Get keeps returning the last committed value. Idempotent.
func (v *Value[A]) Close(ctx context.Context) error {
	return v.hub.Shutdown(ctx)
}

// Stream yields the totally-ordered sequence of committed values to one
// subscriber: the value current at subscribe time first, then every
// subsequent committed update exactly once.
type Stream[A any] struct {
	mu      sync.Mutex
	first   A
	pending bool
	sub     *thub.Subscription[A]
}

// Changes subscribes to the cell. The subscription and the snapshot of the
// current value happen in one transaction, so the stream can neither miss
// an update nor deliver one twice around its start point.
func (v *Value[A]) Changes(ctx context.Context) (*Stream[A], error) {
	type opened struct {
		first A
		sub   *thub.Subscription[A]
	}
	o, err := stm.Run(ctx, v.engine, func(tx *stm.Txn) (opened, error) {
		sub, serr := v.hub.SubscribeTx(tx)
		if serr != nil {
			return opened{}, ErrClosed
		}
		return opened{first: v.current.Get(tx), sub: sub}, nil
	})
	if err != nil {
		return nil, err
	}
	return &Stream[A]{first: o.first, pending: true, sub: o.sub}, nil
}

// Next blocks until the next value in the sequence is available, the
// stream is closed, or ctx is cancelled. A closed stream fails with
// ErrClosed once delivered values are exhausted.
func (s *Stream[A]) Next(ctx context.Context) (A, error) {
	s.mu.Lock()
	if s.pending {
		s.pending = false
		first := s.first
		s.mu.Unlock()
		return first, nil
	}
	s.mu.Unlock()
	v, err := s.sub.Take(ctx)
	if errors.Is(err, tqueue.ErrShutdown) {
		var zero A
		return zero, ErrClosed
	}
	return v, err
}

// Close unsubscribes the stream from the change hub. Idempotent.
func (s *Stream[A]) Close(ctx context.Context) error {
	return s.sub.Close(ctx)
}
