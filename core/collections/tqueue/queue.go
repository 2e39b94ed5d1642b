// Package tqueue provides a transactional FIFO queue built entirely on the
// STM engine: every operation is a transaction body, so queue state never
// changes outside a commit and blocking offer/take never busy-wait.
package tqueue

import (
	"context"
	"errors"

	"github.com/sushant-115/gojostm/core/stm"
	commonutils "github.com/sushant-115/gojostm/internal/common_utils"
)

// --- Error Definitions ---

var (
	// ErrShutdown is returned by take-style operations on a queue that has
	// been shut down and drained.
	ErrShutdown = errors.New("tqueue: queue is shut down")

	// ErrInvalidCapacity is returned by constructors given a non-positive
	// capacity for a capacity-bound strategy.
	ErrInvalidCapacity = errors.New("tqueue: capacity must be positive")
)

// Strategy decides what Offer does when the queue is at capacity.
type Strategy int

const (
	// StrategySuspend blocks the producer until space frees up.
	StrategySuspend Strategy = iota
	// StrategyDropping rejects the offered item, leaving the queue untouched.
	StrategyDropping
	// StrategySliding evicts the oldest item to make room for the new one.
	StrategySliding
)

func (s Strategy) String() string {
	switch s {
	case StrategySuspend:
		return "suspend"
	case StrategyDropping:
		return "dropping"
	case StrategySliding:
		return "sliding"
	default:
		return "unknown"
	}
}

// state is the single cell value backing a queue. Items and the shutdown
// flag live together so offer/take/shutdown are single-cell transactions.
type state[A any] struct {
	items []A
	down  bool
}

// Queue is a transactional FIFO queue. Capacity and strategy are fixed at
// construction; all mutable state lives in one STM cell.
type Queue[A any] struct {
	engine   *stm.Engine
	cell     *stm.Cell[state[A]]
	capacity int // <= 0 means unbounded
	strategy Strategy
}

// Bounded creates a queue of capacity n whose producers block when full.
func Bounded[A any](e *stm.Engine, n int) (*Queue[A], error) {
	return newQueue[A](e, n, StrategySuspend)
}

// Unbounded creates a queue with no capacity bound.
func Unbounded[A any](e *stm.Engine) (*Queue[A], error) {
	return &Queue[A]{engine: e, cell: stm.NewCell(e, state[A]{}), capacity: 0, strategy: StrategySuspend}, nil
}

// Dropping creates a queue of capacity n that rejects offers when full.
func Dropping[A any](e *stm.Engine, n int) (*Queue[A], error) {
	return newQueue[A](e, n, StrategyDropping)
}

// Sliding creates a queue of capacity n that evicts its oldest item when full.
func Sliding[A any](e *stm.Engine, n int) (*Queue[A], error) {
	return newQueue[A](e, n, StrategySliding)
}

func newQueue[A any](e *stm.Engine, n int, s Strategy) (*Queue[A], error) {
	if n <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Queue[A]{engine: e, cell: stm.NewCell(e, state[A]{}), capacity: n, strategy: s}, nil
}

// OfferTx appends item inside an enclosing transaction. It returns false
// immediately on a shut-down queue. At capacity the behavior follows the
// queue's strategy: Suspend retries (blocking the enclosing transaction),
// Dropping returns false without mutating, Sliding evicts the oldest item
// and returns true.
func (q *Queue[A]) OfferTx(tx *stm.Txn, item A) bool {
	st := q.cell.Get(tx)
	if st.down {
		return false
	}
	if q.capacity <= 0 || len(st.items) < q.capacity {
		q.cell.Set(tx, state[A]{items: commonutils.PushBack(st.items, item)})
		return true
	}
	switch q.strategy {
	case StrategyDropping:
		return false
	case StrategySliding:
		q.cell.Set(tx, state[A]{items: commonutils.PushBack(st.items[1:], item)})
		return true
	default:
		tx.Retry()
		return false // unreachable
	}
}

// Offer runs OfferTx in its own transaction, blocking under the Suspend
// strategy until space frees up or ctx is cancelled.
func (q *Queue[A]) Offer(ctx context.Context, item A) (bool, error) {
	return stm.Run(ctx, q.engine, func(tx *stm.Txn) (bool, error) {
		return q.OfferTx(tx, item), nil
	})
}

// TakeTx pops the head inside an enclosing transaction. On an empty open
// queue it retries; on an empty shut-down queue it fails with ErrShutdown.
// Items still buffered when the queue shuts down remain takeable.
func (q *Queue[A]) TakeTx(tx *stm.Txn) (A, error) {
	st := q.cell.Get(tx)
	if len(st.items) > 0 {
		head, rest := commonutils.PopFront(st.items)
		q.cell.Set(tx, state[A]{items: rest, down: st.down})
		return head, nil
	}
	if st.down {
		var zero A
		return zero, ErrShutdown
	}
	tx.Retry()
	var zero A
	return zero, nil // unreachable
}

// Take runs TakeTx in its own transaction, blocking until an item arrives,
// the queue shuts down, or ctx is cancelled.
func (q *Queue[A]) Take(ctx context.Context) (A, error) {
	return stm.Run(ctx, q.engine, q.TakeTx)
}

// PollTx is the non-blocking take: ok is false on an empty open queue, and
// an empty shut-down queue fails with ErrShutdown.
func (q *Queue[A]) PollTx(tx *stm.Txn) (A, bool, error) {
	st := q.cell.Get(tx)
	if len(st.items) > 0 {
		head, rest := commonutils.PopFront(st.items)
		q.cell.Set(tx, state[A]{items: rest, down: st.down})
		return head, true, nil
	}
	var zero A
	if st.down {
		return zero, false, ErrShutdown
	}
	return zero, false, nil
}

// Poll runs PollTx in its own transaction.
func (q *Queue[A]) Poll(ctx context.Context) (A, bool, error) {
	type res struct {
		v  A
		ok bool
	}
	r, err := stm.Run(ctx, q.engine, func(tx *stm.Txn) (res, error) {
		v, ok, terr := q.PollTx(tx)
		return res{v: v, ok: ok}, terr
	})
	return r.v, r.ok, err
}

// PeekTx returns the head without removing it, blocking like TakeTx when
// the queue is empty and open.
func (q *Queue[A]) PeekTx(tx *stm.Txn) (A, error) {
	st := q.cell.Get(tx)
	if len(st.items) > 0 {
		return st.items[0], nil
	}
	if st.down {
		var zero A
		return zero, ErrShutdown
	}
	tx.Retry()
	var zero A
	return zero, nil // unreachable
}

// Peek runs PeekTx in its own transaction.
func (q *Queue[A]) Peek(ctx context.Context) (A, error) {
	return stm.Run(ctx, q.engine, q.PeekTx)
}

// TakeAllTx drains every buffered item without blocking. An empty open
// queue yields an empty slice; an empty shut-down queue fails with
// ErrShutdown.
func (q *Queue[A]) TakeAllTx(tx *stm.Txn) ([]A, error) {
	st := q.cell.Get(tx)
	if len(st.items) == 0 {
		if st.down {
			return nil, ErrShutdown
		}
		return nil, nil
	}
	q.cell.Set(tx, state[A]{down: st.down})
	return st.items, nil
}

// TakeAll runs TakeAllTx in its own transaction.
func (q *Queue[A]) TakeAll(ctx context.Context) ([]A, error) {
	return stm.Run(ctx, q.engine, q.TakeAllTx)
}

// ShutdownTx marks the queue shut down. Idempotent; the commit wakes every
// producer and consumer parked on the queue so they re-evaluate against
// the closed state.
func (q *Queue[A]) ShutdownTx(tx *stm.Txn) {
	st := q.cell.Get(tx)
	if st.down {
		return
	}
	q.cell.Set(tx, state[A]{items: st.items, down: true})
}

// Shutdown runs ShutdownTx in its own transaction.
func (q *Queue[A]) Shutdown(ctx context.Context) error {
	return q.engine.Atomically(ctx, func(tx *stm.Txn) error {
		q.ShutdownTx(tx)
		return nil
	})
}

// SizeTx returns the number of buffered items, composable with other
// transactional decisions.
func (q *Queue[A]) SizeTx(tx *stm.Txn) int {
	return len(q.cell.Get(tx).items)
}

// IsEmptyTx reports whether the queue holds no items.
func (q *Queue[A]) IsEmptyTx(tx *stm.Txn) bool {
	return q.SizeTx(tx) == 0
}

// IsFullTx reports whether the queue is at capacity. Unbounded queues are
// never full.
func (q *Queue[A]) IsFullTx(tx *stm.Txn) bool {
	if q.capacity <= 0 {
		return false
	}
	return q.SizeTx(tx) >= q.capacity
}

// Len is a snapshot of the current size for inspection outside any
// transaction. Decisions must use SizeTx instead.
func (q *Queue[A]) Len() int {
	return len(q.cell.Load().items)
}

// IsShutdown is a snapshot of the shutdown flag.
func (q *Queue[A]) IsShutdown() bool {
	return q.cell.Load().down
}

// Capacity returns the configured capacity; zero means unbounded.
func (q *Queue[A]) Capacity() int {
	return q.capacity
}

// Strategy returns the configured overflow strategy.
func (q *Queue[A]) Strategy() Strategy {
	return q.strategy
}
