// Package locking provides a reentrant read/write lock built from a single
// STM cell plus engine retry. There is no locking logic of its own: blocked
// acquirers are just retrying transactions, and the engine's FIFO wake
// order is what makes waiting fair.
package locking

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/sushant-115/gojostm/core/stm"
	commonutils "github.com/sushant-115/gojostm/internal/common_utils"
)

// ErrNotHeld is returned when an owner releases a mode it does not hold.
var ErrNotHeld = errors.New("locking: lock not held by this owner")

// OwnerID identifies a lock holder. Task identity is explicit: the caller
// mints an owner per logical task and passes it to every operation, rather
// than the lock guessing identity from the runtime.
type OwnerID = uuid.UUID

// NewOwner mints a fresh owner identity.
func NewOwner() OwnerID {
	return uuid.New()
}

// state is the single cell value backing a lock. A zero writer means no
// writer. The writer may also appear in readers (read-while-write
// reentrancy); no other owner can hold anything while a writer is live.
type state struct {
	readers map[OwnerID]int
	writer  OwnerID
	depth   int
}

// ReentrantLock is a transactional read/write lock whose owner may
// re-acquire modes it already holds without blocking itself.
//
// Fairness is strict FIFO across all blocked acquirers, reader and writer
// alike, inherited from the engine's waiter ordering on the lock cell: the
// first acquirer to block is the first resumed by a release. Acquirers
// that never block are not queued and may still overtake a parked one.
type ReentrantLock struct {
	engine *stm.Engine
	cell   *stm.Cell[state]
}

// New creates an unlocked ReentrantLock owned by the given engine.
func New(e *stm.Engine) *ReentrantLock {
	return &ReentrantLock{
		engine: e,
		cell:   stm.NewCell(e, state{readers: map[OwnerID]int{}}),
	}
}

// AcquireReadTx takes (or re-enters) the read lock inside an enclosing
// transaction, retrying while a different owner holds the write lock.
func (l *ReentrantLock) AcquireReadTx(tx *stm.Txn, owner OwnerID) {
	st := l.cell.Get(tx)
	if st.depth > 0 && st.writer != owner {
		tx.Retry()
	}
	readers := commonutils.CloneMap(st.readers)
	readers[owner]++
	l.cell.Set(tx, state{readers: readers, writer: st.writer, depth: st.depth})
}

// AcquireRead blocks until the read lock is granted or ctx is cancelled.
func (l *ReentrantLock) AcquireRead(ctx context.Context, owner OwnerID) error {
	return l.engine.Atomically(ctx, func(tx *stm.Txn) error {
		l.AcquireReadTx(tx, owner)
		return nil
	})
}

// AcquireWriteTx takes (or re-enters) the write lock inside an enclosing
// transaction. It succeeds when the lock is free, when the caller already
// holds the write lock, or when the caller is the only reader (upgrade);
// otherwise it retries.
func (l *ReentrantLock) AcquireWriteTx(tx *stm.Txn, owner OwnerID) {
	st := l.cell.Get(tx)
	switch {
	case st.depth > 0:
		if st.writer != owner {
			tx.Retry()
		}
	case len(st.readers) > 0:
		// Upgrade only when every read hold is our own.
		if len(st.readers) != 1 || st.readers[owner] == 0 {
			tx.Retry()
		}
	}
	l.cell.Set(tx, state{readers: st.readers, writer: owner, depth: st.depth + 1})
}

// AcquireWrite blocks until the write lock is granted or ctx is cancelled.
func (l *ReentrantLock) AcquireWrite(ctx context.Context, owner OwnerID) error {
	return l.engine.Atomically(ctx, func(tx *stm.Txn) error {
		l.AcquireWriteTx(tx, owner)
		return nil
	})
}

// ReleaseReadTx drops one read hold. The commit wakes parked acquirers.
func (l *ReentrantLock) ReleaseReadTx(tx *stm.Txn, owner OwnerID) error {
	st := l.cell.Get(tx)
	if st.readers[owner] == 0 {
		return ErrNotHeld
	}
	readers := commonutils.CloneMap(st.readers)
	if readers[owner] == 1 {
		delete(readers, owner)
	} else {
		readers[owner]--
	}
	l.cell.Set(tx, state{readers: readers, writer: st.writer, depth: st.depth})
	return nil
}

// ReleaseRead runs ReleaseReadTx in its own transaction.
func (l *ReentrantLock) ReleaseRead(ctx context.Context, owner OwnerID) error {
	return l.engine.Atomically(ctx, func(tx *stm.Txn) error {
		return l.ReleaseReadTx(tx, owner)
	})
}

// ReleaseWriteTx drops one write hold; at depth zero the writer clears.
func (l *ReentrantLock) ReleaseWriteTx(tx *stm.Txn, owner OwnerID) error {
	st := l.cell.Get(tx)
	if st.depth == 0 || st.writer != owner {
		return ErrNotHeld
	}
	next := state{readers: st.readers, writer: st.writer, depth: st.depth - 1}
	if next.depth == 0 {
		next.writer = OwnerID{}
	}
	l.cell.Set(tx, next)
	return nil
}

// ReleaseWrite runs ReleaseWriteTx in its own transaction.
func (l *ReentrantLock) ReleaseWrite(ctx context.Context, owner OwnerID) error {
	return l.engine.Atomically(ctx, func(tx *stm.Txn) error {
		return l.ReleaseWriteTx(tx, owner)
	})
}

// WithReadLock acquires the read lock, runs fn and releases on every exit
// path, including fn errors, panics and ctx cancellation inside fn.
func (l *ReentrantLock) WithReadLock(ctx context.Context, owner OwnerID, fn func() error) error {
	if err := l.AcquireRead(ctx, owner); err != nil {
		return err
	}
	defer func() {
		// Release must commit even if ctx was cancelled during fn.
		_ = l.ReleaseRead(context.WithoutCancel(ctx), owner)
	}()
	return fn()
}

// WithWriteLock acquires the write lock, runs fn and releases on every
// exit path.
func (l *ReentrantLock) WithWriteLock(ctx context.Context, owner OwnerID, fn func() error) error {
	if err := l.AcquireWrite(ctx, owner); err != nil {
		return err
	}
	defer func() {
		_ = l.ReleaseWrite(context.WithoutCancel(ctx), owner)
	}()
	return fn()
}

// ReadLocked reports whether any owner currently holds a read lock.
func (l *ReentrantLock) ReadLocked() bool {
	return len(l.cell.Load().readers) > 0
}

// WriteLocked reports whether any owner currently holds the write lock.
func (l *ReentrantLock) WriteLocked() bool {
	return l.cell.Load().depth > 0
}

// ReadHolds returns owner's current read hold count.
func (l *ReentrantLock) ReadHolds(owner OwnerID) int {
	return l.cell.Load().readers[owner]
}

// WriteHolds returns owner's current write hold depth.
func (l *ReentrantLock) WriteHolds(owner OwnerID) int {
	st := l.cell.Load()
	if st.writer != owner {
		return 0
	}
	return st.depth
}
