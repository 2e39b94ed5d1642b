// Package stm implements cell-granularity software transactional memory:
// versioned cells, optimistic validation with an atomic commit step, and
// explicit retry that parks the owning goroutine until a relevant commit.
// All higher-level transactional structures in this repository are plain
// transaction bodies executed by this engine; the commit protocol here is
// the only concurrency discipline they rely on.
package stm

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	commonutils "github.com/sushant-115/gojostm/internal/common_utils"
)

// ErrRetryNoReads is the panic payload raised when a transaction retries
// without having read any cell. Such a transaction has an empty interest
// set and could never be woken, so this is treated as a structural bug.
var ErrRetryNoReads = errors.New("stm: retry with an empty read set can never resume")

// Engine owns a set of cells and serializes all commits against them.
// Commit validation, the waiter registry and the wake handoff are guarded
// by one mutex; this is the global commit critical section.
type Engine struct {
	mu      sync.Mutex
	seq     uint64 // waiter registration sequence, guarded by mu
	logger  *zap.Logger
	metrics *engineMetrics
	parker  Parker
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger attaches a zap logger; the engine logs parks, wakes and
// conflict re-runs at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMeter attaches an OpenTelemetry meter for engine metrics.
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) { e.metrics = newEngineMetrics(m) }
}

// WithParker substitutes the suspension hook used when a transaction
// blocks. The default parks the calling goroutine.
func WithParker(p Parker) Option {
	return func(e *Engine) {
		if p != nil {
			e.parker = p
		}
	}
}

// NewEngine creates an engine with no-op logging and metrics unless
// configured otherwise.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger: zap.NewNop(),
		parker: goroutineParker{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = newEngineMetrics(nil)
	}
	return e
}

// Atomically runs fn against a fresh journal and commits it as one
// indivisible step. The body may run any number of times: it re-runs after
// a validation conflict (invisible to the caller) and after every wake-up
// from an explicit Retry. A non-nil error from fn aborts the transaction
// without committing anything and is returned as-is. Cancelling ctx while
// the transaction is parked (or between attempts) deregisters it and
// returns the context error; no partial effects ever escape.
func (e *Engine) Atomically(ctx context.Context, fn func(*Txn) error) error {
	var w *waiter
	pending := false // w was woken and still holds its wake chain
	release := func() {
		if pending {
			pending = false
			e.advanceChain(w)
		}
	}
	defer release()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := newTxn(e)
		err, retried := catchRetry(tx, fn)
		tx.done = true
		if err != nil {
			return err
		}
		if !retried {
			ok := e.commit(ctx, tx)
			release()
			if ok {
				return nil
			}
			continue
		}
		// The wake chain must move on before this transaction blocks
		// again, or everything queued behind it would stall.
		release()
		woken, err := e.park(ctx, tx, &w)
		if err != nil {
			return err
		}
		pending = woken
	}
}

// Run is Atomically for bodies that produce a value.
func Run[T any](ctx context.Context, e *Engine, fn func(*Txn) (T, error)) (T, error) {
	var out T
	err := e.Atomically(ctx, func(tx *Txn) error {
		v, ferr := fn(tx)
		if ferr != nil {
			return ferr
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// commit validates the read set and, if nothing moved underneath it,
// applies all buffered writes and wakes interested waiters. Returns false
// on a validation conflict, in which case the caller re-runs the body.
func (e *Engine) commit(ctx context.Context, tx *Txn) bool {
	e.mu.Lock()
	for cs, entry := range tx.reads {
		if cs.version != entry.version {
			e.mu.Unlock()
			e.metrics.conflicts.Add(ctx, 1)
			e.logger.Debug("stm: commit conflict, re-running body")
			return false
		}
	}
	var head *waiter
	if len(tx.writes) > 0 {
		head = e.applyWrites(ctx, tx)
	}
	e.mu.Unlock()
	e.metrics.commits.Add(ctx, 1)
	if head != nil {
		close(head.wake)
	}
	return true
}

// applyWrites installs the write set, bumps versions and builds the wake
// chain: every waiter registered on a written cell is taken off the
// registry, ordered by registration sequence and linked so that each one
// resumes only after its predecessor finished its next attempt. The caller
// holds e.mu and signals the returned head after unlocking.
func (e *Engine) applyWrites(ctx context.Context, tx *Txn) *waiter {
	seen := make(map[*waiter]struct{})
	var woken []*waiter
	for cs, v := range tx.writes {
		cs.value = v
		cs.version++
		for _, w := range cs.waiters {
			if _, dup := seen[w]; dup {
				continue
			}
			seen[w] = struct{}{}
			woken = append(woken, w)
		}
	}
	if len(woken) == 0 {
		return nil
	}
	sort.Slice(woken, func(i, j int) bool { return woken[i].seq < woken[j].seq })
	for i, w := range woken {
		e.deregister(w)
		w.state = waiterChained
		if i < len(woken)-1 {
			w.next = woken[i+1]
		}
	}
	e.metrics.parked.Add(ctx, -int64(len(woken)))
	head := woken[0]
	head.state = waiterWoken
	e.logger.Debug("stm: commit woke waiters", zap.Int("count", len(woken)), zap.Uint64("head_seq", head.seq))
	return head
}

// park validates the read set once more and, if it is still current,
// registers the transaction as a waiter on every cell it read and blocks
// until a commit touches one of them or ctx is cancelled. A waiter struct
// is allocated on first park and reused afterwards so the transaction
// keeps its original sequence number across re-parks. Reports whether the
// transaction actually parked and was woken (and so still holds its place
// in a wake chain).
func (e *Engine) park(ctx context.Context, tx *Txn, wp **waiter) (bool, error) {
	e.mu.Lock()
	for cs, entry := range tx.reads {
		if cs.version != entry.version {
			// Already stale; re-run instead of sleeping through the wake.
			e.mu.Unlock()
			return false, nil
		}
	}
	if len(tx.reads) == 0 {
		e.mu.Unlock()
		panic(ErrRetryNoReads)
	}
	w := *wp
	if w == nil {
		e.seq++
		w = &waiter{seq: e.seq}
		*wp = w
	}
	w.wake = make(chan struct{})
	w.state = waiterParked
	w.next = nil
	w.cells = w.cells[:0]
	for cs := range tx.reads {
		w.cells = append(w.cells, cs)
		cs.waiters = append(cs.waiters, w)
	}
	e.mu.Unlock()
	e.metrics.retries.Add(ctx, 1)
	e.metrics.parked.Add(ctx, 1)
	e.logger.Debug("stm: parked transaction",
		zap.Uint64("seq", w.seq),
		zap.Int("interest_cells", len(w.cells)),
		zap.Int64("goroutine", commonutils.GoID()))
	if err := e.parker.Park(ctx, w.wake); err != nil {
		e.cancelWaiter(ctx, w)
		return false, err
	}
	e.logger.Debug("stm: resumed transaction", zap.Uint64("seq", w.seq))
	return true, nil
}

// advanceChain hands the wake chain from w to its nearest live successor.
// Called after the woken transaction finished its next attempt, whatever
// the outcome, so chained waiters resume strictly in sequence order.
func (e *Engine) advanceChain(w *waiter) {
	e.mu.Lock()
	succ := w.next
	w.next = nil
	w.state = waiterDone
	var toWake *waiter
	for succ != nil {
		if succ.state == waiterChained {
			succ.state = waiterWoken
			toWake = succ
			break
		}
		if succ.state == waiterDone {
			// Interrupted while chained; it kept its next pointer.
			succ = succ.next
			continue
		}
		break
	}
	e.mu.Unlock()
	if toWake != nil {
		close(toWake.wake)
	}
}

// cancelWaiter unwinds an interrupted waiter: a parked one is deregistered
// from every interest cell; one holding a wake chain passes it on. One
// cancelled mid-chain keeps its next pointer so a predecessor can skip
// over it.
func (e *Engine) cancelWaiter(ctx context.Context, w *waiter) {
	e.mu.Lock()
	prev := w.state
	w.state = waiterDone
	if prev == waiterParked {
		e.deregister(w)
		e.metrics.parked.Add(ctx, -1)
	}
	var toWake *waiter
	if prev != waiterChained {
		succ := w.next
		w.next = nil
		for succ != nil {
			if succ.state == waiterChained {
				succ.state = waiterWoken
				toWake = succ
				break
			}
			if succ.state == waiterDone {
				succ = succ.next
				continue
			}
			break
		}
	}
	e.mu.Unlock()
	e.logger.Debug("stm: cancelled waiter", zap.Uint64("seq", w.seq))
	if toWake != nil {
		close(toWake.wake)
	}
}

// deregister removes w from the waiter list of every cell it is registered
// on. Caller holds e.mu.
func (e *Engine) deregister(w *waiter) {
	for _, cs := range w.cells {
		cs.removeWaiter(w)
	}
	w.cells = nil
}
