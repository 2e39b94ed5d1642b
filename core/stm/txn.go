package stm

// retrySignal is the panic payload used by Txn.Retry to unwind the current
// attempt. It never escapes the engine: Atomically and OrElse recover it.
type retrySignal struct{}

// readEntry captures the version and value of a cell at its first read, so
// repeated reads inside one attempt stay stable and commit can validate.
type readEntry struct {
	version uint64
	value   any
}

// Txn is the journal of a single transaction attempt. All cell reads and
// writes go through it; nothing touches committed state until the engine
// validates and applies the journal as one unit. A Txn is only valid inside
// the body invocation it was created for.
type Txn struct {
	engine *Engine
	reads  map[*cellState]readEntry
	writes map[*cellState]any
	done   bool
}

func newTxn(e *Engine) *Txn {
	return &Txn{
		engine: e,
		reads:  make(map[*cellState]readEntry),
		writes: make(map[*cellState]any),
	}
}

func (tx *Txn) check(cs *cellState) {
	if tx.done {
		panic(ErrTxnExpired)
	}
	if cs.engine != tx.engine {
		panic(ErrForeignCell)
	}
}

func (tx *Txn) read(cs *cellState) any {
	tx.check(cs)
	if v, ok := tx.writes[cs]; ok {
		return v
	}
	if e, ok := tx.reads[cs]; ok {
		return e.value
	}
	eng := tx.engine
	eng.mu.Lock()
	entry := readEntry{version: cs.version, value: cs.value}
	eng.mu.Unlock()
	tx.reads[cs] = entry
	return entry.value
}

func (tx *Txn) write(cs *cellState, v any) {
	tx.check(cs)
	tx.writes[cs] = v
}

// Retry abandons the current attempt because a precondition does not hold
// yet (an empty queue, a held lock). If no OrElse alternative is pending,
// the transaction parks until another commit touches one of the cells it
// has read, then the body re-runs from scratch.
func (tx *Txn) Retry() {
	if tx.done {
		panic(ErrTxnExpired)
	}
	panic(retrySignal{})
}

// Check retries the transaction unless cond holds.
func (tx *Txn) Check(cond bool) {
	if !cond {
		tx.Retry()
	}
}

// catchRetry runs fn against tx, reporting whether it bailed out via Retry.
// Any other panic propagates.
func catchRetry(tx *Txn, fn func(*Txn) error) (err error, retried bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(retrySignal); ok {
				retried = true
				return
			}
			panic(r)
		}
	}()
	err = fn(tx)
	return
}

// OrElse composes two transaction bodies: it runs first, and if first calls
// Retry it runs second in the same attempt instead of blocking. Reads made
// by the first body stay in the journal (a change to any of them must wake
// the transaction if both branches end up retrying), but its buffered
// writes are rolled back before second runs. Only if both bodies retry does
// the combined body retry.
func OrElse(first, second func(*Txn) error) func(*Txn) error {
	return func(tx *Txn) error {
		saved := make(map[*cellState]any, len(tx.writes))
		for cs, v := range tx.writes {
			saved[cs] = v
		}
		err, retried := catchRetry(tx, first)
		if !retried {
			return err
		}
		tx.writes = saved
		return second(tx)
	}
}
