package stm

// cellState is the engine-internal representation of a transactional cell:
// a versioned value slot plus the FIFO list of waiters currently interested
// in it. All fields except the owning engine pointer are guarded by the
// engine mutex; the value is only ever replaced by a committing transaction.
type cellState struct {
	engine  *Engine
	value   any
	version uint64
	waiters []*waiter // registration order, guarded by engine.mu
}

// removeWaiter deletes w from the cell's waiter list. Caller holds engine.mu.
func (cs *cellState) removeWaiter(w *waiter) {
	for i, cur := range cs.waiters {
		if cur == w {
			cs.waiters = append(cs.waiters[:i], cs.waiters[i+1:]...)
			return
		}
	}
}

// Cell is a typed handle to a single unit of transactional shared state.
// Reads and writes are only valid through an active Txn; the committed value
// can additionally be inspected with Load for display-only purposes.
type Cell[A any] struct {
	cs *cellState
}

// NewCell creates a cell owned by the given engine, holding initial.
func NewCell[A any](e *Engine, initial A) *Cell[A] {
	return &Cell[A]{cs: &cellState{engine: e, value: initial}}
}

// Get returns the cell's value as seen by the transaction: the transaction's
// own pending write if one exists, otherwise the committed value at first
// read. The observed version is recorded for commit-time validation.
func (c *Cell[A]) Get(tx *Txn) A {
	return tx.read(c.cs).(A)
}

// Set buffers a write of v into the transaction's journal. Nothing becomes
// visible to other transactions until the enclosing Atomically commits.
func (c *Cell[A]) Set(tx *Txn, v A) {
	tx.write(c.cs, v)
}

// Update applies f to the transactional value and writes the result back,
// returning the new value.
func (c *Cell[A]) Update(tx *Txn, f func(A) A) A {
	next := f(c.Get(tx))
	c.Set(tx, next)
	return next
}

// Load returns a snapshot of the committed value without a transaction.
// Useful for inspection only; any decision based on the result must be made
// inside a transaction instead.
func (c *Cell[A]) Load() A {
	e := c.cs.engine
	e.mu.Lock()
	v := c.cs.value
	e.mu.Unlock()
	return v.(A)
}
