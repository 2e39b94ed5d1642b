package stm

import "context"

// waiterState tracks a parked transaction through the wake handoff.
// Transitions are guarded by the engine mutex:
//
//	parked  -> chained  (a commit touched an interest cell; deregistered,
//	                     queued behind an earlier waiter of the same commit)
//	parked  -> woken    (head of a wake chain; signal fired)
//	chained -> woken    (predecessor finished its attempt)
//	any     -> done     (owner resumed or was interrupted)
type waiterState int

const (
	waiterParked waiterState = iota
	waiterChained
	waiterWoken
	waiterDone
)

// waiter is a parked transaction awaiting a relevant commit. The sequence
// number is assigned at the first park of an Atomically call and reused
// across re-parks, so a long-blocked transaction keeps its place ahead of
// younger ones no matter how many times it is woken and re-parked.
type waiter struct {
	seq   uint64
	wake  chan struct{}
	state waiterState
	cells []*cellState
	next  *waiter // successor in the current wake chain
}

// Parker is the suspension hook handed to the host scheduler. The engine
// calls Park when a transaction must block after Retry; the wake channel is
// closed when a commit makes the transaction runnable again. The default
// implementation simply blocks the calling goroutine; a cooperative runtime
// may substitute its own parking.
type Parker interface {
	Park(ctx context.Context, wake <-chan struct{}) error
}

// goroutineParker parks the calling goroutine on the wake channel.
type goroutineParker struct{}

func (goroutineParker) Park(ctx context.Context, wake <-chan struct{}) error {
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
