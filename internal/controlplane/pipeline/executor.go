package pipeline

import "context"

// SerializedMutationExecutor is a FIFO single-slot queue: Run awaits the
// in-flight task (if any), runs fn, then releases the slot. It guarantees
// that all mutations touching the journal, the idempotency ledger, or the
// outbox are strictly serialized, never re-entrant — spec §4.2 and §5.
//
// Grounded on the single in-flight task discipline in the teacher's
// internal/gitai/supervisor.Supervisor (one watch-and-restart goroutine per
// server, coordinated by a mutex), generalized here to a single shared lane
// guarding every mutating call site rather than per-resource locks.
type SerializedMutationExecutor struct {
	slot chan struct{}
}

// NewSerializedMutationExecutor returns a ready-to-use executor.
func NewSerializedMutationExecutor() *SerializedMutationExecutor {
	e := &SerializedMutationExecutor{slot: make(chan struct{}, 1)}
	e.slot <- struct{}{}
	return e
}

// Run executes fn once it has sole possession of the lane, returning fn's
// result. It blocks until either the lane is acquired or ctx is cancelled.
func (e *SerializedMutationExecutor) Run(ctx context.Context, fn func() (any, error)) (any, error) {
	select {
	case <-e.slot:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { e.slot <- struct{}{} }()
	return fn()
}
