package pool

import "fmt"

// OperationError reports a failed WithConnection call.
type OperationError struct {
	Key        Key
	Server     string
	Operations int
	Cause      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("pool: %s (%s): %d operation(s) failed: %v", e.Server, e.Key, e.Operations, e.Cause)
}

func (e *OperationError) Unwrap() error { return e.Cause }

// BatchError reports a failed WithConnectionBatch call. Cause is the first
// operation failure.
type BatchError struct {
	Key        Key
	Server     string
	Operations int
	Cause      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("pool: %s (%s): batch of %d operation(s) failed: %v", e.Server, e.Key, e.Operations, e.Cause)
}

func (e *BatchError) Unwrap() error { return e.Cause }
