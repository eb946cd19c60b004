package errors

import (
	"fmt"
	"runtime/debug"
)

// maxStackBytes bounds the stack kept on a recovered panic.
const maxStackBytes = 8 << 10

// RecoverPanic converts a recovered value into a fatal internal error
// carrying the panicking goroutine's stack. It returns nil for nil.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	var cause error
	switch v := r.(type) {
	case error:
		cause = fmt.Errorf("panic: %w", v)
	default:
		cause = fmt.Errorf("panic: %v", v)
	}

	stack := debug.Stack()
	if len(stack) > maxStackBytes {
		stack = stack[:maxStackBytes]
	}

	return ErrInternal.
		WithCause(cause).
		WithDetail("panic", true).
		WithDetail("stack_trace", string(stack)).
		AsFatal()
}
