package processor

import (
	"context"
	"fmt"
)

// Result is the outcome of one portal lookup. Found carries an opaque
// payload persisted verbatim; a miss carries a short human-readable reason.
type Result struct {
	Found   bool
	Payload map[string]string
	Reason  string
}

// Found builds a hit result.
func Found(payload map[string]string) Result {
	return Result{Found: true, Payload: payload}
}

// NotFound builds a miss result.
func NotFound(reason string) Result {
	return Result{Reason: reason}
}

// ExhaustedError signals that the processor's internal retry policy ran out.
// The worker settles the record to the stage's error state with the reason.
type ExhaustedError struct {
	Reason string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted: %s", e.Reason)
}

// Exhausted builds an ExhaustedError.
func Exhausted(reason string) error {
	return &ExhaustedError{Reason: reason}
}

// Driver is a handle to an automated web session. It is a scarce resource:
// exactly one worker owns a driver from acquisition to release, and release
// must happen on every worker exit path.
type Driver interface {
	Release() error
}

// DriverFactory acquires fresh drivers for starting workers. Implementations
// wrap a browser automation runtime; acquisition may be slow.
type DriverFactory interface {
	Acquire(ctx context.Context) (Driver, error)
}

// Processor consumes one DNI against an external portal. It owns its own
// internal retry policy (per-attempt delays, page reloads, CAPTCHA retries)
// and must not touch the store. A returned ExhaustedError is terminal for
// the record at this stage.
type Processor interface {
	Process(ctx context.Context, driver Driver, dni string) (Result, error)
}
