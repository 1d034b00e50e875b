package breaker

import (
	"errors"
	"fmt"
	"time"
)

// OpenError is returned by Execute when the breaker disallows a call. It is
// the only error the breaker ever originates; operation errors are always
// propagated verbatim. The rejection is recoverable — callers should consult
// RetryAfter before trying again.
type OpenError struct {
	Dependency    string
	FailureCount  int
	LastFailureAt time.Time
	NextRetryAt   time.Time

	// RetryAfter is the time remaining until the next probe is admitted,
	// floored at zero.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s: %d consecutive failures, retry in %s",
		e.Dependency, e.FailureCount, e.RetryAfter.Round(time.Millisecond))
}

// IsOpen reports whether err is a breaker rejection (as opposed to an error
// from the wrapped operation itself).
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}
