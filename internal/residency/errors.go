package residency

import (
	"errors"
	"fmt"
	"time"
)

// convergenceError signals that an expected residency change never became
// observable within its polling ceiling, for 504 mapping.
type convergenceError struct {
	op      string
	modelID string
	ceiling time.Duration
}

func (e convergenceError) Error() string {
	return fmt.Sprintf("%s convergence for %s not reached within %s", e.op, e.modelID, e.ceiling)
}

// ErrConvergenceTimeout constructs a convergenceError.
func ErrConvergenceTimeout(op, modelID string, ceiling time.Duration) error {
	return convergenceError{op: op, modelID: modelID, ceiling: ceiling}
}

// IsConvergenceTimeout reports whether err indicates a convergence ceiling
// expiry (return 504).
func IsConvergenceTimeout(err error) bool {
	var ce convergenceError
	return errors.As(err, &ce)
}
