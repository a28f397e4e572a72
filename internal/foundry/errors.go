package foundry

import (
	"errors"
	"fmt"
	"strings"
)

// stderrTailLimit bounds the diagnostic capture attached to command errors.
const stderrTailLimit = 16 * 1024

// CommandError reports a control-binary invocation that exited non-zero,
// carrying the captured output for classification and diagnostics.
type CommandError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("control command %s: exit %d: %s",
		strings.Join(e.Args, " "), e.ExitCode, tail(e.Stderr, 256))
}

// AsCommandError unwraps err into a CommandError when it is one.
func AsCommandError(err error) (*CommandError, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
