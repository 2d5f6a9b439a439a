package vm

import (
	"fmt"

	"github.com/pkg/errors"
)

// BugError reports a broken VM invariant: a corrupted frame chain, a stale
// env handle, a catch table scan that ran off the sentinel. These are never
// user-recoverable and are raised with panic.
type BugError struct {
	err error
}

func (b *BugError) Error() string { return "[BUG] " + b.err.Error() }

// Format prints the captured stack trace with %+v.
func (b *BugError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "[BUG] %+v", b.err)
		return
	}
	fmt.Fprint(s, b.Error())
}

// bug aborts execution with a diagnostic.
func bug(format string, args ...any) {
	b := &BugError{err: errors.Errorf(format, args...)}
	log.Criticalf("%+v", b)
	panic(b)
}

// FatalError terminates the current thread without consulting catch tables.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "fatal: " + e.Reason }

var errStackOverflow = &FatalError{Reason: "stack level too deep"}

// IsStackOverflow reports whether err is the per-thread stack overflow.
func IsStackOverflow(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe) && fe == errStackOverflow
}
