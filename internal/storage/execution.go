package storage

import (
	"github.com/michaelbrown/rlm/internal/repl"
)

// NewExecution builds the record of one Execute call. res may be nil when
// the snippet never ran.
func NewExecution(sessionID, code string, res *repl.Result, err error) *Execution {
	e := &Execution{SessionID: sessionID, Code: code}
	if res != nil {
		e.Mode = res.Mode.String()
		e.Stdout = res.Stdout
		e.Stderr = res.Stderr
		e.Display = res.DisplayText
		e.Changed = res.Changed
		e.Duration = res.Duration
	}
	if err != nil {
		e.Error = err.Error()
		e.ErrorKind = "environment"
		if kind, ok := repl.KindOf(err); ok {
			e.ErrorKind = kind.String()
		}
	}
	return e
}
