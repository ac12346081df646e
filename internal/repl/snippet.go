package repl

// Mode is the execution strategy chosen for a snippet.
type Mode int

const (
	// ModeSimple runs the snippet to completion on the caller's goroutine.
	ModeSimple Mode = iota
	// ModeSuspending runs the snippet as one unit driven by the scheduler.
	ModeSuspending
)

func (m Mode) String() string {
	if m == ModeSuspending {
		return "suspending"
	}
	return "simple"
}

// Final tags the last top-level statement of a snippet.
type Final int

const (
	// FinalNone means the snippet has no statements.
	FinalNone Final = iota
	// FinalStatement means the last statement produces no display value.
	FinalStatement
	// FinalExpression means the last statement is a bare expression whose
	// value is reported as the display value.
	FinalExpression
)

func (f Final) String() string {
	switch f {
	case FinalStatement:
		return "statement"
	case FinalExpression:
		return "expression"
	}
	return "none"
}

// Snippet is an analyzed unit of source. It is produced by Engine.Analyze
// and never modified afterwards.
type Snippet struct {
	// Source is the text as submitted.
	Source string

	Mode  Mode
	Final Final

	// Body holds the engine-ready statements, excluding the tail.
	Body string

	// Tail is the trailing expression's source when Final is FinalExpression.
	Tail string

	// Declared lists identifiers declared at top level, in source order.
	Declared []string

	// Statements is the number of top-level statements.
	Statements int
}

// Empty reports whether the snippet contains no statements.
func (s *Snippet) Empty() bool {
	return s.Statements == 0
}
