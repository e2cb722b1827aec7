package acl

import (
	"fmt"
	"strings"
)

// AccessError reports a denied access. Rule is the rule that denied it, or
// nil when no rule matched. Err is set when a predicate failed to compile or
// evaluate.
type AccessError struct {
	ResourceID    string
	Access        Access
	ParticipantID string
	Rule          *Rule
	Err           error
}

func (e *AccessError) Error() string {
	var buf strings.Builder
	participant := e.ParticipantID
	if participant == "" {
		participant = "<anonymous>"
	}
	fmt.Fprintf(&buf, "participant '%s' does not have '%s' access to resource '%s'", participant, e.Access, e.ResourceID)
	if e.Rule != nil {
		buf.WriteString(" (rule ")
		buf.WriteString(e.Rule.Name())
		buf.WriteString(")")
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// PredicateError is a predicate that could not be parsed or evaluated.
type PredicateError struct {
	Predicate string
	Err       error
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("predicate %q: %v", e.Predicate, e.Err)
}

func (e *PredicateError) Unwrap() error {
	return e.Err
}

func evalErrf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
