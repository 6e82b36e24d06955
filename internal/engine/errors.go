package engine

import (
	"fmt"
	"strings"
)

// AuthorizationError means the actor is not an eligible approver for the
// step they tried to act on.
type AuthorizationError struct {
	ActorID string
	StepKey string
	Action  string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s may not %s step %s", e.ActorID, e.Action, e.StepKey)
}

// ChecklistIncompleteError blocks an approval while required checklist items
// are not yet passed. Missing holds the item names.
type ChecklistIncompleteError struct {
	StepInstanceID string
	Missing        []string
}

func (e ChecklistIncompleteError) Error() string {
	return fmt.Sprintf("checklist incomplete for step instance %s: missing %s", e.StepInstanceID, strings.Join(e.Missing, ", "))
}

// InvalidOperationError reports an operation that conflicts with current
// state, e.g. acting on a non-pending step or a closed case.
type InvalidOperationError struct {
	Reason string
}

func (e InvalidOperationError) Error() string {
	return e.Reason
}

// UnresolvableApproverError means a step's approver strategy yielded no
// eligible actor. This is a directory or configuration defect, not a caller
// mistake.
type UnresolvableApproverError struct {
	StepKey  string
	Strategy string
	Detail   string
}

func (e UnresolvableApproverError) Error() string {
	msg := fmt.Sprintf("no approver resolvable for step %s (strategy %s)", e.StepKey, e.Strategy)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
