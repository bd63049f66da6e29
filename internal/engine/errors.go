package engine

import (
	"fmt"

	"diwan/internal/engine/policy"
	"diwan/internal/lifecycle"
)

// PermissionDeniedError means the actor may not perform the action,
// regardless of case status.
type PermissionDeniedError struct {
	Action lifecycle.Action
	Reason policy.Reason
}

func (e PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied for %s: %s", e.Action, e.Reason)
}

// InvalidTransitionError means the action exists but the case is not
// at a point in its lifecycle where it applies. Terminal statuses
// produce this for every action.
type InvalidTransitionError struct {
	Type   lifecycle.CaseType
	From   lifecycle.Status
	Action lifecycle.Action
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Type, e.From, e.Action)
}

// ValidationError reports a malformed action payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
