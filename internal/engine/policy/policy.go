// Package policy decides whether an actor may attempt an action on a
// case. It is pure: no storage, no clock, no side effects. Status
// conditions are part of the decision so callers can distinguish "you
// may never do this" from "not at this point in the lifecycle".
package policy

import (
	"diwan/internal/domain"
	"diwan/internal/lifecycle"
)

type Actor struct {
	ID   string
	Role lifecycle.Role
}

type Reason string

const (
	ReasonRoleNotPermitted Reason = "role_not_permitted"
	ReasonNotAssigned      Reason = "not_assigned"
	ReasonNotOwner         Reason = "not_owner"
	ReasonWrongStatus      Reason = "wrong_status"
)

type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(r Reason) Decision { return Decision{Reason: r} }

// Authorize evaluates the role and relationship rules for action on c.
// It never consults the transition tables; a permitted action can still
// fail lookup there.
func Authorize(actor Actor, c domain.Case, action lifecycle.Action) Decision {
	isAdmin := actor.Role == lifecycle.RoleAdmin
	isAssigned := c.AssignedTo != nil && *c.AssignedTo == actor.ID
	isCreator := c.CreatedBy == actor.ID

	switch action {
	case lifecycle.ActionAssign:
		if !isAdmin {
			return deny(ReasonRoleNotPermitted)
		}
		if c.Status != lifecycle.StatusPending {
			return deny(ReasonWrongStatus)
		}
	case lifecycle.ActionAnswer:
		if !isAssigned {
			return deny(ReasonNotAssigned)
		}
		if c.Status != lifecycle.StatusAssigned {
			return deny(ReasonWrongStatus)
		}
	case lifecycle.ActionApprove, lifecycle.ActionUnapprove:
		if !isAdmin {
			return deny(ReasonRoleNotPermitted)
		}
		if c.Status != lifecycle.StatusAnswered {
			return deny(ReasonWrongStatus)
		}
	case lifecycle.ActionScheduleMeeting:
		if !isAdmin && !isAssigned && !isCreator {
			return deny(ReasonRoleNotPermitted)
		}
		if lifecycle.Terminal(c.Type, c.Status) {
			return deny(ReasonWrongStatus)
		}
	case lifecycle.ActionAddFeedback:
		if !isAdmin && !isAssigned && !isCreator {
			return deny(ReasonRoleNotPermitted)
		}
		if lifecycle.Terminal(c.Type, c.Status) {
			return deny(ReasonWrongStatus)
		}
		if c.Type == lifecycle.Fatwa && c.Status != lifecycle.StatusAnswered {
			return deny(ReasonWrongStatus)
		}
	case lifecycle.ActionAddShaykhNotes:
		if !isAdmin && !isAssigned {
			return deny(ReasonNotAssigned)
		}
		if lifecycle.Terminal(c.Type, c.Status) {
			return deny(ReasonWrongStatus)
		}
	case lifecycle.ActionComplete:
		if !isAdmin && !isAssigned {
			return deny(ReasonRoleNotPermitted)
		}
		if lifecycle.Terminal(c.Type, c.Status) {
			return deny(ReasonWrongStatus)
		}
	case lifecycle.ActionCancel:
		if !isAdmin && !isCreator {
			return deny(ReasonNotOwner)
		}
		if lifecycle.Terminal(c.Type, c.Status) {
			return deny(ReasonWrongStatus)
		}
	default:
		return deny(ReasonRoleNotPermitted)
	}
	return allow()
}
