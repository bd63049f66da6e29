package policy

import (
	"testing"

	"diwan/internal/domain"
	"diwan/internal/lifecycle"
)

func strptr(s string) *string { return &s }

func fatwaCase(status lifecycle.Status) domain.Case {
	return domain.Case{
		ID:        "c1",
		Type:      lifecycle.Fatwa,
		Status:    status,
		CreatedBy: "asker",
	}
}

func TestAssignAuthorization(t *testing.T) {
	c := fatwaCase(lifecycle.StatusPending)

	d := Authorize(Actor{ID: "admin", Role: lifecycle.RoleAdmin}, c, lifecycle.ActionAssign)
	if !d.Allowed {
		t.Fatalf("admin assign on pending denied: %s", d.Reason)
	}

	d = Authorize(Actor{ID: "shaykh", Role: lifecycle.RoleShaykh}, c, lifecycle.ActionAssign)
	if d.Allowed || d.Reason != ReasonRoleNotPermitted {
		t.Fatalf("shaykh assign: %+v", d)
	}

	c.Status = lifecycle.StatusAssigned
	d = Authorize(Actor{ID: "admin", Role: lifecycle.RoleAdmin}, c, lifecycle.ActionAssign)
	if d.Allowed || d.Reason != ReasonWrongStatus {
		t.Fatalf("assign on assigned: %+v", d)
	}
}

func TestAnswerRequiresAssignment(t *testing.T) {
	c := fatwaCase(lifecycle.StatusAssigned)
	c.AssignedTo = strptr("shaykh")

	d := Authorize(Actor{ID: "shaykh", Role: lifecycle.RoleShaykh}, c, lifecycle.ActionAnswer)
	if !d.Allowed {
		t.Fatalf("assigned shaykh answer denied: %s", d.Reason)
	}

	d = Authorize(Actor{ID: "other-shaykh", Role: lifecycle.RoleShaykh}, c, lifecycle.ActionAnswer)
	if d.Allowed || d.Reason != ReasonNotAssigned {
		t.Fatalf("unassigned shaykh answer: %+v", d)
	}

	d = Authorize(Actor{ID: "admin", Role: lifecycle.RoleAdmin}, c, lifecycle.ActionAnswer)
	if d.Allowed || d.Reason != ReasonNotAssigned {
		t.Fatalf("admin is not the assignee: %+v", d)
	}
}

func TestApproveAndUnapproveAreAdminOnly(t *testing.T) {
	c := fatwaCase(lifecycle.StatusAnswered)
	c.AssignedTo = strptr("shaykh")

	for _, action := range []lifecycle.Action{lifecycle.ActionApprove, lifecycle.ActionUnapprove} {
		d := Authorize(Actor{ID: "admin", Role: lifecycle.RoleAdmin}, c, action)
		if !d.Allowed {
			t.Fatalf("admin %s denied: %s", action, d.Reason)
		}
		d = Authorize(Actor{ID: "shaykh", Role: lifecycle.RoleShaykh}, c, action)
		if d.Allowed || d.Reason != ReasonRoleNotPermitted {
			t.Fatalf("shaykh %s: %+v", action, d)
		}
	}

	c.Status = lifecycle.StatusAssigned
	d := Authorize(Actor{ID: "admin", Role: lifecycle.RoleAdmin}, c, lifecycle.ActionApprove)
	if d.Allowed || d.Reason != ReasonWrongStatus {
		t.Fatalf("approve before answer: %+v", d)
	}
}

func TestCancelOwnership(t *testing.T) {
	c := domain.Case{
		ID:        "c3",
		Type:      lifecycle.Reconciliation,
		Status:    lifecycle.StatusPending,
		CreatedBy: "asker",
	}

	d := Authorize(Actor{ID: "asker", Role: lifecycle.RoleUser}, c, lifecycle.ActionCancel)
	if !d.Allowed {
		t.Fatalf("creator cancel denied: %s", d.Reason)
	}

	d = Authorize(Actor{ID: "stranger", Role: lifecycle.RoleUser}, c, lifecycle.ActionCancel)
	if d.Allowed || d.Reason != ReasonNotOwner {
		t.Fatalf("stranger cancel: %+v", d)
	}

	c.Status = lifecycle.StatusCancelled
	d = Authorize(Actor{ID: "asker", Role: lifecycle.RoleUser}, c, lifecycle.ActionCancel)
	if d.Allowed || d.Reason != ReasonWrongStatus {
		t.Fatalf("cancel on terminal: %+v", d)
	}
}

func TestFeedbackParticipants(t *testing.T) {
	c := domain.Case{
		ID:         "c2",
		Type:       lifecycle.Reconciliation,
		Status:     lifecycle.StatusInProgress,
		CreatedBy:  "asker",
		AssignedTo: strptr("shaykh"),
	}

	for _, a := range []Actor{
		{ID: "asker", Role: lifecycle.RoleUser},
		{ID: "shaykh", Role: lifecycle.RoleShaykh},
		{ID: "admin", Role: lifecycle.RoleAdmin},
	} {
		d := Authorize(a, c, lifecycle.ActionAddFeedback)
		if !d.Allowed {
			t.Fatalf("%s feedback denied: %s", a.ID, d.Reason)
		}
	}

	d := Authorize(Actor{ID: "stranger", Role: lifecycle.RoleUser}, c, lifecycle.ActionAddFeedback)
	if d.Allowed || d.Reason != ReasonRoleNotPermitted {
		t.Fatalf("stranger feedback: %+v", d)
	}
}

func TestFatwaFeedbackNeedsAnswer(t *testing.T) {
	c := fatwaCase(lifecycle.StatusAssigned)
	c.AssignedTo = strptr("shaykh")

	d := Authorize(Actor{ID: "asker", Role: lifecycle.RoleUser}, c, lifecycle.ActionAddFeedback)
	if d.Allowed || d.Reason != ReasonWrongStatus {
		t.Fatalf("feedback before answer: %+v", d)
	}

	c.Status = lifecycle.StatusAnswered
	d = Authorize(Actor{ID: "asker", Role: lifecycle.RoleUser}, c, lifecycle.ActionAddFeedback)
	if !d.Allowed {
		t.Fatalf("feedback on answered denied: %s", d.Reason)
	}
}

func TestShaykhNotes(t *testing.T) {
	c := fatwaCase(lifecycle.StatusAssigned)
	c.AssignedTo = strptr("shaykh")

	d := Authorize(Actor{ID: "shaykh", Role: lifecycle.RoleShaykh}, c, lifecycle.ActionAddShaykhNotes)
	if !d.Allowed {
		t.Fatalf("assigned shaykh notes denied: %s", d.Reason)
	}

	d = Authorize(Actor{ID: "asker", Role: lifecycle.RoleUser}, c, lifecycle.ActionAddShaykhNotes)
	if d.Allowed || d.Reason != ReasonNotAssigned {
		t.Fatalf("creator notes: %+v", d)
	}
}
