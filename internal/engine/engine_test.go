package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"diwan/internal/config"
	"diwan/internal/db"
	"diwan/internal/domain"
	"diwan/internal/engine"
	"diwan/internal/lifecycle"
	"diwan/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-council")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	for actor, role := range map[string]lifecycle.Role{
		"admin":  lifecycle.RoleAdmin,
		"shaykh": lifecycle.RoleShaykh,
		"asker":  lifecycle.RoleUser,
	} {
		if err := eng.Repo.SetActorRole(ctx, actor, role, "2025-01-01T00:00:00Z"); err != nil {
			t.Fatalf("seed actor: %v", err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func newFatwa(t *testing.T, env testEnv) domain.Case {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		Type:     lifecycle.Fatwa,
		Title:    "Zakat on savings",
		Question: "Is zakat due on savings held less than a year?",
		ActorID:  "asker",
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func apply(t *testing.T, env testEnv, caseID string, action lifecycle.Action, actorID string, role lifecycle.Role, payload any) domain.Case {
	t.Helper()
	c, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{
		CaseID:  caseID,
		Action:  action,
		ActorID: actorID,
		Role:    role,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("%s: %v", action, err)
	}
	return c
}

func TestFatwaFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c := newFatwa(t, env)
	if c.Status != lifecycle.StatusPending {
		t.Fatalf("new case should be pending, got %s", c.Status)
	}

	c = apply(t, env, c.ID, lifecycle.ActionAssign, "admin", lifecycle.RoleAdmin, engine.AssignPayload{AssignedTo: "shaykh"})
	if c.Status != lifecycle.StatusAssigned || c.AssignedTo == nil || *c.AssignedTo != "shaykh" {
		t.Fatalf("assign: %+v", c)
	}

	c = apply(t, env, c.ID, lifecycle.ActionAnswer, "shaykh", lifecycle.RoleShaykh, engine.AnswerPayload{Answer: "Zakat falls due after a full lunar year."})
	if c.Status != lifecycle.StatusAnswered || c.AnsweredBy == nil || *c.AnsweredBy != "shaykh" {
		t.Fatalf("answer: %+v", c)
	}

	c = apply(t, env, c.ID, lifecycle.ActionApprove, "admin", lifecycle.RoleAdmin, engine.ApprovePayload{Comment: "sound"})
	if c.Status != lifecycle.StatusApproved {
		t.Fatalf("approve: %+v", c)
	}

	// approved is terminal
	_, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{
		CaseID: c.ID, Action: lifecycle.ActionAssign, ActorID: "admin", Role: lifecycle.RoleAdmin,
		Payload: engine.AssignPayload{AssignedTo: "shaykh"},
	})
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestStrangerCannotComplete(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		Type:    lifecycle.Reconciliation,
		Title:   "Family dispute",
		ActorID: "asker",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c = apply(t, env, c.ID, lifecycle.ActionAssign, "admin", lifecycle.RoleAdmin, engine.AssignPayload{AssignedTo: "shaykh"})
	c = apply(t, env, c.ID, lifecycle.ActionScheduleMeeting, "shaykh", lifecycle.RoleShaykh, engine.MeetingPayload{Date: "2025-03-10"})
	if c.Status != lifecycle.StatusInProgress {
		t.Fatalf("first meeting should start work, got %s", c.Status)
	}

	_, err = env.Engine.Apply(env.Ctx, engine.ApplyOptions{
		CaseID: c.ID, Action: lifecycle.ActionComplete, ActorID: "someone-else", Role: lifecycle.RoleUser,
		Payload: engine.CompletePayload{Outcome: "resolved"},
	})
	var pd engine.PermissionDeniedError
	if !errors.As(err, &pd) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if pd.Reason != "role_not_permitted" {
		t.Fatalf("unexpected reason %s", pd.Reason)
	}
}

func TestUnapproveKeepsAnswerAndAssignee(t *testing.T) {
	env := newTestEnv(t)
	c := newFatwa(t, env)
	c = apply(t, env, c.ID, lifecycle.ActionAssign, "admin", lifecycle.RoleAdmin, engine.AssignPayload{AssignedTo: "shaykh"})
	c = apply(t, env, c.ID, lifecycle.ActionAnswer, "shaykh", lifecycle.RoleShaykh, engine.AnswerPayload{Answer: "Draft ruling."})
	c = apply(t, env, c.ID, lifecycle.ActionUnapprove, "admin", lifecycle.RoleAdmin, nil)
	if c.Status != lifecycle.StatusAssigned {
		t.Fatalf("expected assigned after unapprove, got %s", c.Status)
	}
	if c.AssignedTo == nil || *c.AssignedTo != "shaykh" {
		t.Fatalf("assignment should survive unapprove")
	}
	if c.Answer == nil || *c.Answer != "Draft ruling." {
		t.Fatalf("answer should survive unapprove")
	}
	if c.ApprovalComment != nil {
		t.Fatalf("approval comment should be cleared")
	}
}

func TestCompleteOutcomes(t *testing.T) {
	env := newTestEnv(t)
	for outcome, want := range map[string]lifecycle.Status{
		"resolved":   lifecycle.StatusResolved,
		"unresolved": lifecycle.StatusUnresolved,
	} {
		c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
			Type:    lifecycle.Marriage,
			Title:   "Counsel " + outcome,
			ActorID: "asker",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		c = apply(t, env, c.ID, lifecycle.ActionAssign, "admin", lifecycle.RoleAdmin, engine.AssignPayload{AssignedTo: "shaykh"})
		c = apply(t, env, c.ID, lifecycle.ActionScheduleMeeting, "shaykh", lifecycle.RoleShaykh, engine.MeetingPayload{Date: "2025-03-05"})
		c = apply(t, env, c.ID, lifecycle.ActionComplete, "shaykh", lifecycle.RoleShaykh, engine.CompletePayload{Outcome: outcome, Details: "done"})
		if c.Status != want {
			t.Fatalf("outcome %s: expected %s, got %s", outcome, want, c.Status)
		}
		if c.Outcome == nil || string(*c.Outcome) != outcome {
			t.Fatalf("outcome %s not recorded: %+v", outcome, c.Outcome)
		}
	}
}

func TestCreateCaseWritesAuditEvent(t *testing.T) {
	env := newTestEnv(t)
	c := newFatwa(t, env)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "case", c.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 1 || evts[0].Type != "case.created" {
		t.Fatalf("expected a single case.created event, got %+v", evts)
	}
	if evts[0].ActorID == nil || *evts[0].ActorID != "asker" {
		t.Fatalf("created event should carry the creator, got %+v", evts[0].ActorID)
	}
}

func TestCancelIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		Type:    lifecycle.Reconciliation,
		Title:   "Family dispute",
		ActorID: "asker",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c = apply(t, env, c.ID, lifecycle.ActionCancel, "asker", lifecycle.RoleUser, engine.CancelPayload{Reason: "settled privately"})
	if c.Status != lifecycle.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", c.Status)
	}
	_, err = env.Engine.Apply(env.Ctx, engine.ApplyOptions{
		CaseID: c.ID, Action: lifecycle.ActionAssign, ActorID: "admin", Role: lifecycle.RoleAdmin,
		Payload: engine.AssignPayload{AssignedTo: "shaykh"},
	})
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestFatwaHasNoCancel(t *testing.T) {
	env := newTestEnv(t)
	c := newFatwa(t, env)
	_, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{
		CaseID: c.ID, Action: lifecycle.ActionCancel, ActorID: "asker", Role: lifecycle.RoleUser,
		Payload: engine.CancelPayload{Reason: "changed my mind"},
	})
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition for fatwa cancel, got %v", err)
	}
}

func TestAssignRequiresShaykh(t *testing.T) {
	env := newTestEnv(t)
	c := newFatwa(t, env)
	_, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{
		CaseID: c.ID, Action: lifecycle.ActionAssign, ActorID: "admin", Role: lifecycle.RoleAdmin,
		Payload: engine.AssignPayload{AssignedTo: "asker"},
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error assigning to a plain user, got %v", err)
	}
}

func TestFatwaFeedbackOnlyWhenAnswered(t *testing.T) {
	env := newTestEnv(t)
	c := newFatwa(t, env)
	_, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{
		CaseID: c.ID, Action: lifecycle.ActionAddFeedback, ActorID: "asker", Role: lifecycle.RoleUser,
		Payload: engine.FeedbackPayload{Comment: "too early"},
	})
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition before answer, got %v", err)
	}

	c = apply(t, env, c.ID, lifecycle.ActionAssign, "admin", lifecycle.RoleAdmin, engine.AssignPayload{AssignedTo: "shaykh"})
	c = apply(t, env, c.ID, lifecycle.ActionAnswer, "shaykh", lifecycle.RoleShaykh, engine.AnswerPayload{Answer: "Ruling text."})
	apply(t, env, c.ID, lifecycle.ActionAddFeedback, "asker", lifecycle.RoleUser, engine.FeedbackPayload{Comment: "thank you"})

	entries, err := env.Engine.Repo.ListFeedback(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("list feedback: %v", err)
	}
	if len(entries) != 1 || entries[0].AuthorRole != lifecycle.RoleUser {
		t.Fatalf("unexpected feedback entries: %+v", entries)
	}
}

func TestFeedbackOrderIsInsertionOrder(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		Type:    lifecycle.Reconciliation,
		Title:   "Neighbour dispute",
		ActorID: "asker",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	comments := []string{"first", "second", "third"}
	for _, msg := range comments {
		apply(t, env, c.ID, lifecycle.ActionAddFeedback, "asker", lifecycle.RoleUser, engine.FeedbackPayload{Comment: msg})
	}
	entries, err := env.Engine.Repo.ListFeedback(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("list feedback: %v", err)
	}
	if len(entries) != len(comments) {
		t.Fatalf("expected %d entries, got %d", len(comments), len(entries))
	}
	for i, msg := range comments {
		if entries[i].Comment != msg {
			t.Fatalf("entry %d out of order: %s", i, entries[i].Comment)
		}
	}
}

func TestFatwaRequiresQuestion(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		Type:    lifecycle.Fatwa,
		Title:   "No question",
		ActorID: "asker",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMeetingPayloadValidation(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		Type:    lifecycle.Marriage,
		Title:   "Counsel",
		ActorID: "asker",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.Engine.Apply(env.Ctx, engine.ApplyOptions{
		CaseID: c.ID, Action: lifecycle.ActionScheduleMeeting, ActorID: "asker", Role: lifecycle.RoleUser,
		Payload: engine.MeetingPayload{Date: "June 1st"},
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for bad date, got %v", err)
	}
}
