package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"diwan/internal/config"
	"diwan/internal/domain"
	"diwan/internal/engine/policy"
	"diwan/internal/events"
	"diwan/internal/lifecycle"
	"diwan/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	locks *lockTable
}

// lockTable serializes transitions per case. Two concurrent actions on
// the same case run one after the other; different cases do not block
// each other.
type lockTable struct {
	mu sync.Map
}

func (l *lockTable) get(caseID string) *sync.Mutex {
	m, _ := l.mu.LoadOrStore(caseID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  &lockTable{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validatePayload(p any) error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return ValidationError{Field: strings.ToLower(fe.Field()), Message: "failed " + fe.Tag() + " validation"}
	}
	return ValidationError{Message: err.Error()}
}

// Action payloads. Tags drive validation; an action with no payload
// requirements takes the zero value.
type AssignPayload struct {
	AssignedTo string `json:"assigned_to" validate:"required"`
}

type AnswerPayload struct {
	Answer string `json:"answer" validate:"required"`
}

type ApprovePayload struct {
	Comment string `json:"comment"`
}

type CompletePayload struct {
	Outcome string `json:"outcome" validate:"required,oneof=resolved unresolved"`
	Details string `json:"details"`
}

type CancelPayload struct {
	Reason string `json:"reason"`
}

type MeetingPayload struct {
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
	Time     string `json:"time" validate:"omitempty,datetime=15:04"`
	Location string `json:"location"`
	Notes    string `json:"notes"`
}

type FeedbackPayload struct {
	Comment string `json:"comment" validate:"required"`
}

type NotesPayload struct {
	Notes string `json:"notes" validate:"required"`
}

// CaseCreateOptions are parameters for opening a case.
type CaseCreateOptions struct {
	ID          string
	Type        lifecycle.CaseType
	Title       string
	Question    string
	PartiesJSON string
	ActorID     string
}

func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	if !lifecycle.ValidType(opts.Type) {
		return domain.Case{}, ValidationError{Field: "type", Message: "unknown case type"}
	}
	if opts.Title == "" {
		return domain.Case{}, ValidationError{Field: "title", Message: "title is required"}
	}
	if opts.ActorID == "" {
		return domain.Case{}, ValidationError{Field: "actor_id", Message: "actor is required"}
	}
	if opts.Type == lifecycle.Fatwa && opts.Question == "" {
		return domain.Case{}, ValidationError{Field: "question", Message: "fatwa cases need a question"}
	}
	if opts.PartiesJSON != "" {
		var tmp any
		if err := json.Unmarshal([]byte(opts.PartiesJSON), &tmp); err != nil {
			return domain.Case{}, ValidationError{Field: "parties", Message: "invalid JSON"}
		}
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.New().String()
	}
	c := domain.Case{
		ID:          id,
		Type:        opts.Type,
		Status:      lifecycle.StatusPending,
		Title:       opts.Title,
		Question:    optionalString(opts.Question),
		PartiesJSON: optionalString(opts.PartiesJSON),
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.EnsureActor(ctx, opts.ActorID, now); err != nil {
		return domain.Case{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.Case{}, err
	}
	if err := e.Events.Append(ctx, tx, "case.created", "case", c.ID, opts.ActorID, events.EventPayload{
		"type":   c.Type,
		"title":  c.Title,
		"status": c.Status,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

// ApplyOptions carry one lifecycle action against one case. Payload
// must be the action's payload type; actions without parameters accept
// nil.
type ApplyOptions struct {
	CaseID  string
	Action  lifecycle.Action
	ActorID string
	Role    lifecycle.Role
	Payload any
}

// Apply runs the full transition pipeline: authorization, table
// lookup, payload validation, side effects, persistence, audit. All
// writes land in one transaction.
func (e Engine) Apply(ctx context.Context, opts ApplyOptions) (domain.Case, error) {
	if opts.CaseID == "" {
		return domain.Case{}, ValidationError{Field: "case_id", Message: "case is required"}
	}
	if opts.ActorID == "" {
		return domain.Case{}, ValidationError{Field: "actor_id", Message: "actor is required"}
	}
	mu := e.locks.get(opts.CaseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.Repo.GetCase(ctx, opts.CaseID)
	if err != nil {
		return domain.Case{}, err
	}
	actor := policy.Actor{ID: opts.ActorID, Role: opts.Role}
	if d := policy.Authorize(actor, c, opts.Action); !d.Allowed {
		// A status-based denial reads as a lifecycle problem, not an
		// authorization one, so the same actor retrying later against
		// the right status would succeed.
		if d.Reason == policy.ReasonWrongStatus {
			return c, InvalidTransitionError{Type: c.Type, From: c.Status, Action: opts.Action}
		}
		return c, PermissionDeniedError{Action: opts.Action, Reason: d.Reason}
	}
	tr, ok := lifecycle.Lookup(c.Type, c.Status, opts.Action)
	if !ok {
		return c, InvalidTransitionError{Type: c.Type, From: c.Status, Action: opts.Action}
	}

	from := c.Status
	now := e.now().UTC().Format(time.RFC3339)
	evtPayload := events.EventPayload{"from": from}
	var newMeeting *domain.Meeting
	var newFeedback *domain.FeedbackEntry

	switch opts.Action {
	case lifecycle.ActionAssign:
		p, err := payloadAs[AssignPayload](opts.Payload)
		if err != nil {
			return c, err
		}
		a, err := e.Repo.GetActor(ctx, p.AssignedTo)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return c, ValidationError{Field: "assigned_to", Message: "unknown actor"}
			}
			return c, err
		}
		if a.Role != lifecycle.RoleShaykh && a.Role != lifecycle.RoleAdmin {
			return c, ValidationError{Field: "assigned_to", Message: "actor is not a shaykh"}
		}
		c.AssignedTo = &p.AssignedTo
		evtPayload["assigned_to"] = p.AssignedTo
	case lifecycle.ActionAnswer:
		p, err := payloadAs[AnswerPayload](opts.Payload)
		if err != nil {
			return c, err
		}
		c.Answer = &p.Answer
		c.AnsweredBy = &opts.ActorID
	case lifecycle.ActionApprove:
		p, err := payloadAs[ApprovePayload](opts.Payload)
		if err != nil {
			return c, err
		}
		c.ApprovalComment = optionalString(p.Comment)
	case lifecycle.ActionUnapprove:
		// The answer and assignee survive so the shaykh can revise;
		// only the approval trail is cleared.
		c.ApprovalComment = nil
	case lifecycle.ActionScheduleMeeting:
		p, err := payloadAs[MeetingPayload](opts.Payload)
		if err != nil {
			return c, err
		}
		location := p.Location
		if location == "" && e.Config != nil {
			location = e.Config.Meetings.DefaultLocation
		}
		m := domain.Meeting{
			ID:        uuid.New().String(),
			CaseID:    c.ID,
			Date:      p.Date,
			Time:      optionalString(p.Time),
			Location:  optionalString(location),
			Notes:     optionalString(p.Notes),
			Status:    lifecycle.MeetingScheduled,
			CreatedBy: opts.ActorID,
			CreatedAt: now,
		}
		newMeeting = &m
		evtPayload["meeting_id"] = m.ID
		evtPayload["date"] = m.Date
	case lifecycle.ActionAddFeedback:
		p, err := payloadAs[FeedbackPayload](opts.Payload)
		if err != nil {
			return c, err
		}
		f := domain.FeedbackEntry{
			ID:         uuid.New().String(),
			CaseID:     c.ID,
			AuthorID:   opts.ActorID,
			AuthorRole: opts.Role,
			Comment:    p.Comment,
			Date:       now,
		}
		newFeedback = &f
		evtPayload["feedback_id"] = f.ID
	case lifecycle.ActionAddShaykhNotes:
		p, err := payloadAs[NotesPayload](opts.Payload)
		if err != nil {
			return c, err
		}
		c.ShaykhNotes = &p.Notes
	case lifecycle.ActionComplete:
		p, err := payloadAs[CompletePayload](opts.Payload)
		if err != nil {
			return c, err
		}
		o := lifecycle.Outcome(p.Outcome)
		c.Outcome = &o
		c.OutcomeDetails = optionalString(p.Details)
		evtPayload["outcome"] = p.Outcome
	case lifecycle.ActionCancel:
		p, err := payloadAs[CancelPayload](opts.Payload)
		if err != nil {
			return c, err
		}
		c.CancelReason = optionalString(p.Reason)
	}

	to := tr.To
	if tr.UsesOutcome {
		s, ok := lifecycle.StatusForOutcome(*c.Outcome)
		if !ok {
			return c, ValidationError{Field: "outcome", Message: "unknown outcome"}
		}
		to = s
	}
	c.Status = to
	c.UpdatedAt = now
	evtPayload["to"] = to

	if err := e.Repo.EnsureActor(ctx, opts.ActorID, now); err != nil {
		return c, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateCase(ctx, tx, c); err != nil {
		return c, err
	}
	if newMeeting != nil {
		if err := e.Repo.InsertMeeting(ctx, tx, *newMeeting); err != nil {
			return c, err
		}
	}
	if newFeedback != nil {
		if err := e.Repo.InsertFeedback(ctx, tx, *newFeedback); err != nil {
			return c, err
		}
	}
	if err := e.Events.Append(ctx, tx, "case."+string(opts.Action), "case", c.ID, opts.ActorID, evtPayload); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// AllowedActions lists the actions the actor could attempt on c right
// now. It runs the same checks as Apply minus payload validation.
func (e Engine) AllowedActions(actor policy.Actor, c domain.Case) []lifecycle.Action {
	var res []lifecycle.Action
	for _, a := range lifecycle.Actions() {
		if d := policy.Authorize(actor, c, a); !d.Allowed {
			continue
		}
		if _, ok := lifecycle.Lookup(c.Type, c.Status, a); !ok {
			continue
		}
		res = append(res, a)
	}
	return res
}

func payloadAs[T any](p any) (T, error) {
	var zero T
	if p == nil {
		return zero, validatePayload(zero)
	}
	v, ok := p.(T)
	if !ok {
		return zero, ValidationError{Message: "unexpected payload type"}
	}
	return v, validatePayload(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
