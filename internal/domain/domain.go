package domain

import "diwan/internal/lifecycle"

// Case is a single council matter moving through its lifecycle.
// Timestamps are RFC3339 strings, matching what the repo stores.
type Case struct {
	ID              string             `json:"id"`
	Type            lifecycle.CaseType `json:"type" enum:"fatwa,marriage,reconciliation"`
	Status          lifecycle.Status   `json:"status"`
	Title           string             `json:"title"`
	Question        *string            `json:"question,omitempty"`
	Answer          *string            `json:"answer,omitempty"`
	AnsweredBy      *string            `json:"answered_by,omitempty"`
	ApprovalComment *string            `json:"approval_comment,omitempty"`
	PartiesJSON     *string            `json:"parties,omitempty"`
	CreatedBy       string             `json:"created_by"`
	AssignedTo      *string            `json:"assigned_to,omitempty"`
	Outcome         *lifecycle.Outcome `json:"outcome,omitempty"`
	OutcomeDetails  *string            `json:"outcome_details,omitempty"`
	ShaykhNotes     *string            `json:"shaykh_notes,omitempty"`
	CancelReason    *string            `json:"cancel_reason,omitempty"`
	CreatedAt       string             `json:"created_at" format:"date-time"`
	UpdatedAt       string             `json:"updated_at" format:"date-time"`
}

type Meeting struct {
	ID        string                  `json:"id"`
	CaseID    string                  `json:"case_id"`
	Date      string                  `json:"date"`
	Time      *string                 `json:"time,omitempty"`
	Location  *string                 `json:"location,omitempty"`
	Notes     *string                 `json:"notes,omitempty"`
	Status    lifecycle.MeetingStatus `json:"status"`
	CreatedBy string                  `json:"created_by"`
	CreatedAt string                  `json:"created_at" format:"date-time"`
}

// FeedbackEntry snapshots the author's role at write time; later role
// changes never rewrite history.
type FeedbackEntry struct {
	ID         string         `json:"id"`
	CaseID     string         `json:"case_id"`
	AuthorID   string         `json:"author_id"`
	AuthorRole lifecycle.Role `json:"author_role"`
	Comment    string         `json:"comment"`
	Date       string         `json:"date" format:"date-time"`
}

type Actor struct {
	ID          string         `json:"id"`
	Role        lifecycle.Role `json:"role"`
	DisplayName *string        `json:"display_name,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64   `json:"id"`
	TS         string  `json:"ts" format:"date-time"`
	Type       string  `json:"type"`
	EntityKind string  `json:"entity_kind"`
	EntityID   string  `json:"entity_id"`
	ActorID    *string `json:"actor_id,omitempty"`
	Payload    *string `json:"payload,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
