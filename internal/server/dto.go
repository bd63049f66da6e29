package server

import (
	"encoding/json"

	"diwan/internal/domain"
)

// Request payloads

type CreateCaseRequest struct {
	ID       *string        `json:"id,omitempty"`
	Type     string         `json:"type" enum:"fatwa,marriage,reconciliation"`
	Title    string         `json:"title"`
	Question *string        `json:"question,omitempty"`
	Parties  map[string]any `json:"parties,omitempty"`
}

// ActionRequest carries the fields of every action payload; the action
// in the URL decides which ones are read.
type ActionRequest struct {
	AssignedTo *string `json:"assigned_to,omitempty"`
	Answer     *string `json:"answer,omitempty"`
	Comment    *string `json:"comment,omitempty"`
	Outcome    *string `json:"outcome,omitempty" enum:"resolved,unresolved"`
	Details    *string `json:"details,omitempty"`
	Reason     *string `json:"reason,omitempty"`
	Date       *string `json:"date,omitempty"`
	Time       *string `json:"time,omitempty"`
	Location   *string `json:"location,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key,omitempty"`
}

type SetRoleRequest struct {
	Role string `json:"role" enum:"user,shaykh,admin"`
}

// Response payloads

type CaseResponse struct {
	ID              string         `json:"id"`
	Type            string         `json:"type" enum:"fatwa,marriage,reconciliation"`
	Status          string         `json:"status"`
	Title           string         `json:"title"`
	Question        *string        `json:"question,omitempty"`
	Answer          *string        `json:"answer,omitempty"`
	AnsweredBy      *string        `json:"answered_by,omitempty"`
	ApprovalComment *string        `json:"approval_comment,omitempty"`
	Parties         map[string]any `json:"parties,omitempty"`
	CreatedBy       string         `json:"created_by"`
	AssignedTo      *string        `json:"assigned_to,omitempty"`
	Outcome         *string        `json:"outcome,omitempty"`
	OutcomeDetails  *string        `json:"outcome_details,omitempty"`
	ShaykhNotes     *string        `json:"shaykh_notes,omitempty"`
	CancelReason    *string        `json:"cancel_reason,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

type MeetingResponse struct {
	ID        string  `json:"id"`
	CaseID    string  `json:"case_id"`
	Date      string  `json:"date"`
	Time      *string `json:"time,omitempty"`
	Location  *string `json:"location,omitempty"`
	Notes     *string `json:"notes,omitempty"`
	Status    string  `json:"status"`
	CreatedBy string  `json:"created_by"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type MeetingsResponse struct {
	Upcoming []MeetingResponse `json:"upcoming"`
	Past     []MeetingResponse `json:"past"`
}

type FeedbackResponse struct {
	ID         string `json:"id"`
	CaseID     string `json:"case_id"`
	AuthorID   string `json:"author_id"`
	AuthorRole string `json:"author_role" enum:"user,shaykh,admin"`
	Comment    string `json:"comment"`
	Date       string `json:"date" format:"date-time"`
}

type ActorResponse struct {
	ID          string  `json:"id"`
	Role        string  `json:"role" enum:"user,shaykh,admin"`
	DisplayName *string `json:"display_name,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    *string        `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type paginatedCases struct {
	Items      []CaseResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func caseResponse(c domain.Case) CaseResponse {
	res := CaseResponse{
		ID:              c.ID,
		Type:            string(c.Type),
		Status:          string(c.Status),
		Title:           c.Title,
		Question:        c.Question,
		Answer:          c.Answer,
		AnsweredBy:      c.AnsweredBy,
		ApprovalComment: c.ApprovalComment,
		CreatedBy:       c.CreatedBy,
		AssignedTo:      c.AssignedTo,
		OutcomeDetails:  c.OutcomeDetails,
		ShaykhNotes:     c.ShaykhNotes,
		CancelReason:    c.CancelReason,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if c.Outcome != nil {
		o := string(*c.Outcome)
		res.Outcome = &o
	}
	if c.PartiesJSON != nil {
		var parties map[string]any
		if err := json.Unmarshal([]byte(*c.PartiesJSON), &parties); err == nil {
			res.Parties = parties
		}
	}
	return res
}

func mapCases(items []domain.Case) []CaseResponse {
	res := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		res = append(res, caseResponse(c))
	}
	return res
}

func meetingResponse(m domain.Meeting) MeetingResponse {
	return MeetingResponse{
		ID:        m.ID,
		CaseID:    m.CaseID,
		Date:      m.Date,
		Time:      m.Time,
		Location:  m.Location,
		Notes:     m.Notes,
		Status:    string(m.Status),
		CreatedBy: m.CreatedBy,
		CreatedAt: m.CreatedAt,
	}
}

func mapMeetings(items []domain.Meeting) []MeetingResponse {
	res := make([]MeetingResponse, 0, len(items))
	for _, m := range items {
		res = append(res, meetingResponse(m))
	}
	return res
}

func feedbackResponse(f domain.FeedbackEntry) FeedbackResponse {
	return FeedbackResponse{
		ID:         f.ID,
		CaseID:     f.CaseID,
		AuthorID:   f.AuthorID,
		AuthorRole: string(f.AuthorRole),
		Comment:    f.Comment,
		Date:       f.Date,
	}
}

func actorResponse(a domain.Actor) ActorResponse {
	return ActorResponse{
		ID:          a.ID,
		Role:        string(a.Role),
		DisplayName: a.DisplayName,
		CreatedAt:   a.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	res := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != nil {
		var payload map[string]any
		if err := json.Unmarshal([]byte(*e.Payload), &payload); err == nil {
			res.Payload = payload
		}
	}
	return res
}
