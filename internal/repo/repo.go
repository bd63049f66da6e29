package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"diwan/internal/config"
	"diwan/internal/domain"
	"diwan/internal/lifecycle"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const caseColumns = `id,type,status,title,question,answer,answered_by,approval_comment,parties_json,created_by,assigned_to,outcome,outcome_details,shaykh_notes,cancel_reason,created_at,updated_at`

type caseScanner interface {
	Scan(dest ...any) error
}

func scanCase(row caseScanner) (domain.Case, error) {
	var c domain.Case
	var question, answer, answeredBy, approval, parties, assignedTo sql.NullString
	var outcome, outcomeDetails, notes, cancelReason sql.NullString
	err := row.Scan(&c.ID, &c.Type, &c.Status, &c.Title, &question, &answer, &answeredBy, &approval, &parties,
		&c.CreatedBy, &assignedTo, &outcome, &outcomeDetails, &notes, &cancelReason, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if question.Valid {
		c.Question = &question.String
	}
	if answer.Valid {
		c.Answer = &answer.String
	}
	if answeredBy.Valid {
		c.AnsweredBy = &answeredBy.String
	}
	if approval.Valid {
		c.ApprovalComment = &approval.String
	}
	if parties.Valid {
		c.PartiesJSON = &parties.String
	}
	if assignedTo.Valid {
		c.AssignedTo = &assignedTo.String
	}
	if outcome.Valid {
		o := lifecycle.Outcome(outcome.String)
		c.Outcome = &o
	}
	if outcomeDetails.Valid {
		c.OutcomeDetails = &outcomeDetails.String
	}
	if notes.Valid {
		c.ShaykhNotes = &notes.String
	}
	if cancelReason.Valid {
		c.CancelReason = &cancelReason.String
	}
	return c, nil
}

func outcomePtr(o *lifecycle.Outcome) any {
	if o == nil {
		return nil
	}
	return string(*o)
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Type, c.Status, c.Title, nullableStringPtr(c.Question), nullableStringPtr(c.Answer), nullableStringPtr(c.AnsweredBy),
		nullableStringPtr(c.ApprovalComment), nullableStringPtr(c.PartiesJSON), c.CreatedBy, nullableStringPtr(c.AssignedTo),
		outcomePtr(c.Outcome), nullableStringPtr(c.OutcomeDetails), nullableStringPtr(c.ShaykhNotes), nullableStringPtr(c.CancelReason),
		c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	return scanCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

// UpdateCase rewrites every mutable column. Callers always hold the
// up-to-date row, so a full update keeps the write path in one place.
func (r Repo) UpdateCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET status=?, answer=?, answered_by=?, approval_comment=?, assigned_to=?, outcome=?, outcome_details=?, shaykh_notes=?, cancel_reason=?, updated_at=? WHERE id=?`,
		c.Status, nullableStringPtr(c.Answer), nullableStringPtr(c.AnsweredBy), nullableStringPtr(c.ApprovalComment),
		nullableStringPtr(c.AssignedTo), outcomePtr(c.Outcome), nullableStringPtr(c.OutcomeDetails),
		nullableStringPtr(c.ShaykhNotes), nullableStringPtr(c.CancelReason), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CaseFilters struct {
	Type            string
	Status          string
	AssignedTo      string
	CreatedBy       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

func (r Repo) CountCasesByStatus(ctx context.Context, caseType string) (map[string]int, error) {
	query := `SELECT status, count(*) FROM cases GROUP BY status`
	args := []any{}
	if caseType != "" {
		query = `SELECT status, count(*) FROM cases WHERE type=? GROUP BY status`
		args = append(args, caseType)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

func (r Repo) InsertMeeting(ctx context.Context, tx *sql.Tx, m domain.Meeting) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO meetings(id,case_id,date,time,location,notes,status,created_by,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.CaseID, m.Date, nullableStringPtr(m.Time), nullableStringPtr(m.Location), nullableStringPtr(m.Notes),
		m.Status, m.CreatedBy, m.CreatedAt)
	return err
}

func (r Repo) ListMeetings(ctx context.Context, caseID string) ([]domain.Meeting, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,date,time,location,notes,status,created_by,created_at FROM meetings WHERE case_id=? ORDER BY date ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Meeting
	for rows.Next() {
		var m domain.Meeting
		var mTime, location, notes sql.NullString
		if err := rows.Scan(&m.ID, &m.CaseID, &m.Date, &mTime, &location, &notes, &m.Status, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		if mTime.Valid {
			m.Time = &mTime.String
		}
		if location.Valid {
			m.Location = &location.String
		}
		if notes.Valid {
			m.Notes = &notes.String
		}
		res = append(res, m)
	}
	return res, nil
}

func (r Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, f domain.FeedbackEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO feedback(id,case_id,author_id,author_role,comment,date) VALUES (?,?,?,?,?,?)`,
		f.ID, f.CaseID, f.AuthorID, f.AuthorRole, f.Comment, f.Date)
	return err
}

// ListFeedback returns entries in insertion order. The seq column, not
// the timestamp, is the order; two entries in one second still come
// back in the order they were written.
func (r Repo) ListFeedback(ctx context.Context, caseID string) ([]domain.FeedbackEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,author_id,author_role,comment,date FROM feedback WHERE case_id=? ORDER BY seq ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FeedbackEntry
	for rows.Next() {
		var f domain.FeedbackEntry
		if err := rows.Scan(&f.ID, &f.CaseID, &f.AuthorID, &f.AuthorRole, &f.Comment, &f.Date); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, nil
}

func (r Repo) UpsertCouncilConfig(ctx context.Context, councilID string, cfg *config.Config, raw string) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Council.ID = councilID
	if err := cfg.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO council_configs(council_id,name,yaml,updated_at) VALUES (?,?,?,?)
ON CONFLICT(council_id) DO UPDATE SET name=excluded.name, yaml=excluded.yaml, updated_at=excluded.updated_at`,
		councilID, cfg.Council.Name, raw, now)
	return err
}

func (r Repo) GetCouncilConfig(ctx context.Context, councilID string) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM council_configs WHERE council_id=?`, councilID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

func (r Repo) SingleCouncilConfig(ctx context.Context) (*config.Config, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT yaml FROM council_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var raws []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		raws = append(raws, raw)
	}
	if len(raws) == 0 {
		return nil, ErrNotFound
	}
	if len(raws) > 1 {
		return nil, fmt.Errorf("multiple councils exist; specify --council")
	}
	return config.FromYAML([]byte(raws[0]))
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var e domain.Event
	var entityID, actorID, payload sql.NullString
	if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &actorID, &payload); err != nil {
		return e, err
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if actorID.Valid {
		e.ActorID = &actorID.String
	}
	if payload.Valid {
		e.Payload = &payload.String
	}
	return e, nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
