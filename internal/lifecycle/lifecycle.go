package lifecycle

// CaseType identifies one of the three council workflows.
type CaseType string

const (
	Fatwa          CaseType = "fatwa"
	Marriage       CaseType = "marriage"
	Reconciliation CaseType = "reconciliation"
)

// Status is a member of a case type's closed status set.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusAnswered   Status = "answered"
	StatusApproved   Status = "approved"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusUnresolved Status = "unresolved"
	StatusCancelled  Status = "cancelled"
)

// Action is something an actor can do to a case.
type Action string

const (
	ActionAssign          Action = "assign"
	ActionAnswer          Action = "answer"
	ActionApprove         Action = "approve"
	ActionUnapprove       Action = "unapprove"
	ActionScheduleMeeting Action = "schedule_meeting"
	ActionAddFeedback     Action = "add_feedback"
	ActionAddShaykhNotes  Action = "add_shaykh_notes"
	ActionComplete        Action = "complete"
	ActionCancel          Action = "cancel"
)

// Role is an actor's global role supplied by the auth layer.
type Role string

const (
	RoleUser   Role = "user"
	RoleShaykh Role = "shaykh"
	RoleAdmin  Role = "admin"
)

// Outcome closes a marriage/reconciliation case one way or the other.
type Outcome string

const (
	OutcomeResolved   Outcome = "resolved"
	OutcomeUnresolved Outcome = "unresolved"
)

type MeetingStatus string

const (
	MeetingScheduled   MeetingStatus = "scheduled"
	MeetingCompleted   MeetingStatus = "completed"
	MeetingCancelled   MeetingStatus = "cancelled"
	MeetingRescheduled MeetingStatus = "rescheduled"
)

// Transition is one legal (from, action) edge. When UsesOutcome is set the
// target status comes from the complete payload's outcome, not from To.
type Transition struct {
	To          Status
	UsesOutcome bool
}

type edge struct {
	from   Status
	action Action
}

// Terminal statuses have no table entries at all, so every action on a
// terminal case misses the table. Non-mutating actions (feedback, notes)
// appear as self-loops on the statuses where they are legal.
var fatwaTable = map[edge]Transition{
	{StatusPending, ActionAssign}:          {To: StatusAssigned},
	{StatusAssigned, ActionAnswer}:         {To: StatusAnswered},
	{StatusAnswered, ActionApprove}:        {To: StatusApproved},
	{StatusAnswered, ActionUnapprove}:      {To: StatusAssigned},
	{StatusAnswered, ActionAddFeedback}:    {To: StatusAnswered},
	{StatusAssigned, ActionAddShaykhNotes}: {To: StatusAssigned},
	{StatusAnswered, ActionAddShaykhNotes}: {To: StatusAnswered},
}

// Marriage and reconciliation share one lifecycle shape. Scheduling the first
// meeting on an assigned case is what moves it into in_progress.
var counselTable = map[edge]Transition{
	{StatusPending, ActionAssign}:             {To: StatusAssigned},
	{StatusPending, ActionScheduleMeeting}:    {To: StatusPending},
	{StatusAssigned, ActionScheduleMeeting}:   {To: StatusInProgress},
	{StatusInProgress, ActionScheduleMeeting}: {To: StatusInProgress},
	{StatusInProgress, ActionComplete}:        {UsesOutcome: true},
	{StatusPending, ActionCancel}:             {To: StatusCancelled},
	{StatusAssigned, ActionCancel}:            {To: StatusCancelled},
	{StatusInProgress, ActionCancel}:          {To: StatusCancelled},
	{StatusPending, ActionAddFeedback}:        {To: StatusPending},
	{StatusAssigned, ActionAddFeedback}:       {To: StatusAssigned},
	{StatusInProgress, ActionAddFeedback}:     {To: StatusInProgress},
	{StatusAssigned, ActionAddShaykhNotes}:    {To: StatusAssigned},
	{StatusInProgress, ActionAddShaykhNotes}:  {To: StatusInProgress},
}

var tables = map[CaseType]map[edge]Transition{
	Fatwa:          fatwaTable,
	Marriage:       counselTable,
	Reconciliation: counselTable,
}

var statusSets = map[CaseType][]Status{
	Fatwa:          {StatusPending, StatusAssigned, StatusAnswered, StatusApproved},
	Marriage:       {StatusPending, StatusAssigned, StatusInProgress, StatusResolved, StatusUnresolved, StatusCancelled},
	Reconciliation: {StatusPending, StatusAssigned, StatusInProgress, StatusResolved, StatusUnresolved, StatusCancelled},
}

var terminalSets = map[CaseType]map[Status]bool{
	Fatwa:          {StatusApproved: true},
	Marriage:       {StatusResolved: true, StatusUnresolved: true, StatusCancelled: true},
	Reconciliation: {StatusResolved: true, StatusUnresolved: true, StatusCancelled: true},
}

// Lookup returns the transition for (type, from, action), or false when the
// pair is not legal from the current status.
func Lookup(t CaseType, from Status, action Action) (Transition, bool) {
	table, ok := tables[t]
	if !ok {
		return Transition{}, false
	}
	tr, ok := table[edge{from, action}]
	return tr, ok
}

// Terminal reports whether s admits no outgoing transition for type t.
func Terminal(t CaseType, s Status) bool {
	return terminalSets[t][s]
}

// Statuses returns the closed status set for a case type.
func Statuses(t CaseType) []Status {
	return statusSets[t]
}

// ValidType reports whether t is a known case type.
func ValidType(t CaseType) bool {
	_, ok := tables[t]
	return ok
}

// ValidStatus reports whether s belongs to t's status set.
func ValidStatus(t CaseType, s Status) bool {
	for _, known := range statusSets[t] {
		if known == s {
			return true
		}
	}
	return false
}

// Actions lists every action the engine understands, for advisory checks.
func Actions() []Action {
	return []Action{
		ActionAssign, ActionAnswer, ActionApprove, ActionUnapprove,
		ActionScheduleMeeting, ActionAddFeedback, ActionAddShaykhNotes,
		ActionComplete, ActionCancel,
	}
}

// StatusForOutcome maps a completion outcome to its terminal status.
func StatusForOutcome(o Outcome) (Status, bool) {
	switch o {
	case OutcomeResolved:
		return StatusResolved, true
	case OutcomeUnresolved:
		return StatusUnresolved, true
	}
	return "", false
}

// ValidRole reports whether r is a known global role.
func ValidRole(r Role) bool {
	return r == RoleUser || r == RoleShaykh || r == RoleAdmin
}
