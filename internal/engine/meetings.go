package engine

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"

	"diwan/internal/domain"
	"diwan/internal/lifecycle"
)

// MeetingSplit groups a case's meetings for display.
type MeetingSplit struct {
	Upcoming []domain.Meeting `json:"upcoming"`
	Past     []domain.Meeting `json:"past"`
}

// PartitionMeetings splits meetings around now. A scheduled meeting on
// today's date still counts as upcoming. Upcoming runs soonest first,
// past runs most recent first.
func PartitionMeetings(meetings []domain.Meeting, now time.Time) MeetingSplit {
	today := now.UTC().Format("2006-01-02")
	upcoming := lo.Filter(meetings, func(m domain.Meeting, _ int) bool {
		return m.Status == lifecycle.MeetingScheduled && m.Date >= today
	})
	past := lo.Filter(meetings, func(m domain.Meeting, _ int) bool {
		return m.Status != lifecycle.MeetingScheduled || m.Date < today
	})
	sort.SliceStable(upcoming, func(i, j int) bool {
		if upcoming[i].Date != upcoming[j].Date {
			return upcoming[i].Date < upcoming[j].Date
		}
		return timeKey(upcoming[i]) < timeKey(upcoming[j])
	})
	sort.SliceStable(past, func(i, j int) bool {
		if past[i].Date != past[j].Date {
			return past[i].Date > past[j].Date
		}
		return timeKey(past[i]) > timeKey(past[j])
	})
	return MeetingSplit{Upcoming: upcoming, Past: past}
}

func timeKey(m domain.Meeting) string {
	if m.Time == nil {
		return ""
	}
	return *m.Time
}

// Meetings loads and partitions a case's meetings.
func (e Engine) Meetings(ctx context.Context, caseID string) (MeetingSplit, error) {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return MeetingSplit{}, err
	}
	all, err := e.Repo.ListMeetings(ctx, caseID)
	if err != nil {
		return MeetingSplit{}, err
	}
	return PartitionMeetings(all, e.now()), nil
}
