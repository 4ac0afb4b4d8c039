package admin

import (
	"time"

	"habitbot/internal/habit"
	"habitbot/internal/notification"
)

type habitRequest struct {
	OwnerID     int64    `json:"owner_id"`
	Place       string   `json:"place"`
	Time        string   `json:"time"`
	Action      string   `json:"action"`
	Duration    int      `json:"duration"`
	Periodicity int      `json:"periodicity"`
	Days        []string `json:"days"`
	IsNice      bool     `json:"is_nice"`
	RelatedID   int64    `json:"related_id"`
	Prize       string   `json:"prize"`
	IsPublic    bool     `json:"is_public"`
}

func (r habitRequest) draft() (habit.Draft, error) {
	d := habit.NewDraft(habit.UserID(r.OwnerID))
	tod, err := habit.ParseTimeOfDay(r.Time)
	if err != nil {
		return d, err
	}
	d.Place = r.Place
	d.Time = tod
	d.Action = r.Action
	d.Duration = r.Duration
	if r.Periodicity != 0 {
		d.Periodicity = r.Periodicity
	}
	if r.Days != nil {
		if d.Days, err = habit.ParseMask(r.Days); err != nil {
			return d, err
		}
	}
	d.IsNice = r.IsNice
	d.Related = habit.ID(r.RelatedID)
	d.Prize = r.Prize
	d.IsPublic = r.IsPublic
	return d, nil
}

type patchRequest struct {
	Place       *string   `json:"place"`
	Time        *string   `json:"time"`
	Action      *string   `json:"action"`
	Duration    *int      `json:"duration"`
	Periodicity *int      `json:"periodicity"`
	Days        *[]string `json:"days"`
	IsNice      *bool     `json:"is_nice"`
	RelatedID   *int64    `json:"related_id"`
	Prize       *string   `json:"prize"`
	IsPublic    *bool     `json:"is_public"`
	Active      *bool     `json:"active"`
}

func (r patchRequest) patch() (habit.Patch, error) {
	p := habit.Patch{
		Place:       r.Place,
		Action:      r.Action,
		Duration:    r.Duration,
		Periodicity: r.Periodicity,
		IsNice:      r.IsNice,
		Prize:       r.Prize,
		IsPublic:    r.IsPublic,
	}
	if r.Time != nil {
		tod, err := habit.ParseTimeOfDay(*r.Time)
		if err != nil {
			return p, err
		}
		p.Time = &tod
	}
	if r.Days != nil {
		m, err := habit.ParseMask(*r.Days)
		if err != nil {
			return p, err
		}
		p.Days = &m
	}
	if r.RelatedID != nil {
		id := habit.ID(*r.RelatedID)
		p.Related = &id
	}
	return p, nil
}

type habitResponse struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Place       string    `json:"place"`
	Time        string    `json:"time"`
	Action      string    `json:"action"`
	Duration    int       `json:"duration"`
	Periodicity int       `json:"periodicity"`
	Days        []string  `json:"days"`
	IsNice      bool      `json:"is_nice"`
	RelatedID   int64     `json:"related_id,omitempty"`
	Prize       string    `json:"prize,omitempty"`
	IsPublic    bool      `json:"is_public"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func habitJSON(h habit.Habit) habitResponse {
	return habitResponse{
		ID:          int64(h.ID),
		OwnerID:     int64(h.OwnerID),
		Place:       h.Place,
		Time:        h.Time.String(),
		Action:      h.Action,
		Duration:    h.Duration,
		Periodicity: h.Periodicity,
		Days:        h.Days.Names(),
		IsNice:      h.IsNice,
		RelatedID:   int64(h.Related),
		Prize:       h.Prize,
		IsPublic:    h.IsPublic,
		Active:      h.Active,
		CreatedAt:   h.CreatedAt,
		UpdatedAt:   h.UpdatedAt,
	}
}

type recordResponse struct {
	HabitID       int64      `json:"habit_id"`
	Slot          time.Time  `json:"slot"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func recordsJSON(recs []notification.Record) []recordResponse {
	out := make([]recordResponse, 0, len(recs))
	for _, r := range recs {
		out = append(out, recordResponse{
			HabitID:       int64(r.HabitID),
			Slot:          r.Slot,
			Status:        string(r.Status),
			Attempts:      r.Attempts,
			LastAttemptAt: optTime(r.LastAttemptAt),
			NextAttemptAt: optTime(r.NextAttemptAt),
			LastError:     r.LastError,
			UpdatedAt:     r.UpdatedAt,
		})
	}
	return out
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
