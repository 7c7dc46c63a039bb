package domain

import (
	"math"
	"time"
)

// Stats summarises a user's tasks for the analytics view.
type Stats struct {
	Total          int              `json:"total"`
	ByStatus       map[Status]int   `json:"by_status"`
	ByPriority     map[Priority]int `json:"by_priority"`
	Mirrored       int              `json:"mirrored"`
	CompletionRate float64          `json:"completion_rate"`
	TasksPerDay    float64          `json:"tasks_per_day"`
}

// Summarize computes Stats over tasks as of now. The completion rate is a
// percentage; tasks per day counts from the oldest task's calendar day.
func Summarize(tasks []Task, now time.Time) Stats {
	st := Stats{
		Total:      len(tasks),
		ByStatus:   make(map[Status]int, len(statuses)),
		ByPriority: make(map[Priority]int, len(priorities)),
	}
	for _, s := range statuses {
		st.ByStatus[s] = 0
	}
	for _, p := range priorities {
		st.ByPriority[p] = 0
	}
	if len(tasks) == 0 {
		return st
	}

	oldest := tasks[0].CreatedAt
	for _, t := range tasks {
		st.ByStatus[t.Status]++
		st.ByPriority[t.Priority]++
		if t.Mirrored() {
			st.Mirrored++
		}
		if t.CreatedAt.Before(oldest) {
			oldest = t.CreatedAt
		}
	}

	st.CompletionRate = round2(float64(st.ByStatus[StatusCompleted]) * 100 / float64(st.Total))

	days := math.Floor(now.UTC().Sub(truncateDay(oldest)).Hours()/24) + 1
	if days < 1 {
		days = 1
	}
	st.TasksPerDay = round2(float64(st.Total) / days)
	return st
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
