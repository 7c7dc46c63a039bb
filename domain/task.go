package domain

import (
	"strings"
	"time"
)

// Priority ranks how soon a task needs attention.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Status tracks where a task is in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Source records how a task entered the system.
type Source string

const (
	SourceVoice       Source = "voice"
	SourceText        Source = "text"
	SourceAIGenerated Source = "ai_generated"
)

// Category is the classification hint the extractor puts in front of titles.
type Category string

const (
	CategoryTask    Category = "Task"
	CategoryWork    Category = "Work"
	CategoryMeeting Category = "Meeting"
	CategoryGeneral Category = "General"
)

// Platform names an external system a task can be mirrored to.
type Platform string

const (
	PlatformGoogleCalendar Platform = "google_calendar"
	PlatformNotion         Platform = "notion"
)

var (
	priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
	statuses   = []Status{StatusPending, StatusInProgress, StatusCompleted, StatusCancelled}
	sources    = []Source{SourceVoice, SourceText, SourceAIGenerated}
	categories = []Category{CategoryTask, CategoryWork, CategoryMeeting, CategoryGeneral}
	platforms  = []Platform{PlatformGoogleCalendar, PlatformNotion}
)

func (p Priority) Valid() bool { return contains(priorities, p) }
func (s Status) Valid() bool   { return contains(statuses, s) }
func (s Source) Valid() bool   { return contains(sources, s) }
func (c Category) Valid() bool { return contains(categories, c) }
func (p Platform) Valid() bool { return contains(platforms, p) }

// Priorities lists every priority in ascending order.
func Priorities() []Priority { return append([]Priority(nil), priorities...) }

// Statuses lists every status in lifecycle order.
func Statuses() []Status { return append([]Status(nil), statuses...) }

// Platforms lists the supported mirror targets.
func Platforms() []Platform { return append([]Platform(nil), platforms...) }

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Task is a single user task, optionally mirrored to one external platform.
type Task struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Priority         Priority   `json:"priority"`
	DueDate          *time.Time `json:"due_date"`
	Status           Status     `json:"status"`
	Source           Source     `json:"source"`
	Category         Category   `json:"category"`
	ExternalID       string     `json:"external_id,omitempty"`
	ExternalPlatform Platform   `json:"external_platform,omitempty"`
	AIContext        string     `json:"ai_context,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Mirrored reports whether the task references a remote object.
func (t Task) Mirrored() bool {
	return t.ExternalID != "" && t.ExternalPlatform != ""
}

// TaskPatch carries a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Title            *string
	Description      *string
	Priority         *Priority
	Status           *Status
	DueDate          *time.Time
	ClearDueDate     bool
	ExternalID       *string
	ExternalPlatform *Platform
	ClearExternal    bool
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil && p.Status == nil &&
		p.DueDate == nil && !p.ClearDueDate && p.ExternalID == nil && p.ExternalPlatform == nil &&
		!p.ClearExternal
}

// Validate checks the patch values without applying them.
func (p TaskPatch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "unknown priority " + string(*p.Priority)}
	}
	if p.Status != nil && !p.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(*p.Status)}
	}
	if p.ExternalPlatform != nil && !p.ExternalPlatform.Valid() {
		return &ValidationError{Field: "external_platform", Reason: "unknown platform " + string(*p.ExternalPlatform)}
	}
	return nil
}

// Apply validates the patch and writes it onto t, refreshing UpdatedAt.
// Source and CreatedAt are never touched.
func (p TaskPatch) Apply(t *Task, now time.Time) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		d := p.DueDate.UTC()
		t.DueDate = &d
	}
	if p.ClearExternal {
		t.ExternalID = ""
		t.ExternalPlatform = ""
	} else {
		if p.ExternalID != nil {
			t.ExternalID = *p.ExternalID
		}
		if p.ExternalPlatform != nil {
			t.ExternalPlatform = *p.ExternalPlatform
		}
	}
	t.UpdatedAt = now.UTC()
	return nil
}
