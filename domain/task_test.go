package domain

import (
	"errors"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func sampleTask() Task {
	created := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	return Task{
		ID:        "t1",
		UserID:    "u1",
		Title:     "Task: buy milk",
		Priority:  PriorityLow,
		Status:    StatusPending,
		Source:    SourceVoice,
		Category:  CategoryTask,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestTaskPatchApply(t *testing.T) {
	task := sampleTask()
	now := time.Date(2025, 1, 11, 9, 30, 0, 0, time.FixedZone("x", 3600))
	due := time.Date(2025, 1, 12, 15, 0, 0, 0, time.FixedZone("y", -7200))

	patch := TaskPatch{
		Title:    ptr("  Task: buy oat milk "),
		Priority: ptr(PriorityHigh),
		Status:   ptr(StatusInProgress),
		DueDate:  &due,
	}
	if err := patch.Apply(&task, now); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if task.Title != "Task: buy oat milk" {
		t.Fatalf("unexpected title %q", task.Title)
	}
	if task.Priority != PriorityHigh || task.Status != StatusInProgress {
		t.Fatalf("unexpected task %#v", task)
	}
	if task.DueDate == nil || task.DueDate.Location() != time.UTC || !task.DueDate.Equal(due) {
		t.Fatalf("unexpected due date %v", task.DueDate)
	}
	if !task.UpdatedAt.Equal(now) || task.UpdatedAt.Location() != time.UTC {
		t.Fatalf("unexpected updated_at %v", task.UpdatedAt)
	}
	if task.Source != SourceVoice || !task.CreatedAt.Equal(sampleTask().CreatedAt) {
		t.Fatalf("source and created_at must be preserved")
	}
}

func TestTaskPatchClearFields(t *testing.T) {
	task := sampleTask()
	due := time.Now().UTC()
	task.DueDate = &due
	task.ExternalID = "evt-1"
	task.ExternalPlatform = PlatformGoogleCalendar

	if err := (TaskPatch{ClearDueDate: true, ClearExternal: true}).Apply(&task, time.Now()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if task.DueDate != nil || task.Mirrored() {
		t.Fatalf("expected cleared fields, got %#v", task)
	}
}

func TestTaskPatchValidate(t *testing.T) {
	cases := map[string]TaskPatch{
		"title":             {Title: ptr("   ")},
		"priority":          {Priority: ptr(Priority("critical"))},
		"status":            {Status: ptr(Status("done"))},
		"external_platform": {ExternalPlatform: ptr(Platform("jira"))},
	}
	for field, patch := range cases {
		task := sampleTask()
		err := patch.Apply(&task, time.Now())
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != field {
			t.Fatalf("%s: expected validation error, got %v", field, err)
		}
		if task != sampleTask() {
			t.Fatalf("%s: rejected patch must not modify the task", field)
		}
	}
}

func TestTaskPatchEmpty(t *testing.T) {
	if !(TaskPatch{}).Empty() {
		t.Fatalf("zero patch must be empty")
	}
	if (TaskPatch{ClearDueDate: true}).Empty() {
		t.Fatalf("clearing patch is not empty")
	}
}

func TestEnumValidity(t *testing.T) {
	if !PlatformNotion.Valid() || Platform("jira").Valid() {
		t.Fatalf("unexpected platform validity")
	}
	if !SourceAIGenerated.Valid() || Source("").Valid() {
		t.Fatalf("unexpected source validity")
	}
	list := Platforms()
	list[0] = "mutated"
	if Platforms()[0] != PlatformGoogleCalendar {
		t.Fatalf("Platforms must return a copy")
	}
}

func TestRequireUser(t *testing.T) {
	err := RequireUser("")
	var ue *UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if RequireUser("u1") != nil {
		t.Fatalf("expected nil for a present user")
	}
	if !IsNotFound(&NotFoundError{Kind: "task", ID: "x"}) {
		t.Fatalf("IsNotFound must match NotFoundError")
	}
}
