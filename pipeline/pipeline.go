// Package pipeline turns free text into stored tasks and keeps their mirrors
// on external platforms in step with local changes.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"talk2task/domain"
	"talk2task/storage"
)

// Extractor calls the completion provider and returns its raw answer.
type Extractor interface {
	Extract(ctx context.Context, text string, now time.Time, timezone string) (string, error)
}

// Dispatcher mirrors tasks to external platforms.
type Dispatcher interface {
	Dispatch(ctx context.Context, task domain.Task, hints []string, timezone string) []domain.DispatchResult
	PropagateStatus(ctx context.Context, task domain.Task) (domain.DispatchResult, bool)
	PropagateDelete(ctx context.Context, task domain.Task) (domain.DispatchResult, bool)
}

type Options struct {
	// FallbackOnUpstreamError stores the locally synthesised task when the
	// completion provider fails instead of returning the error.
	FallbackOnUpstreamError bool
}

// Service runs the text-to-task flow.
type Service struct {
	extractor     Extractor
	tasks         storage.TaskStore
	conversations storage.ConversationLog
	dispatcher    Dispatcher
	opts          Options
	logger        *log.Logger
	now           func() time.Time
}

// New wires a Service. conversations may be nil.
func New(extractor Extractor, tasks storage.TaskStore, conversations storage.ConversationLog, dispatcher Dispatcher, opts Options, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New()
	}
	return &Service{
		extractor:     extractor,
		tasks:         tasks,
		conversations: conversations,
		dispatcher:    dispatcher,
		opts:          opts,
		logger:        logger,
		now:           time.Now,
	}
}

// Input is one free-text request.
type Input struct {
	Text     string
	Timezone string
	Source   domain.Source
}

// Result is what a caller gets back from CreateFromText.
type Result struct {
	Task         domain.Task             `json:"task"`
	Integrations []domain.DispatchResult `json:"integrations"`
	AIResponse   string                  `json:"ai_response"`
	// Degraded is set when the task was built without the completion provider.
	Degraded bool `json:"degraded,omitempty"`
}

// CreateFromText extracts a task from text, stores it, and mirrors it to the
// platforms the text hints at. Platform failures are reported in the result,
// never as an error.
func (s *Service) CreateFromText(ctx context.Context, userID string, in Input) (Result, error) {
	if err := domain.RequireUser(userID); err != nil {
		return Result{}, err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Result{}, &domain.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	entry := s.logger.WithField("user_id", userID)
	now := s.now()

	var res Result
	raw, err := s.extractor.Extract(ctx, text, now, in.Timezone)
	if err != nil {
		var ue *domain.UpstreamError
		if !s.opts.FallbackOnUpstreamError || !errors.As(err, &ue) {
			return Result{}, err
		}
		entry.WithError(err).Warn("completion failed; storing fallback task")
		res.Degraded = true
		raw = ""
	}

	ext := domain.Normalize(raw, text)
	if ext.Fallback && !res.Degraded {
		entry.WithError(ext.ParseErr).Warn("model output not parseable; using fallback task")
	}

	source := in.Source
	if source != domain.SourceVoice {
		source = domain.SourceText
	}
	task, err := s.tasks.CreateTask(ctx, ext.Task(userID, source, now))
	if err != nil {
		return Result{}, err
	}
	entry = entry.WithField("task_id", task.ID)
	entry.Debug("task created from text")

	s.recordConversation(ctx, domain.Conversation{
		UserID:      userID,
		InputText:   text,
		AIResponse:  ext.AIResponse,
		TaskCreated: true,
		TaskID:      task.ID,
		CreatedAt:   now.UTC(),
	}, entry)

	res.AIResponse = ext.AIResponse
	res.Integrations = s.dispatcher.Dispatch(ctx, task, ext.Integrations, in.Timezone)
	res.Task = s.stampMirror(ctx, task, res.Integrations, entry)
	return res, nil
}

func (s *Service) recordConversation(ctx context.Context, c domain.Conversation, entry *log.Entry) {
	if s.conversations == nil {
		return
	}
	if _, err := s.conversations.RecordConversation(ctx, c); err != nil {
		entry.WithError(err).Warn("record conversation")
	}
}

// stampMirror stores the first successful mirror as the task's external pair.
func (s *Service) stampMirror(ctx context.Context, task domain.Task, results []domain.DispatchResult, entry *log.Entry) domain.Task {
	first, ok := domain.FirstSucceeded(results)
	if !ok || task.Mirrored() {
		return task
	}
	id, platform := first.ExternalID, first.Platform
	updated, err := s.tasks.UpdateTask(context.WithoutCancel(ctx), task.UserID, task.ID, domain.TaskPatch{
		ExternalID:       &id,
		ExternalPlatform: &platform,
	})
	if err != nil {
		entry.WithError(err).WithField("external_id", id).Error("store external reference")
		return task
	}
	return updated
}

// NewTask is a manually entered task.
type NewTask struct {
	Title       string
	Description string
	Priority    domain.Priority
	DueDate     *time.Time
	Category    domain.Category
	Source      domain.Source
}

// CreateTask stores a task entered without extraction.
func (s *Service) CreateTask(ctx context.Context, userID string, in NewTask) (domain.Task, error) {
	if err := domain.RequireUser(userID); err != nil {
		return domain.Task{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Task{}, &domain.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	priority := in.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	} else if !priority.Valid() {
		return domain.Task{}, &domain.ValidationError{Field: "priority", Reason: "unknown priority " + string(priority)}
	}
	category := in.Category
	if !category.Valid() {
		category = domain.CategoryGeneral
	}
	source := in.Source
	if !source.Valid() {
		source = domain.SourceText
	}
	now := s.now().UTC()
	task := domain.Task{
		UserID:      userID,
		Title:       title,
		Description: in.Description,
		Priority:    priority,
		Status:      domain.StatusPending,
		Source:      source,
		Category:    category,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.DueDate != nil {
		d := in.DueDate.UTC()
		task.DueDate = &d
	}
	return s.tasks.CreateTask(ctx, task)
}

func requireTaskID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &domain.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	return nil
}

// ListTasks returns the user's tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if err := domain.RequireUser(userID); err != nil {
		return nil, err
	}
	return s.tasks.ListTasks(ctx, userID)
}

// Change is the outcome of a local mutation and its remote propagation.
type Change struct {
	Task        domain.Task            `json:"task"`
	Integration *domain.DispatchResult `json:"integration,omitempty"`
}

// UpdateTask applies a user edit. External references cannot be edited here.
// A status change on a mirrored task is reflected on the mirror.
func (s *Service) UpdateTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (Change, error) {
	if err := domain.RequireUser(userID); err != nil {
		return Change{}, err
	}
	if err := requireTaskID(id); err != nil {
		return Change{}, err
	}
	if patch.ExternalID != nil || patch.ExternalPlatform != nil || patch.ClearExternal {
		return Change{}, &domain.ValidationError{Field: "external_id", Reason: "is managed by the dispatcher"}
	}
	if patch.Empty() {
		return Change{}, &domain.ValidationError{Reason: "no fields to update"}
	}
	if err := patch.Validate(); err != nil {
		return Change{}, err
	}
	before, err := s.tasks.GetTask(ctx, userID, id)
	if err != nil {
		return Change{}, err
	}
	updated, err := s.tasks.UpdateTask(ctx, userID, id, patch)
	if err != nil {
		return Change{}, err
	}
	change := Change{Task: updated}
	if patch.Status != nil && before.Status != updated.Status {
		if res, ok := s.dispatcher.PropagateStatus(ctx, updated); ok {
			change.Integration = &res
		}
	}
	return change, nil
}

// DeleteTask removes the task locally, then its mirror. A failed remote
// delete does not restore the local row.
func (s *Service) DeleteTask(ctx context.Context, userID, id string) (*domain.DispatchResult, error) {
	if err := domain.RequireUser(userID); err != nil {
		return nil, err
	}
	if err := requireTaskID(id); err != nil {
		return nil, err
	}
	task, err := s.tasks.GetTask(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.tasks.DeleteTask(ctx, userID, id); err != nil {
		return nil, err
	}
	res, ok := s.dispatcher.PropagateDelete(ctx, task)
	if !ok {
		return nil, nil
	}
	return &res, nil
}

// SyncTask dispatches an existing task to the given platforms. A task that
// already has a mirror is never mirrored twice.
func (s *Service) SyncTask(ctx context.Context, userID, id string, hints []string, timezone string) (Result, error) {
	if err := domain.RequireUser(userID); err != nil {
		return Result{}, err
	}
	if err := requireTaskID(id); err != nil {
		return Result{}, err
	}
	task, err := s.tasks.GetTask(ctx, userID, id)
	if err != nil {
		return Result{}, err
	}
	entry := s.logger.WithFields(log.Fields{"user_id": userID, "task_id": id})
	results := s.dispatcher.Dispatch(ctx, task, hints, timezone)
	return Result{
		Task:         s.stampMirror(ctx, task, results, entry),
		Integrations: results,
	}, nil
}

// Stats summarises the user's tasks.
func (s *Service) Stats(ctx context.Context, userID string) (domain.Stats, error) {
	tasks, err := s.ListTasks(ctx, userID)
	if err != nil {
		return domain.Stats{}, err
	}
	return domain.Summarize(tasks, s.now()), nil
}
