package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"talk2task/domain"
)

type stubExtractor struct {
	raw   string
	err   error
	calls int
	tz    string
}

func (s *stubExtractor) Extract(ctx context.Context, text string, now time.Time, timezone string) (string, error) {
	s.calls++
	s.tz = timezone
	return s.raw, s.err
}

type memStore struct {
	mu            sync.Mutex
	tasks         map[string]domain.Task
	conversations []domain.Conversation
	seq           int
	createErr     error
	updates       []domain.TaskPatch
	deleted       []string
}

func newMemStore() *memStore { return &memStore{tasks: map[string]domain.Task{}} }

func (m *memStore) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return domain.Task{}, m.createErr
	}
	m.seq++
	task.ID = "task-" + strconv.Itoa(m.seq)
	m.tasks[task.ID] = task
	return task, nil
}

func (m *memStore) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.UserID != userID {
		return domain.Task{}, &domain.NotFoundError{Kind: "task", ID: id}
	}
	return t, nil
}

func (m *memStore) UpdateTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.UserID != userID {
		return domain.Task{}, &domain.NotFoundError{Kind: "task", ID: id}
	}
	if err := patch.Apply(&t, time.Now()); err != nil {
		return domain.Task{}, err
	}
	m.tasks[id] = t
	m.updates = append(m.updates, patch)
	return t, nil
}

func (m *memStore) DeleteTask(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.UserID != userID {
		return &domain.NotFoundError{Kind: "task", ID: id}
	}
	delete(m.tasks, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memStore) RecordConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = "conv-" + strconv.Itoa(len(m.conversations)+1)
	m.conversations = append(m.conversations, c)
	return c, nil
}

type stubDispatcher struct {
	results   []domain.DispatchResult
	hints     []string
	tz        string
	dispatch  int
	statuses  []domain.Task
	deletes   []domain.Task
	propagate domain.DispatchResult
}

func (s *stubDispatcher) Dispatch(ctx context.Context, task domain.Task, hints []string, timezone string) []domain.DispatchResult {
	s.dispatch++
	s.hints = hints
	s.tz = timezone
	if task.Mirrored() {
		out := make([]domain.DispatchResult, len(hints))
		for i, h := range hints {
			out[i] = domain.DispatchResult{Platform: domain.Platform(h), Status: domain.DispatchAlreadyMirrored, ExternalID: task.ExternalID}
		}
		return out
	}
	return s.results
}

func (s *stubDispatcher) PropagateStatus(ctx context.Context, task domain.Task) (domain.DispatchResult, bool) {
	if !task.Mirrored() {
		return domain.DispatchResult{}, false
	}
	s.statuses = append(s.statuses, task)
	return s.propagate, true
}

func (s *stubDispatcher) PropagateDelete(ctx context.Context, task domain.Task) (domain.DispatchResult, bool) {
	if !task.Mirrored() {
		return domain.DispatchResult{}, false
	}
	s.deletes = append(s.deletes, task)
	return s.propagate, true
}

var fixedNow = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestService(ext Extractor, store *memStore, disp Dispatcher, opts Options) (*Service, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	s := New(ext, store, store, disp, opts, logger)
	s.now = func() time.Time { return fixedNow }
	return s, hook
}

const meetingOutput = `{"title":"Team meeting","description":"Schedule a team meeting for tomorrow at 2 PM","priority":"medium","due_date":"2025-01-16T14:00:00Z","integrations":["google_calendar"],"category":"Meeting","ai_response":"Scheduled."}`

func TestCreateFromTextMeeting(t *testing.T) {
	ext := &stubExtractor{raw: meetingOutput}
	store := newMemStore()
	disp := &stubDispatcher{results: []domain.DispatchResult{
		{Platform: domain.PlatformGoogleCalendar, Operation: "create", Status: domain.DispatchSucceeded, ExternalID: "evt-1"},
	}}
	s, _ := newTestService(ext, store, disp, Options{})

	res, err := s.CreateFromText(context.Background(), "u1", Input{Text: "Schedule a team meeting for tomorrow at 2 PM", Timezone: "Europe/Berlin", Source: domain.SourceVoice})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Task.Title != "Meeting: Team meeting" || res.Task.Status != domain.StatusPending || res.Task.Source != domain.SourceVoice {
		t.Fatalf("unexpected task %+v", res.Task)
	}
	if res.Task.ExternalID != "evt-1" || res.Task.ExternalPlatform != domain.PlatformGoogleCalendar {
		t.Fatalf("external reference not stamped: %+v", res.Task)
	}
	if stored := store.tasks[res.Task.ID]; stored.ExternalID != "evt-1" {
		t.Fatalf("external reference not persisted: %+v", stored)
	}
	if res.AIResponse != "Scheduled." || res.Degraded {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(disp.hints) != 1 || disp.hints[0] != "google_calendar" || disp.tz != "Europe/Berlin" || ext.tz != "Europe/Berlin" {
		t.Fatalf("unexpected dispatch inputs %v %q", disp.hints, disp.tz)
	}
	if len(store.conversations) != 1 {
		t.Fatalf("expected one conversation row")
	}
	c := store.conversations[0]
	if c.TaskID != res.Task.ID || !c.TaskCreated || c.AIResponse != "Scheduled." || c.UserID != "u1" {
		t.Fatalf("unexpected conversation %+v", c)
	}
}

func TestCreateFromTextBuyMilk(t *testing.T) {
	ext := &stubExtractor{raw: `{"title":"buy milk","priority":"low","integrations":[],"category":"Task"}`}
	store := newMemStore()
	disp := &stubDispatcher{results: []domain.DispatchResult{}}
	s, _ := newTestService(ext, store, disp, Options{})

	res, err := s.CreateFromText(context.Background(), "u1", Input{Text: "buy milk"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Task.Title != "Task: buy milk" || res.Task.DueDate != nil || res.Task.Source != domain.SourceText {
		t.Fatalf("unexpected task %+v", res.Task)
	}
	if len(res.Integrations) != 0 || res.Task.Mirrored() {
		t.Fatalf("expected no mirrors, got %+v", res.Integrations)
	}
	if len(store.updates) != 0 {
		t.Fatalf("no stamp expected without a succeeded mirror")
	}
}

func TestCreateFromTextUnparseableOutput(t *testing.T) {
	ext := &stubExtractor{raw: "oops"}
	store := newMemStore()
	s, hook := newTestService(ext, store, &stubDispatcher{}, Options{})

	res, err := s.CreateFromText(context.Background(), "u1", Input{Text: "buy milk"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Task.Title != "buy milk" || res.Task.Priority != domain.PriorityMedium || res.Task.Category != domain.CategoryGeneral {
		t.Fatalf("unexpected fallback task %+v", res.Task)
	}
	if res.Degraded {
		t.Fatalf("parse fallback is not a degraded request")
	}
	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected a warning for unparseable output")
	}
}

func TestCreateFromTextEmptyText(t *testing.T) {
	ext := &stubExtractor{}
	store := newMemStore()
	s, _ := newTestService(ext, store, &stubDispatcher{}, Options{})

	_, err := s.CreateFromText(context.Background(), "u1", Input{Text: "  \n"})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ext.calls != 0 || len(store.tasks) != 0 || len(store.conversations) != 0 {
		t.Fatalf("empty text must have no side effects")
	}
}

func TestCreateFromTextNoUser(t *testing.T) {
	s, _ := newTestService(&stubExtractor{}, newMemStore(), &stubDispatcher{}, Options{})
	_, err := s.CreateFromText(context.Background(), "", Input{Text: "x"})
	var ue *domain.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
}

func TestCreateFromTextUpstreamErrorBlocks(t *testing.T) {
	ext := &stubExtractor{err: &domain.UpstreamError{StatusCode: 429, Body: "rate limited"}}
	store := newMemStore()
	disp := &stubDispatcher{}
	s, _ := newTestService(ext, store, disp, Options{})

	_, err := s.CreateFromText(context.Background(), "u1", Input{Text: "buy milk"})
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != 429 {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if len(store.tasks) != 0 || disp.dispatch != 0 {
		t.Fatalf("upstream failure must not create or dispatch")
	}
}

func TestCreateFromTextUpstreamErrorDegrades(t *testing.T) {
	ext := &stubExtractor{err: &domain.UpstreamError{StatusCode: 503}}
	store := newMemStore()
	s, _ := newTestService(ext, store, &stubDispatcher{}, Options{FallbackOnUpstreamError: true})

	res, err := s.CreateFromText(context.Background(), "u1", Input{Text: "buy milk"})
	if err != nil {
		t.Fatalf("degraded create: %v", err)
	}
	if !res.Degraded || res.Task.Title != "buy milk" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCreateFromTextNonUpstreamErrorAlwaysBlocks(t *testing.T) {
	boom := errors.New("boom")
	s, _ := newTestService(&stubExtractor{err: boom}, newMemStore(), &stubDispatcher{}, Options{FallbackOnUpstreamError: true})
	if _, err := s.CreateFromText(context.Background(), "u1", Input{Text: "x"}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestCreateFromTextStoreFailure(t *testing.T) {
	store := newMemStore()
	store.createErr = errors.New("table down")
	disp := &stubDispatcher{}
	s, _ := newTestService(&stubExtractor{raw: meetingOutput}, store, disp, Options{})

	if _, err := s.CreateFromText(context.Background(), "u1", Input{Text: "x"}); err == nil {
		t.Fatalf("expected store error")
	}
	if disp.dispatch != 0 || len(store.conversations) != 0 {
		t.Fatalf("no side effects expected after a failed store write")
	}
}

func TestCreateFromTextDispatchFailureStillSucceeds(t *testing.T) {
	disp := &stubDispatcher{results: []domain.DispatchResult{
		{Platform: domain.PlatformGoogleCalendar, Status: domain.DispatchFailed, Reason: domain.ReasonNetworkError, Message: "dial tcp: timeout"},
	}}
	s, _ := newTestService(&stubExtractor{raw: meetingOutput}, newMemStore(), disp, Options{})

	res, err := s.CreateFromText(context.Background(), "u1", Input{Text: "meeting"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Task.Mirrored() {
		t.Fatalf("failed dispatch must leave the task unmirrored")
	}
	if res.Integrations[0].Reason != domain.ReasonNetworkError {
		t.Fatalf("unexpected integrations %+v", res.Integrations)
	}
}

func TestCreateTask(t *testing.T) {
	store := newMemStore()
	s, _ := newTestService(nil, store, &stubDispatcher{}, Options{})

	due := time.Date(2025, 1, 16, 16, 0, 0, 0, time.FixedZone("CET", 3600))
	task, err := s.CreateTask(context.Background(), "u1", NewTask{Title: " Pay rent ", DueDate: &due})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Title != "Pay rent" || task.Priority != domain.PriorityMedium || task.Status != domain.StatusPending {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.DueDate.Location() != time.UTC || task.Category != domain.CategoryGeneral || task.Source != domain.SourceText {
		t.Fatalf("unexpected defaults %+v", task)
	}

	if _, err := s.CreateTask(context.Background(), "u1", NewTask{Title: ""}); !errors.As(err, new(*domain.ValidationError)) {
		t.Fatalf("expected ValidationError for empty title, got %v", err)
	}
	if _, err := s.CreateTask(context.Background(), "u1", NewTask{Title: "x", Priority: "critical"}); !errors.As(err, new(*domain.ValidationError)) {
		t.Fatalf("expected ValidationError for bad priority, got %v", err)
	}
}

func seedMirrored(t *testing.T, store *memStore) domain.Task {
	t.Helper()
	task, _ := store.CreateTask(context.Background(), domain.Task{
		UserID: "u1", Title: "Meeting: Team", Status: domain.StatusPending,
		ExternalID: "evt-1", ExternalPlatform: domain.PlatformGoogleCalendar,
	})
	return task
}

func TestUpdateTaskPropagatesStatus(t *testing.T) {
	store := newMemStore()
	disp := &stubDispatcher{propagate: domain.DispatchResult{Status: domain.DispatchSucceeded}}
	s, _ := newTestService(nil, store, disp, Options{})
	task := seedMirrored(t, store)

	done := domain.StatusCompleted
	change, err := s.UpdateTask(context.Background(), "u1", task.ID, domain.TaskPatch{Status: &done})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if change.Task.Status != domain.StatusCompleted || change.Integration == nil {
		t.Fatalf("unexpected change %+v", change)
	}
	if len(disp.statuses) != 1 || disp.statuses[0].Status != domain.StatusCompleted {
		t.Fatalf("expected one propagation with the new status")
	}

	if _, err := s.UpdateTask(context.Background(), "u1", task.ID, domain.TaskPatch{Status: &done}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(disp.statuses) != 1 {
		t.Fatalf("unchanged status must not propagate")
	}
}

func TestUpdateTaskTitleOnlyDoesNotPropagate(t *testing.T) {
	store := newMemStore()
	disp := &stubDispatcher{}
	s, _ := newTestService(nil, store, disp, Options{})
	task := seedMirrored(t, store)

	title := "Meeting: Renamed"
	change, err := s.UpdateTask(context.Background(), "u1", task.ID, domain.TaskPatch{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if change.Integration != nil || len(disp.statuses) != 0 {
		t.Fatalf("title edit must not propagate")
	}
}

func TestUpdateTaskRejects(t *testing.T) {
	store := newMemStore()
	s, _ := newTestService(nil, store, &stubDispatcher{}, Options{})
	task := seedMirrored(t, store)

	ext := "other"
	bogus := domain.Status("archived")
	cases := map[string]domain.TaskPatch{
		"empty":    {},
		"external": {ExternalID: &ext},
		"status":   {Status: &bogus},
	}
	for name, patch := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := s.UpdateTask(context.Background(), "u1", task.ID, patch); !errors.As(err, new(*domain.ValidationError)) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
	done := domain.StatusCompleted
	if _, err := s.UpdateTask(context.Background(), "u1", "missing", domain.TaskPatch{Status: &done}); !domain.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestDeleteTaskPropagates(t *testing.T) {
	store := newMemStore()
	disp := &stubDispatcher{propagate: domain.DispatchResult{Status: domain.DispatchSucceeded}}
	s, _ := newTestService(nil, store, disp, Options{})
	task := seedMirrored(t, store)

	res, err := s.DeleteTask(context.Background(), "u1", task.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res == nil || res.Status != domain.DispatchSucceeded {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(store.deleted) != 1 || len(disp.deletes) != 1 || disp.deletes[0].ExternalID != "evt-1" {
		t.Fatalf("expected local and remote delete")
	}
	if _, err := s.DeleteTask(context.Background(), "u1", task.ID); !domain.IsNotFound(err) {
		t.Fatalf("second delete must report NotFound, got %v", err)
	}
}

func TestDeleteTaskRemoteFailureKeepsLocalDelete(t *testing.T) {
	store := newMemStore()
	disp := &stubDispatcher{propagate: domain.DispatchResult{Status: domain.DispatchFailed, Reason: domain.ReasonRemoteError}}
	s, _ := newTestService(nil, store, disp, Options{})
	task := seedMirrored(t, store)

	res, err := s.DeleteTask(context.Background(), "u1", task.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Status != domain.DispatchFailed {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok := store.tasks[task.ID]; ok {
		t.Fatalf("local row must stay deleted")
	}
}

func TestDeleteUnmirroredTask(t *testing.T) {
	store := newMemStore()
	s, _ := newTestService(nil, store, &stubDispatcher{}, Options{})
	task, _ := store.CreateTask(context.Background(), domain.Task{UserID: "u1", Title: "x"})

	res, err := s.DeleteTask(context.Background(), "u1", task.ID)
	if err != nil || res != nil {
		t.Fatalf("unexpected %+v %v", res, err)
	}
}

func TestSyncTask(t *testing.T) {
	store := newMemStore()
	disp := &stubDispatcher{results: []domain.DispatchResult{
		{Platform: domain.PlatformNotion, Status: domain.DispatchSucceeded, ExternalID: "page-1"},
	}}
	s, _ := newTestService(nil, store, disp, Options{})
	task, _ := store.CreateTask(context.Background(), domain.Task{UserID: "u1", Title: "x"})

	res, err := s.SyncTask(context.Background(), "u1", task.ID, []string{"notion"}, "UTC")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Task.ExternalID != "page-1" || res.Task.ExternalPlatform != domain.PlatformNotion {
		t.Fatalf("unexpected task %+v", res.Task)
	}

	res, err = s.SyncTask(context.Background(), "u1", task.ID, []string{"notion"}, "UTC")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Integrations[0].Status != domain.DispatchAlreadyMirrored {
		t.Fatalf("second sync must be skipped, got %+v", res.Integrations)
	}
	if len(store.updates) != 1 {
		t.Fatalf("external reference must be stamped once, got %d", len(store.updates))
	}
}

func TestStats(t *testing.T) {
	store := newMemStore()
	s, _ := newTestService(nil, store, &stubDispatcher{}, Options{})
	store.CreateTask(context.Background(), domain.Task{UserID: "u1", Status: domain.StatusCompleted, Priority: domain.PriorityHigh, CreatedAt: fixedNow})
	store.CreateTask(context.Background(), domain.Task{UserID: "u1", Status: domain.StatusPending, Priority: domain.PriorityLow, CreatedAt: fixedNow})
	store.CreateTask(context.Background(), domain.Task{UserID: "u2", Status: domain.StatusPending, CreatedAt: fixedNow})

	st, err := s.Stats(context.Background(), "u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 2 || st.CompletionRate != 50 || st.ByStatus[domain.StatusCompleted] != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestMutationsRequireTaskID(t *testing.T) {
	store := newMemStore()
	disp := &stubDispatcher{}
	s, _ := newTestService(nil, store, disp, Options{})
	title := "x"

	_, updateErr := s.UpdateTask(context.Background(), "u1", "", domain.TaskPatch{Title: &title})
	_, deleteErr := s.DeleteTask(context.Background(), "u1", "  ")
	_, syncErr := s.SyncTask(context.Background(), "u1", "", []string{"notion"}, "")

	for name, err := range map[string]error{"update": updateErr, "delete": deleteErr, "sync": syncErr} {
		var ve *domain.ValidationError
		if !errors.As(err, &ve) || ve.Field != "id" {
			t.Fatalf("%s: expected id validation error, got %v", name, err)
		}
	}
	if disp.dispatch != 0 || len(disp.deletes) != 0 {
		t.Fatalf("dispatcher must not be called for an empty id")
	}
}
