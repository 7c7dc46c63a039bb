package storage

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"talk2task/domain"
)

// Tables stores everything in Azure Table Storage. Rows are partitioned by
// user id.
type Tables struct {
	tasks         *aztables.Client
	credentials   *aztables.Client
	conversations *aztables.Client
	now           func() time.Time
}

// TableNames names the tables used by Tables.
type TableNames struct {
	Tasks         string
	Credentials   string
	Conversations string
}

// TableClientOptions is the retry policy shared by every table client.
func TableClientOptions() *aztables.ClientOptions {
	return &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// NewTables creates a Tables instance from the given connection string.
func NewTables(connStr string, names TableNames) (*Tables, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, TableClientOptions())
	if err != nil {
		return nil, err
	}
	return &Tables{
		tasks:         svc.NewClient(names.Tasks),
		credentials:   svc.NewClient(names.Credentials),
		conversations: svc.NewClient(names.Conversations),
		now:           time.Now,
	}, nil
}

func partitionFilter(userID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(userID, "'", "''") + "'"
}

func isStatus(err error, code int) bool {
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == code
}

func (s *Tables) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	if err := domain.RequireUser(task.UserID); err != nil {
		return domain.Task{}, err
	}
	now := s.now().UTC()
	task.ID = uuid.NewString()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	data, err := sonic.Marshal(toTaskEntity(task))
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.tasks.AddEntity(ctx, data, nil); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// ListTasks returns the user's tasks, newest first.
func (s *Tables) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if err := domain.RequireUser(userID); err != nil {
		return nil, err
	}
	filter := partitionFilter(userID)
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			task, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	SortNewestFirst(tasks)
	return tasks, nil
}

// SortNewestFirst orders tasks by creation time, descending.
func SortNewestFirst(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

func (s *Tables) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	task, _, err := s.getTask(ctx, userID, id)
	return task, err
}

func (s *Tables) getTask(ctx context.Context, userID, id string) (domain.Task, azcore.ETag, error) {
	if err := domain.RequireUser(userID); err != nil {
		return domain.Task{}, "", err
	}
	resp, err := s.tasks.GetEntity(ctx, userID, id, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.Task{}, "", &domain.NotFoundError{Kind: "task", ID: id}
		}
		return domain.Task{}, "", err
	}
	task, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return domain.Task{}, "", err
	}
	return task, resp.ETag, nil
}

// UpdateTask applies the patch under an ETag precondition, re-reading the
// row when another writer got there first.
func (s *Tables) UpdateTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := patch.Validate(); err != nil {
		return domain.Task{}, err
	}
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		task, etag, err := s.getTask(ctx, userID, id)
		if err != nil {
			return domain.Task{}, err
		}
		if err := patch.Apply(&task, s.now()); err != nil {
			return domain.Task{}, err
		}
		data, err := sonic.Marshal(toTaskEntity(task))
		if err != nil {
			return domain.Task{}, err
		}
		_, err = s.tasks.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{
			IfMatch:    &etag,
			UpdateMode: aztables.UpdateModeReplace,
		})
		switch {
		case err == nil:
			return task, nil
		case isStatus(err, http.StatusPreconditionFailed):
			lastErr = err
			continue
		case isStatus(err, http.StatusNotFound):
			return domain.Task{}, &domain.NotFoundError{Kind: "task", ID: id}
		default:
			return domain.Task{}, err
		}
	}
	return domain.Task{}, lastErr
}

func (s *Tables) DeleteTask(ctx context.Context, userID, id string) error {
	if err := domain.RequireUser(userID); err != nil {
		return err
	}
	if _, err := s.tasks.DeleteEntity(ctx, userID, id, nil); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return &domain.NotFoundError{Kind: "task", ID: id}
		}
		return err
	}
	return nil
}

func (s *Tables) ActiveCredential(ctx context.Context, userID string, platform domain.Platform) (domain.Credential, error) {
	if err := domain.RequireUser(userID); err != nil {
		return domain.Credential{}, err
	}
	resp, err := s.credentials.GetEntity(ctx, userID, string(platform), nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.Credential{}, &domain.NotFoundError{Kind: "credential", ID: string(platform)}
		}
		return domain.Credential{}, err
	}
	cred, err := decodeCredentialEntity(resp.Value)
	if err != nil {
		return domain.Credential{}, err
	}
	if !cred.Active {
		return domain.Credential{}, &domain.NotFoundError{Kind: "credential", ID: string(platform)}
	}
	return cred, nil
}

func (s *Tables) ListCredentials(ctx context.Context, userID string) ([]domain.Credential, error) {
	if err := domain.RequireUser(userID); err != nil {
		return nil, err
	}
	filter := partitionFilter(userID)
	pager := s.credentials.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	creds := []domain.Credential{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			cred, err := decodeCredentialEntity(e)
			if err != nil {
				return nil, err
			}
			creds = append(creds, cred)
		}
	}
	return creds, nil
}

// SaveCredential upserts the grant. CreatedAt survives reconnects.
func (s *Tables) SaveCredential(ctx context.Context, cred domain.Credential) error {
	if err := domain.RequireUser(cred.UserID); err != nil {
		return err
	}
	now := s.now().UTC()
	if cred.CreatedAt.IsZero() {
		if existing, err := s.credentials.GetEntity(ctx, cred.UserID, string(cred.Platform), nil); err == nil {
			if prev, err := decodeCredentialEntity(existing.Value); err == nil {
				cred.CreatedAt = prev.CreatedAt
			}
		}
		if cred.CreatedAt.IsZero() {
			cred.CreatedAt = now
		}
	}
	cred.UpdatedAt = now
	data, err := sonic.Marshal(toCredentialEntity(cred))
	if err != nil {
		return err
	}
	_, err = s.credentials.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

func (s *Tables) DeactivateCredential(ctx context.Context, userID string, platform domain.Platform) error {
	if err := domain.RequireUser(userID); err != nil {
		return err
	}
	resp, err := s.credentials.GetEntity(ctx, userID, string(platform), nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return &domain.NotFoundError{Kind: "credential", ID: string(platform)}
		}
		return err
	}
	cred, err := decodeCredentialEntity(resp.Value)
	if err != nil {
		return err
	}
	cred.Active = false
	cred.UpdatedAt = s.now().UTC()
	data, err := sonic.Marshal(toCredentialEntity(cred))
	if err != nil {
		return err
	}
	_, err = s.credentials.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{
		IfMatch:    &resp.ETag,
		UpdateMode: aztables.UpdateModeReplace,
	})
	return err
}

func (s *Tables) RecordConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	if err := domain.RequireUser(c.UserID); err != nil {
		return domain.Conversation{}, err
	}
	c.ID = uuid.NewString()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	data, err := sonic.Marshal(toConversationEntity(c))
	if err != nil {
		return domain.Conversation{}, err
	}
	if _, err := s.conversations.AddEntity(ctx, data, nil); err != nil {
		return domain.Conversation{}, err
	}
	return c, nil
}
