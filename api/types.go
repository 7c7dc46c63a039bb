package api

import (
	"context"

	"talk2task/domain"
	"talk2task/pipeline"
)

// Pipeline is the task service behind the handlers.
type Pipeline interface {
	CreateFromText(ctx context.Context, userID string, in pipeline.Input) (pipeline.Result, error)
	CreateTask(ctx context.Context, userID string, in pipeline.NewTask) (domain.Task, error)
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
	UpdateTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (pipeline.Change, error)
	DeleteTask(ctx context.Context, userID, id string) (*domain.DispatchResult, error)
	SyncTask(ctx context.Context, userID, id string, hints []string, timezone string) (pipeline.Result, error)
	Stats(ctx context.Context, userID string) (domain.Stats, error)
}

// Credentials manages stored platform grants.
type Credentials interface {
	ListCredentials(ctx context.Context, userID string) ([]domain.Credential, error)
	SaveCredential(ctx context.Context, cred domain.Credential) error
	DeactivateCredential(ctx context.Context, userID string, platform domain.Platform) error
}

// Connector runs the OAuth authorization code flow.
type Connector interface {
	Supports(p domain.Platform) bool
	AuthCodeURL(p domain.Platform, state string) (string, error)
	Exchange(ctx context.Context, userID string, p domain.Platform, code string) (domain.Credential, error)
}

// StateStore binds OAuth state values to the user who started the flow.
type StateStore interface {
	Issue(ctx context.Context, userID string, p domain.Platform) (string, error)
	Consume(ctx context.Context, state string, p domain.Platform) (string, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(ctx context.Context, header string) (string, error)
}

// Deduper prevents processing of duplicate requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}
