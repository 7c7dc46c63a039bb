// Package storage persists tasks, integration credentials and the
// conversation log.
package storage

import (
	"context"

	"talk2task/domain"
)

// TaskStore is the per-user task list.
type TaskStore interface {
	CreateTask(ctx context.Context, task domain.Task) (domain.Task, error)
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetTask(ctx context.Context, userID, id string) (domain.Task, error)
	UpdateTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, userID, id string) error
}

// CredentialStore keeps one OAuth grant per user and platform.
type CredentialStore interface {
	// ActiveCredential returns a NotFoundError when the user has no active
	// grant for the platform.
	ActiveCredential(ctx context.Context, userID string, platform domain.Platform) (domain.Credential, error)
	ListCredentials(ctx context.Context, userID string) ([]domain.Credential, error)
	SaveCredential(ctx context.Context, cred domain.Credential) error
	DeactivateCredential(ctx context.Context, userID string, platform domain.Platform) error
}

// ConversationLog records extraction requests.
type ConversationLog interface {
	RecordConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error)
}

// Backend is a complete persistence implementation.
type Backend interface {
	TaskStore
	CredentialStore
	ConversationLog
}

// maxUpdateAttempts bounds retries after an optimistic concurrency conflict.
const maxUpdateAttempts = 3
