// Package integrations mirrors tasks to external calendar and notes
// platforms on a best-effort basis.
package integrations

import (
	"context"

	"talk2task/domain"
)

// Platform is one external system a task can be mirrored to.
type Platform interface {
	Name() domain.Platform
	// Create makes the remote object and returns its id.
	Create(ctx context.Context, cred domain.Credential, task domain.Task, timezone string) (string, error)
	// SyncStatus reflects the task status on the remote object.
	SyncStatus(ctx context.Context, cred domain.Credential, task domain.Task) error
	// Remove deletes or archives the remote object. A remote object that is
	// already gone is not an error.
	Remove(ctx context.Context, cred domain.Credential, externalID string) error
}

// CredentialSaver persists refreshed tokens.
type CredentialSaver interface {
	SaveCredential(ctx context.Context, cred domain.Credential) error
}
