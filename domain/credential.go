package domain

import "time"

// Credential is a user's OAuth grant for one platform. Disconnecting
// flips Active off; rows are never removed.
type Credential struct {
	UserID       string     `json:"user_id"`
	Platform     Platform   `json:"platform"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Active       bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Conversation is the audit row written for every extraction request.
type Conversation struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	InputText   string    `json:"input_text"`
	AIResponse  string    `json:"ai_response"`
	TaskCreated bool      `json:"task_created"`
	TaskID      string    `json:"task_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DispatchStatus is the terminal state of one dispatch attempt.
type DispatchStatus string

const (
	DispatchSucceeded        DispatchStatus = "succeeded"
	DispatchFailed           DispatchStatus = "failed"
	DispatchNotConnected     DispatchStatus = "skipped_not_connected"
	DispatchAlreadyMirrored  DispatchStatus = "skipped_already_mirrored"
	DispatchMirrorLimit      DispatchStatus = "skipped_mirror_limit"
	DispatchInFlight         DispatchStatus = "skipped_in_flight"
	DispatchUnsupportedState DispatchStatus = "skipped_unsupported"
)

// DispatchResult reports what happened to one platform for one task.
type DispatchResult struct {
	Platform   Platform       `json:"platform"`
	Operation  string         `json:"operation"`
	Status     DispatchStatus `json:"status"`
	ExternalID string         `json:"external_id,omitempty"`
	Reason     FailureReason  `json:"reason,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// FirstSucceeded returns the first successful result, if any.
func FirstSucceeded(results []DispatchResult) (DispatchResult, bool) {
	for _, r := range results {
		if r.Status == DispatchSucceeded && r.ExternalID != "" {
			return r, true
		}
	}
	return DispatchResult{}, false
}
