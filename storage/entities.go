package storage

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"talk2task/domain"
)

// tableKeys carries only the row keys so writes never send a Timestamp.
type tableKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	tableKeys
	Title            string `json:"Title"`
	Description      string `json:"Description"`
	Priority         string `json:"Priority"`
	DueDate          string `json:"DueDate"`
	Status           string `json:"Status"`
	Source           string `json:"Source"`
	Category         string `json:"Category"`
	ExternalID       string `json:"ExternalID"`
	ExternalPlatform string `json:"ExternalPlatform"`
	AIContext        string `json:"AIContext"`
	CreatedAt        string `json:"CreatedAt"`
	UpdatedAt        string `json:"UpdatedAt"`
}

type credentialEntity struct {
	tableKeys
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	ExpiresAt    string `json:"ExpiresAt"`
	Active       bool   `json:"IsActive"`
	CreatedAt    string `json:"CreatedAt"`
	UpdatedAt    string `json:"UpdatedAt"`
}

type conversationEntity struct {
	tableKeys
	InputText   string `json:"InputText"`
	AIResponse  string `json:"AIResponse"`
	TaskCreated bool   `json:"TaskCreated"`
	TaskID      string `json:"TaskID"`
	CreatedAt   string `json:"CreatedAt"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode %s: %w", field, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseTime(field, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toTaskEntity(t domain.Task) taskEntity {
	return taskEntity{
		tableKeys:        tableKeys{PartitionKey: t.UserID, RowKey: t.ID},
		Title:            t.Title,
		Description:      t.Description,
		Priority:         string(t.Priority),
		DueDate:          formatTimePtr(t.DueDate),
		Status:           string(t.Status),
		Source:           string(t.Source),
		Category:         string(t.Category),
		ExternalID:       t.ExternalID,
		ExternalPlatform: string(t.ExternalPlatform),
		AIContext:        t.AIContext,
		CreatedAt:        formatTime(t.CreatedAt),
		UpdatedAt:        formatTime(t.UpdatedAt),
	}
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	due, err := parseTimePtr("DueDate", ent.DueDate)
	if err != nil {
		return domain.Task{}, err
	}
	created, err := parseTime("CreatedAt", ent.CreatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	updated, err := parseTime("UpdatedAt", ent.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	return domain.Task{
		ID:               ent.RowKey,
		UserID:           ent.PartitionKey,
		Title:            ent.Title,
		Description:      ent.Description,
		Priority:         domain.Priority(ent.Priority),
		DueDate:          due,
		Status:           domain.Status(ent.Status),
		Source:           domain.Source(ent.Source),
		Category:         domain.Category(ent.Category),
		ExternalID:       ent.ExternalID,
		ExternalPlatform: domain.Platform(ent.ExternalPlatform),
		AIContext:        ent.AIContext,
		CreatedAt:        created,
		UpdatedAt:        updated,
	}, nil
}

func toCredentialEntity(c domain.Credential) credentialEntity {
	return credentialEntity{
		tableKeys:    tableKeys{PartitionKey: c.UserID, RowKey: string(c.Platform)},
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    formatTimePtr(c.ExpiresAt),
		Active:       c.Active,
		CreatedAt:    formatTime(c.CreatedAt),
		UpdatedAt:    formatTime(c.UpdatedAt),
	}
}

func decodeCredentialEntity(data []byte) (domain.Credential, error) {
	var ent credentialEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Credential{}, err
	}
	expires, err := parseTimePtr("ExpiresAt", ent.ExpiresAt)
	if err != nil {
		return domain.Credential{}, err
	}
	created, err := parseTime("CreatedAt", ent.CreatedAt)
	if err != nil {
		return domain.Credential{}, err
	}
	updated, err := parseTime("UpdatedAt", ent.UpdatedAt)
	if err != nil {
		return domain.Credential{}, err
	}
	return domain.Credential{
		UserID:       ent.PartitionKey,
		Platform:     domain.Platform(ent.RowKey),
		AccessToken:  ent.AccessToken,
		RefreshToken: ent.RefreshToken,
		ExpiresAt:    expires,
		Active:       ent.Active,
		CreatedAt:    created,
		UpdatedAt:    updated,
	}, nil
}

func toConversationEntity(c domain.Conversation) conversationEntity {
	return conversationEntity{
		tableKeys:   tableKeys{PartitionKey: c.UserID, RowKey: c.ID},
		InputText:   c.InputText,
		AIResponse:  c.AIResponse,
		TaskCreated: c.TaskCreated,
		TaskID:      c.TaskID,
		CreatedAt:   formatTime(c.CreatedAt),
	}
}
