package api

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"talk2task/domain"
)

const oauthStateTTL = 10 * time.Minute

// OAuthStates keeps pending authorization flows in Redis so the callback,
// which carries no bearer token, can be tied back to the user.
type OAuthStates struct {
	client *redis.Client
	ttl    time.Duration
}

func NewOAuthStates(client *redis.Client) *OAuthStates {
	return &OAuthStates{client: client, ttl: oauthStateTTL}
}

type pendingFlow struct {
	UserID   string          `json:"user_id"`
	Platform domain.Platform `json:"platform"`
}

func oauthStateKey(state string) string {
	return "oauth:state:" + state
}

// Issue stores a new random state for the user's flow on p.
func (s *OAuthStates) Issue(ctx context.Context, userID string, p domain.Platform) (string, error) {
	state := uuid.NewString()
	payload, err := sonic.Marshal(pendingFlow{UserID: userID, Platform: p})
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, oauthStateKey(state), payload, s.ttl).Err(); err != nil {
		return "", err
	}
	return state, nil
}

// Consume returns the user a state was issued for. A state works once.
func (s *OAuthStates) Consume(ctx context.Context, state string, p domain.Platform) (string, error) {
	if state == "" {
		return "", &domain.UnauthorizedError{Reason: "missing oauth state"}
	}
	raw, err := s.client.GetDel(ctx, oauthStateKey(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", &domain.UnauthorizedError{Reason: "unknown or expired oauth state"}
	}
	if err != nil {
		return "", err
	}
	var flow pendingFlow
	if err := sonic.Unmarshal(raw, &flow); err != nil {
		return "", err
	}
	if flow.Platform != p || flow.UserID == "" {
		return "", &domain.UnauthorizedError{Reason: "oauth state does not match platform"}
	}
	return flow.UserID, nil
}
