// Package extract calls an OpenAI compatible chat completion endpoint to turn
// free-form text into task JSON.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"talk2task/domain"
)

const maxErrorBody = 4 << 10

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Gateway performs one completion request per call. It never retries.
type Gateway struct {
	cfg    Config
	client *http.Client
}

// New returns a gateway. A nil client uses a client bounded by cfg.Timeout.
func New(cfg Config, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Gateway{cfg: cfg, client: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Extract sends text to the completion API and returns the raw content of
// the first choice.
func (g *Gateway) Extract(ctx context.Context, text string, now time.Time, timezone string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", &domain.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	body, err := sonic.Marshal(chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: BuildPrompt(now, timezone)},
			{Role: "user", Content: text},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(g.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &domain.UpstreamError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &domain.UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &domain.UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &domain.UpstreamError{StatusCode: resp.StatusCode, Err: err}
	}
	var decoded chatResponse
	if err := sonic.Unmarshal(raw, &decoded); err != nil {
		return "", &domain.UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode completion response: %w", err)}
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return "", &domain.UpstreamError{StatusCode: resp.StatusCode, Err: errors.New("no content in completion response")}
	}
	return decoded.Choices[0].Message.Content, nil
}
