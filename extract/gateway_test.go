package extract

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"talk2task/domain"
)

var fixedNow = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

func TestExtractSendsPromptContract(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		b, _ := io.ReadAll(r.Body)
		if err := sonic.Unmarshal(b, &got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"{\"title\":\"x\"}"}}]}`)
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "m", Timeout: time.Second}, srv.Client())
	raw, err := g.Extract(context.Background(), "buy milk", fixedNow, "Europe/Berlin")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if raw != `{"title":"x"}` {
		t.Fatalf("unexpected raw %q", raw)
	}
	if got.Model != "m" || got.ResponseFormat.Type != "json_object" {
		t.Fatalf("unexpected request %#v", got)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "buy milk" {
		t.Fatalf("unexpected messages %#v", got.Messages)
	}
	sys := got.Messages[0].Content
	if !strings.Contains(sys, "2025-01-15T10:30:00Z") || !strings.Contains(sys, "Europe/Berlin") {
		t.Fatalf("prompt must embed the current instant and timezone")
	}
}

func TestExtractEmptyTextMakesNoCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL}, srv.Client())
	_, err := g.Extract(context.Background(), "  \n ", fixedNow, "")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("no request must be sent for empty text")
	}
}

func TestExtractNon2xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, "rate limited")
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL}, srv.Client())
	_, err := g.Extract(context.Background(), "buy milk", fixedNow, "UTC")
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if ue.StatusCode != http.StatusTooManyRequests || ue.Body != "rate limited" {
		t.Fatalf("unexpected upstream error %#v", ue)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestExtractEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL}, srv.Client())
	_, err := g.Extract(context.Background(), "buy milk", fixedNow, "UTC")
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != http.StatusOK {
		t.Fatalf("expected upstream error with status 200, got %v", err)
	}
}

func TestExtractTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	g := New(Config{BaseURL: url, Timeout: time.Second}, nil)
	_, err := g.Extract(context.Background(), "buy milk", fixedNow, "UTC")
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != 0 {
		t.Fatalf("expected upstream error without status, got %v", err)
	}
}

func TestBuildPromptDefaultsTimezone(t *testing.T) {
	p := BuildPrompt(fixedNow.In(time.FixedZone("x", 3600)), "")
	if !strings.Contains(p, "The user's timezone is UTC.") {
		t.Fatalf("empty timezone must render as UTC")
	}
	if !strings.Contains(p, "2025-01-15T10:30:00Z") {
		t.Fatalf("instant must be rendered in UTC")
	}
}
