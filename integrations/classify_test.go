package integrations

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/jomei/notionapi"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"talk2task/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.FailureReason
	}{
		{"google 401", &googleapi.Error{Code: 401}, domain.ReasonAuthExpired},
		{"google 403", fmt.Errorf("insert: %w", &googleapi.Error{Code: 403}), domain.ReasonAuthExpired},
		{"google 500", &googleapi.Error{Code: 500}, domain.ReasonRemoteError},
		{"notion 401", &notionapi.Error{Status: 401, Code: "unauthorized"}, domain.ReasonAuthExpired},
		{"notion 400", &notionapi.Error{Status: 400, Code: "validation_error"}, domain.ReasonRemoteError},
		{"refresh failure", &url.Error{Op: "Post", URL: "x", Err: &oauth2.RetrieveError{}}, domain.ReasonAuthExpired},
		{"transport", &url.Error{Op: "Post", URL: "x", Err: errors.New("connection refused")}, domain.ReasonNetworkError},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), domain.ReasonNetworkError},
		{"cancelled", context.Canceled, domain.ReasonNetworkError},
		{"other", errors.New("boom"), domain.ReasonRemoteError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ie := Classify(domain.PlatformNotion, tc.err)
			if ie.Reason != tc.want {
				t.Fatalf("reason = %s, want %s", ie.Reason, tc.want)
			}
			if ie.Platform != domain.PlatformNotion || !errors.Is(ie, tc.err) {
				t.Fatalf("classified error must wrap the original")
			}
		})
	}
}

func TestClassifyKeepsIntegrationError(t *testing.T) {
	orig := &domain.IntegrationError{Platform: domain.PlatformGoogleCalendar, Reason: domain.ReasonAuthExpired, Err: errors.New("expired")}
	if got := Classify(domain.PlatformNotion, fmt.Errorf("wrap: %w", orig)); got != orig {
		t.Fatalf("expected the wrapped IntegrationError back")
	}
	if Classify(domain.PlatformNotion, nil) != nil {
		t.Fatalf("nil error must classify to nil")
	}
}
