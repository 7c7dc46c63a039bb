package integrations

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"talk2task/domain"
)

func TestAuthCodeURL(t *testing.T) {
	c := NewConnector(nil, map[domain.Platform]*oauth2.Config{
		domain.PlatformGoogleCalendar: GoogleOAuthConfig("gid", "gsecret", "http://localhost/cb/google"),
		domain.PlatformNotion:         NotionOAuthConfig("nid", "nsecret", "http://localhost/cb/notion"),
	})

	raw, err := c.AuthCodeURL(domain.PlatformGoogleCalendar, "state-1")
	if err != nil {
		t.Fatalf("google url: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	if q.Get("access_type") != "offline" || q.Get("prompt") != "consent" || q.Get("state") != "state-1" {
		t.Fatalf("unexpected google params %v", q)
	}
	if q.Get("client_id") != "gid" || q.Get("redirect_uri") != "http://localhost/cb/google" {
		t.Fatalf("unexpected google client params %v", q)
	}

	raw, err = c.AuthCodeURL(domain.PlatformNotion, "state-2")
	if err != nil {
		t.Fatalf("notion url: %v", err)
	}
	u, _ = url.Parse(raw)
	if u.Host != "api.notion.com" || u.Query().Get("owner") != "user" || u.Query().Get("state") != "state-2" {
		t.Fatalf("unexpected notion url %s", raw)
	}
}

func TestAuthCodeURLUnconfigured(t *testing.T) {
	c := NewConnector(nil, nil)
	_, err := c.AuthCodeURL(domain.PlatformNotion, "s")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if c.Supports(domain.PlatformNotion) {
		t.Fatalf("unconfigured platform must not be supported")
	}
}

func newTokenServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConnector(srv *httptest.Server) *Connector {
	return NewConnector(srv.Client(), map[domain.Platform]*oauth2.Config{
		domain.PlatformGoogleCalendar: {
			ClientID:     "id",
			ClientSecret: "secret",
			Endpoint:     oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
		},
	})
}

func TestExchange(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK, `{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`)
	c := testConnector(srv)

	before := time.Now()
	cred, err := c.Exchange(context.Background(), "u1", domain.PlatformGoogleCalendar, "good-code")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if cred.UserID != "u1" || cred.Platform != domain.PlatformGoogleCalendar || !cred.Active {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if cred.AccessToken != "at" || cred.RefreshToken != "rt" {
		t.Fatalf("unexpected tokens %+v", cred)
	}
	if cred.ExpiresAt == nil || cred.ExpiresAt.Before(before) || cred.ExpiresAt.Location() != time.UTC {
		t.Fatalf("unexpected expiry %v", cred.ExpiresAt)
	}
}

func TestExchangeRejectedCode(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK, `{}`)
	c := testConnector(srv)

	_, err := c.Exchange(context.Background(), "u1", domain.PlatformGoogleCalendar, "bad-code")
	var ie *domain.IntegrationError
	if !errors.As(err, &ie) || ie.Reason != domain.ReasonAuthExpired {
		t.Fatalf("expected auth_expired integration error, got %v", err)
	}
}

func TestExchangeValidation(t *testing.T) {
	c := NewConnector(nil, nil)
	if _, err := c.Exchange(context.Background(), "", domain.PlatformNotion, "code"); !errors.As(err, new(*domain.UnauthorizedError)) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if _, err := c.Exchange(context.Background(), "u1", domain.PlatformNotion, ""); !errors.As(err, new(*domain.ValidationError)) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	exp := time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC)
	cred := domain.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: &exp}
	tok := CredentialToken(cred)
	if tok.AccessToken != "a" || tok.RefreshToken != "r" || !tok.Expiry.Equal(exp) {
		t.Fatalf("unexpected token %+v", tok)
	}
	if got := CredentialToken(domain.Credential{AccessToken: "a"}); !got.Expiry.IsZero() {
		t.Fatalf("missing expiry must stay zero")
	}
	if !expiredWithoutRefresh(domain.Credential{ExpiresAt: &exp}, exp.Add(time.Second)) {
		t.Fatalf("expired grant without refresh token must be detected")
	}
	if expiredWithoutRefresh(cred, exp.Add(time.Second)) {
		t.Fatalf("refresh token makes the grant usable")
	}
}

type staticSource struct{ tok *oauth2.Token }

func (s staticSource) Token() (*oauth2.Token, error) { return s.tok, nil }

func TestSavingTokenSourceKeepsRefreshToken(t *testing.T) {
	saver := &recordingSaver{}
	cred := domain.Credential{UserID: "u1", Platform: domain.PlatformNotion, AccessToken: "old", RefreshToken: "keep"}
	src := newSavingTokenSource(staticSource{&oauth2.Token{AccessToken: "new"}}, cred, saver, nil)

	for i := 0; i < 2; i++ {
		if _, err := src.Token(); err != nil {
			t.Fatalf("token: %v", err)
		}
	}
	if len(saver.saved) != 1 {
		t.Fatalf("expected one save, got %d", len(saver.saved))
	}
	if saver.saved[0].AccessToken != "new" || saver.saved[0].RefreshToken != "keep" {
		t.Fatalf("unexpected saved credential %+v", saver.saved[0])
	}
}
