package integrations

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"talk2task/domain"
)

// CredentialToken converts a stored grant into an oauth2 token.
func CredentialToken(cred domain.Credential) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    "Bearer",
	}
	if cred.ExpiresAt != nil {
		tok.Expiry = *cred.ExpiresAt
	}
	return tok
}

// TokenCredential copies a token into a credential for platform and user.
func TokenCredential(userID string, platform domain.Platform, tok *oauth2.Token) domain.Credential {
	cred := domain.Credential{
		UserID:       userID,
		Platform:     platform,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Active:       true,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		cred.ExpiresAt = &exp
	}
	return cred
}

// savingTokenSource writes a token back to the credential store whenever the
// underlying source hands out a new access token.
type savingTokenSource struct {
	base   oauth2.TokenSource
	saver  CredentialSaver
	logger *log.Logger

	mu   sync.Mutex
	cred domain.Credential
}

func newSavingTokenSource(base oauth2.TokenSource, cred domain.Credential, saver CredentialSaver, logger *log.Logger) oauth2.TokenSource {
	if saver == nil {
		return base
	}
	return &savingTokenSource{base: base, saver: saver, logger: logger, cred: cred}
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	changed := tok.AccessToken != s.cred.AccessToken
	if changed {
		s.cred.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			s.cred.RefreshToken = tok.RefreshToken
		}
		if !tok.Expiry.IsZero() {
			exp := tok.Expiry.UTC()
			s.cred.ExpiresAt = &exp
		}
	}
	cred := s.cred
	s.mu.Unlock()

	if changed {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.saver.SaveCredential(ctx, cred); err != nil && s.logger != nil {
			s.logger.WithFields(log.Fields{"user_id": cred.UserID, "platform": cred.Platform}).
				WithError(err).Warn("persist refreshed token")
		}
	}
	return tok, nil
}

func expiredWithoutRefresh(cred domain.Credential, now time.Time) bool {
	return cred.RefreshToken == "" && cred.ExpiresAt != nil && !cred.ExpiresAt.After(now)
}
