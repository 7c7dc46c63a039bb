package api

import (
	"context"
	"errors"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

const firebaseVerifyTimeout = 5 * time.Second

type idTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// FirebaseAuth accepts Firebase ID tokens.
type FirebaseAuth struct {
	verifier idTokenVerifier
}

// NewFirebaseAuth initialises the Firebase app from a service account JSON
// document.
func NewFirebaseAuth(ctx context.Context, serviceAccountJSON string) (*FirebaseAuth, error) {
	if serviceAccountJSON == "" {
		return nil, errors.New("firebase service account not set")
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsJSON([]byte(serviceAccountJSON)))
	if err != nil {
		return nil, err
	}
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := app.Auth(initCtx)
	if err != nil {
		return nil, err
	}
	return &FirebaseAuth{verifier: client}, nil
}

// UserIDFromAuthHeader verifies the bearer ID token and returns its UID.
func (f *FirebaseAuth) UserIDFromAuthHeader(ctx context.Context, h string) (string, error) {
	idToken, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	verifyCtx, cancel := context.WithTimeout(ctx, firebaseVerifyTimeout)
	defer cancel()

	token, err := f.verifier.VerifyIDToken(verifyCtx, idToken)
	if err != nil {
		return "", errors.New("invalid or expired firebase id token")
	}
	if token.UID == "" {
		return "", errors.New("token missing user id")
	}
	return token.UID, nil
}
