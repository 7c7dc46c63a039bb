// Command gen-token prints HS256 tokens accepted by the API when
// AUTH_MODE=hs256. Intended for local runs and smoke tests.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		count    = flag.Int("count", 1, "number of tokens to generate")
		prefix   = flag.String("prefix", "local-user", "prefix for generated user IDs when count > 1")
		start    = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		audience = flag.String("aud", os.Getenv("AUTH_AUDIENCE"), "audience claim")
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
		output   = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}

	signer := tokenSigner{
		secret:   []byte(os.Getenv("AUTH_SHARED_SECRET")),
		audience: *audience,
		ttl:      *ttl,
		now:      time.Now,
	}
	tokens, err := signer.generate(userIDs(*count, *prefix, *start, args))
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

type tokenSigner struct {
	secret   []byte
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func (s tokenSigner) sign(userID string) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("AUTH_SHARED_SECRET must be set")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s tokenSigner) generate(ids []string) ([]string, error) {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		tok, err := s.sign(id)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func userIDs(count int, prefix string, start int, args []string) []string {
	ids := make([]string, count)
	for i := range ids {
		switch {
		case len(args) > 0:
			ids[i] = args[0]
		case count == 1:
			ids[i] = prefix
		default:
			ids[i] = fmt.Sprintf("%s-%d", prefix, start+i)
		}
	}
	return ids
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
