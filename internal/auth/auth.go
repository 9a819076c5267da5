// Package auth resolves bearer tokens to directory user ids.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Claims struct {
	Subject string
	Token   string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// StaticTokens authenticates against a fixed token to user id table.
type StaticTokens struct {
	Tokens map[string]string
}

func NewStaticTokens(tokens map[string]string) *StaticTokens {
	copied := make(map[string]string, len(tokens))
	for token, user := range tokens {
		if token != "" && user != "" {
			copied[token] = user
		}
	}
	return &StaticTokens{Tokens: copied}
}

// MultiAuthenticator accepts an optional development token in front of the
// configured table.
type MultiAuthenticator struct {
	DevToken string
	DevUser  string
	Static   *StaticTokens
}

// NewAuthenticatorFromEnv reads DOCFLOW_DEV_TOKEN and DOCFLOW_DEV_USER on top of
// the configured tokens.
func NewAuthenticatorFromEnv(getenv func(string) string, tokens map[string]string) *MultiAuthenticator {
	return &MultiAuthenticator{
		DevToken: getenv("DOCFLOW_DEV_TOKEN"),
		DevUser:  getenv("DOCFLOW_DEV_USER"),
		Static:   NewStaticTokens(tokens),
	}
}

func (a *MultiAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}

	if a.DevToken != "" && a.DevUser != "" {
		if subtle.ConstantTimeCompare([]byte(bearer), []byte(a.DevToken)) == 1 {
			return Claims{Subject: a.DevUser, Token: bearer}, nil
		}
	}

	if a.Static != nil {
		return a.Static.lookup(bearer)
	}
	return Claims{}, ErrInvalidToken
}

func (s *StaticTokens) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}
	return s.lookup(bearer)
}

func (s *StaticTokens) lookup(bearer string) (Claims, error) {
	for token, user := range s.Tokens {
		if subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) == 1 {
			return Claims{Subject: user, Token: bearer}, nil
		}
	}
	return Claims{}, ErrInvalidToken
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

type subjectKey struct{}

func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFrom returns the authenticated user id stored by Middleware.
func SubjectFrom(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectKey{}).(string)
	return subject, ok && subject != ""
}

// Middleware rejects unauthenticated requests with 401 and stores the subject
// on the request context.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := a.Authenticate(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": "unauthenticated"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), claims.Subject)))
		})
	}
}
