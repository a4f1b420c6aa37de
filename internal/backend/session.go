package backend

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is an authenticated user session.
type Session struct {
	UserID      string
	AccessToken string
}

// SessionSource yields the current user session, if any. Report submission
// never requires one.
type SessionSource interface {
	Current(ctx context.Context) (*Session, bool)
}

// Anonymous is a SessionSource that never has a session.
type Anonymous struct{}

// Current always reports no session.
func (Anonymous) Current(context.Context) (*Session, bool) { return nil, false }

// TokenSession derives a session from a stored access token. The token is
// issued by the backend's auth service; only its claims are read here, the
// backend verifies the signature on every request.
type TokenSession struct {
	token string
	now   func() time.Time
}

// NewTokenSession returns a SessionSource backed by token. An empty token
// behaves like [Anonymous].
func NewTokenSession(token string) *TokenSession {
	return &TokenSession{token: token, now: time.Now}
}

// Current returns the session when the token carries a subject and has not
// expired.
func (t *TokenSession) Current(context.Context) (*Session, bool) {
	if t.token == "" {
		return nil, false
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.token, claims); err != nil {
		return nil, false
	}
	if claims.Subject == "" {
		return nil, false
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(t.now()) {
		return nil, false
	}
	return &Session{UserID: claims.Subject, AccessToken: t.token}, true
}
