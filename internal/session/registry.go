// Package session issues opaque login tokens and resolves them back to users.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/DoyleJ11/xss-ctf-backend/internal/store"
)

var ErrUnknown = errors.New("unknown session")
var ErrExpired = errors.New("session expired")

const DefaultTTL = 24 * time.Hour

const tokenBytes = 32

type Registry struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
	log   *zap.Logger
}

type Option func(*Registry)

func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(s store.Store, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		store: s,
		ttl:   DefaultTTL,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) TTL() time.Duration { return r.ttl }

// Create issues a new token for userID. A user may hold any number of live tokens.
func (r *Registry) Create(ctx context.Context, userID uint) (string, store.Session, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", store.Session{}, fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	now := r.now()
	sess := store.Session{
		ID:        digest(token),
		UserID:    userID,
		ExpiresAt: now.Add(r.ttl),
		CreatedAt: now,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return "", store.Session{}, fmt.Errorf("create session: %w", err)
	}
	return token, sess, nil
}

// Resolve returns the user owning token. Expiry is checked on every call.
func (r *Registry) Resolve(ctx context.Context, token string) (uint, error) {
	if token == "" {
		return 0, ErrUnknown
	}

	id := digest(token)
	sess, err := r.store.SessionByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrUnknown
	}
	if err != nil {
		return 0, err
	}

	if !sess.ExpiresAt.After(r.now()) {
		if err := r.store.DeleteSession(ctx, id); err != nil {
			r.log.Warn("failed to drop expired session", zap.Error(err))
		}
		return 0, ErrExpired
	}
	return sess.UserID, nil
}

// Username resolves token straight to the owning user's name.
func (r *Registry) Username(ctx context.Context, token string) (string, error) {
	userID, err := r.Resolve(ctx, token)
	if err != nil {
		return "", err
	}
	u, err := r.store.UserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrUnknown
	}
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// Revoke ends the session for token. Unknown tokens are ignored.
func (r *Registry) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return r.store.DeleteSession(ctx, digest(token))
}

// ExpireOlderThan deletes every session whose expiry is at or before now.
// Safe to call on any schedule.
func (r *Registry) ExpireOlderThan(ctx context.Context, now time.Time) (int64, error) {
	return r.store.DeleteSessionsExpiredBefore(ctx, now)
}

func (r *Registry) ActiveCount(ctx context.Context) (int64, error) {
	return r.store.CountActiveSessions(ctx, r.now())
}

func digest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
