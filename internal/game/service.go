// Package game ties sessions, progress storage and the flag table together
// into the operations the HTTP and websocket layers expose.
package game

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/DoyleJ11/xss-ctf-backend/internal/challenge"
	"github.com/DoyleJ11/xss-ctf-backend/internal/session"
	"github.com/DoyleJ11/xss-ctf-backend/internal/store"
)

const (
	MaxUsernameLength       = 64
	DefaultLeaderboardLimit = 10
	MaxLeaderboardLimit     = 100
)

type LoginResult struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ProgressView struct {
	Step      int      `json:"step"`
	Score     int      `json:"score"`
	Completed bool     `json:"completed"`
	Flags     []string `json:"flags"`
}

type Profile struct {
	Username string       `json:"username"`
	Progress ProgressView `json:"progress"`
}

// SubmitResult reports the outcome of a flag submission. A wrong guess is
// Accepted=false with a Reason, never an error.
type SubmitResult struct {
	Accepted bool         `json:"accepted"`
	Points   int          `json:"points,omitempty"`
	Message  string       `json:"message,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Progress ProgressView `json:"progress"`
}

type Standing struct {
	Username      string `json:"username"`
	Score         int    `json:"score"`
	FlagsCaptured int    `json:"flagsCaptured"`
	Completed     bool   `json:"completed"`
}

// Player is someone currently logged in, with what they have achieved so far.
type Player struct {
	Username  string `json:"username"`
	Step      int    `json:"step"`
	Score     int    `json:"score"`
	Completed bool   `json:"completed"`
}

type Health struct {
	Status         string    `json:"status"`
	ActiveSessions int64     `json:"activeSessions"`
	Timestamp      time.Time `json:"timestamp"`
}

type Service struct {
	store    store.Store
	sessions *session.Registry
	table    challenge.Table
	log      *zap.Logger
	now      func() time.Time
	limit    int
	locks    userLocks
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLeaderboardLimit(n int) Option {
	return func(s *Service) {
		if n > 0 && n <= MaxLeaderboardLimit {
			s.limit = n
		}
	}
}

func NewService(st store.Store, sessions *session.Registry, table challenge.Table, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		sessions: sessions,
		table:    table,
		log:      logger.Named("game"),
		now:      func() time.Time { return time.Now().UTC() },
		limit:    DefaultLeaderboardLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Levels is the number of challenges in play.
func (s *Service) Levels() int { return s.table.Levels() }

// Login creates the user on first sight and always issues a fresh session.
func (s *Service) Login(ctx context.Context, username string) (LoginResult, error) {
	name := norm.NFC.String(strings.TrimSpace(username))
	if name == "" {
		return LoginResult{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > MaxUsernameLength {
		return LoginResult{}, fmt.Errorf("%w: username longer than %d characters", ErrInvalidInput, MaxUsernameLength)
	}

	u, err := s.store.UpsertUser(ctx, name, s.now())
	if err != nil {
		return LoginResult{}, fmt.Errorf("%w: upsert user: %w", ErrTransient, err)
	}

	token, sess, err := s.sessions.Create(ctx, u.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	s.log.Info("login", zap.String("username", u.Username), zap.Uint("user_id", u.ID))
	return LoginResult{Token: token, Username: u.Username, ExpiresAt: sess.ExpiresAt}, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.sessions.Revoke(ctx, token); err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return nil
}

func (s *Service) Profile(ctx context.Context, token string) (Profile, error) {
	u, err := s.authenticate(ctx, token)
	if err != nil {
		return Profile{}, err
	}

	p, err := s.store.Progress(ctx, u.ID, s.now())
	if err != nil {
		return Profile{}, fmt.Errorf("%w: load progress: %w", ErrTransient, err)
	}

	view, err := s.progressView(ctx, p)
	if err != nil {
		return Profile{}, err
	}
	return Profile{Username: u.Username, Progress: view}, nil
}

// SubmitFlag checks text against the user's current step. On success the
// capture and the progress advance are written together.
func (s *Service) SubmitFlag(ctx context.Context, token, text string) (SubmitResult, error) {
	if strings.TrimSpace(text) == "" {
		return SubmitResult{}, fmt.Errorf("%w: flag is required", ErrInvalidInput)
	}

	u, err := s.authenticate(ctx, token)
	if err != nil {
		return SubmitResult{}, err
	}

	unlock := s.locks.lock(u.ID)
	defer unlock()

	p, err := s.store.Progress(ctx, u.ID, s.now())
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: load progress: %w", ErrTransient, err)
	}

	capture, verr := s.table.Validate(p.CurrentStep, text)
	if verr != nil {
		return s.rejected(ctx, p, verr)
	}

	now := s.now()
	next := store.Progress{
		UserID:      u.ID,
		CurrentStep: capture.NextStep,
		TotalScore:  p.TotalScore + capture.Points,
		Completed:   capture.Completed,
		UpdatedAt:   now,
	}
	if capture.Completed {
		next.CompletedAt = &now
	}
	flag := store.CapturedFlag{
		UserID:       u.ID,
		StepNumber:   capture.Step,
		FlagText:     capture.Flag,
		PointsEarned: capture.Points,
		CapturedAt:   now,
	}

	err = s.store.RecordCapture(ctx, flag, next, p.CurrentStep)
	if errors.Is(err, store.ErrConflict) {
		// Another submission for this step won; report the state it left behind.
		cur, lerr := s.store.Progress(ctx, u.ID, s.now())
		if lerr != nil {
			return SubmitResult{}, fmt.Errorf("%w: reload progress: %w", ErrTransient, lerr)
		}
		return s.rejected(ctx, cur, challenge.ErrAlreadyCaptured)
	}
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: record capture: %w", ErrTransient, err)
	}

	s.log.Info("flag captured",
		zap.String("username", u.Username),
		zap.Int("step", capture.Step),
		zap.Int("points", capture.Points),
		zap.Bool("completed", capture.Completed),
	)

	view, err := s.progressView(ctx, next)
	if err != nil {
		return SubmitResult{}, err
	}
	msg := fmt.Sprintf("Flag accepted! +%d points", capture.Points)
	if capture.Completed {
		msg = fmt.Sprintf("Flag accepted! +%d points. All challenges complete", capture.Points)
	}
	return SubmitResult{Accepted: true, Points: capture.Points, Message: msg, Progress: view}, nil
}

func (s *Service) rejected(ctx context.Context, p store.Progress, reason error) (SubmitResult, error) {
	switch {
	case errors.Is(reason, challenge.ErrInvalidFlag),
		errors.Is(reason, challenge.ErrAlreadyCaptured),
		errors.Is(reason, challenge.ErrCompleted):
	default:
		return SubmitResult{}, reason
	}

	view, err := s.progressView(ctx, p)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Accepted: false, Reason: reason.Error(), Progress: view}, nil
}

// Leaderboard returns up to limit players by score, then by who finished first.
// limit <= 0 uses the configured default.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]Standing, error) {
	if limit <= 0 {
		limit = s.limit
	}
	if limit > MaxLeaderboardLimit {
		limit = MaxLeaderboardLimit
	}

	rows, err := s.store.Leaderboard(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: leaderboard: %w", ErrTransient, err)
	}

	out := make([]Standing, len(rows))
	for i, r := range rows {
		out[i] = Standing{
			Username:      r.Username,
			Score:         r.Score,
			FlagsCaptured: r.FlagsCaptured,
			Completed:     r.Completed,
		}
	}
	return out, nil
}

// Players lists everyone with a live session, highest score first.
func (s *Service) Players(ctx context.Context) ([]Player, error) {
	rows, err := s.store.ActivePlayers(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: active players: %w", ErrTransient, err)
	}

	out := make([]Player, len(rows))
	for i, r := range rows {
		out[i] = Player{Username: r.Username, Step: r.Step, Score: r.Score, Completed: r.Completed}
	}
	return out, nil
}

func (s *Service) Health(ctx context.Context) (Health, error) {
	n, err := s.sessions.ActiveCount(ctx)
	if err != nil {
		return Health{Status: "unhealthy", Timestamp: s.now()}, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return Health{Status: "healthy", ActiveSessions: n, Timestamp: s.now()}, nil
}

// Username resolves token to the player's name. It lets the lobby
// authenticate realtime actions against the same sessions as the HTTP API.
func (s *Service) Username(ctx context.Context, token string) (string, error) {
	u, err := s.authenticate(ctx, token)
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

func (s *Service) authenticate(ctx context.Context, token string) (store.User, error) {
	userID, err := s.sessions.Resolve(ctx, token)
	switch {
	case errors.Is(err, session.ErrUnknown), errors.Is(err, session.ErrExpired):
		return store.User{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case err != nil:
		return store.User{}, fmt.Errorf("%w: resolve session: %w", ErrTransient, err)
	}

	u, err := s.store.UserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrUnauthorized
	}
	if err != nil {
		return store.User{}, fmt.Errorf("%w: load user: %w", ErrTransient, err)
	}
	return u, nil
}

func (s *Service) progressView(ctx context.Context, p store.Progress) (ProgressView, error) {
	flags, err := s.store.CapturedFlags(ctx, p.UserID)
	if err != nil {
		return ProgressView{}, fmt.Errorf("%w: load flags: %w", ErrTransient, err)
	}

	texts := make([]string, len(flags))
	for i, f := range flags {
		texts[i] = f.FlagText
	}
	return ProgressView{
		Step:      p.CurrentStep,
		Score:     p.TotalScore,
		Completed: p.Completed,
		Flags:     texts,
	}, nil
}
