package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileStore keeps every record in memory and, when path is set, rewrites a
// single JSON document after each mutation.
type FileStore struct {
	mu   sync.RWMutex
	path string
	log  *zap.Logger
	data fileData
}

type fileData struct {
	NextUserID uint               `json:"next_user_id"`
	NextFlagID uint               `json:"next_flag_id"`
	Users      []User             `json:"users"`
	Sessions   map[string]Session `json:"sessions"`
	Progress   map[uint]Progress  `json:"progress"`
	Flags      []CapturedFlag     `json:"captured_flags"`
}

var _ Store = (*FileStore)(nil)

// OpenFile loads path if it exists. An empty path keeps everything in memory.
func OpenFile(path string, logger *zap.Logger) (*FileStore, error) {
	s := &FileStore{
		path: path,
		log:  logger,
		data: fileData{
			NextUserID: 1,
			NextFlagID: 1,
			Sessions:   make(map[string]Session),
			Progress:   make(map[uint]Progress),
		},
	}

	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse store file %s: %w", path, err)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]Session)
	}
	if s.data.Progress == nil {
		s.data.Progress = make(map[uint]Progress)
	}

	logger.Info("store loaded", zap.String("path", path), zap.Int("users", len(s.data.Users)))
	return s, nil
}

// saveLocked must be called with mu held for writing.
func (s *FileStore) saveLocked() error {
	if s.path == "" {
		return nil
	}

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) UpsertUser(ctx context.Context, username string, now time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, u := range s.data.Users {
		if u.Username == username {
			prev := u.LastLoginAt
			s.data.Users[i].LastLoginAt = now
			if err := s.saveLocked(); err != nil {
				s.data.Users[i].LastLoginAt = prev
				return User{}, err
			}
			return s.data.Users[i], nil
		}
	}

	prevUsers := s.data.Users
	prevNextID := s.data.NextUserID

	u := User{ID: s.data.NextUserID, Username: username, CreatedAt: now, LastLoginAt: now}
	s.data.NextUserID++
	s.data.Users = append(s.data.Users, u)
	if err := s.saveLocked(); err != nil {
		s.data.Users = prevUsers
		s.data.NextUserID = prevNextID
		return User{}, err
	}
	return u, nil
}

func (s *FileStore) UserByID(ctx context.Context, id uint) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.data.Users {
		if u.ID == id {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *FileStore) CreateSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Sessions[sess.ID]; ok {
		return ErrConflict
	}
	s.data.Sessions[sess.ID] = sess
	return s.saveLocked()
}

func (s *FileStore) SessionByID(ctx context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.data.Sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *FileStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Sessions[id]; !ok {
		return nil
	}
	delete(s.data.Sessions, id)
	return s.saveLocked()
}

func (s *FileStore) DeleteSessionsExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, sess := range s.data.Sessions {
		if !sess.ExpiresAt.After(now) {
			delete(s.data.Sessions, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.saveLocked()
}

func (s *FileStore) CountActiveSessions(ctx context.Context, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, sess := range s.data.Sessions {
		if sess.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *FileStore) Progress(ctx context.Context, userID uint, now time.Time) (Progress, error) {
	s.mu.RLock()
	p, ok := s.data.Progress[userID]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have created it between the two locks.
	if p, ok := s.data.Progress[userID]; ok {
		return p, nil
	}
	p = Progress{UserID: userID, CurrentStep: 1, UpdatedAt: now}
	s.data.Progress[userID] = p
	if err := s.saveLocked(); err != nil {
		delete(s.data.Progress, userID)
		return Progress{}, err
	}
	return p, nil
}

func (s *FileStore) CapturedFlags(ctx context.Context, userID uint) ([]CapturedFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []CapturedFlag
	for _, f := range s.data.Flags {
		if f.UserID == userID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

func (s *FileStore) RecordCapture(ctx context.Context, flag CapturedFlag, next Progress, prevStep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.data.Flags {
		if f.UserID == flag.UserID && f.StepNumber == flag.StepNumber {
			return ErrConflict
		}
	}

	cur, ok := s.data.Progress[next.UserID]
	if !ok || cur.CurrentStep != prevStep {
		return ErrConflict
	}

	prevFlags := s.data.Flags
	prevNextID := s.data.NextFlagID

	flag.ID = s.data.NextFlagID
	s.data.NextFlagID++
	s.data.Flags = append(s.data.Flags, flag)
	s.data.Progress[next.UserID] = next

	if err := s.saveLocked(); err != nil {
		// Keep memory consistent with what is on disk.
		s.data.Flags = prevFlags
		s.data.NextFlagID = prevNextID
		s.data.Progress[next.UserID] = cur
		return err
	}
	return nil
}

func (s *FileStore) Leaderboard(ctx context.Context, limit int) ([]Standing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[uint]int, len(s.data.Users))
	for _, f := range s.data.Flags {
		counts[f.UserID]++
	}

	type row struct {
		Standing
		userID      uint
		completedAt *time.Time
	}
	rows := make([]row, 0, len(s.data.Users))
	for _, u := range s.data.Users {
		p := s.data.Progress[u.ID]
		rows = append(rows, row{
			Standing: Standing{
				Username:      u.Username,
				Score:         p.TotalScore,
				FlagsCaptured: counts[u.ID],
				Completed:     p.Completed,
			},
			userID:      u.ID,
			completedAt: p.CompletedAt,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		switch {
		case a.completedAt != nil && b.completedAt == nil:
			return true
		case a.completedAt == nil && b.completedAt != nil:
			return false
		case a.completedAt != nil && b.completedAt != nil && !a.completedAt.Equal(*b.completedAt):
			return a.completedAt.Before(*b.completedAt)
		}
		return a.userID < b.userID
	})

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]Standing, len(rows))
	for i, r := range rows {
		out[i] = r.Standing
	}
	return out, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *FileStore) ActivePlayers(ctx context.Context, now time.Time) ([]ActivePlayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	online := make(map[uint]bool)
	for _, sess := range s.data.Sessions {
		if sess.ExpiresAt.After(now) {
			online[sess.UserID] = true
		}
	}

	// Users are kept in ID order, so a stable sort keeps ties by ID.
	out := make([]ActivePlayer, 0, len(online))
	for _, u := range s.data.Users {
		if !online[u.ID] {
			continue
		}
		p, ok := s.data.Progress[u.ID]
		if !ok {
			p.CurrentStep = 1
		}
		out = append(out, ActivePlayer{
			Username:  u.Username,
			Step:      p.CurrentStep,
			Score:     p.TotalScore,
			Completed: p.Completed,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}
