// Package store persists users, sessions, per-user progress and captured flags.
//
// Two backends implement Store: a gorm-backed SQL store (SQLite or PostgreSQL)
// and a JSON-blob file store for single-process deployments and tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var ErrNotFound = errors.New("not found")

// ErrConflict reports that a capture for the same (user, step) already exists
// or that progress moved on since it was read.
var ErrConflict = errors.New("conflict")

type User struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Username    string    `gorm:"size:64;uniqueIndex;not null" json:"username"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

func (User) TableName() string { return "users" }

// Session is keyed by a digest of the client's token, never the token itself.
type Session struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (Session) TableName() string { return "sessions" }

type Progress struct {
	UserID      uint       `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	CurrentStep int        `gorm:"not null" json:"current_step"`
	TotalScore  int        `gorm:"not null" json:"total_score"`
	Completed   bool       `gorm:"not null" json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Progress) TableName() string { return "progress" }

type CapturedFlag struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"not null;uniqueIndex:idx_captured_user_step" json:"user_id"`
	StepNumber   int       `gorm:"not null;uniqueIndex:idx_captured_user_step" json:"step_number"`
	FlagText     string    `gorm:"size:255;not null" json:"flag_text"`
	PointsEarned int       `gorm:"not null" json:"points_earned"`
	CapturedAt   time.Time `gorm:"not null" json:"captured_at"`
}

func (CapturedFlag) TableName() string { return "captured_flags" }

// Standing is one leaderboard row.
type Standing struct {
	Username      string
	Score         int
	FlagsCaptured int
	Completed     bool
}

// ActivePlayer is a user holding at least one unexpired session.
type ActivePlayer struct {
	Username  string
	Step      int
	Score     int
	Completed bool
}

// Store is the narrow record interface the game needs from persistence.
type Store interface {
	// UpsertUser creates the user on first login and refreshes LastLoginAt otherwise.
	UpsertUser(ctx context.Context, username string, now time.Time) (User, error)
	UserByID(ctx context.Context, id uint) (User, error)

	CreateSession(ctx context.Context, s Session) error
	SessionByID(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteSessionsExpiredBefore(ctx context.Context, now time.Time) (int64, error)
	CountActiveSessions(ctx context.Context, now time.Time) (int64, error)

	// Progress returns the user's progress, creating it at step 1 stamped with
	// now if absent.
	Progress(ctx context.Context, userID uint, now time.Time) (Progress, error)
	// CapturedFlags lists the user's captures ordered by step.
	CapturedFlags(ctx context.Context, userID uint) ([]CapturedFlag, error)
	// RecordCapture atomically appends flag and writes next, provided the user
	// is still at prevStep. Either both writes commit or neither does.
	RecordCapture(ctx context.Context, flag CapturedFlag, next Progress, prevStep int) error

	Leaderboard(ctx context.Context, limit int) ([]Standing, error)
	// ActivePlayers lists users with a session alive at now, highest score first.
	ActivePlayers(ctx context.Context, now time.Time) ([]ActivePlayer, error)

	Close() error
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverJSON     = "json"
)

// Open returns the Store for driver. dsn is a file path for sqlite and json,
// a connection string for postgres.
func Open(driver, dsn string, logger *zap.Logger) (Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
		return OpenSQL(driver, dsn, logger)
	case DriverJSON:
		return OpenFile(dsn, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
