package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQLStore is the gorm-backed Store.
type SQLStore struct {
	db  *gorm.DB
	log *zap.Logger
}

var _ Store = (*SQLStore)(nil)

func OpenSQL(driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&User{}, &Session{}, &Progress{}, &CapturedFlag{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("store opened", zap.String("driver", driver))
	return &SQLStore{db: db, log: logger}, nil
}

func (s *SQLStore) UpsertUser(ctx context.Context, username string, now time.Time) (User, error) {
	u := User{Username: username, CreatedAt: now, LastLoginAt: now}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}},
			DoUpdates: clause.Assignments(map[string]any{"last_login_at": now}),
		}).
		Create(&u).Error
	if err != nil {
		return User{}, err
	}

	var out User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&out).Error; err != nil {
		return User{}, notFound(err)
	}
	return out, nil
}

func (s *SQLStore) UserByID(ctx context.Context, id uint) (User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return User{}, notFound(err)
	}
	return u, nil
}

func (s *SQLStore) CreateSession(ctx context.Context, sess Session) error {
	return s.db.WithContext(ctx).Create(&sess).Error
}

func (s *SQLStore) SessionByID(ctx context.Context, id string) (Session, error) {
	var sess Session
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error; err != nil {
		return Session{}, notFound(err)
	}
	return sess, nil
}

func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&Session{}).Error
}

func (s *SQLStore) DeleteSessionsExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&Session{})
	return res.RowsAffected, res.Error
}

func (s *SQLStore) CountActiveSessions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Session{}).Where("expires_at > ?", now).Count(&n).Error
	return n, err
}

func (s *SQLStore) Progress(ctx context.Context, userID uint, now time.Time) (Progress, error) {
	initial := Progress{UserID: userID, CurrentStep: 1, UpdatedAt: now}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&initial).Error
	if err != nil {
		return Progress{}, err
	}

	var p Progress
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error; err != nil {
		return Progress{}, notFound(err)
	}
	return p, nil
}

func (s *SQLStore) CapturedFlags(ctx context.Context, userID uint) ([]CapturedFlag, error) {
	var flags []CapturedFlag
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("step_number ASC").
		Find(&flags).Error
	return flags, err
}

func (s *SQLStore) RecordCapture(ctx context.Context, flag CapturedFlag, next Progress, prevStep int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		err := tx.Model(&CapturedFlag{}).
			Where("user_id = ? AND step_number = ?", flag.UserID, flag.StepNumber).
			Count(&existing).Error
		if err != nil {
			return err
		}
		if existing > 0 {
			return ErrConflict
		}

		if err := tx.Create(&flag).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrConflict
			}
			return err
		}

		res := tx.Model(&Progress{}).
			Where("user_id = ? AND current_step = ?", next.UserID, prevStep).
			Updates(map[string]any{
				"current_step": next.CurrentStep,
				"total_score":  next.TotalScore,
				"completed":    next.Completed,
				"completed_at": next.CompletedAt,
				"updated_at":   next.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
}

func (s *SQLStore) Leaderboard(ctx context.Context, limit int) ([]Standing, error) {
	var rows []Standing
	err := s.db.WithContext(ctx).
		Table("users").
		Select(`users.username AS username,
			COALESCE(progress.total_score, 0) AS score,
			COUNT(captured_flags.id) AS flags_captured,
			COALESCE(progress.completed, false) AS completed`).
		Joins("LEFT JOIN progress ON progress.user_id = users.id").
		Joins("LEFT JOIN captured_flags ON captured_flags.user_id = users.id").
		Group("users.id, users.username, progress.total_score, progress.completed, progress.completed_at").
		Order("score DESC").
		Order("progress.completed_at IS NULL").
		Order("progress.completed_at ASC").
		Order("users.id ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}

func (s *SQLStore) ActivePlayers(ctx context.Context, now time.Time) ([]ActivePlayer, error) {
	var rows []ActivePlayer
	err := s.db.WithContext(ctx).
		Table("users").
		Select(`users.username AS username,
			COALESCE(progress.current_step, 1) AS step,
			COALESCE(progress.total_score, 0) AS score,
			COALESCE(progress.completed, false) AS completed`).
		Joins("LEFT JOIN progress ON progress.user_id = users.id").
		Where("EXISTS (SELECT 1 FROM sessions WHERE sessions.user_id = users.id AND sessions.expires_at > ?)", now).
		Order("score DESC").
		Order("users.id ASC").
		Scan(&rows).Error
	return rows, err
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
