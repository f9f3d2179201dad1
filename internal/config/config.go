// Package config loads server settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvFileEnv             = "ENV_FILE"
	AppEnvEnv              = "APP_ENV"
	LogLevelEnv            = "LOG_LEVEL"
	HTTPAddrEnv            = "HTTP_ADDR"
	StoreDriverEnv         = "STORE_DRIVER"
	DatabaseURLEnv         = "DATABASE_URL"
	SessionTTLEnv          = "SESSION_TTL"
	SessionSweepEnv        = "SESSION_SWEEP_INTERVAL"
	SessionCookieEnv       = "SESSION_COOKIE"
	LobbyCountdownEnv      = "LOBBY_COUNTDOWN"
	FrontendOriginEnv      = "FRONTEND_ORIGIN"
	ChallengesFileEnv      = "CHALLENGES_FILE"
	LeaderboardLimitEnv    = "LEADERBOARD_LIMIT"
	ShutdownTimeoutEnv     = "SHUTDOWN_TIMEOUT"
	defaultEnvFile         = ".env"
	defaultSessionCookie   = "ctf_session"
	defaultFrontendOrigin  = "http://localhost:3001"
	defaultChallengesFile  = "challenges.json"
	defaultLeaderboardSize = 10
)

type Config struct {
	AppEnv   string
	LogLevel string
	HTTPAddr string

	StoreDriver string
	DatabaseURL string

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	SessionCookie        string

	LobbyCountdown time.Duration

	FrontendOrigin   string
	ChallengesFile   string
	LeaderboardLimit int
	ShutdownTimeout  time.Duration
}

// Load reads an optional .env file (ENV_FILE overrides the path) and then the
// process environment. Variables already set in the environment win over the file.
func Load() (Config, error) {
	envFile := getenv(EnvFileEnv, defaultEnvFile)
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Config{
		AppEnv:               getenv(AppEnvEnv, "development"),
		LogLevel:             getenv(LogLevelEnv, "info"),
		HTTPAddr:             getenv(HTTPAddrEnv, ":3000"),
		StoreDriver:          getenv(StoreDriverEnv, "sqlite"),
		DatabaseURL:          getenv(DatabaseURLEnv, "data/ctf.db"),
		SessionTTL:           getenvDuration(SessionTTLEnv, 24*time.Hour),
		SessionSweepInterval: getenvDuration(SessionSweepEnv, time.Hour),
		SessionCookie:        getenv(SessionCookieEnv, defaultSessionCookie),
		LobbyCountdown:       getenvDuration(LobbyCountdownEnv, 30*time.Second),
		FrontendOrigin:       getenv(FrontendOriginEnv, defaultFrontendOrigin),
		ChallengesFile:       getenv(ChallengesFileEnv, defaultChallengesFile),
		LeaderboardLimit:     getenvInt(LeaderboardLimitEnv, defaultLeaderboardSize),
		ShutdownTimeout:      getenvDuration(ShutdownTimeoutEnv, 10*time.Second),
	}

	switch cfg.StoreDriver {
	case "sqlite", "postgres", "json":
	default:
		return Config{}, fmt.Errorf("%s: unsupported driver %q", StoreDriverEnv, cfg.StoreDriver)
	}

	return cfg, nil
}

func (c Config) Production() bool { return c.AppEnv == "production" }

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil && parsed > 0 {
			return parsed
		}
	}
	if val := os.Getenv(key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
