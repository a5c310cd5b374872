// Package app assembles the pieces shared by the API server and the worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/speakenai/speaken/internal/ai"
	"github.com/speakenai/speaken/internal/auth"
	"github.com/speakenai/speaken/internal/chat"
	"github.com/speakenai/speaken/internal/config"
	"github.com/speakenai/speaken/internal/db"
	"github.com/speakenai/speaken/internal/logging"
	"github.com/speakenai/speaken/internal/models"
	"github.com/speakenai/speaken/internal/relay"
	"github.com/speakenai/speaken/internal/store/redisstore"
	"gorm.io/gorm"
)

const (
	defaultProvider = "openrouter"
	// relayTokenTTL only has to outlive the request start; the relay checks it once.
	relayTokenTTL = 5 * time.Minute
)

// LoadConfig reads .env files (when present) into the environment and then
// the config from it. Variables already set win over the files.
func LoadConfig(files ...string) (config.Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return config.Load(), nil
}

func Logger(cfg config.Config) zerolog.Logger {
	return logging.New(cfg.LogLevel, cfg.LogFormat)
}

// OpenDB connects and migrates every table the process touches.
func OpenDB(cfg config.Config) (*gorm.DB, *chat.Repo, error) {
	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(gdb, &models.User{}); err != nil {
		return nil, nil, fmt.Errorf("migrate users: %w", err)
	}
	repo := chat.NewRepo(gdb)
	if err := repo.Migrate(); err != nil {
		return nil, nil, fmt.Errorf("migrate chat: %w", err)
	}
	return gdb, repo, nil
}

// Registry registers "openrouter" and "ollama". With Chat.ViaRelayURL set,
// openrouter candidates go through the relay instead of upstream.
func Registry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("openrouter", func(_ context.Context, model string) (ai.Provider, error) {
		if cfg.Chat.ViaRelayURL != "" {
			p := ai.NewRelayProvider(cfg.Chat.ViaRelayURL, model, cfg.OpenRouterSiteURL)
			p.RelayToken = func(userID uint64) (string, error) {
				return auth.SignJWT(userID, cfg.JWTSecret, relayTokenTTL)
			}
			return p, nil
		}
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("%w: OPENROUTER_API_KEY is missing", ai.ErrProviderConfig)
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, model, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	reg.Register("ollama", func(_ context.Context, model string) (ai.Provider, error) {
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, model), nil
	})
	return reg
}

func PersisterConfig(cfg config.Config) chat.PersisterConfig {
	return chat.PersisterConfig{
		Candidates:    ai.ParseCandidates(cfg.Chat.CandidateModels, defaultProvider),
		SystemPrompt:  cfg.Chat.SystemPrompt,
		Temperature:   cfg.Chat.Temperature,
		FlushInterval: cfg.Chat.FlushInterval,
		IdleTimeout:   cfg.Chat.StreamIdleTimeout,
		ContextWindow: cfg.Chat.ContextWindowSize,
	}
}

// Redis connects the change fan-out and limiter. It returns nil when the
// server is not reachable; callers then run without live updates and without
// rate limiting.
func Redis(ctx context.Context, cfg config.Config, log zerolog.Logger) *redisstore.Store {
	if cfg.RedisAddr == "" {
		return nil
	}
	rs := redisstore.New(redisstore.Options{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		RateLimit:  cfg.RateLimitRequests,
		RateWindow: cfg.RateLimitWindow,
	})
	if err := rs.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, live updates and rate limiting disabled")
		_ = rs.Close()
		return nil
	}
	return rs
}

func RelayOptions(cfg config.Config) relay.Options {
	return relay.Options{
		UpstreamURL:  cfg.OpenRouterBaseURL,
		APIKey:       cfg.OpenRouterAPIKey,
		AppTitle:     cfg.OpenRouterAppName,
		Referer:      cfg.OpenRouterSiteURL,
		AvatarURL:    cfg.HeyGenBaseURL,
		AvatarAPIKey: cfg.HeyGenAPIKey,
	}
}
