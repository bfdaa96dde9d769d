package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	odyssea "github.com/tarzan-1984/odyssea-chat-go"
)

// newLogger builds the CLI logger. Verbose flips to the development
// encoder with debug level.
func newLogger(cfg *Config) *zap.Logger {
	if cfg.Default.Verbose {
		log, err := zap.NewDevelopment()
		if err == nil {
			return log
		}
	}
	log, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// requireAuth loads the config and exits if there is no token.
func requireAuth() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'odyssea-chat config set auth.token <token>' first.")
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'odyssea-chat config set auth.user_id <id>' first.")
		os.Exit(1)
	}
	return cfg
}

// getAPIClient creates an API client from the stored config.
func getAPIClient(cfg *Config) *odyssea.Client {
	var opts []odyssea.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, odyssea.WithBaseURL(cfg.Default.BaseURL))
	}
	return odyssea.NewClient(odyssea.StaticToken(cfg.Auth.Token), opts...)
}

// cacheDir resolves the on-disk cache location.
func cacheDir(cfg *Config) (string, error) {
	if cfg.Default.CacheDir != "" {
		return cfg.Default.CacheDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache"), nil
}

// stack bundles the assembled client pieces for commands that need the
// full engine.
type stack struct {
	log       *zap.Logger
	api       *odyssea.Client
	cache     *odyssea.Cache
	transport *odyssea.Transport
	store     *odyssea.Store
	engine    *odyssea.Engine
}

// buildStack wires the API client, cache, transport, store and engine
// together from the stored config. notifier may be nil.
func buildStack(cfg *Config, notifier odyssea.Notifier) (*stack, error) {
	log := newLogger(cfg)
	api := getAPIClient(cfg)

	dir, err := cacheDir(cfg)
	if err != nil {
		return nil, err
	}
	cache := odyssea.NewCache(dir, log)
	metrics := odyssea.NewMetrics(prometheus.NewRegistry())

	baseURL := cfg.Default.BaseURL
	if baseURL == "" {
		baseURL = odyssea.DefaultBaseURL
	}
	transport := odyssea.NewTransport(odyssea.TransportConfig{
		URL:     baseURL,
		Tokens:  odyssea.StaticToken(cfg.Auth.Token),
		Logger:  log,
		Metrics: metrics,
	})

	store := odyssea.NewStore()
	engine, err := odyssea.NewEngine(odyssea.Config{
		Self:      odyssea.User{ID: cfg.Auth.UserID},
		API:       api,
		Transport: transport,
		Cache:     cache,
		Store:     store,
		Notifier:  notifier,
		Logger:    log,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}

	return &stack{
		log:       log,
		api:       api,
		cache:     cache,
		transport: transport,
		store:     store,
		engine:    engine,
	}, nil
}

// close tears the stack down in reverse order.
func (s *stack) close() {
	s.engine.Close()
	_ = s.transport.Close()
	if err := s.cache.Close(); err != nil {
		s.log.Warn("cache close failed", zap.Error(err))
	}
	_ = s.log.Sync()
}
