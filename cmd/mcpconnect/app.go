package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
	"github.com/u2sebau2/librechat-custom-sub004/internal/flow"
	"github.com/u2sebau2/librechat-custom-sub004/internal/logs"
	"github.com/u2sebau2/librechat-custom-sub004/internal/manager"
	"github.com/u2sebau2/librechat-custom-sub004/internal/oauth"
	"github.com/u2sebau2/librechat-custom-sub004/internal/observability"
	"github.com/u2sebau2/librechat-custom-sub004/internal/secret"
	"github.com/u2sebau2/librechat-custom-sub004/internal/storage"
)

const (
	flowCleanupInterval = time.Minute
	oauthHTTPTimeout    = 30 * time.Second
)

// app holds everything a command needs to talk to MCP servers in-process
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *storage.BoltDB
	oauth    *oauth.Handler
	obs      *observability.Manager
	manager  *manager.Manager
	redactor *logs.Redactor

	cancelCleanup context.CancelFunc
}

// setupLogger builds the process logger. The serve command logs at info by
// default, every other command at warn so its output stays readable.
func setupLogger(cfg *config.Config, serverCommand bool) (*zap.Logger, *logs.Redactor, error) {
	if !serverCommand {
		return logs.SetupCommandLogger(false, viper.GetString("log-level"), logToFile, logDir)
	}

	logCfg := cfg.Logging
	if logCfg == nil {
		logCfg = logs.DefaultLogConfig()
	}
	if logToFile {
		logCfg.EnableFile = true
	}
	if logDir != "" {
		logCfg.LogDir = logDir
	}
	return logs.SetupLogger(logCfg)
}

// newApp wires storage, OAuth, observability and the manager. Nothing
// connects until initialize.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, redactor *logs.Redactor) (*app, error) {
	resolver := secret.NewResolver()
	if redactor != nil {
		resolver.SetObserver(redactor)
	}
	if err := config.ExpandSecrets(ctx, cfg, resolver); err != nil {
		return nil, &configError{err: fmt.Errorf("failed to resolve secrets: %w", err)}
	}

	db, err := storage.NewBoltDB(cfg.DataDir, logger.Sugar())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	db.Flows().StartCleanup(cleanupCtx, flowCleanupInterval)

	settings := cfg.MCP
	httpClient := &http.Client{Timeout: oauthHTTPTimeout}
	refreshFlows := flow.NewManager[*oauth.TokenSet](db.Flows(), flow.Config{
		TTL:          oauth.RefreshFlowTTL,
		PollInterval: settings.FlowPollInterval.Std(),
	}, logger)
	authFlows := flow.NewManager[*oauth.TokenSet](db.Flows(), flow.Config{
		TTL:          settings.FlowTTL.Std(),
		PollInterval: settings.FlowPollInterval.Std(),
	}, logger)

	tokens := oauth.NewTokenStorage(db.Tokens(), refreshFlows, logger)
	handler := oauth.NewHandler(authFlows, tokens, oauth.HandlerConfig{
		RedirectBase: settings.OAuthRedirectBase,
		HTTPClient:   httpClient,
		ClientName:   "mcpconnect",
	}, logger)

	obs, err := observability.NewManager(logger.Sugar(), observability.Config{
		Tracing: cfg.Tracing,
		Version: version,
	})
	if err != nil {
		cancelCleanup()
		_ = db.Close()
		return nil, fmt.Errorf("failed to create observability manager: %w", err)
	}

	m, err := manager.New(manager.Options{
		Config:        cfg,
		OAuth:         handler,
		Activity:      db.Activity(),
		Observability: obs,
		HTTPClient:    httpClient,
		Env:           environ(),
	}, logger)
	if err != nil {
		cancelCleanup()
		_ = db.Close()
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}

	obs.Health().AddLivenessChecker(observability.NewDatabaseChecker(db))
	obs.Health().AddReadinessChecker(observability.NewDatabaseChecker(db))
	obs.Health().AddReadinessChecker(observability.NewRegistryChecker(m.Initialized))

	return &app{
		cfg:           cfg,
		logger:        logger,
		db:            db,
		oauth:         handler,
		obs:           obs,
		manager:       m,
		redactor:      redactor,
		cancelCleanup: cancelCleanup,
	}, nil
}

func (a *app) initialize(ctx context.Context) error {
	return a.manager.Initialize(ctx)
}

// close shuts the manager down before the database it writes activity to
func (a *app) close(ctx context.Context) {
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Warn("Manager shutdown failed", zap.Error(err))
	}
	if err := a.obs.Close(ctx); err != nil {
		a.logger.Warn("Observability shutdown failed", zap.Error(err))
	}
	a.cancelCleanup()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close database", zap.Error(err))
	}
}

// environ exposes the process environment to ${NAME} placeholders
func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
