package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/clawdeck/internal/config"
	cerrors "github.com/p-blackswan/clawdeck/internal/errors"
	"github.com/p-blackswan/clawdeck/internal/gateway"
	"github.com/p-blackswan/clawdeck/internal/health"
	"github.com/p-blackswan/clawdeck/internal/identity"
	"github.com/p-blackswan/clawdeck/internal/metrics"
	"github.com/p-blackswan/clawdeck/internal/mgmt"
	"github.com/p-blackswan/clawdeck/internal/notify"
	"github.com/p-blackswan/clawdeck/internal/pairing"
	"github.com/p-blackswan/clawdeck/internal/store"
	"github.com/p-blackswan/clawdeck/internal/update"
	"github.com/p-blackswan/clawdeck/pkg/credcache"
)

// retentionInterval is how often the store prunes expired credentials and
// stale cache rows.
const retentionInterval = 6 * time.Hour

// tokenSink persists pairing grants under the gateway credential key.
type tokenSink struct {
	creds credcache.Cache
}

func (s tokenSink) SaveToken(ctx context.Context, token, source string) error {
	return s.creds.Put(ctx, credcache.KeyGateway, token, source, 0)
}

// applyProfile overlays a connection profile from profiles.yaml onto the
// environment config. Missing files are only an error when a profile was
// explicitly requested.
func applyProfile(cfg *config.Config, logger zerolog.Logger) {
	path, err := cfg.ResolveProfilesPath()
	if err != nil {
		if cfg.Profile != "" {
			logger.Fatal().Err(err).Msg("failed to resolve profiles path")
		}
		return
	}
	if _, err := os.Stat(path); err != nil {
		if cfg.Profile != "" {
			logger.Fatal().Err(err).Str("path", path).Msg("profile requested but profiles file not readable")
		}
		return
	}
	pf, err := config.LoadProfiles(path)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load profiles")
	}
	if cfg.Profile == "" && pf.Default == "" {
		return
	}
	profile, err := pf.Resolve(cfg.Profile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve profile")
	}
	name := cfg.Profile
	if name == "" {
		name = pf.Default
	}
	cfg.Apply(profile)
	logger.Info().Str("profile", name).Str("path", path).Msg("applied connection profile")
}

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	applyProfile(cfg, logger)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("version", cfg.ClientVersion).
		Str("gateway_url", cfg.GatewayURL).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Bool("notify_enabled", cfg.NotifyEnabled()).
		Bool("update_enabled", cfg.UpdateEnabled).
		Msg("starting clawdeck daemon")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// State directory and store
	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve state directory")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		logger.Fatal().Err(err).Str("dir", stateDir).Msg("failed to create state directory")
	}

	storePath, err := cfg.ResolveStorePath()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve store path")
	}
	st, err := store.New(storePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", storePath).Msg("failed to open store")
	}

	// Device identity
	identityDir, err := cfg.ResolveIdentityDir()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve identity directory")
	}
	ident, err := identity.LoadOrCreate(identityDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load device identity")
	}
	logger.Info().Str("device_id", ident.DeviceID).Msg("device identity ready")

	m := metrics.New()
	creds := st.Credentials()

	// Health checker
	checker := health.NewChecker(logger)

	// Gateway client
	client := gateway.New(gateway.Config{
		URL:                  cfg.GatewayURL,
		Token:                cfg.GatewayToken,
		ClientID:             cfg.ClientID,
		ClientMode:           cfg.ClientMode,
		ClientVersion:        cfg.ClientVersion,
		Locale:               cfg.Locale,
		Scopes:               cfg.ScopeList(),
		CallTimeout:          cfg.CallTimeout,
		ConnectTimeout:       cfg.ConnectTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		StreamIdleTimeout:    cfg.StreamIdleTimeout,
		StreamBufferCap:      cfg.StreamBufferCap,
	}, gateway.Deps{
		Logger:   logger,
		Identity: ident,
		Creds:    creds,
		Metrics:  m,
	})

	checker.Register("gateway", func(ctx context.Context) health.Status {
		if client.IsConnected() {
			return health.StatusOK
		}
		// The daemon stays useful while disconnected: cached data and
		// pairing remain available.
		return health.StatusDegraded
	})
	checker.Register("store", func(ctx context.Context) health.Status {
		if err := st.Ping(); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// Pairing flow. A completed pairing persists the token and redials so
	// the new credential takes effect immediately.
	flow, err := pairing.New(pairing.Config{
		GatewayURL:   cfg.GatewayURL,
		ClientID:     cfg.ClientID,
		ClientName:   cfg.PairClientName,
		Scopes:       cfg.ScopeList(),
		PollInterval: cfg.PairPollInterval,
		DisplayDelay: cfg.PairDisplayDelay,
	}, pairing.Deps{
		Logger:  logger,
		Sink:    tokenSink{creds: creds},
		Metrics: m,
		OnComplete: func(string) {
			go func() {
				reconnectCtx, cancelReconnect := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancelReconnect()
				if client.IsConnected() {
					client.Disconnect()
				}
				if err := client.Connect(reconnectCtx); err != nil && !errors.Is(err, cerrors.ErrAlreadyClosed) {
					logger.Warn().Err(err).Msg("reconnect after pairing failed")
				}
			}()
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init pairing flow")
	}

	// Slack notification relay (optional)
	var relay *notify.Relay
	if cfg.NotifyEnabled() {
		relay = notify.New(notify.Config{
			Token:   cfg.NotifySlackToken,
			Channel: cfg.NotifySlackChannel,
		}, notify.Deps{
			Logger:  logger,
			Metrics: m,
		})
		client.Bus().OnNotification(relay.Notify)
		client.Bus().OnScopeError(func(msg string) {
			relay.Notify("Gateway rejected requested scopes: " + msg)
		})
		logger.Info().Str("channel", cfg.NotifySlackChannel).Msg("Slack notification relay enabled")
	} else {
		logger.Info().Msg("Slack notifications not configured, skipping")
	}

	// Release checker (optional)
	var upd *update.Checker
	if cfg.UpdateEnabled {
		owner, repo, repoErr := cfg.UpdateOwnerRepo()
		if repoErr != nil {
			logger.Warn().Err(repoErr).Msg("failed to init release checker (non-fatal)")
		} else {
			upd, err = update.New(update.Config{
				Owner:          owner,
				Repo:           repo,
				CurrentVersion: cfg.ClientVersion,
				Interval:       cfg.UpdateInterval,
			}, update.Deps{
				Logger:  logger,
				Metrics: m,
			})
			if err != nil {
				logger.Warn().Err(err).Msg("failed to init release checker (non-fatal)")
			} else {
				upd.Start()
				logger.Info().Str("repo", cfg.UpdateRepo).Msg("release checker enabled")
			}
		}
	}

	// WaitGroup for in-flight work
	var wg sync.WaitGroup

	// Store retention
	if err := st.RunRetention(ctx); err != nil {
		logger.Warn().Err(err).Msg("store retention failed")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(retentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.RunRetention(ctx); err != nil {
					logger.Warn().Err(err).Msg("store retention failed")
				}
			}
		}
	}()

	// Management API server
	deps := mgmt.Deps{
		Logger:  logger,
		Gateway: client,
		Bus:     client.Bus(),
		Pairing: flow,
		Health:  checker,
		Metrics: m,
	}
	if upd != nil {
		deps.Update = upd
	}
	srv := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		Auth: mgmt.AuthConfig{
			Mode:      cfg.MgmtAuthMode,
			APIKey:    cfg.MgmtAPIKey,
			JWTSecret: cfg.MgmtJWTSecret,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
		Version:     cfg.ClientVersion,
	}, deps)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	// Initial gateway connect. Later drops are redialed by the client
	// itself; this loop only covers the first attempt.
	wg.Add(1)
	go func() {
		defer wg.Done()
		delay := cfg.ReconnectBaseDelay
		for attempt := 0; attempt < cfg.ReconnectMaxAttempts; attempt++ {
			err := client.Connect(ctx)
			if err == nil || errors.Is(err, cerrors.ErrAlreadyClosed) {
				return
			}
			logger.Warn().Err(err).Dur("retry_in", delay).Msg("gateway connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > cfg.ReconnectMaxDelay {
				delay = cfg.ReconnectMaxDelay
			}
		}
		logger.Warn().Msg("gateway connect attempts exhausted, waiting for pairing or restart")
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Cancel context to signal all goroutines
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	flow.Close()
	client.Close()
	if upd != nil {
		upd.Close()
	}
	if relay != nil {
		relay.Close()
	}
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("store close error")
	}

	// Wait for in-flight work to complete
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("clawdeck daemon stopped")
}
