package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Normola/AudioPirate/internal/auth"
	"github.com/Normola/AudioPirate/internal/broadcast"
	"github.com/Normola/AudioPirate/internal/capture"
	"github.com/Normola/AudioPirate/internal/config"
	"github.com/Normola/AudioPirate/internal/observability/logging"
	"github.com/Normola/AudioPirate/internal/observability/metrics"
	"github.com/Normola/AudioPirate/internal/ratelimit"
	"github.com/Normola/AudioPirate/internal/server"
	"github.com/Normola/AudioPirate/internal/serverutil"
	"github.com/Normola/AudioPirate/internal/stream"
)

const tokenStoreCloseTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Capture audio and serve authenticated listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Options{File: cfgFile, Flags: cmd.Flags()})
			if err != nil {
				return err
			}
			logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if err := run(cmd.Context(), cfg, logger, nil); err != nil {
				logger.Error("server stopped with error", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (default ./audiopirate.yaml or /etc/audiopirate/audiopirate.yaml)")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// run wires every component and blocks until ctx ends or a component fails.
// Shutdown stops capture, terminates sessions with server_shutdown, then
// closes the HTTP server and the token store.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, onListen func(net.Addr)) error {
	recorder := metrics.Default()

	if cfg.UsingDefaultPassword {
		logger.Warn("using the built-in default password; set auth.password or auth.password_hash")
	}
	credentials, err := auth.NewCredentialStore(
		auth.CredentialConfig{Password: cfg.Auth.Password, PasswordHash: cfg.Auth.PasswordHash},
		auth.WithIterations(cfg.Auth.PasswordIterations),
		auth.WithAuditLogger(logging.WithComponent(logger, "audit")),
	)
	if err != nil {
		return fmt.Errorf("configure credentials: %w", err)
	}

	store, redisClient, err := openTokenStore(ctx, cfg.TokenStore, logger)
	if err != nil {
		return err
	}
	tokens := auth.NewTokenManager(cfg.Auth.TokenTTL,
		auth.WithTokenStore(store),
		auth.WithTokenLogger(logging.WithComponent(logger, "auth")),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), tokenStoreCloseTimeout)
		defer cancel()
		if err := tokens.Close(closeCtx); err != nil {
			logger.Warn("failed to close token store", "error", err)
		}
	}()

	var limiterStore ratelimit.Store
	if redisClient != nil {
		limiterStore = ratelimit.NewRedisStore(redisClient, "")
	}
	limiter := ratelimit.New(ratelimit.Config{
		GlobalRPS:   cfg.Auth.GlobalRPS,
		GlobalBurst: cfg.Auth.GlobalBurst,
		LoginLimit:  cfg.Auth.LoginLimit,
		LoginWindow: cfg.Auth.LoginWindow,
		Store:       limiterStore,
	})

	captureLogger := logging.WithComponent(logger, "capture")
	driver, err := newCaptureDriver(cfg.Capture, captureLogger)
	if err != nil {
		return err
	}
	source, err := capture.NewSource(driver, captureFormat(cfg.Capture),
		capture.WithMaxReadRetries(cfg.Capture.ReadRetries),
		capture.WithRetryDelay(cfg.Capture.RetryDelay),
		capture.WithLogger(captureLogger),
	)
	if err != nil {
		return fmt.Errorf("configure capture: %w", err)
	}
	broadcaster, err := broadcast.New(broadcast.Config{
		Source:               source,
		Logger:               logging.WithComponent(logger, "broadcast"),
		Metrics:              recorder,
		ReacquireCooldown:    cfg.Capture.ReacquireCooldown,
		MaxReacquireCooldown: cfg.Capture.MaxReacquireCooldown,
		ReacquireAttempts:    cfg.Capture.ReacquireAttempts,
		IdleRelease:          cfg.Capture.IdleRelease,
	})
	if err != nil {
		return err
	}

	authenticator, err := stream.NewAuthenticator(stream.AuthenticatorConfig{
		Credentials: credentials,
		Tokens:      tokens,
		Limiter:     limiter,
		Metrics:     recorder,
		Logger:      logging.WithComponent(logger, "auth"),
	})
	if err != nil {
		return err
	}
	streamHandler, err := stream.NewHandler(stream.HandlerConfig{
		Authenticator:       authenticator,
		Broadcaster:         broadcaster,
		QueueCapacity:       cfg.Stream.QueueCapacity,
		ExpiryCheckInterval: cfg.Stream.ExpiryCheckInterval,
		PingInterval:        cfg.Stream.PingInterval,
		PongWait:            cfg.Stream.PongWait,
		WriteWait:           cfg.Stream.WriteWait,
		AuthTimeout:         cfg.Stream.AuthTimeout,
		AllowedOrigins:      cfg.Stream.AllowedOrigins,
		Logger:              logging.WithComponent(logger, "stream"),
		Metrics:             recorder,
	})
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		Addr:          cfg.Server.Addr,
		Authenticator: authenticator,
		Broadcaster:   broadcaster,
		Stream:        streamHandler,
		Limiter:       limiter,
		HealthChecks:  map[string]server.Pinger{"token_store": tokens},
		CORS:          server.CORSConfig{AllowedOrigins: cfg.Server.CORSOrigins},
		Logger:        logger,
		Metrics:       recorder,
	})
	if err != nil {
		return err
	}

	logger.Info("starting audiopirate",
		"version", version,
		"capture_driver", source.DriverName(),
		"token_store", cfg.TokenStore.Driver,
		"token_ttl", cfg.Auth.TokenTTL,
		"format", fmt.Sprintf("%dHz/%dch/%dbit", cfg.Capture.SampleRate, cfg.Capture.Channels, cfg.Capture.BitDepth),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	captureCtx, stopCapture := context.WithCancel(groupCtx)
	defer stopCapture()
	captureDone := make(chan struct{})

	group.Go(func() error {
		defer close(captureDone)
		broadcaster.Run(captureCtx)
		return nil
	})

	stopPurge := startTokenPurgeWorker(groupCtx, logging.WithComponent(logger, "auth"), tokens, recorder, cfg.Auth.PurgeInterval)
	defer stopPurge()

	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          srv.HTTPServer(),
			TLS:             serverutil.TLSConfig{CertFile: cfg.Server.TLSCert, KeyFile: cfg.Server.TLSKey},
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			OnListen:        onListen,
			Logger:          logger,
			Drain: func(drainCtx context.Context) error {
				stopCapture()
				select {
				case <-captureDone:
				case <-drainCtx.Done():
				}
				broadcaster.Shutdown(broadcast.ReasonServerShutdown)
				return streamHandler.Shutdown(drainCtx)
			},
		})
	})

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("audiopirate stopped")
	return nil
}
