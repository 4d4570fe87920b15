package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Paddione/projects-sub012/internal/auth"
	"github.com/Paddione/projects-sub012/internal/authcode"
	"github.com/Paddione/projects-sub012/internal/clients"
	"github.com/Paddione/projects-sub012/internal/config"
	"github.com/Paddione/projects-sub012/internal/events"
	"github.com/Paddione/projects-sub012/internal/logging"
	"github.com/Paddione/projects-sub012/internal/metrics"
	"github.com/Paddione/projects-sub012/internal/server"
	"github.com/Paddione/projects-sub012/internal/session"
	"github.com/Paddione/projects-sub012/internal/store"
	"github.com/Paddione/projects-sub012/internal/tokens"
	"github.com/Paddione/projects-sub012/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func runServe(parent context.Context) error {
	ctx, stop := signalContext(parent)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.NewLogger(logging.Options{Environment: cfg.Environment, Level: cfg.LogLevel})
	if err != nil {
		return err
	}
	logger.Info("authd starting",
		slog.String("version", Version),
		slog.String("issuer", cfg.IssuerURL),
		slog.String("store", cfg.StoreBackend),
	)

	if cfg.IsProduction() && cfg.StoreBackend == store.BackendMemory {
		logger.Warn("memory store in production; single-use codes and revocations do not survive restarts or span instances")
	}

	opened, err := store.Open(ctx, cfg.StoreOptions(), logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer opened.Backend.Close()

	g, gctx := errgroup.WithContext(ctx)

	clientStore, err := openClients(cfg, opened, logger)
	if err != nil {
		return err
	}

	if fs, ok := clientStore.(*clients.FileStore); ok {
		g.Go(func() error { return fs.Watch(gctx) })
	}

	var userStore users.Store = users.NewMemoryStore()
	if opened.DB != nil {
		userStore = users.NewSQLStore(opened.DB)
	} else {
		logger.Warn("no sql backend; federated users are kept in memory")
	}

	signer, err := cfg.SigningKeys()
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	logger.Info("signing key loaded",
		slog.String("alg", signer.Method().Alg()),
		slog.String("kid", signer.KeyID()),
	)

	codec := tokens.NewCodec(signer, cfg.IssuerURL)
	tokenSvc := tokens.NewService(codec, opened.Backend, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, logger)
	codeSvc := authcode.NewService(opened.Backend, cfg.AuthCodeTTL, logger)
	sessions := session.NewManager(cfg.SessionTTL, cfg.SessionCookieSecure, logger)

	publishers := events.Multi{events.NewLog(logger)}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(prometheus.NewRegistry())
		publishers = append(publishers, m)
	}

	if cfg.AMQPURL != "" {
		broker, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return fmt.Errorf("connecting to amqp: %w", err)
		}
		defer broker.Close()

		publishers = append(publishers, broker)
	}

	provs := cfg.Providers()
	logger.Info("federated providers", slog.Any("names", provs.Names()))

	endpoints := auth.New(auth.Config{
		Clients:   clients.NewRegistry(clientStore, logger),
		Codes:     codeSvc,
		Tokens:    tokenSvc,
		Users:     userStore,
		Sessions:  sessions,
		Providers: provs,
		Keys:      signer,
		Events:    publishers,
		Logger:    logger,
		Issuer:    cfg.IssuerURL,
		LoginPath: cfg.LoginPath,
	})

	handler := server.NewMux(server.MuxConfig{
		Endpoints: endpoints,
		Logger:    logger,
		Metrics:   m,
		Checks:    map[string]server.Check{"store": opened.Ping},
	})

	srv := server.NewServer(cfg.ListenAddr, handler)

	g.Go(func() error {
		return store.NewSweeper(opened.Backend, opened.Backend, cfg.SweepInterval, logger).Run(gctx)
	})

	g.Go(func() error { return sessions.Run(gctx) })

	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openClients picks the client registry source: the YAML file when
// configured, otherwise the oauth_clients table.
func openClients(cfg *config.Config, opened *store.Opened, logger *slog.Logger) (clients.Store, error) {
	if cfg.ClientsFile != "" {
		fs, err := clients.LoadFile(cfg.ClientsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("loading clients: %w", err)
		}

		return fs, nil
	}

	if opened.DB == nil {
		return nil, fmt.Errorf("no client source: set CLIENTS_FILE or use a sql backend")
	}

	return clients.NewSQLStore(opened.DB), nil
}
