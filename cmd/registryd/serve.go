package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bolagsdata/registryd/internal/apperr"
	"github.com/bolagsdata/registryd/internal/blob"
	"github.com/bolagsdata/registryd/internal/bulk"
	"github.com/bolagsdata/registryd/internal/cache"
	"github.com/bolagsdata/registryd/internal/config"
	httpapi "github.com/bolagsdata/registryd/internal/interfaces/http"
	"github.com/bolagsdata/registryd/internal/interfaces/ws"
	"github.com/bolagsdata/registryd/internal/net/circuit"
	"github.com/bolagsdata/registryd/internal/net/ratelimit"
	"github.com/bolagsdata/registryd/internal/service"
	"github.com/bolagsdata/registryd/internal/telemetry"
	"github.com/bolagsdata/registryd/internal/upstream"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

// wiring holds every component the server composes, so the command can
// shut them down in order.
type wiring struct {
	db       *sqlx.DB
	store    cache.Store
	tel      *telemetry.Telemetry
	client   *upstream.Client
	svc      *service.Service
	handlers *httpapi.Handlers
}

func buildWiring(ctx context.Context, cfg config.Config) (*wiring, error) {
	db, err := sqlx.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	var store cache.Store = cache.NewPostgresStore(db, cfg.Postgres.QueryTimeout)
	if cfg.Redis.Addr != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			// The durable layer alone is a valid deployment.
			log.Warn().Err(err).Msg("redis unavailable, running without the hot cache layer")
		} else {
			store = cache.NewHotStore(store, rdb, 15*time.Minute)
		}
	}

	tel := telemetry.New(store)

	tokens := upstream.NewTokenManager(upstream.TokenConfig{
		TokenURL:     cfg.Upstream.TokenURL,
		ClientID:     cfg.Upstream.ClientID,
		ClientSecret: cfg.Upstream.ClientSecret,
		Scope:        cfg.Upstream.Scope,
		SafetyBuffer: cfg.Token.SafetyBuffer,
		MaxRetries:   cfg.Upstream.MaxRetries,
		RetryBase:    cfg.Upstream.RetryBase,
	}, nil)

	tiers := []ratelimit.Tier{{Capacity: cfg.RateLimit.Requests, Window: cfg.RateLimit.Window}}
	for _, t := range cfg.RateLimit.Extra {
		tiers = append(tiers, ratelimit.Tier{Capacity: t.Requests, Window: t.Window})
	}
	limiter := ratelimit.NewMultiTier(tiers...)

	breaker := circuit.NewBreaker(circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.HalfOpenRequiredSuccesses,
		RecoveryTimeout:  cfg.Circuit.RecoveryTimeout,
		IsFailure:        apperr.CircuitFailure,
		OnStateChange: func(from, to circuit.State) {
			log.Warn().Stringer("from", from).Stringer("to", to).Msg("upstream circuit state change")
			if to == circuit.StateOpen {
				tel.CircuitOpened()
			}
		},
	})

	client := upstream.NewClient(upstream.ClientConfig{
		BaseURL:    cfg.Upstream.BaseURL,
		Timeout:    cfg.Upstream.Timeout,
		MaxRetries: cfg.Upstream.MaxRetries,
		RetryBase:  cfg.Upstream.RetryBase,
	}, tokens, limiter, breaker, tel)

	blobs, err := blob.NewStore(cfg.Blob.Root, cfg.Blob.MaxBytes)
	if err != nil {
		db.Close()
		return nil, err
	}
	index := bulk.NewIndex(db, cfg.Postgres.QueryTimeout)

	svc := service.NewWithRefresh(service.Config{
		TTLDetails:   cfg.Cache.TTLDetails,
		TTLDocuments: cfg.Cache.TTLDocuments,
		FetchTimeout: cfg.Refresh.Timeout,
	}, store, client, index, blobs, tel,
		cfg.Refresh.Workers, cfg.Refresh.QueueSize, cfg.Refresh.PerSecond)

	return &wiring{
		db:       db,
		store:    store,
		tel:      tel,
		client:   client,
		svc:      svc,
		handlers: httpapi.NewHandlers(svc, blobs, client, tel.Registry()),
	}, nil
}

func (w *wiring) close() {
	w.svc.Close()
	w.tel.Close()
	w.db.Close()
}

func runServe(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := buildWiring(ctx, cfg)
	if err != nil {
		return err
	}
	defer w.close()

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, w.handlers)
	if err != nil {
		return err
	}

	server.Mount("/ws", ws.NewHandler(w.svc))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
