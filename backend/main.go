// ABOUTME: Entry point for the Yandex auth broker service
// ABOUTME: Wires Passport, flow and account stores, and serves the HTTP API

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/glebsterx/yandex-smart-home/backend/config"
	"github.com/glebsterx/yandex-smart-home/backend/db"
	"github.com/glebsterx/yandex-smart-home/backend/db/migrate"
	"github.com/glebsterx/yandex-smart-home/backend/flow"
	"github.com/glebsterx/yandex-smart-home/backend/handlers"
	"github.com/glebsterx/yandex-smart-home/backend/logger"
	"github.com/glebsterx/yandex-smart-home/backend/middleware"
	"github.com/glebsterx/yandex-smart-home/backend/services"
)

func main() {
	logger.Init()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// "migrate up|down" applies the account schema and exits.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg, os.Args[2:]); err != nil {
			slog.Error("Migration failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Broker stopped with error", "error", err)
		os.Exit(1)
	}
}

func runMigrate(cfg *config.Config, args []string) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}
	direction := migrate.Up
	if len(args) > 0 {
		d, err := migrate.ParseDirection(args[0])
		if err != nil {
			return err
		}
		direction = d
	}
	return migrate.Run(cfg.DatabaseURL, direction)
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting Yandex auth broker", "passport_url", cfg.PassportURL)

	h, closeStores, err := buildHandler(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	mux, err := buildMux(cfg, h)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Step requests wait for one Passport round trip.
		WriteTimeout: cfg.RoundTripTimeout + 15*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildHandler opens the stores and wires the flow services behind the API.
// The returned func closes the stores.
func buildHandler(ctx context.Context, cfg *config.Config) (*handlers.Handler, func(), error) {
	provider, err := services.NewPassportProvider(services.PassportConfig{
		BaseURL:            cfg.PassportURL,
		OAuthURL:           cfg.OAuthURL,
		ClientID:           cfg.ClientID,
		ClientSecret:       cfg.ClientSecret,
		XTokenClientID:     cfg.XTokenClientID,
		XTokenClientSecret: cfg.XTokenClientSecret,
		MusicClientID:      cfg.MusicClientID,
		MusicClientSecret:  cfg.MusicClientSecret,
		Proxy:              cfg.Proxy,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("passport provider: %w", err)
	}
	if cfg.Proxy != "" {
		slog.Info("Passport requests proxied")
	}

	accounts, closeAccounts, err := openAccountStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	controller := flow.NewController(flow.Options{
		Provider:         provider,
		Accounts:         accounts,
		RoundTripTimeout: cfg.RoundTripTimeout,
	})

	var flows *services.FlowService
	store, closeFlows, err := openFlowStore(cfg, func(a flow.Attempt) { flows.Expired(a) })
	if err != nil {
		closeAccounts()
		return nil, nil, err
	}
	flows = services.NewFlowService(controller, store)

	refresher := services.NewAccountRefresher(accounts, provider, cfg.RefreshConcurrency)
	h := handlers.NewHandler(cfg, flows, accounts, refresher)
	return h, func() {
		closeFlows()
		closeAccounts()
	}, nil
}

func openAccountStore(ctx context.Context, cfg *config.Config) (services.AccountStore, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, accounts are kept in memory and lost on restart")
		return services.NewMemoryAccountStore(), func() {}, nil
	}

	if cfg.DatabaseAutoMigrate {
		if err := migrate.Run(cfg.DatabaseURL, migrate.Up); err != nil {
			return nil, nil, fmt.Errorf("migrate account schema: %w", err)
		}
	}
	pool, err := db.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Account store initialized", "kind", "postgres")
	return services.NewPostgresAccountStore(pool), pool.Close, nil
}

func openFlowStore(cfg *config.Config, onExpire func(flow.Attempt)) (services.FlowStore, func(), error) {
	if cfg.RedisURL == "" {
		store := services.NewMemoryFlowStore(cfg.FlowTTL, onExpire)
		slog.Info("Flow store initialized", "kind", "memory", "ttl", cfg.FlowTTL)
		return store, store.Close, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	slog.Info("Flow store initialized", "kind", "redis", "addr", opts.Addr, "ttl", cfg.FlowTTL)
	return services.NewRedisFlowStore(client, "yflow", cfg.FlowTTL), func() { client.Close() }, nil
}

func buildMux(cfg *config.Config, h *handlers.Handler) (*http.ServeMux, error) {
	authMode, err := middleware.ValidateAuthMode(cfg.AuthMode)
	if err != nil {
		return nil, err
	}
	authCfg := middleware.AuthConfig{Mode: authMode}
	if cfg.HostTokenSecret != "" {
		tokens, err := services.NewHostTokens(cfg.HostTokenSecret)
		if err != nil {
			return nil, err
		}
		authCfg.Verifier = tokens
	}
	if authMode == middleware.AuthModeDisabled {
		slog.Warn("Authentication disabled, every caller is treated as operator")
	}

	limiters := map[string]*middleware.RateLimiter{}
	if cfg.RateLimitEnabled {
		limiters[handlers.LimitSteps] = middleware.NewRateLimiter(cfg.RateLimitSteps, time.Minute)
		limiters[handlers.LimitDefault] = middleware.NewRateLimiter(cfg.RateLimitDefault, time.Minute)
	}
	keys := map[string]middleware.KeyFunc{
		handlers.LimitSteps: func(r *http.Request) string {
			if !handlers.ChargesProvider(r) {
				return ""
			}
			return middleware.TargetOrIP(r)
		},
		handlers.LimitDefault: middleware.HostOrIP,
	}

	cors := middleware.CORSWithConfig(cfg.CORSAllowedOrigins)
	preflight := map[string]bool{}

	mux := http.NewServeMux()
	for _, route := range h.Routes() {
		if !preflight[route.Path] {
			preflight[route.Path] = true
			mux.HandleFunc(http.MethodOptions+" "+route.Path, cors(func(http.ResponseWriter, *http.Request) {}))
		}
		mux.HandleFunc(route.Method+" "+route.Path, middleware.Chain(route.Handler,
			cors,
			middleware.LogRequest,
			middleware.Auth(authCfg),
			middleware.RequireRole(route.Role),
			middleware.RateLimit(limiters[route.RateLimit], keys[route.RateLimit]),
		))
	}
	return mux, nil
}
