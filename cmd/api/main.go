package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"impactsurvey.org/internal/audit"
	"impactsurvey.org/internal/auth"
	"impactsurvey.org/internal/config"
	"impactsurvey.org/internal/grpcapi"
	"impactsurvey.org/internal/httpapi"
	"impactsurvey.org/internal/migrate"
	"impactsurvey.org/internal/obs"
	"impactsurvey.org/internal/ratelimit"
	"impactsurvey.org/internal/store/memory"
	"impactsurvey.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type stores struct {
	accounts auth.CredentialStore
	create   auth.CreateAccountFunc
	resets   auth.ResetTokenStore
	audit    audit.Store
	failures audit.FailureCounter
	pg       *pg.Store
}

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("api exited", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.IsDevelopment() {
		level = slog.LevelDebug
	}
	obs.SetLogger(obs.NewLogger(os.Stdout, level))
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()
	if cfg.SecretGenerated {
		logger.Warn("IMPACT_AUTH_SECRET not set, using a generated development secret; sessions end on restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	if st.pg != nil {
		defer st.pg.Close()
	}
	if cfg.BootstrapEmail != "" {
		acct, created, err := auth.Bootstrap(ctx, st.accounts, st.create, cfg.BootstrapEmail, cfg.BootstrapPasswordHash)
		if err != nil {
			return err
		}
		logger.Info("bootstrap account ready", "email", acct.Email, "created", created)
	}

	var rdb redis.UniversalClient
	limiterStore := ratelimit.Store(ratelimit.NewMemoryStore())
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		limiterStore = ratelimit.NewRedisStore(rdb)
		logger.Info("rate limiter backed by redis", "addr", cfg.RedisAddr)
	}
	limiter := ratelimit.New(limiterStore)

	auditLog := audit.NewLogger(st.audit)
	tokens, err := auth.NewTokenService(cfg.AuthSecret,
		auth.WithIssuer(cfg.TokenIssuer),
		auth.WithMaxSessionAge(cfg.MaxSessionAge),
	)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(auth.Deps{
		Accounts: st.accounts,
		Resets:   st.resets,
		Tokens:   tokens,
		Lockout:  auth.NewLockout(st.accounts, st.failures, auditLog),
		Audit:    auditLog,
		Hasher:   auth.NewPasswordHasher(cfg.BcryptCost),
	})
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{Redis: rdb}
	if st.pg != nil {
		probe.DB = st.pg.DB()
	}
	api := httpapi.New(httpapi.Options{
		Version:      version,
		Auth:         svc,
		Limiter:      limiter,
		Audit:        auditLog,
		Ready:        probe,
		CORSOrigins:  cfg.CORSOrigins,
		CookieSecure: cfg.CookieSecure,
		BurstRPS:     cfg.BurstRPS,
		Burst:        cfg.Burst,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpcapi.NewServer(svc, limiter, auditLog, probe)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	go limiter.RunSweeper(ctx, cfg.SweepInterval)
	if g := api.Burst(); g != nil {
		go g.Run(ctx, cfg.SweepInterval)
	}
	go grpcSrv.WatchReadiness(ctx, 15*time.Second)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", "addr", srv.Addr, "version", version, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("grpc listening", "addr", cfg.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		logger.Error("server failed", "error", err.Error())
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	logger.Info("stopped")
	return nil
}

// openStores connects to Postgres when a DSN is configured. Development runs
// without one fall back to in-memory stores.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.PGDSN == "" {
		if !cfg.IsDevelopment() {
			return nil, errors.New("IMPACT_PG_DSN is required outside development")
		}
		obs.Logger().Warn("IMPACT_PG_DSN not set, using in-memory stores; set IMPACT_BOOTSTRAP_EMAIL to seed an account")
		auditStore := memory.NewAuditLog()
		accounts := memory.NewAccounts()
		return &stores{
			accounts: accounts,
			create:   accounts.Create,
			resets:   memory.NewResetTokens(),
			audit:    auditStore,
			failures: auditStore,
		}, nil
	}

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if cfg.MigrateOnStart {
		applied, err := migrate.NewManager(store.DB()).Up(ctx)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		obs.Logger().Info("migrations applied", "count", len(applied), "versions", applied)
	}
	return &stores{
		accounts: store,
		create:   store.CreateAccount,
		resets:   store,
		audit:    store,
		failures: store,
		pg:       store,
	}, nil
}
