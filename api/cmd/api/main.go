package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	cache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfhound389/Regparkovka/api/internal/handlers"
	"github.com/wolfhound389/Regparkovka/api/internal/middleware"
	"github.com/wolfhound389/Regparkovka/api/internal/repos"
	"github.com/wolfhound389/Regparkovka/shared/authx"
	"github.com/wolfhound389/Regparkovka/shared/clockx"
	"github.com/wolfhound389/Regparkovka/shared/config"
	"github.com/wolfhound389/Regparkovka/shared/dbx"
	"github.com/wolfhound389/Regparkovka/shared/httpx"
	"github.com/wolfhound389/Regparkovka/shared/logx"
	"github.com/wolfhound389/Regparkovka/shared/metricsx"
	"github.com/wolfhound389/Regparkovka/shared/observability"
)

// actorCacheTTL bounds how long a stale role or shift flag can survive in
// the per-instance actor memo after an out-of-band change.
const actorCacheTTL = 5 * time.Minute

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	metricsx.Register()

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	clock := clockx.System()
	parkingsRepo := repos.NewParkingsRepo(dbPool, clock, cfg.ParkingSpots)
	queueRepo := repos.NewQueueRepo(dbPool, clock, cfg.ParkingSpots)
	tasksRepo := repos.NewTasksRepo(dbPool, clock)
	usersRepo := repos.NewUsersRepo(dbPool, clock)
	rolesRepo := repos.NewRoleRequestsRepo(dbPool, clock)
	outboxRepo := repos.NewOutboxRepo(dbPool)
	auditRepo := repos.NewAuditRepo(dbPool)

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		var err error
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	shutdownTracer := func(context.Context) error { return nil }
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OTEL_EXPORTER_ENDPOINT", Message: "failed to initialize tracer"})
			logger.Error(context.Background(), "tracer_init_failed", "tracer init failed",
				slog.String("error", err.Error()),
			)
		}
	}

	actorMW := middleware.ActorMiddleware{
		Users: usersRepo,
		Cache: cache.New(actorCacheTTL, 10*time.Minute),
		TTL:   actorCacheTTL,
		Skip:  skipInternal,
	}

	boardTTL := time.Duration(cfg.BoardCacheTTLSec) * time.Second
	h := &handlers.Handler{
		Parkings: parkingsRepo,
		Queue:    queueRepo,
		Tasks:    tasksRepo,
		Users:    usersRepo,
		Roles:    rolesRepo,
		Outbox:   outboxRepo,
		Logger:   logger,
		Actors:   actorMW,
		Board:    cache.New(boardTTL, time.Minute),
		BoardTTL: boardTTL,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	h.Routes(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{
		Pool: dbPool,
		Skip: skipInternal,
	}.Wrap(handler)
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled,
		Repo:    auditRepo,
		Logger:  logger,
		Skip:    skipInternal,
	}.Wrap(handler)
	handler = actorMW.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: verifier,
		Skip:     skipInternal,
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute),
		Skip:    skipInternal,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Skip:           skipInternal,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, "http")
	}
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("parking_spots", cfg.ParkingSpots),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error(context.Background(), "tracer_shutdown_failed", "tracer shutdown failed",
			slog.String("error", err.Error()),
		)
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func skipInternal(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}
