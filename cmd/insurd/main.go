package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/audit"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/auth"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/engine"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/httpx"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/ledger"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/metrics"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/oraclefeed"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/ratelimit"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/store"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/stream"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/telemetry"
)

// Server wires the settlement engine to its transports. The engine owns
// all policy state; the server owns idempotency, rate limits, audit, and
// event fan-out.
type Server struct {
	Engine  *engine.Engine
	Ledger  *ledger.Ledger
	Cache   store.Cache
	Audit   auditTrail
	Metrics *metrics.Registry
	Events  *stream.Hub

	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerMinute int

	AuthMode            string
	MaxRequestBodyBytes int64
	IdempotencyTTL      time.Duration
}

type auditTrail interface {
	Append(ctx context.Context, e audit.Entry) error
	ListByPolicy(ctx context.Context, policyID uint64) ([]audit.Entry, error)
}

type insurdDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type insurdDBCloser interface {
	insurdDB
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (insurdDBCloser, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error
type startLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = func(ctx context.Context) (insurdDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn  = startFeedLoop
)

func main() {
	if err := runEngine(initTelemetry, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("insurd: %v", err)
	}
}

func runEngine(
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "insurd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var trail auditTrail
	if env("AUDIT_ENABLED", "true") == "true" {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		writer := &audit.Writer{DB: pool}
		if err := writer.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
		trail = writer
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	hostLedger := ledger.NewLedger()
	poolAccount := ledger.Identity(env("POOL_ACCOUNT", "insurance-pool"))
	adminID := ledger.Identity(env("ADMIN_IDENTITY", "administrator"))
	oracleID := ledger.Identity(env("ORACLE_IDENTITY", "oracle"))

	eng := engine.New(engine.Config{
		WeatherBucket: uint64(envInt("WEATHER_BUCKET_SEC", 0)),
		FlightWindow:  uint64(envInt("FLIGHT_WINDOW_SEC", 0)),
	}, ledger.SystemClock{}, hostLedger, poolAccount, adminID, oracleID)

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	idempotencyTTL := time.Second * time.Duration(envInt("IDEMPOTENCY_TTL_SEC", 86400))
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		Engine:              eng,
		Ledger:              hostLedger,
		Cache:               cache,
		Audit:               trail,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 120),
		AuthMode:            env("AUTH_MODE", "hs256"),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		IdempotencyTTL:      idempotencyTTL,
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}
	s.Metrics.SetPoolBalanceFunc(eng.PoolBalance)
	s.Metrics.SetEventsDroppedFunc(s.Events.Dropped)
	eng.SetNotifier(func(evt engine.Event) {
		s.Events.Publish(stream.FromEngine(evt))
	})

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("insurd"))
	r.Use(httpx.MaxBytesMiddleware(s.MaxRequestBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "insurd"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		env("AUTH_HS256_SECRET", ""),
		env("AUTH_ISSUER", ""),
		env("AUTH_AUDIENCE", ""),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Post("/v1/policies", s.createPolicy)
	authRouter.Get("/v1/policies/{policy_id}", s.getPolicy)
	authRouter.Get("/v1/policies/{policy_id}/eligibility", s.checkEligibility)
	authRouter.Post("/v1/policies/{policy_id}/claim", s.claimPolicy)
	authRouter.Get("/v1/policies/{policy_id}/claim", s.getClaim)
	authRouter.Post("/v1/oracle/weather", s.submitWeather)
	authRouter.Get("/v1/oracle/weather", s.getWeather)
	authRouter.Post("/v1/oracle/flights", s.submitFlight)
	authRouter.Get("/v1/oracle/flights", s.getFlight)
	authRouter.Get("/v1/pool", s.getPool)
	authRouter.Get("/v1/tiers/{tier}", s.getTier)
	authRouter.Put("/v1/tiers/{tier}", s.setTier)
	authRouter.Get("/v1/admin", s.getAdmin)
	authRouter.Post("/v1/admin/oracle", s.setOracle)
	authRouter.Post("/v1/admin/transfer", s.transferAdmin)
	authRouter.Get("/v1/accounts/{account_id}", s.getAccount)
	authRouter.Post("/v1/accounts/{account_id}/mint", s.mintAccount)
	authRouter.Get("/v1/audit/{policy_id}", s.getAuditTrail)
	authRouter.Get("/v1/events", s.streamEvents)
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(ctx, s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("insurd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// startFeedLoop begins draining the oracle feed when KAFKA_ENABLED=true.
func startFeedLoop(ctx context.Context, s *Server) {
	if env("KAFKA_ENABLED", "false") != "true" {
		return
	}
	consumer, err := oraclefeed.NewKafkaConsumer(oraclefeed.KafkaConfig{
		Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
		Topic:   env("KAFKA_TOPIC", "insurance.oracle.readings"),
		GroupID: env("KAFKA_GROUP_ID", "insurd"),
	})
	if err != nil {
		log.Printf("oracle feed disabled: %v", err)
		return
	}
	runner := &oraclefeed.Runner{
		Bus:    consumer,
		Sink:   s.Engine,
		Oracle: s.Engine.Oracle(),
	}
	go runner.Run(ctx)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.Metrics.ObserveEndpoint(r.Method+" "+route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
