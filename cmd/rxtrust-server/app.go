package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/rxtrust/rxtrust/internal/config"
	"github.com/rxtrust/rxtrust/internal/domain/prescription"
	"github.com/rxtrust/rxtrust/internal/platform/attempts"
	"github.com/rxtrust/rxtrust/internal/platform/audit"
	"github.com/rxtrust/rxtrust/internal/platform/auth"
	"github.com/rxtrust/rxtrust/internal/platform/db"
	"github.com/rxtrust/rxtrust/internal/platform/events"
	"github.com/rxtrust/rxtrust/internal/platform/ledger"
	"github.com/rxtrust/rxtrust/internal/platform/middleware"
)

const version = "0.1.0"

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds everything a command needs. Fields that depend on optional
// infrastructure (pool, producer) are nil when it is not configured.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	pool     *pgxpool.Pool
	anchor   ledger.Anchor
	svc      *prescription.Service
	producer *events.Producer
	closers  []func() error
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}

	var repo prescription.Repository
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn().Msg("using in-memory store; records are lost on restart")
		repo = prescription.NewMemoryRepository()
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		repo = prescription.NewRepoPG(pool)
		logger.Info().Msg("connected to database")
	}

	anchor, closeLedger, err := ledger.Open(ctx, ledger.Options{
		Backend: cfg.LedgerBackend,
		EVM: ledger.EVMConfig{
			RPCURL:          cfg.LedgerRPCURL,
			PrivateKey:      cfg.LedgerPrivateKey,
			ContractAddress: cfg.LedgerContractAddress,
			ABIPath:         cfg.LedgerABIPath,
			Network:         cfg.LedgerNetwork,
		},
		LocalPath:     cfg.LedgerLocalPath,
		AnchorTimeout: cfg.LedgerAnchorTimeout,
		VerifyTimeout: cfg.LedgerVerifyTimeout,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.anchor = anchor
	a.closers = append(a.closers, closeLedger)

	var recorder audit.Recorder = audit.NewLogRecorder(logger)
	if a.pool != nil {
		recorder = audit.NewPGRecorder(a.pool, logger)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		a.producer = events.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		a.closers = append(a.closers, a.producer.Close)
		publisher = a.producer
	}

	retry := prescription.DefaultRetryPolicy
	retry.MaxAttempts = cfg.AnchorMaxAttempts

	a.svc = prescription.NewService(repo, anchor,
		prescription.WithLogger(logger),
		prescription.WithCodeGenerator(prescription.RandomCodes{Digits: cfg.OTPDigits}),
		prescription.WithOTPTTL(cfg.OTPTTL),
		prescription.WithAuditRecorder(recorder),
		prescription.WithPublisher(publisher),
		prescription.WithAttemptLimiter(a.newLimiter(ctx), cfg.OTPMaxAttempts),
		prescription.WithAnchorMode(prescription.AnchorMode(cfg.AnchorMode)),
		prescription.WithRetryPolicy(retry),
		prescription.WithLedgerNetwork(cfg.LedgerNetwork),
	)
	return a, nil
}

// newLimiter prefers Redis so attempt counts are shared between replicas.
func (a *app) newLimiter(ctx context.Context) attempts.Limiter {
	if a.cfg.RedisURL == "" {
		return attempts.NewMemoryLimiter()
	}
	client, err := attempts.NewRedisClient(ctx, a.cfg.RedisURL)
	if err != nil {
		a.log.Warn().Err(err).Msg("redis unavailable; counting share code attempts in memory")
		return attempts.NewMemoryLimiter()
	}
	a.closers = append(a.closers, client.Close)
	return attempts.NewRedisLimiter(client, "rxtrust:")
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	if a.cfg.IsDev() {
		return auth.DevAuthMiddleware("prescriber")
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		JWKSURL:    a.cfg.AuthJWKSURL,
		SigningKey: []byte(a.cfg.AuthSigningKey),
	})
}

func (a *app) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.log))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.log))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("256K"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}

	apiV1 := e.Group("/api/v1", a.authMiddleware())
	prescription.NewHandler(a.svc).RegisterRoutes(apiV1)
	return e
}

// accessConsumer locks prescriptions when billing or dispensing completes.
// It returns nil when Kafka is not configured.
func (a *app) accessConsumer() *events.Consumer {
	if len(a.cfg.KafkaBrokers) == 0 || a.cfg.KafkaAccessTopic == "" {
		return nil
	}
	return events.NewConsumer(a.cfg.KafkaBrokers, a.cfg.KafkaAccessTopic, a.cfg.KafkaGroupID, a.log)
}

func (a *app) accessHandler() events.Handler {
	return events.AccessConsumedHandler(a.svc, isNotFound, a.log)
}

func isNotFound(err error) bool {
	return errors.Is(err, prescription.ErrNotFound)
}
