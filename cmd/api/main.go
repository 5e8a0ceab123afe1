package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"carebridge.org/internal/audit"
	"carebridge.org/internal/config"
	"carebridge.org/internal/httpapi"
	"carebridge.org/internal/identity"
	"carebridge.org/internal/obs"
	"carebridge.org/internal/report"
	"carebridge.org/internal/session"
)

var version = "0.3.1"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)
	obs.Init()

	if cfg.PostgresDSN == "" {
		logger.Fatal("CAREBRIDGE_PG_DSN is required")
	}
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	auditStore := audit.NewPGStore(db)
	recorder := audit.NewRecorder(auditStore,
		audit.WithBuffer(cfg.AuditBufferSize),
		audit.WithLogger(logger),
	)
	recorder.Start()

	accountStore := identity.NewPGStore(db)
	sessions := session.NewStore(rdb)
	challenges := session.NewChallengeStore(rdb, cfg.ChallengeTTL)

	matrix := identity.DefaultCapabilityMatrix()
	if cfg.CapabilityMatrixPath != "" {
		matrix, err = identity.LoadCapabilityMatrix(cfg.CapabilityMatrixPath)
		if err != nil {
			logger.Fatal("load capability matrix", zap.Error(err))
		}
	}
	resolver := identity.NewResolver(matrix)

	policy := identity.NewApprovalPolicy(cfg.ApprovalRequiredRoles)
	lifecycle := identity.NewLifecycle(accountStore, recorder, policy,
		identity.WithLockoutThreshold(cfg.LockoutThreshold),
		identity.WithLockoutWindow(cfg.LockoutWindow),
	)
	twoFactor := identity.NewTwoFactor(accountStore, challenges, recorder, cfg.TOTPIssuer)
	svcOpts := []identity.ServiceOption{
		identity.WithSessionTTL(cfg.SessionTTL),
		identity.WithResetSecret(cfg.ResetTokenSecret),
		identity.WithResetTTL(cfg.ResetTokenTTL),
	}
	if cfg.ResetDebugDelivery {
		logger.Warn("reset tokens are written to the log, disable outside development")
		svcOpts = append(svcOpts, identity.WithResetDelivery(func(_ context.Context, email, token string) error {
			logger.Info("password reset token issued",
				zap.String("email", email),
				zap.String("token", token),
			)
			return nil
		}))
	}
	svc := identity.NewService(accountStore, sessions, challenges, twoFactor, lifecycle, recorder, svcOpts...)

	var objects audit.ObjectStore
	if cfg.ExportBucket != "" {
		objects, err = audit.NewS3ObjectStore(context.Background(), cfg.ExportBucket)
		if err != nil {
			logger.Fatal("object store", zap.Error(err))
		}
	} else {
		logger.Warn("no export bucket configured, artifacts go to local disk")
		objects = audit.NewFSObjectStore("exports")
	}
	exporter := audit.NewExporter(auditStore, objects, recorder,
		audit.WithWorkers(cfg.ExportWorkers),
		audit.WithExporterLogger(logger),
	)
	exporter.Start()

	emergency := audit.NewEmergencyLog(auditStore, recorder)
	queries := audit.NewQueryEngine(auditStore)
	reports := report.NewGenerator(accountStore, auditStore,
		report.WithVerificationOverdue(cfg.VerificationOverdueAfter),
		report.WithConsentRenewalPeriod(cfg.ConsentRenewalPeriod),
		report.WithRetentionYears(cfg.AuditRetentionYears),
	)

	api := httpapi.New(httpapi.Deps{
		Service:   svc,
		Lifecycle: lifecycle,
		TwoFactor: twoFactor,
		Resolver:  resolver,
		Queries:   queries,
		Exporter:  exporter,
		Emergency: emergency,
		Reports:   reports,
	}, httpapi.ReadyProbe{DB: db, Redis: rdb}, version)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting carebridge-api", zap.String("version", version), zap.String("addr", srv.Addr))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	exporter.Close()
	recorder.Close()
	_ = rdb.Close()
	_ = db.Close()
	logger.Info("stopped")
}
