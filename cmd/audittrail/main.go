/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command audittrail runs the audit delivery lifecycle service: destination
// health tracking, the dead-letter queue and its aging worker, the archival
// engine, and the HTTP API in one process.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/jordigilh/audittrail/internal/database"
	"github.com/jordigilh/audittrail/pkg/alerting"
	"github.com/jordigilh/audittrail/pkg/archival"
	"github.com/jordigilh/audittrail/pkg/audit"
	"github.com/jordigilh/audittrail/pkg/config"
	"github.com/jordigilh/audittrail/pkg/dlq"
	"github.com/jordigilh/audittrail/pkg/health"
	"github.com/jordigilh/audittrail/pkg/ingest"
	applog "github.com/jordigilh/audittrail/pkg/log"
	"github.com/jordigilh/audittrail/pkg/metrics"
	"github.com/jordigilh/audittrail/pkg/queue"
	"github.com/jordigilh/audittrail/pkg/repository"
	"github.com/jordigilh/audittrail/pkg/server"
	"github.com/jordigilh/audittrail/pkg/shared/circuitbreaker"
)

func main() {
	configPath := "config/audittrail.yaml"
	if len(os.Args) > 2 && os.Args[1] == "-config" {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audittrail: %v\n", err)
		os.Exit(1)
	}

	logger := applog.NewLogger(applog.Options{
		ServiceName: "audittrail",
		Development: cfg.Logging.Development,
		Level:       logLevel(cfg.Logging.Level),
	})
	defer applog.Sync(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error(err, "service failed")
		applog.Sync(logger)
		os.Exit(1)
	}
}

func logLevel(level string) int {
	if level == "debug" {
		return 1
	}
	return 0
}

func run(cfg *config.Config, logger logr.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime.Std())

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected")

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db, logger); err != nil {
			return err
		}
	}
	sqlxDB := sqlx.NewDb(db, "pgx")

	redisClient := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout.Std(),
	})
	defer func() { _ = redisClient.Close() }()

	pingCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected", "address", cfg.Redis.Address)

	recorder := metrics.NewMetrics("audittrail")

	// Health tracking and monitoring.
	healthRepo := repository.NewHealthRepository(db)
	destinationRepo := repository.NewDestinationRepository(db)
	tracker := health.NewTracker(healthRepo, destinationRepo, health.Config{
		UnhealthyThreshold:      cfg.Health.UnhealthyThreshold,
		DegradedThreshold:       cfg.Health.DegradedThreshold,
		MinSuccessRate:          cfg.Health.MinSuccessRate,
		MinDeliveriesForRate:    cfg.Health.MinDeliveriesForRate,
		DisableThreshold:        cfg.Health.DisableThreshold,
		CircuitBreakerThreshold: cfg.Health.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   cfg.Health.CircuitBreakerTimeout.Std(),
		HalfOpenMaxAttempts:     cfg.Health.HalfOpenMaxAttempts,
		MonitorInterval:         cfg.Health.MonitorInterval.Std(),
	}, recorder, nil, logger)
	monitor := health.NewMonitor(tracker, healthRepo, recorder, nil, logger)
	monitor.Start(ctx)

	// Archival engine over the postgres repositories.
	auditRepo := repository.NewAuditLogRepository(sqlxDB)
	archiveRepo := repository.NewArchiveRepository(sqlxDB)
	policyRepo := repository.NewPolicyRepository(sqlxDB)
	engine := archival.NewEngine(auditRepo, archiveRepo, policyRepo, archival.Config{
		Format:               cfg.Archival.Format,
		CompressionAlgorithm: cfg.Archival.Compression,
		CompressionLevel:     cfg.Archival.CompressionLevel,
		VerifyIntegrity:      cfg.Archival.VerifyIntegrity,
		BatchSize:            cfg.Archival.BatchSize,
	}, recorder, nil, logger)

	if err := seedPolicies(ctx, policyRepo, cfg.Archival.Policies, logger); err != nil {
		return err
	}

	// Ingestion buffer in front of the live audit log. Aged dead letters
	// drain into it as well, so they survive in postgres after redis lets
	// them go.
	buffer := ingest.NewBuffer(auditRepo, ingest.DefaultConfig(), recorder, nil, logger)

	// Dead-letter queue, worker, and alert sinks.
	dlqQueue := queue.NewRedisQueue(redisClient, "audittrail", nil, logger)
	dlqService := dlq.NewService(dlqQueue, dlq.Config{
		QueueName:        cfg.DLQ.QueueName,
		AlertThreshold:   cfg.DLQ.AlertThreshold,
		AlertCooldown:    cfg.DLQ.AlertCooldown.Std(),
		ArchiveAfterDays: cfg.DLQ.ArchiveAfterDays,
		MaxRetentionDays: cfg.DLQ.MaxRetentionDays,
		WorkerInterval:   cfg.DLQ.WorkerInterval.Std(),
	}, &deadLetterSink{buffer: buffer}, recorder, nil, logger)
	worker := dlq.NewWorker(dlqService)
	worker.Start(ctx)

	breakers := circuitbreaker.NewManager(logger)
	if cfg.Alerting.SlackWebhookURL != "" {
		notifier := alerting.NewSlackNotifier(cfg.Alerting.SlackWebhookURL)
		dlqService.RegisterAlertCallback(alerting.Callback(notifier, breakers, recorder, logger))
		logger.Info("slack alert sink registered")
	}
	if cfg.Alerting.WebhookURL != "" {
		notifier := alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, nil)
		dlqService.RegisterAlertCallback(alerting.Callback(notifier, breakers, recorder, logger))
		logger.Info("webhook alert sink registered")
	}

	var resolver *alerting.CredentialResolver
	if cfg.Alerting.CredentialsDir != "" {
		resolver, err = alerting.NewCredentialResolver(cfg.Alerting.CredentialsDir, logger)
		if err != nil {
			return fmt.Errorf("load alert credentials: %w", err)
		}
		if err := resolver.StartWatching(ctx); err != nil {
			return fmt.Errorf("watch alert credentials: %w", err)
		}
	}

	// HTTP surface.
	srv := server.New(server.Deps{
		Health:   tracker,
		DLQ:      dlqService,
		Archives: engine,
		ReadyChecks: map[string]server.Pinger{
			"database": db.PingContext,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
		MetricsHandler: promhttp.Handler(),
		Recorder:       recorder,
	}, server.Config{AllowedOrigins: cfg.Server.AllowedOrigins}, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "address", cfg.Server.Addr())
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve HTTP: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	srv.SetShuttingDown()
	logger.Info("readiness flipped to draining")

	monitor.Stop()
	logger.Info("health monitor stopped")

	worker.Stop()
	logger.Info("DLQ worker stopped")

	if err := buffer.Close(); err != nil {
		logger.Error(err, "ingest buffer close failed")
	}
	logger.Info("ingest buffer drained")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "HTTP drain incomplete")
	}
	logger.Info("HTTP server drained")

	if resolver != nil {
		_ = resolver.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

// seedPolicies upserts the retention policies declared inline in the config
// file.
func seedPolicies(ctx context.Context, policies *repository.PolicyRepository, inline []config.PolicyConfig, logger logr.Logger) error {
	for _, p := range inline {
		policy := &archival.RetentionPolicy{
			PolicyName:         p.Name,
			DataClassification: p.DataClassification,
			ArchiveAfterDays:   p.ArchiveAfterDays,
			DeleteAfterDays:    p.DeleteAfterDays,
			IsActive:           p.Enabled,
		}
		if err := policies.Insert(ctx, policy); err != nil {
			return fmt.Errorf("seed retention policy %s: %w", p.Name, err)
		}
		logger.Info("retention policy seeded", "policy", p.Name, "classification", p.DataClassification)
	}
	return nil
}

// deadLetterSink preserves aged dead-letter events in the live audit log
// before the DLQ worker lets redis drop them.
type deadLetterSink struct {
	buffer *ingest.Buffer
}

func (s *deadLetterSink) ArchiveDeadLetter(_ context.Context, event *dlq.DeadLetterEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode dead-letter event: %w", err)
	}
	record := &audit.Record{
		ID:        fmt.Sprintf("dlq-%s-%d", event.OriginalJobID, event.FirstFailureTime.UnixMilli()),
		Timestamp: event.FirstFailureTime,
		Action:    "dlq.event_archived",
		// Dead letters are system-scoped; they carry no tenant of their own.
		OrganizationID:  "system",
		RetentionPolicy: "dead-letter",
		Extras: map[string]json.RawMessage{
			"deadLetterEvent": payload,
		},
	}
	return s.buffer.Add(record)
}
