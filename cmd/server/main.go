package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/handler"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/config"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	natsclient "github.com/pesio-ai/be-ops-approvals/internal/platform/nats"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

// stores bundles the repository implementations selected by STORE_DRIVER.
type stores struct {
	requests repository.RequestStore
	flows    repository.FlowStore
	roles    repository.RoleDirectory
	audit    repository.AuditStore
	retries  repository.AuditRetryQueue
	ping     func(ctx context.Context) error
	close    func()
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Database.Driver).
		Msg("Starting Approvals Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(reg)

	// Audit: the primary store, plus the Kafka stream behind a breaker
	var sink service.AuditSink = service.NewStoreAuditSink(st.audit)
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := client.NewKafkaAuditProducer(client.KafkaAuditConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.AuditTopic,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Kafka audit producer")
		}
		defer producer.Close()
		sink = service.MultiAuditSink{
			sink,
			service.NewBreakerAuditSink("kafka-audit", producer, 30*time.Second, log.Component("audit")),
		}
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.AuditTopic).Msg("Kafka audit stream enabled")
	}
	recorder := service.NewAuditRecorder(sink, st.retries, metrics, log.Component("audit"))

	// Notifications
	var publisher service.NotificationPublisher = client.NewNotificationPublisher(nil, log)
	if cfg.NATS.URL != "" {
		nc, err := natsclient.Connect(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		if err := nc.EnsureStream(ctx, cfg.NATS.Stream, []string{client.SubjectPrefix + ">"}); err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure NATS stream")
		}
		publisher = client.NewNotificationPublisher(nc, log.Component("notifications"))
		log.Info().Str("url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("NATS notifications enabled")
	}
	notifier := service.NewAsyncNotifier(publisher, 1024, metrics, log.Component("notifications"))

	opts := []service.ManagerOption{
		service.WithNotifier(notifier),
		service.WithMetrics(metrics),
	}
	if cfg.Archive.Bucket != "" {
		archiver, err := client.NewS3Archiver(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create S3 archiver")
		}
		opts = append(opts, service.WithArchiver(archiver))
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Terminal request archiving enabled")
	}

	var locker service.SweepLocker
	if cfg.Redis.Address != "" {
		rdb, err := client.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		locker = client.NewRedisSweepLock(rdb)
		log.Info().Str("address", cfg.Redis.Address).Msg("Redis sweep lock enabled")
	}

	// Initialize services
	evaluator := service.NewThresholdEvaluator()
	resolver := service.NewRoleResolver(st.roles, log.Component("roles"))
	registry := service.NewFlowRegistry(st.flows, evaluator, log.Component("flows"))
	manager := service.NewApprovalRequestManager(st.requests, resolver, recorder, st.audit, log.Component("requests"), opts...)
	scheduler := service.NewEscalationScheduler(st.requests, manager, locker, service.EscalationConfig{
		Interval:  cfg.Escalation.SweepInterval,
		BatchSize: cfg.Escalation.BatchSize,
		LockTTL:   cfg.Escalation.LockTTL,
	}, metrics, log.Component("escalation"))
	retrier := service.NewAuditRetrier(st.retries, sink, service.AuditRetrierConfig{
		PollInterval:   cfg.Audit.RetryInterval,
		BatchSize:      cfg.Audit.BatchSize,
		MaxAttempts:    cfg.Audit.MaxAttempts,
		InitialBackoff: cfg.Audit.InitialBackoff,
	}, metrics, log.Component("audit-retry"))
	inbox := service.NewInboxQueryService(st.requests, resolver, log.Component("inbox"))
	gate := service.NewApprovalGateService(registry, evaluator, manager, log.Component("gate"))

	if cfg.Flows.SeedFile != "" {
		n, err := registry.SeedFromFile(ctx, cfg.Flows.SeedFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.Flows.SeedFile).Msg("Failed to seed approval flows")
		}
		log.Info().Int("published", n).Str("file", cfg.Flows.SeedFile).Msg("Approval flows seeded")
	}

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(handler.HTTPDeps{
		Gate:      gate,
		Manager:   manager,
		Inbox:     inbox,
		Flows:     registry,
		JWTSecret: cfg.Auth.JWTSecret,
		Gatherer:  reg,
		Ping:      st.ping,
	}, log.Component("http"))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	grpcServer := grpc.NewServer()
	grpcHealth := handler.NewGRPCHealth(st.ping, 10*time.Second, log.Component("grpc"))
	grpcHealth.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return grpcHealth.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return retrier.Run(gctx) })
	g.Go(func() error { return notifier.Run(gctx) })

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
	}
	manager.Wait()
	log.Info().Msg("Server stopped")
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		mem := repository.NewMemoryStore()
		return &stores{
			requests: mem, flows: mem, roles: mem, audit: mem, retries: mem,
			close: func() {},
		}, nil
	}

	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, err
	}
	return &stores{
		requests: repository.NewApprovalRequestRepository(db),
		flows:    repository.NewApprovalFlowRepository(db),
		roles:    repository.NewRoleDirectoryRepository(db),
		audit:    repository.NewApprovalAuditRepository(db),
		retries:  repository.NewAuditRetryRepository(db),
		ping:     db.Ping,
		close:    db.Close,
	}, nil
}
