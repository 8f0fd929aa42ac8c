// Command server wires the governance services behind the HTTP router and
// keeps the process lifecycle small. Business logic lives in the internal
// services.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"trustledger/internal/audit"
	"trustledger/internal/integrity"
	"trustledger/internal/platform/config"
	"trustledger/internal/platform/db"
	"trustledger/internal/platform/httpserver"
	"trustledger/internal/platform/logger"
	platformredis "trustledger/internal/platform/redis"
	"trustledger/internal/revision"
	revisionmetrics "trustledger/internal/revision/metrics"
	revisionstore "trustledger/internal/revision/store"
	"trustledger/internal/rmid"
	rmidmetrics "trustledger/internal/rmid/metrics"
	rmidstore "trustledger/internal/rmid/store"
	"trustledger/internal/seal"
	sealmetrics "trustledger/internal/seal/metrics"
	sealstore "trustledger/internal/seal/store"
	"trustledger/internal/thread"
	threadstore "trustledger/internal/thread/store"
	httptransport "trustledger/internal/transport/http"
	"trustledger/pkg/platform/middleware/auth"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := db.Migrate(ctx, database); err != nil {
		log.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("redis connect failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	trail := audit.NewPostgres(database)
	auditInbox := make(chan audit.Event, 256)
	auditOpts := []audit.Option{audit.WithLogger(log), audit.WithInbox(auditInbox)}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := audit.NewKafkaSink(ctx, cfg.KafkaBrokers, cfg.AuditTopic)
		if err != nil {
			log.Error("kafka sink setup failed", "error", err)
			os.Exit(1)
		}
		defer sink.Close()
		auditOpts = append(auditOpts, audit.WithSink(sink))
	}
	publisher := audit.NewPublisher(trail, auditOpts...)

	auditWorker := audit.NewWorker(trail, auditInbox, log)
	go func() {
		if err := auditWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("audit worker stopped", "error", err)
		}
	}()

	rmidStore := rmidstore.NewPostgres(database)
	records := revisionstore.NewPostgresRecords(database)
	revisions := revisionstore.NewPostgresRevisions(database)
	events := revisionstore.NewPostgresEvents(database)
	threadStore := threadstore.NewPostgres(database)
	sealStore := sealstore.NewPostgres(database)

	allocator, err := rmid.New(rmidStore, rmidStore, rmidStore,
		rmid.WithLogger(log),
		rmid.WithAuditPublisher(publisher),
		rmid.WithMetrics(rmidmetrics.New()),
		rmid.WithRelatedGroupResolver(revision.NewGroupResolver(records)),
	)
	if err != nil {
		log.Error("allocator setup failed", "error", err)
		os.Exit(1)
	}

	recordService, err := revision.New(records, revisions, events,
		revision.WithLogger(log),
		revision.WithAuditPublisher(publisher),
		revision.WithAllocator(allocator),
		revision.WithMetrics(revisionmetrics.New()),
	)
	if err != nil {
		log.Error("record service setup failed", "error", err)
		os.Exit(1)
	}

	threadService, err := thread.New(threadStore, rmidStore,
		thread.WithLogger(log),
		thread.WithAuditPublisher(publisher),
		thread.WithRecordRefCounter(records),
		thread.WithRecordRepointer(records),
	)
	if err != nil {
		log.Error("thread service setup failed", "error", err)
		os.Exit(1)
	}

	sealOpts := []seal.Option{
		seal.WithLogger(log),
		seal.WithAuditPublisher(publisher),
		seal.WithMetrics(sealmetrics.New()),
	}
	if redisClient != nil {
		sealOpts = append(sealOpts, seal.WithChainHeadCache(seal.NewRedisChainCache(redisClient, log)))
	}
	sealService, err := seal.New(sealStore, records, revisions, sealOpts...)
	if err != nil {
		log.Error("seal service setup failed", "error", err)
		os.Exit(1)
	}

	checker, err := integrity.New(records, revisions, threadStore,
		integrity.WithLogger(log),
		integrity.WithAuditPublisher(publisher),
		integrity.WithThreadMerger(threadService),
	)
	if err != nil {
		log.Error("integrity checker setup failed", "error", err)
		os.Exit(1)
	}

	handler := httptransport.New(
		allocator, threadService, recordService, sealService, checker,
		auth.NewHMACValidator(cfg.JWTSigningKey), cfg.AdminToken, log,
	)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler))

	go func() {
		log.Info("trustledger listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down", "grace", config.ShutdownGrace.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}
