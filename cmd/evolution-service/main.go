package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/auth"
	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/events"
	"github.com/ILLUVRSE/evolution/internal/feed"
	"github.com/ILLUVRSE/evolution/internal/governor"
	"github.com/ILLUVRSE/evolution/internal/harvest"
	"github.com/ILLUVRSE/evolution/internal/httpserver"
	"github.com/ILLUVRSE/evolution/internal/ledger"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/metrics"
	"github.com/ILLUVRSE/evolution/internal/orchestrator"
	"github.com/ILLUVRSE/evolution/internal/runner"
	"github.com/ILLUVRSE/evolution/internal/serving"
	"github.com/ILLUVRSE/evolution/internal/signing"
	"github.com/ILLUVRSE/evolution/internal/store"
)

func main() {
	migrate := flag.Bool("migrate", true, "apply the Postgres schema at startup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	logger, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Fields: map[string]string{"service": "evolution", "env": cfg.Environment},
	})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, cfg, logger, *migrate); err != nil {
		logger.Fatal(ctx, "evolution service failed", zap.Error(err))
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg config.Config, logger *logging.Logger, migrate bool) error {
	var (
		st      store.Store
		entries ledger.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if migrate {
			if err := store.Migrate(ctx, db, store.Schema, ledger.Schema); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = store.NewPGStore(db)
		entries = ledger.NewPGStore(db)
	} else {
		logger.Warn(ctx, "EVOLUTION_DATABASE_URL unset, state is in memory and lost on restart")
		st = store.NewMemoryStore()
		entries = ledger.NewMemoryStore()
	}

	policy, err := loadPolicy(cfg)
	if err != nil {
		return err
	}
	policies := config.NewPolicyStore(policy)
	logger.Info(ctx, "policy loaded", zap.String("version", policy.Version), zap.String("checksum", policy.Checksum))

	signer, err := signing.NewSignerFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("signer init: %w", err)
	}
	var ledgerOpts []ledger.Option
	if ed, ok := signer.(*signing.Ed25519Signer); ok {
		keys := signing.NewKeyRing()
		keys.Add(ed.SignerID(), ed.PublicKey())
		ledgerOpts = append(ledgerOpts, ledger.WithVerifier(keys))
	}
	m := metrics.New()
	ledgerOpts = append(ledgerOpts, ledger.OnAppend(func(e ledger.Entry) { m.SetLedgerLength(e.Seq) }))
	chain := ledger.New(entries, signer, ledgerOpts...)

	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		publisher = nc
	}

	var hook serving.Hook
	if cfg.ServingHookURL != "" {
		h, err := serving.NewHTTPHook(serving.HTTPHookConfig{
			BaseURL: cfg.ServingHookURL,
			Timeout: cfg.ServingTimeout,
			Retries: 1,
		})
		if err != nil {
			return fmt.Errorf("serving hook init: %w", err)
		}
		hook = h
	} else {
		logger.Warn(ctx, "EVOLUTION_SERVING_HOOK_URL unset, using the in-process static hook")
		hook = serving.NewStaticHook()
	}

	aggregator := feed.NewAggregator(st, policies, logger)
	harvester := harvest.NewHarvester(st, policies, logger)
	orch := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Ledger:   chain,
		Feed:     aggregator,
		Failures: harvester,
		Governor: governor.New(policies, governor.NewPathProbe(cfg.ArtifactDir), logger),
		Hook:     hook,
		Policy:   policies,
		Metrics:  m,
		Events:   publisher,
		Logger:   logger,
	})
	defer orch.Close()
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}

	streamer, err := buildStreamer(ctx, cfg, entries, logger)
	if err != nil {
		return err
	}
	var watcher *config.Watcher
	if cfg.PolicyPath != "" {
		if watcher, err = config.NewWatcher(cfg.PolicyPath, policies, logger); err != nil {
			return err
		}
	}
	bg, err := runner.New(runner.Config{
		Orchestrator: orch,
		Policy:       policies,
		Streamer:     streamer,
		Watcher:      watcher,
		RunScheduler: cfg.RunScheduler,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}
	server := httpserver.New(cfg, httpserver.Deps{
		Orchestrator: orch,
		Feed:         aggregator,
		Failures:     harvester,
		Policy:       policies,
		Verifier:     verifier,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgDone := make(chan struct{})
	go func() {
		bg.Run(ctx)
		close(bgDone)
	}()
	go func() {
		logger.Info(ctx, "evolution service listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "http server error", zap.Error(err))
			cancel()
		}
	}()

	waitForShutdown(ctx, cancel, httpServer, logger)
	<-bgDone
	return nil
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func loadPolicy(cfg config.Config) (*config.Policy, error) {
	if cfg.PolicyPath == "" {
		return config.DefaultPolicy(), nil
	}
	p, err := config.LoadPolicyFile(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", cfg.PolicyPath, err)
	}
	return p, nil
}

// buildStreamer returns nil when neither Kafka nor S3 is configured.
func buildStreamer(ctx context.Context, cfg config.Config, entries ledger.Store, logger *logging.Logger) (*ledger.Streamer, error) {
	var (
		producer ledger.Producer
		archiver ledger.Archiver
	)
	if len(cfg.KafkaBrokers) > 0 {
		p, err := ledger.NewKafkaProducer(ledger.KafkaProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		producer = p
	}
	if cfg.S3Bucket != "" {
		a, err := ledger.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, fmt.Errorf("s3 archiver: %w", err)
		}
		archiver = a
	}
	if producer == nil && archiver == nil {
		return nil, nil
	}
	return ledger.NewStreamer(entries, producer, archiver, ledger.StreamerConfig{}, logger), nil
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, srv *http.Server, logger *logging.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "graceful shutdown failed", zap.Error(err))
	}
}
