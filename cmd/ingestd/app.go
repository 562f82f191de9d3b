package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"lfingest/pkg/audit"
	"lfingest/pkg/config"
	"lfingest/pkg/database"
	"lfingest/pkg/gc"
	"lfingest/pkg/log"
	"lfingest/pkg/metrics"
	"lfingest/pkg/notify"
	"lfingest/pkg/offload"
	"lfingest/pkg/quota"
	"lfingest/pkg/resource"
	"lfingest/pkg/scan"
	"lfingest/pkg/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

const (
	dataDirPerm = 0o750
	// antivirusDisabled turns off the malware pass.
	antivirusDisabled = "none"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg        *config.Config
	db         *sql.DB
	writer     *session.ChunkWriter
	ledger     *quota.Ledger
	files      *resource.Store
	violations *scan.ViolationStore
	audit      *audit.Logger
	notifier   notify.Notifier
	webhook    *notify.WebhookNotifier
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	sessions   *session.Service
	redis      *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), dataDirPerm); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := database.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	writer, err := session.NewChunkWriter(cfg.Storage.Root)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		db:         db,
		writer:     writer,
		ledger:     quota.NewLedger(db, int64(cfg.Quota.DefaultSize)),
		files:      resource.NewStore(db),
		violations: scan.NewViolationStore(db),
		audit:      audit.NewLogger(log.Component("audit")),
		registry:   prometheus.NewRegistry(),
	}

	if cfg.Notify.WebhookURL != "" {
		a.webhook = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
		a.notifier = a.webhook
	} else {
		a.notifier = notify.NewLogNotifier()
	}

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	a.sessions = session.NewService(session.Deps{
		DB:       db,
		Writer:   writer,
		Ledger:   a.ledger,
		Bans:     a.violations,
		Audit:    a.audit,
		Notifier: a.notifier,
		Metrics:  a.metrics,
	}, session.Limits{
		DefaultChunkSize:   int64(cfg.Upload.DefaultChunkSize),
		MinChunkSize:       int64(cfg.Upload.MinChunkSize),
		MaxChunkSize:       int64(cfg.Upload.MaxChunkSize),
		MaxFileSize:        int64(cfg.Upload.MaxFileSize),
		MaxChunks:          cfg.Upload.MaxChunks,
		SessionTTL:         cfg.Upload.SessionTTL,
		ChunkHashAlgorithm: cfg.Upload.ChunkHashAlgorithm,
	})
	return a, nil
}

// queue builds the offload queue the config selects.
func (a *app) queue(ctx context.Context) (offload.Queue, error) {
	if a.cfg.Offload.Queue != "redis" {
		return offload.NewMemoryQueue(), nil
	}

	rdb, err := offload.NewRedisClient(ctx, a.cfg.Offload.Redis)
	if err != nil {
		return nil, err
	}
	a.redis = rdb
	return offload.NewRedisQueue(rdb, a.cfg.Offload.Redis.Prefix, a.cfg.Offload.Redis.JobTTL), nil
}

// objectStore builds the offload backend. It returns nil when offload is disabled.
func (a *app) objectStore(ctx context.Context) (offload.ObjectStore, error) {
	switch a.cfg.Offload.Backend {
	case "s3":
		return offload.NewS3Store(ctx, a.cfg.Offload.S3)
	case "http":
		return offload.NewHTTPStore(a.cfg.Offload.HTTP)
	default:
		return nil, nil
	}
}

func (a *app) processor(queue offload.Queue) *scan.Processor {
	sc := a.cfg.Scan
	integrity := scan.NewIntegrityScanner(&scan.SevenZip{
		Binary:      sc.ArchiveTool,
		ListTimeout: sc.ListTimeout,
		TestTimeout: sc.TestTimeout,
		OutputLimit: int(sc.OutputLimit),
	})

	var malware *scan.MalwareScanner
	if sc.AntivirusCommand != antivirusDisabled {
		malware = scan.NewMalwareScanner(scan.MalwareDeps{
			DB: a.db,
			Engine: &scan.ClamdScan{
				Binary:      sc.AntivirusCommand,
				Timeout:     sc.AntivirusTimeout,
				OutputLimit: int(sc.OutputLimit),
			},
			Ledger:   a.ledger,
			Bans:     notify.BanRelay{Notifier: a.notifier},
			Audit:    a.audit,
			Notifier: a.notifier,
			Metrics:  a.metrics,
		}, scan.NewBanPolicy(sc.BanPolicy))
	} else {
		log.Warn().Msg("Antivirus disabled, files are only checked for archive integrity")
	}

	deps := scan.ProcessorDeps{
		DB:        a.db,
		Integrity: integrity,
		Malware:   malware,
		Ledger:    a.ledger,
		Queue:     queue,
		Audit:     a.audit,
		Notifier:  a.notifier,
		Metrics:   a.metrics,
	}
	return scan.NewProcessor(deps, sc.BatchSize, sc.Interval)
}

func (a *app) collector() *gc.Collector {
	return gc.New(gc.Deps{
		DB:      a.db,
		Root:    a.writer.Root(),
		Ledger:  a.ledger,
		Audit:   a.audit,
		Metrics: a.metrics,
	}, gc.Options{
		Interval:    a.cfg.GC.Interval,
		ExpiryGrace: a.cfg.GC.ExpiryGrace,
		OrphanTTL:   a.cfg.GC.OrphanTTL,
		BatchSize:   a.cfg.GC.BatchSize,
	})
}

// Close waits for pending webhooks and releases connections.
func (a *app) Close() error {
	if a.webhook != nil {
		a.webhook.Wait()
	}

	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}
