package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"lfingest/pkg/log"
	"lfingest/pkg/offload"
	"lfingest/pkg/server"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload API with the scanner, offload workers and garbage collector",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := a.Close(); closeErr != nil {
					log.Warn().Err(closeErr).Msg("Failed to release resources")
				}
			}()

			return runServe(ctx, a)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address override")
	return cmd
}

func runServe(parent context.Context, a *app) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	store, err := a.objectStore(ctx)
	if err != nil {
		return err
	}

	var (
		wg    sync.WaitGroup
		queue offload.Queue
	)
	if store != nil {
		queue, err = a.queue(ctx)
		if err != nil {
			return err
		}

		worker := offload.NewWorker(offload.Deps{
			DB:       a.db,
			Store:    store,
			Queue:    queue,
			Audit:    a.audit,
			Notifier: a.notifier,
			Metrics:  a.metrics,
		}, offload.Options{
			Concurrency: a.cfg.Offload.Concurrency,
			MaxAttempts: a.cfg.Offload.MaxAttempts,
			BaseBackoff: a.cfg.Offload.BaseBackoff,
			MaxBackoff:  a.cfg.Offload.MaxBackoff,
			RateLimit:   a.cfg.Offload.RateLimit,
		})
		wg.Go(func() { worker.Run(ctx) })
	} else {
		log.Warn().Msg("Offload disabled, clean files stay on local storage")
	}

	processor := a.processor(queue)
	wg.Go(func() { processor.Run(ctx) })

	collector := a.collector()
	wg.Go(func() { collector.Run(ctx) })

	srv := server.NewIngestServer(server.Deps{
		Sessions:   a.sessions,
		Quotas:     a.ledger,
		Files:      a.files,
		Metrics:    a.metrics,
		Gatherer:   a.registry,
		StorageDir: a.writer.Root(),
		JWTSecret:  a.cfg.Server.JWTSecret,
		Version:    strings.TrimSpace(Version),
	})

	// A failed listener stops the background loops too.
	err = srv.Start(ctx, a.cfg.Server.Listen)
	cancel()
	if closer, ok := queue.(*offload.MemoryQueue); ok {
		closer.Close()
	}
	wg.Wait()
	return err
}
