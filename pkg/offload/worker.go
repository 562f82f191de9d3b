package offload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"lfingest/pkg/apperr"
	"lfingest/pkg/audit"
	"lfingest/pkg/fsutil"
	"lfingest/pkg/log"
	"lfingest/pkg/metrics"
	"lfingest/pkg/models"
	"lfingest/pkg/notify"
	"lfingest/pkg/resource"

	"golang.org/x/time/rate"
)

// Options tunes the worker pool.
type Options struct {
	Concurrency int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	RateLimit   float64 // transfer starts per second, 0 disables
}

// Deps are the collaborators of a Worker.
type Deps struct {
	DB       *sql.DB
	Store    ObjectStore
	Queue    Queue
	Audit    *audit.Logger
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

// Worker pulls jobs from the queue and uploads files to the object store.
type Worker struct {
	files       *resource.Store
	deadLetters *DeadLetterStore
	store       ObjectStore
	queue       Queue
	audit       *audit.Logger
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	opts        Options
	limiter     *rate.Limiter
	now         func() time.Time
}

// NewWorker creates a worker pool.
func NewWorker(deps Deps, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	return &Worker{
		files:       resource.NewStore(deps.DB),
		deadLetters: NewDeadLetterStore(deps.DB),
		store:       deps.Store,
		queue:       deps.Queue,
		audit:       deps.Audit,
		notifier:    notifier,
		metrics:     deps.Metrics,
		opts:        opts,
		limiter:     limiter,
		now:         time.Now,
	}
}

// Backoff returns the delay before retry number attempt+1: base doubled per
// attempt and capped at max.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	delay := base
	for range attempt {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

// Run starts the pool and blocks until ctx is cancelled and every worker has stopped.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Int("concurrency", w.opts.Concurrency).Int("max_attempts", w.opts.MaxAttempts).Msg("Offload workers started")

	var wg sync.WaitGroup
	for i := range w.opts.Concurrency {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()

	log.Info().Msg("Offload workers stopped")
}

func (w *Worker) loop(ctx context.Context, id int) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("worker", id).Msg("Failed to dequeue offload job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			// Shutting down: hand the job back for the next run.
			if err := w.queue.Retry(context.WithoutCancel(ctx), job, 0); err != nil {
				log.Error().Err(err).Str("file_id", job.FileID).Msg("Failed to return offload job")
			}
			return
		}
		w.Handle(ctx, job)
	}
}

// Handle runs one job and decides between done, retry and dead letter.
func (w *Worker) Handle(ctx context.Context, job Job) {
	err := w.ProcessOffload(ctx, job.FileID)
	attempts := job.Attempt + 1

	switch {
	case err == nil:
		w.finish(ctx, job.FileID)
	case errors.Is(err, apperr.ErrNotFound):
		log.Info().Str("file_id", job.FileID).Msg("Offload job dropped, file no longer exists")
		w.finish(ctx, job.FileID)
	case errors.Is(err, apperr.ErrInvalidState), attempts >= w.opts.MaxAttempts:
		w.deadLetter(ctx, job.FileID, attempts, err)
	default:
		delay := Backoff(w.opts.BaseBackoff, w.opts.MaxBackoff, job.Attempt)
		log.Warn().Err(err).Str("file_id", job.FileID).Int("attempt", attempts).
			Dur("retry_in", delay).Msg("Offload failed, will retry")
		w.metrics.Offload("retry", 0, 0)

		job.Attempt = attempts
		if err := w.queue.Retry(ctx, job, delay); err != nil {
			log.Error().Err(err).Str("file_id", job.FileID).Msg("Failed to schedule offload retry")
		}
	}
}

// ProcessOffload uploads one clean file and drops its local copy. It is a
// no-op for files already offloaded.
func (w *Worker) ProcessOffload(ctx context.Context, fileID string) error {
	file, err := w.files.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if file.FileStatus == models.FileStatusUploadedRemote && file.RemoteKey != "" {
		log.Debug().Str("file_id", fileID).Msg("File already offloaded")
		return nil
	}
	if file.CheckStatus != models.CheckOK {
		return fmt.Errorf("%w: file %s has check status %s", apperr.ErrInvalidState, fileID, file.CheckStatus)
	}
	if file.LocalPath == "" {
		return fmt.Errorf("%w: file %s has no local copy", apperr.ErrInvalidState, fileID)
	}

	f, err := os.Open(file.LocalPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: local copy of %s is missing", apperr.ErrInvalidState, fileID)
	}
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", apperr.ErrStorageTransfer, file.LocalPath, err)
	}
	defer f.Close()

	key := ObjectKey(file.ResourceID, file.ID, file.FileName)
	start := time.Now()
	if err := w.store.Put(ctx, key, f, file.Size, file.MimeType); err != nil {
		return err
	}
	elapsed := time.Since(start)

	now := w.now()
	if err := w.files.MarkRemote(ctx, fileID, key, now); err != nil {
		return err
	}

	if _, err := fsutil.Remove(file.LocalPath); err != nil {
		log.Warn().Err(err).Str("file_id", fileID).Msg("Failed to remove local copy, garbage collector will retry")
	} else if err := w.files.ClearLocalPath(ctx, fileID, now); err != nil {
		log.Warn().Err(err).Str("file_id", fileID).Msg("Failed to clear local path")
	}

	log.Info().Str("file_id", fileID).Str("key", key).Int64("size", file.Size).
		Dur("elapsed", elapsed).Msg("File offloaded")
	w.metrics.Offload("ok", file.Size, elapsed)
	w.audit.LogOffload(fileID, key, audit.ResultOffloaded, "")
	w.notifier.Send(ctx, notify.Event{
		Type:      notify.EventFileOffloaded,
		OwnerID:   file.OwnerID,
		SessionID: file.SessionID,
		FileID:    fileID,
		Data:      map[string]string{"remote_key": key},
		Time:      now.UTC(),
	})
	return nil
}

func (w *Worker) finish(ctx context.Context, fileID string) {
	if err := w.queue.Done(ctx, fileID); err != nil {
		log.Error().Err(err).Str("file_id", fileID).Msg("Failed to release offload job")
	}
}

func (w *Worker) deadLetter(ctx context.Context, fileID string, attempts int, cause error) {
	log.Error().Err(cause).Str("file_id", fileID).Int("attempts", attempts).Msg("Offload dead-lettered")

	if err := w.deadLetters.Record(ctx, fileID, attempts, cause.Error(), w.now()); err != nil {
		log.Error().Err(err).Str("file_id", fileID).Msg("Failed to record dead letter")
	}
	w.metrics.Offload("dead_lettered", 0, 0)
	w.audit.LogOffload(fileID, "", audit.ResultDeadLettered, cause.Error())
	w.finish(ctx, fileID)
}
