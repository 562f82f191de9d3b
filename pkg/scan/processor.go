package scan

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lfingest/pkg/apperr"
	"lfingest/pkg/audit"
	"lfingest/pkg/log"
	"lfingest/pkg/metrics"
	"lfingest/pkg/models"
	"lfingest/pkg/notify"
	"lfingest/pkg/resource"
)

// Enqueuer hands clean files to the offload queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, fileID string) error
}

// ProcessorDeps are the collaborators of a Processor.
type ProcessorDeps struct {
	DB        *sql.DB
	Integrity *IntegrityScanner
	Malware   *MalwareScanner // nil skips the antivirus pass
	Ledger    Withdrawer
	Queue     Enqueuer // nil when offload is disabled
	Audit     *audit.Logger
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
}

// Summary counts the work of one tick.
type Summary struct {
	Scanned  int
	Clean    int
	Rejected int
	Failed   int
	Enqueued int
}

// Processor drives pending files through the integrity and malware checks.
type Processor struct {
	files     *resource.Store
	integrity *IntegrityScanner
	malware   *MalwareScanner
	ledger    Withdrawer
	queue     Enqueuer
	audit     *audit.Logger
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	batchSize int
	interval  time.Duration
	now       func() time.Time
}

// NewProcessor creates a processor handling up to batchSize files every interval.
func NewProcessor(deps ProcessorDeps, batchSize int, interval time.Duration) *Processor {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Processor{
		files:     resource.NewStore(deps.DB),
		integrity: deps.Integrity,
		malware:   deps.Malware,
		ledger:    deps.Ledger,
		queue:     deps.Queue,
		audit:     deps.Audit,
		notifier:  notifier,
		metrics:   deps.Metrics,
		batchSize: batchSize,
		interval:  interval,
		now:       time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", p.interval).Int("batch_size", p.batchSize).Msg("Scan processor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Scan processor stopped")
			return
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("Scan tick failed")
			}
		}
	}
}

// Tick scans one batch of pending files, then re-enqueues clean files that
// are still waiting for offload.
func (p *Processor) Tick(ctx context.Context) (Summary, error) {
	var summary Summary

	pending, err := p.files.ListByCheckStatus(ctx, models.CheckPending, p.batchSize)
	if err != nil {
		return summary, err
	}

	for _, file := range pending {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		summary.Scanned++
		status, err := p.ProcessFile(ctx, file)
		switch {
		case err != nil:
			summary.Failed++
			log.Error().Err(err).Str("file_id", file.ID).Msg("Failed to scan file")
		case status == models.CheckOK:
			summary.Clean++
		case status.Rejected():
			summary.Rejected++
		}
	}

	if p.queue == nil {
		return summary, nil
	}

	offloadable, err := p.files.ListOffloadable(ctx, p.batchSize)
	if err != nil {
		return summary, err
	}
	for _, file := range offloadable {
		if err := p.queue.Enqueue(ctx, file.ID); err != nil {
			log.Error().Err(err).Str("file_id", file.ID).Msg("Failed to enqueue file for offload")
			continue
		}
		summary.Enqueued++
	}

	if summary.Scanned > 0 {
		log.Info().Int("scanned", summary.Scanned).Int("clean", summary.Clean).
			Int("rejected", summary.Rejected).Int("failed", summary.Failed).Msg("Scan tick finished")
	}
	return summary, nil
}

// ProcessFile runs both checks on one pending file and records the verdict.
// On error the file stays PENDING and is retried by a later tick.
func (p *Processor) ProcessFile(ctx context.Context, file *models.ResourceFile) (models.CheckStatus, error) {
	if file.LocalPath == "" {
		return "", fmt.Errorf("%w: file %s has no local copy", apperr.ErrInvalidState, file.ID)
	}

	archive := p.integrity.Inspect(ctx, file.LocalPath, file.FileName, file.MimeType)
	if archive != ArchiveOK {
		status := archive.CheckStatus()
		return status, p.reject(ctx, file, status)
	}

	if p.malware != nil {
		verdict, err := p.malware.Scan(ctx, file)
		if err != nil {
			return "", err
		}
		if verdict.Infected {
			return models.CheckHarmful, nil
		}
	}

	now := p.now()
	if err := p.files.SetCheckStatus(ctx, file.ID, models.CheckPending, models.CheckOK, nil, now); err != nil {
		return "", err
	}
	p.metrics.Verdict(string(models.CheckOK))
	p.audit.LogUploadOutcome(file.OwnerID, file.ID, file.FileName, audit.OutcomeOK, nil)

	if p.queue != nil {
		if err := p.queue.Enqueue(ctx, file.ID); err != nil {
			log.Error().Err(err).Str("file_id", file.ID).Msg("Failed to enqueue file for offload")
		}
	}
	return models.CheckOK, nil
}

func (p *Processor) reject(ctx context.Context, file *models.ResourceFile, status models.CheckStatus) error {
	now := p.now()
	if err := p.files.SetCheckStatus(ctx, file.ID, models.CheckPending, status, nil, now); err != nil {
		return err
	}

	log.Warn().Str("file_id", file.ID).Str("file_name", file.FileName).
		Str("check_status", string(status)).Msg("File rejected by integrity check")

	if _, err := p.ledger.Withdraw(ctx, file.OwnerID, file.SessionID); err != nil {
		log.Error().Err(err).Str("file_id", file.ID).Msg("Failed to withdraw quota for rejected file")
	}

	outcome := audit.OutcomeBroken
	if status == models.CheckEncrypted {
		outcome = audit.OutcomeEncrypted
	}
	p.metrics.Verdict(string(status))
	p.audit.LogUploadOutcome(file.OwnerID, file.ID, file.FileName, outcome, nil)
	p.notifier.Send(ctx, notify.Event{
		Type:      notify.EventUploadRejected,
		OwnerID:   file.OwnerID,
		SessionID: file.SessionID,
		FileID:    file.ID,
		Message:   "file rejected by integrity check",
		Data:      map[string]string{"check_status": string(status)},
		Time:      now.UTC(),
	})
	return nil
}
