// Package gc reclaims disk space and quota left behind by expired sessions,
// offloaded files, rejected files and orphaned temp files.
package gc

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lfingest/pkg/apperr"
	"lfingest/pkg/audit"
	"lfingest/pkg/fsutil"
	"lfingest/pkg/log"
	"lfingest/pkg/metrics"
	"lfingest/pkg/models"
	"lfingest/pkg/resource"
	"lfingest/pkg/session"
)

// Reclaim categories, also used as metric labels.
const (
	CategoryExpiredSessions = "expired_sessions"
	CategoryRemoteCopies    = "remote_copies"
	CategoryRejectedFiles   = "rejected_files"
	CategoryOrphans         = "orphans"
)

// Withdrawer reverses the quota debit of a session.
type Withdrawer interface {
	Withdraw(ctx context.Context, ownerID, sessionID string) (bool, error)
}

// Deps are the collaborators of a Collector.
type Deps struct {
	DB      *sql.DB
	Root    string // directory holding *.upload temp files
	Ledger  Withdrawer
	Audit   *audit.Logger
	Metrics *metrics.Metrics
}

// Options tunes the collector.
type Options struct {
	Interval    time.Duration
	ExpiryGrace time.Duration
	OrphanTTL   time.Duration
	BatchSize   int
}

// Report counts what one sweep reclaimed.
type Report struct {
	ExpiredSessions int `json:"expired_sessions"`
	RemoteCopies    int `json:"remote_copies"`
	RejectedFiles   int `json:"rejected_files"`
	Orphans         int `json:"orphans"`
}

// Total returns the number of reclaimed items.
func (r Report) Total() int {
	return r.ExpiredSessions + r.RemoteCopies + r.RejectedFiles + r.Orphans
}

// Collector runs garbage collection sweeps.
type Collector struct {
	db       *sql.DB
	root     string
	sessions *session.Store
	files    *resource.Store
	ledger   Withdrawer
	audit    *audit.Logger
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time
}

// New creates a collector.
func New(deps Deps, opts Options) *Collector {
	return &Collector{
		db:       deps.DB,
		root:     deps.Root,
		sessions: session.NewStore(deps.DB),
		files:    resource.NewStore(deps.DB),
		ledger:   deps.Ledger,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		opts:     opts,
		now:      time.Now,
	}
}

// Run sweeps on every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", c.opts.Interval).Msg("Garbage collector started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Garbage collector stopped")
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("Garbage collection sweep failed")
			}
		}
	}
}

// Sweep runs every category once. A failing category is logged and does not
// stop the others; the first error is returned.
func (c *Collector) Sweep(ctx context.Context) (Report, error) {
	var (
		report   Report
		firstErr error
	)
	record := func(category string, count int, err error) int {
		c.metrics.Reclaimed(category, count)
		if err != nil {
			log.Error().Err(err).Str("category", category).Msg("Garbage collection category failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		return count
	}

	count, err := c.expireSessions(ctx)
	report.ExpiredSessions = record(CategoryExpiredSessions, count, err)
	count, err = c.dropRemoteCopies(ctx)
	report.RemoteCopies = record(CategoryRemoteCopies, count, err)
	count, err = c.purgeRejected(ctx)
	report.RejectedFiles = record(CategoryRejectedFiles, count, err)
	count, err = c.removeOrphans(ctx)
	report.Orphans = record(CategoryOrphans, count, err)

	if report.Total() > 0 {
		log.Info().Int("expired_sessions", report.ExpiredSessions).Int("remote_copies", report.RemoteCopies).
			Int("rejected_files", report.RejectedFiles).Int("orphans", report.Orphans).Msg("Garbage collection sweep finished")
	}
	return report, firstErr
}

// expireSessions moves stale UPLOADING and ABORTED sessions to EXPIRED,
// deletes their temp files and withdraws their debits.
func (c *Collector) expireSessions(ctx context.Context) (int, error) {
	now := c.now()
	candidates, err := c.sessions.ListReclaimable(ctx, now.Add(-c.opts.ExpiryGrace), c.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range candidates {
		// The status is re-checked inside the transaction; a session that
		// completed meanwhile is skipped.
		s, err := session.Transition(ctx, c.db, candidate.ID, models.SessionExpired, now, nil)
		if errors.Is(err, apperr.ErrInvalidState) || errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}

		if _, err := fsutil.Remove(s.StoragePath); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to remove temp file of expired session")
		}
		if _, err := c.ledger.Withdraw(ctx, s.OwnerID, s.ID); err != nil {
			log.Error().Err(err).Str("session_id", s.ID).Msg("Failed to withdraw quota of expired session")
		}

		c.audit.LogSession(s.OwnerID, s.ID, audit.ActionExpire, "")
		expired++
	}
	return expired, nil
}

// dropRemoteCopies deletes local copies of files already in the object store.
func (c *Collector) dropRemoteCopies(ctx context.Context) (int, error) {
	files, err := c.files.ListRemoteWithLocal(ctx, c.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	dropped := 0
	for _, file := range files {
		if _, err := fsutil.Remove(file.LocalPath); err != nil {
			log.Warn().Err(err).Str("file_id", file.ID).Msg("Failed to remove local copy of offloaded file")
			continue
		}
		if err := c.files.ClearLocalPath(ctx, file.ID, c.now()); err != nil {
			return dropped, err
		}
		dropped++
	}
	return dropped, nil
}

// purgeRejected deletes rejected files with their records and debits.
func (c *Collector) purgeRejected(ctx context.Context) (int, error) {
	files, err := c.files.ListRejected(ctx, c.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, file := range files {
		if file.LocalPath != "" {
			if _, err := fsutil.Remove(file.LocalPath); err != nil {
				log.Warn().Err(err).Str("file_id", file.ID).Msg("Failed to remove rejected file")
				continue
			}
		}
		_, err := c.ledger.Withdraw(ctx, file.OwnerID, file.SessionID)
		if errors.Is(err, apperr.ErrInvalidState) {
			log.Warn().Err(err).Str("file_id", file.ID).Msg("Debit of rejected file left in place")
		} else if err != nil {
			log.Error().Err(err).Str("file_id", file.ID).Msg("Failed to withdraw quota of rejected file")
			continue
		}
		if err := c.files.Delete(ctx, file.ID); err != nil {
			return purged, err
		}

		log.Info().Str("file_id", file.ID).Str("check_status", string(file.CheckStatus)).Msg("Rejected file purged")
		purged++
	}
	return purged, nil
}

// removeOrphans deletes old *.upload files that no session or file references.
func (c *Collector) removeOrphans(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(c.root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	live, err := c.sessions.LivePaths(ctx)
	if err != nil {
		return 0, err
	}
	referenced, err := c.files.LocalPaths(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := c.now().Add(-c.opts.OrphanTTL)
	removed := 0
	for _, entry := range entries {
		if removed >= c.opts.BatchSize {
			break
		}
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), session.UploadSuffix) {
			continue
		}

		path := filepath.Join(c.root, entry.Name())
		if _, ok := live[path]; ok {
			continue
		}
		if _, ok := referenced[path]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		if _, err := fsutil.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove orphaned temp file")
			continue
		}
		log.Info().Str("path", path).Msg("Orphaned temp file removed")
		removed++
	}
	return removed, nil
}
