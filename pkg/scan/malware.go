package scan

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"lfingest/pkg/apperr"
	"lfingest/pkg/audit"
	"lfingest/pkg/database"
	"lfingest/pkg/log"
	"lfingest/pkg/metrics"
	"lfingest/pkg/models"
	"lfingest/pkg/notify"
	"lfingest/pkg/resource"
)

// Verdict is the antivirus result for one file.
type Verdict struct {
	Infected   bool
	Signatures []string
}

// Engine scans a file for malware.
type Engine interface {
	ScanFile(ctx context.Context, path string) (Verdict, error)
}

// ClamdScan runs clamdscan against a running clamd.
type ClamdScan struct {
	Binary      string
	Timeout     time.Duration
	OutputLimit int
}

// ScanFile implements Engine. Exit 0 is clean, 1 infected, anything else an error.
func (c *ClamdScan) ScanFile(ctx context.Context, path string) (Verdict, error) {
	result := runTool(ctx, c.Timeout, c.OutputLimit, c.Binary, "--no-summary", "--fdpass", "--", path)
	if result.InfrastructureFailure() {
		return Verdict{}, fmt.Errorf("%w: %s did not finish: timed_out=%t overflow=%t start=%v",
			apperr.ErrExternalTool, c.Binary, result.TimedOut, result.Overflow, result.StartErr)
	}

	switch result.ExitCode {
	case 0:
		return Verdict{}, nil
	case 1:
		return Verdict{Infected: true, Signatures: ParseClamdSignatures(result.Output)}, nil
	default:
		return Verdict{}, fmt.Errorf("%w: %s exited with %d: %s",
			apperr.ErrExternalTool, c.Binary, result.ExitCode, strings.TrimSpace(result.Output))
	}
}

// ParseClamdSignatures extracts signature names from `<path>: <signature> FOUND` lines.
func ParseClamdSignatures(output string) []string {
	var signatures []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutSuffix(line, " FOUND")
		if !ok {
			continue
		}
		idx := strings.LastIndex(rest, ": ")
		if idx < 0 {
			continue
		}
		if signature := strings.TrimSpace(rest[idx+2:]); signature != "" {
			signatures = append(signatures, signature)
		}
	}
	return signatures
}

// Withdrawer reverses the quota debit of a session.
type Withdrawer interface {
	Withdraw(ctx context.Context, ownerID, sessionID string) (bool, error)
}

// BanNotifier informs the identity collaborator about new bans.
type BanNotifier interface {
	OwnerBanned(ctx context.Context, ownerID string, until *time.Time, permanent bool) error
}

// MalwareDeps are the collaborators of a MalwareScanner.
type MalwareDeps struct {
	DB       *sql.DB
	Engine   Engine
	Ledger   Withdrawer
	Bans     BanNotifier
	Audit    *audit.Logger
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

// MalwareScanner runs the antivirus engine and applies the violation policy.
type MalwareScanner struct {
	db       *sql.DB
	engine   Engine
	ledger   Withdrawer
	bans     BanNotifier
	audit    *audit.Logger
	notifier notify.Notifier
	metrics  *metrics.Metrics
	policy   BanPolicy
	now      func() time.Time
}

// NewMalwareScanner creates a malware scanner.
func NewMalwareScanner(deps MalwareDeps, policy BanPolicy) *MalwareScanner {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &MalwareScanner{
		db:       deps.DB,
		engine:   deps.Engine,
		ledger:   deps.Ledger,
		bans:     deps.Bans,
		audit:    deps.Audit,
		notifier: notifier,
		metrics:  deps.Metrics,
		policy:   policy,
		now:      time.Now,
	}
}

// Scan checks file and, when infected, marks it HARMFUL and counts a violation
// against its owner. Engine errors are returned and the file is left untouched.
func (m *MalwareScanner) Scan(ctx context.Context, file *models.ResourceFile) (Verdict, error) {
	verdict, err := m.engine.ScanFile(ctx, file.LocalPath)
	if err != nil {
		return Verdict{}, err
	}
	if !verdict.Infected {
		return verdict, nil
	}

	if err := m.reject(ctx, file, verdict.Signatures); err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

func (m *MalwareScanner) reject(ctx context.Context, file *models.ResourceFile, signatures []string) error {
	now := m.now()

	var (
		applied bool
		count   int
		ban     *Ban
	)
	err := database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		files := resource.NewStore(tx)
		current, err := files.Get(ctx, file.ID)
		if err != nil {
			return err
		}
		if current.CheckStatus == models.CheckHarmful {
			return nil
		}

		if err := files.SetCheckStatus(ctx, file.ID, current.CheckStatus, models.CheckHarmful, signatures, now); err != nil {
			return err
		}
		count, ban, err = NewViolationStore(tx).Record(ctx, current.OwnerID, m.policy, now)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		log.Debug().Str("file_id", file.ID).Msg("File already marked harmful")
		return nil
	}

	log.Warn().Str("file_id", file.ID).Str("owner_id", file.OwnerID).
		Strs("signatures", signatures).Int("violations", count).Msg("Malware detected")

	if _, err := m.ledger.Withdraw(ctx, file.OwnerID, file.SessionID); err != nil {
		log.Error().Err(err).Str("file_id", file.ID).Msg("Failed to withdraw quota for harmful file")
	}

	m.metrics.Verdict(string(models.CheckHarmful))
	m.audit.LogUploadOutcome(file.OwnerID, file.ID, file.FileName, audit.OutcomeHarmful, signatures)
	m.notifier.Send(ctx, notify.Event{
		Type:      notify.EventUploadRejected,
		OwnerID:   file.OwnerID,
		SessionID: file.SessionID,
		FileID:    file.ID,
		Message:   "malware detected",
		Data:      map[string]string{"check_status": string(models.CheckHarmful), "signatures": strings.Join(signatures, ",")},
		Time:      now.UTC(),
	})

	if ban == nil {
		return nil
	}

	m.metrics.Ban()
	m.audit.LogBan(file.OwnerID, count, ban.Until, ban.Permanent)
	if m.bans != nil {
		if err := m.bans.OwnerBanned(ctx, file.OwnerID, ban.Until, ban.Permanent); err != nil {
			log.Error().Err(err).Str("owner_id", file.OwnerID).Msg("Failed to report ban")
		}
	}
	return nil
}
