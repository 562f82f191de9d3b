// Package quota implements the per-owner quota account and its append-only ledger.
//
// Every balance change inserts a ledger row and updates the account inside one
// immediate transaction that re-reads the account first, so concurrent
// adjustments for the same owner serialize and 0 <= used <= size always holds.
// The account is therefore always equal to a replay of its ACTIVE ledger rows.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lfingest/pkg/apperr"
	"lfingest/pkg/database"
	"lfingest/pkg/log"
	"lfingest/pkg/models"
)

// ReasonInitialAllocation is the reason of the ledger row written when an account is created.
const ReasonInitialAllocation = "initial allocation"

// Ledger manages quota accounts and their transaction log.
type Ledger struct {
	db          *sql.DB
	defaultSize int64
	now         func() time.Time
}

// NewLedger creates a ledger. Accounts created lazily start with defaultSize.
func NewLedger(db *sql.DB, defaultSize int64) *Ledger {
	return &Ledger{
		db:          db,
		defaultSize: defaultSize,
		now:         time.Now,
	}
}

// GetQuota returns the balance of owner, creating the account if needed.
func (l *Ledger) GetQuota(ctx context.Context, owner string) (models.Quota, error) {
	var account models.QuotaAccount
	err := database.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		account, err = l.ensureAccount(ctx, tx, owner)
		return err
	})
	if err != nil {
		return models.Quota{}, err
	}
	return models.Quota{Size: account.Size, Used: account.Used}, nil
}

// IsExceeded reports whether debiting amount would push used beyond size.
// It is a read-only pre-check; AdjustUsed enforces the invariant authoritatively.
func (l *Ledger) IsExceeded(ctx context.Context, owner string, amount int64) (bool, error) {
	account, found, err := getAccount(ctx, l.db, owner)
	if err != nil {
		return false, err
	}
	if !found {
		return amount > l.defaultSize, nil
	}
	return amount > models.Quota{Size: account.Size, Used: account.Used}.Available(), nil
}

// AdjustUsed debits (USE) or credits (ADD) the used balance of owner.
func (l *Ledger) AdjustUsed(ctx context.Context, owner string, action models.QuotaAction, amount int64, reason, sessionID string) (models.Quota, error) {
	if action != models.QuotaActionUse && action != models.QuotaActionAdd {
		return models.Quota{}, fmt.Errorf("%w: action %s does not apply to used", apperr.ErrValidation, action)
	}
	if amount <= 0 {
		return models.Quota{}, fmt.Errorf("%w: amount must be positive, got %d", apperr.ErrValidation, amount)
	}

	var result models.Quota
	err := database.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		account, err := l.ensureAccount(ctx, tx, owner)
		if err != nil {
			return err
		}

		used := account.Used
		switch action {
		case models.QuotaActionUse:
			if used+amount > account.Size {
				return fmt.Errorf("%w: %d used + %d requested exceeds %d", apperr.ErrQuotaExceeded, used, amount, account.Size)
			}
			used += amount
		default:
			if used-amount < 0 {
				return fmt.Errorf("%w: credit of %d exceeds used %d", apperr.ErrValidation, amount, used)
			}
			used -= amount
		}

		record := models.QuotaRecord{
			OwnerID:   owner,
			Field:     models.QuotaFieldUsed,
			Action:    action,
			Amount:    amount,
			Reason:    reason,
			SessionID: sessionID,
		}
		if err := l.insertRecord(ctx, tx, &record); err != nil {
			return err
		}
		if err := l.updateAccount(ctx, tx, owner, account.Size, used); err != nil {
			return err
		}

		result = models.Quota{Size: account.Size, Used: used}
		return nil
	})
	if err != nil {
		return models.Quota{}, err
	}

	log.Debug().
		Str("owner_id", owner).
		Str("action", string(action)).
		Int64("amount", amount).
		Int64("used", result.Used).
		Msg("Quota used adjusted")
	return result, nil
}

// AdjustSize raises (ADD) or lowers (SUB) the quota cap of owner.
func (l *Ledger) AdjustSize(ctx context.Context, owner string, action models.QuotaAction, amount int64, reason string) (models.Quota, error) {
	if action != models.QuotaActionAdd && action != models.QuotaActionSub {
		return models.Quota{}, fmt.Errorf("%w: action %s does not apply to size", apperr.ErrValidation, action)
	}
	if amount <= 0 {
		return models.Quota{}, fmt.Errorf("%w: amount must be positive, got %d", apperr.ErrValidation, amount)
	}

	var result models.Quota
	err := database.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		account, err := l.ensureAccount(ctx, tx, owner)
		if err != nil {
			return err
		}

		size := account.Size
		if action == models.QuotaActionAdd {
			size += amount
		} else {
			size -= amount
			if size < account.Used {
				return fmt.Errorf("%w: size %d would drop below used %d", apperr.ErrValidation, size, account.Used)
			}
		}

		record := models.QuotaRecord{
			OwnerID: owner,
			Field:   models.QuotaFieldSize,
			Action:  action,
			Amount:  amount,
			Reason:  reason,
		}
		if err := l.insertRecord(ctx, tx, &record); err != nil {
			return err
		}
		if err := l.updateAccount(ctx, tx, owner, size, account.Used); err != nil {
			return err
		}

		result = models.Quota{Size: size, Used: account.Used}
		return nil
	})
	if err != nil {
		return models.Quota{}, err
	}
	return result, nil
}

// Withdraw reverses the most recent active debit linked to sessionID.
// It reports whether a row was withdrawn; calling it again is a no-op.
// A debit larger than the current used balance is refused with
// ErrInvalidState and left active.
func (l *Ledger) Withdraw(ctx context.Context, owner, sessionID string) (bool, error) {
	withdrawn := false
	err := database.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		var (
			recordID int64
			amount   int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, amount FROM quota_records
			 WHERE owner_id = ? AND session_id = ? AND field = 'USED' AND action = 'USE' AND status = 'ACTIVE'
			 ORDER BY id DESC LIMIT 1`,
			owner, sessionID,
		).Scan(&recordID, &amount)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return database.Wrap(err)
		}

		account, found, err := getAccount(ctx, tx, owner)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: quota account of %s", apperr.ErrNotFound, owner)
		}

		// Credits since the debit may have left less used than it reserved.
		// The row stays ACTIVE so the account still equals a ledger replay.
		if account.Used < amount {
			log.Warn().
				Str("owner_id", owner).
				Str("session_id", sessionID).
				Int64("used", account.Used).
				Int64("amount", amount).
				Msg("Withdrawal larger than used balance")
			return fmt.Errorf("%w: withdrawing %d exceeds used %d of %s", apperr.ErrInvalidState, amount, account.Used, owner)
		}

		now := database.Millis(l.now())
		result, err := tx.ExecContext(ctx,
			`UPDATE quota_records SET status = 'WITHDRAWN', withdrawn_at = ? WHERE id = ? AND status = 'ACTIVE'`,
			now, recordID,
		)
		if err != nil {
			return database.Wrap(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return database.Wrap(err)
		}
		if affected != 1 {
			return fmt.Errorf("%w: withdraw of record %d affected %d rows", apperr.ErrDatabase, recordID, affected)
		}

		if err := l.updateAccount(ctx, tx, owner, account.Size, account.Used-amount); err != nil {
			return err
		}

		withdrawn = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if withdrawn {
		log.Debug().Str("owner_id", owner).Str("session_id", sessionID).Msg("Quota debit withdrawn")
	}
	return withdrawn, nil
}

// Replay recomputes the balance of owner from its ACTIVE ledger rows.
func (l *Ledger) Replay(ctx context.Context, owner string) (models.Quota, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT field, action, COALESCE(SUM(amount), 0) FROM quota_records
		 WHERE owner_id = ? AND status = 'ACTIVE' GROUP BY field, action`,
		owner,
	)
	if err != nil {
		return models.Quota{}, database.Wrap(err)
	}
	defer rows.Close()

	var replayed models.Quota
	for rows.Next() {
		var (
			field  models.QuotaField
			action models.QuotaAction
			total  int64
		)
		if err := rows.Scan(&field, &action, &total); err != nil {
			return models.Quota{}, database.Wrap(err)
		}

		switch {
		case field == models.QuotaFieldSize && action == models.QuotaActionAdd:
			replayed.Size += total
		case field == models.QuotaFieldSize && action == models.QuotaActionSub:
			replayed.Size -= total
		case field == models.QuotaFieldUsed && action == models.QuotaActionUse:
			replayed.Used += total
		case field == models.QuotaFieldUsed && action == models.QuotaActionAdd:
			replayed.Used -= total
		}
	}
	if err := rows.Err(); err != nil {
		return models.Quota{}, database.Wrap(err)
	}
	return replayed, nil
}

// Verification compares an account with the replay of its ledger.
type Verification struct {
	OwnerID  string       `json:"owner_id"`
	Account  models.Quota `json:"account"`
	Replayed models.Quota `json:"replayed"`
}

// Consistent reports whether account and replay agree.
func (v Verification) Consistent() bool {
	return v.Account == v.Replayed
}

// Verify replays the ledger of owner and compares it to the stored account.
func (l *Ledger) Verify(ctx context.Context, owner string) (Verification, error) {
	account, found, err := getAccount(ctx, l.db, owner)
	if err != nil {
		return Verification{}, err
	}
	if !found {
		return Verification{}, fmt.Errorf("%w: quota account of %s", apperr.ErrNotFound, owner)
	}

	replayed, err := l.Replay(ctx, owner)
	if err != nil {
		return Verification{}, err
	}

	return Verification{
		OwnerID:  owner,
		Account:  models.Quota{Size: account.Size, Used: account.Used},
		Replayed: replayed,
	}, nil
}

// Owners lists every owner with an account.
func (l *Ledger) Owners(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT owner_id FROM quota_accounts ORDER BY owner_id`)
	if err != nil {
		return nil, database.Wrap(err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, database.Wrap(err)
		}
		owners = append(owners, owner)
	}
	return owners, database.Wrap(rows.Err())
}

// History returns the most recent ledger rows of owner, newest first.
func (l *Ledger) History(ctx context.Context, owner string, limit int) ([]models.QuotaRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, owner_id, field, action, amount, reason, session_id, status, created_at, withdrawn_at
		 FROM quota_records WHERE owner_id = ? ORDER BY id DESC LIMIT ?`,
		owner, limit,
	)
	if err != nil {
		return nil, database.Wrap(err)
	}
	defer rows.Close()

	var records []models.QuotaRecord
	for rows.Next() {
		var (
			record      models.QuotaRecord
			sessionID   sql.NullString
			createdAt   int64
			withdrawnAt sql.NullInt64
		)
		if err := rows.Scan(&record.ID, &record.OwnerID, &record.Field, &record.Action, &record.Amount,
			&record.Reason, &sessionID, &record.Status, &createdAt, &withdrawnAt); err != nil {
			return nil, database.Wrap(err)
		}
		record.SessionID = sessionID.String
		record.CreatedAt = database.FromMillis(createdAt)
		record.WithdrawnAt = database.FromNullMillis(withdrawnAt)
		records = append(records, record)
	}
	return records, database.Wrap(rows.Err())
}

// ensureAccount loads the account of owner, creating it with the default size
// and its initial allocation row when missing.
func (l *Ledger) ensureAccount(ctx context.Context, q database.Querier, owner string) (models.QuotaAccount, error) {
	account, found, err := getAccount(ctx, q, owner)
	if err != nil || found {
		return account, err
	}

	now := l.now()
	_, err = q.ExecContext(ctx,
		`INSERT INTO quota_accounts (owner_id, size, used, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
		owner, l.defaultSize, database.Millis(now), database.Millis(now),
	)
	if err != nil {
		return models.QuotaAccount{}, database.Wrap(err)
	}

	if l.defaultSize > 0 {
		record := models.QuotaRecord{
			OwnerID: owner,
			Field:   models.QuotaFieldSize,
			Action:  models.QuotaActionAdd,
			Amount:  l.defaultSize,
			Reason:  ReasonInitialAllocation,
		}
		if err := l.insertRecord(ctx, q, &record); err != nil {
			return models.QuotaAccount{}, err
		}
	}

	log.Info().Str("owner_id", owner).Int64("size", l.defaultSize).Msg("Quota account created")
	return models.QuotaAccount{
		OwnerID:   owner,
		Size:      l.defaultSize,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (l *Ledger) insertRecord(ctx context.Context, q database.Querier, record *models.QuotaRecord) error {
	record.Status = models.QuotaRecordActive
	record.CreatedAt = l.now()

	sessionID := sql.NullString{String: record.SessionID, Valid: record.SessionID != ""}
	result, err := q.ExecContext(ctx,
		`INSERT INTO quota_records (owner_id, field, action, amount, reason, session_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.OwnerID, record.Field, record.Action, record.Amount, record.Reason, sessionID,
		record.Status, database.Millis(record.CreatedAt),
	)
	if err != nil {
		return database.Wrap(err)
	}

	record.ID, err = result.LastInsertId()
	return database.Wrap(err)
}

func (l *Ledger) updateAccount(ctx context.Context, q database.Querier, owner string, size, used int64) error {
	if used < 0 || used > size {
		return fmt.Errorf("%w: balance %d/%d violates 0 <= used <= size", apperr.ErrQuotaExceeded, used, size)
	}

	_, err := q.ExecContext(ctx,
		`UPDATE quota_accounts SET size = ?, used = ?, updated_at = ? WHERE owner_id = ?`,
		size, used, database.Millis(l.now()), owner,
	)
	return database.Wrap(err)
}

func getAccount(ctx context.Context, q database.Querier, owner string) (models.QuotaAccount, bool, error) {
	var (
		account   models.QuotaAccount
		createdAt int64
		updatedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT owner_id, size, used, created_at, updated_at FROM quota_accounts WHERE owner_id = ?`,
		owner,
	).Scan(&account.OwnerID, &account.Size, &account.Used, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QuotaAccount{}, false, nil
	}
	if err != nil {
		return models.QuotaAccount{}, false, database.Wrap(err)
	}

	account.CreatedAt = database.FromMillis(createdAt)
	account.UpdatedAt = database.FromMillis(updatedAt)
	return account, true, nil
}
