package scan

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"lfingest/pkg/config"
	"lfingest/pkg/database"
	"lfingest/pkg/models"
)

// BanPolicy maps violation counts to bans. A rule fires only when the counter
// reaches exactly its threshold, so a repeated count never re-applies a ban.
type BanPolicy []config.BanRule

// NewBanPolicy returns the rules ordered by threshold.
func NewBanPolicy(rules []config.BanRule) BanPolicy {
	policy := append(BanPolicy(nil), rules...)
	sort.Slice(policy, func(i, j int) bool { return policy[i].Violations < policy[j].Violations })
	return policy
}

// RuleFor returns the rule whose threshold equals count, if any.
func (p BanPolicy) RuleFor(count int) (config.BanRule, bool) {
	for _, rule := range p {
		if rule.Violations == count {
			return rule, true
		}
	}
	return config.BanRule{}, false
}

// Ban is a ban applied by a violation.
type Ban struct {
	Until     *time.Time
	Permanent bool
}

// ViolationStore reads and updates per-owner violation counters.
type ViolationStore struct {
	q   database.Querier
	now func() time.Time
}

// NewViolationStore creates a violation store on q.
func NewViolationStore(q database.Querier) *ViolationStore {
	return &ViolationStore{q: q, now: time.Now}
}

// Get returns the counter of owner, or nil when the owner has no violations.
func (v *ViolationStore) Get(ctx context.Context, ownerID string) (*models.ViolationCounter, error) {
	var (
		counter     models.ViolationCounter
		bannedUntil sql.NullInt64
		updatedAt   int64
	)
	err := v.q.QueryRowContext(ctx,
		`SELECT owner_id, count, banned_until, permanent, updated_at FROM violation_counters WHERE owner_id = ?`,
		ownerID,
	).Scan(&counter.OwnerID, &counter.Count, &bannedUntil, &counter.Permanent, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, database.Wrap(err)
	}

	counter.BannedUntil = database.FromNullMillis(bannedUntil)
	counter.UpdatedAt = database.FromMillis(updatedAt)
	return &counter, nil
}

// IsBanned reports whether owner is currently banned.
func (v *ViolationStore) IsBanned(ctx context.Context, ownerID string) (bool, error) {
	counter, err := v.Get(ctx, ownerID)
	if err != nil {
		return false, err
	}
	return counter.Banned(v.now()), nil
}

// Record adds one violation for owner and applies the matching ban rule.
// It returns the new count and the ban applied by this violation, if any.
func (v *ViolationStore) Record(ctx context.Context, ownerID string, policy BanPolicy, now time.Time) (int, *Ban, error) {
	var count int
	err := v.q.QueryRowContext(ctx,
		`INSERT INTO violation_counters (owner_id, count, permanent, updated_at) VALUES (?, 1, FALSE, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET count = count + 1, updated_at = excluded.updated_at
		 RETURNING count`,
		ownerID, database.Millis(now),
	).Scan(&count)
	if err != nil {
		return 0, nil, database.Wrap(err)
	}

	rule, ok := policy.RuleFor(count)
	if !ok {
		return count, nil, nil
	}

	// A permanent ban keeps the last timed expiry for the record.
	ban := &Ban{Permanent: rule.Permanent}
	if !rule.Permanent {
		until := now.Add(rule.Duration)
		ban.Until = &until
	}
	_, err = v.q.ExecContext(ctx,
		`UPDATE violation_counters SET banned_until = COALESCE(?, banned_until), permanent = permanent OR ?, updated_at = ? WHERE owner_id = ?`,
		database.NullMillis(ban.Until), ban.Permanent, database.Millis(now), ownerID,
	)
	if err != nil {
		return 0, nil, database.Wrap(err)
	}
	return count, ban, nil
}
