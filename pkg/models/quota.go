package models

import "time"

// QuotaField selects which account balance a ledger row changes.
type QuotaField string

const (
	QuotaFieldSize QuotaField = "SIZE"
	QuotaFieldUsed QuotaField = "USED"
)

// QuotaAction is the direction of a ledger row.
// USE debits Used, ADD credits (Used goes down or Size goes up), SUB lowers Size.
type QuotaAction string

const (
	QuotaActionUse QuotaAction = "USE"
	QuotaActionAdd QuotaAction = "ADD"
	QuotaActionSub QuotaAction = "SUB"
)

// QuotaRecordStatus marks whether a ledger row still counts.
type QuotaRecordStatus string

const (
	QuotaRecordActive    QuotaRecordStatus = "ACTIVE"
	QuotaRecordWithdrawn QuotaRecordStatus = "WITHDRAWN"
)

// Quota is the balance of an owner.
type Quota struct {
	Size int64 `json:"size"`
	Used int64 `json:"used"`
}

// Available returns Size - Used.
func (q Quota) Available() int64 {
	return q.Size - q.Used
}

// QuotaAccount is the persisted per-owner balance.
type QuotaAccount struct {
	OwnerID   string    `json:"owner_id"`
	Size      int64     `json:"size"`
	Used      int64     `json:"used"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuotaRecord is an immutable ledger row. Only Status and WithdrawnAt change, once.
type QuotaRecord struct {
	ID          int64             `json:"id"`
	OwnerID     string            `json:"owner_id"`
	Field       QuotaField        `json:"field"`
	Action      QuotaAction       `json:"action"`
	Amount      int64             `json:"amount"`
	Reason      string            `json:"reason"`
	SessionID   string            `json:"session_id,omitempty"`
	Status      QuotaRecordStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	WithdrawnAt *time.Time        `json:"withdrawn_at,omitempty"`
}
