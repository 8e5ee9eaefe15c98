package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RewardClass identifies which rewarding workflow produced a claim.
type RewardClass string

// Supported reward classes.
const (
	ClassDailyEntitlement RewardClass = "daily_entitlement"
	ClassTaskReward       RewardClass = "task_reward"
	ClassBountyPayout     RewardClass = "bounty_payout"
)

// ClaimStatus represents a state in the claim record lifecycle.
type ClaimStatus string

// All lifecycle states.
const (
	StatusPending    ClaimStatus = "PENDING"
	StatusClaimable  ClaimStatus = "CLAIMABLE"
	StatusProcessing ClaimStatus = "PROCESSING"
	StatusCompleted  ClaimStatus = "COMPLETED"
	StatusExpired    ClaimStatus = "EXPIRED"
)

// ClaimRecord is the payout unit of work tracked from creation through
// on-chain settlement. Records are never deleted; expired and failed
// claims are retained for audit.
type ClaimRecord struct {
	ID              uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	SubjectID       uint64      `gorm:"index" json:"subjectId"`
	RewardClass     RewardClass `gorm:"size:32;index" json:"rewardClass"`
	Reference       string      `gorm:"size:128" json:"reference"`
	Recipient       string      `gorm:"size:64;index" json:"recipient"`
	Amount          string      `gorm:"size:96;not null" json:"amount"`
	TokenAddress    string      `gorm:"size:64" json:"tokenAddress"`
	ContractAddress string      `gorm:"size:64" json:"contractAddress"`
	Status          ClaimStatus `gorm:"size:16;index" json:"status"`
	Signature       string      `gorm:"type:text" json:"-"`
	SigningPayload  string      `gorm:"type:text" json:"-"`
	ClaimDeadline   *time.Time  `json:"claimDeadline,omitempty"`
	TransactionHash *string     `gorm:"size:80;index" json:"transactionHash,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	SignedAt        *time.Time  `json:"signedAt,omitempty"`
	ProcessingAt    *time.Time  `json:"processingAt,omitempty"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
	ExpiredAt       *time.Time  `json:"expiredAt,omitempty"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// LedgerEntry is the sole source of truth for "already done": one row per
// finalized on-chain action, keyed by transaction hash globally and by
// (subject, window) for daily entitlements. In-flight attempts are never
// written here so an abandoned client transaction cannot lock a subject
// out of its window.
type LedgerEntry struct {
	ID              uuid.UUID   `gorm:"type:uuid;primaryKey"`
	SubjectID       uint64      `gorm:"uniqueIndex:idx_ledger_subject_window"`
	WindowStart     *int64      `gorm:"uniqueIndex:idx_ledger_subject_window"`
	Wallet          string      `gorm:"size:64;index"`
	TransactionHash string      `gorm:"size:80;uniqueIndex;not null"`
	RewardClass     RewardClass `gorm:"size:32;index"`
	Amount          string      `gorm:"size:96"`
	ContractAddress string      `gorm:"size:64"`
	Disposition     string      `gorm:"size:32"`
	CreatedAt       time.Time
}

// AuditEvent is the append-only security audit trail. Wallet and amount
// are recorded in the clear; secrets never appear here.
type AuditEvent struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ClaimID   *uuid.UUID `gorm:"type:uuid;index"`
	SubjectID uint64     `gorm:"index"`
	Wallet    string     `gorm:"size:64"`
	Amount    string     `gorm:"size:96"`
	Action    string     `gorm:"size:64"`
	Outcome   string     `gorm:"size:32"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata for mutating
// endpoints.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ClaimRecord{},
		&LedgerEntry{},
		&AuditEvent{},
		&IdempotencyKey{},
	)
}
