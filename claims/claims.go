// Package claims owns the persistent lifecycle of a claim record:
// pending -> claimable -> processing -> completed, with rollback to
// claimable on failed submission and terminal expiry. Every transition is
// an atomic conditional update so two concurrent settlement attempts
// cannot both succeed, regardless of how many server instances run.
package claims

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"merchrewards/models"
	"merchrewards/permit"
)

var (
	// ErrNotFound indicates the claim record does not exist.
	ErrNotFound = errors.New("claims: record not found")
	// ErrNotClaimable indicates a transition required the record to be claimable.
	ErrNotClaimable = errors.New("claims: record not claimable")
	// ErrNotProcessing indicates a transition required the record to be processing.
	ErrNotProcessing = errors.New("claims: record not processing")
	// ErrNotPending indicates a transition required the record to be pending.
	ErrNotPending = errors.New("claims: record not pending")
	// ErrDeadlinePassed indicates the claim deadline elapsed.
	ErrDeadlinePassed = errors.New("claims: claim deadline passed")
	// ErrInvalidAmount indicates the amount is not a positive integer string.
	ErrInvalidAmount = errors.New("claims: amount must be a positive integer in smallest units")
)

// ParseAmount validates a decimal integer amount string in the token's
// smallest unit. Floating point never touches claim amounts.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrInvalidAmount
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return value, nil
}

// Store mediates all claim record transitions.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs a Store. The clock is injectable for tests.
func NewStore(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// DB exposes the underlying handle for callers composing wider
// transactions (the reconciler).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// CreatePending records a new payout unit of work. The recipient address
// is case-normalized before storage and the amount must be a positive
// integer string.
func (s *Store) CreatePending(ctx context.Context, class models.RewardClass, subjectID uint64, recipient, amount, reference string) (*models.ClaimRecord, error) {
	normalized, err := permit.NormalizeAddress(recipient)
	if err != nil {
		return nil, err
	}
	value, err := ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	now := s.now()
	record := models.ClaimRecord{
		ID:          uuid.New(),
		SubjectID:   subjectID,
		RewardClass: class,
		Reference:   strings.TrimSpace(reference),
		Recipient:   normalized,
		Amount:      value.String(),
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("claims: create pending: %w", err)
	}
	return &record, nil
}

// MarkClaimable caches the signature and canonical signing payload on a
// pending record and sets the claim deadline.
func (s *Store) MarkClaimable(ctx context.Context, id uuid.UUID, signature, payload, contractAddress, tokenAddress string, deadline time.Time) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.ClaimRecord{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(map[string]interface{}{
			"status":           models.StatusClaimable,
			"signature":        signature,
			"signing_payload":  payload,
			"contract_address": strings.ToLower(strings.TrimSpace(contractAddress)),
			"token_address":    strings.ToLower(strings.TrimSpace(tokenAddress)),
			"claim_deadline":   deadline,
			"signed_at":        now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return fmt.Errorf("claims: mark claimable: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.classify(ctx, id, ErrNotPending)
	}
	return nil
}

// BeginProcessing atomically moves a claimable record with an unexpired
// deadline into processing and returns it. Exactly one of two concurrent
// callers wins.
func (s *Store) BeginProcessing(ctx context.Context, id uuid.UUID) (*models.ClaimRecord, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.ClaimRecord{}).
		Where("id = ? AND status = ? AND claim_deadline > ?", id, models.StatusClaimable, now).
		Updates(map[string]interface{}{
			"status":        models.StatusProcessing,
			"processing_at": now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("claims: begin processing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, s.classify(ctx, id, ErrNotClaimable)
	}
	return s.Get(ctx, id)
}

// MarkCompleted finalizes a processing record with its transaction hash.
// Completed is terminal; nothing moves a record back out.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, txHash string) error {
	return s.MarkCompletedTx(s.db.WithContext(ctx), id, txHash)
}

// MarkCompletedTx is MarkCompleted running inside a caller-owned
// transaction so the ledger insert and completion commit together.
func (s *Store) MarkCompletedTx(tx *gorm.DB, id uuid.UUID, txHash string) error {
	now := s.now()
	res := tx.Model(&models.ClaimRecord{}).
		Where("id = ? AND status = ?", id, models.StatusProcessing).
		Updates(map[string]interface{}{
			"status":           models.StatusCompleted,
			"transaction_hash": strings.ToLower(strings.TrimSpace(txHash)),
			"completed_at":     now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return fmt.Errorf("claims: mark completed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotProcessing
	}
	return nil
}

// RollbackToClaimable returns a processing record to claimable after a
// failed or unknown-outcome submission, making it eligible for retry.
func (s *Store) RollbackToClaimable(ctx context.Context, id uuid.UUID) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.ClaimRecord{}).
		Where("id = ? AND status = ?", id, models.StatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.StatusClaimable,
			"processing_at": nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("claims: rollback: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotProcessing
	}
	return nil
}

// Expire terminally expires a claimable record whose deadline passed.
func (s *Store) Expire(ctx context.Context, id uuid.UUID) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.ClaimRecord{}).
		Where("id = ? AND status = ? AND claim_deadline <= ?", id, models.StatusClaimable, now).
		Updates(map[string]interface{}{
			"status":     models.StatusExpired,
			"expired_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("claims: expire: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.classify(ctx, id, ErrNotClaimable)
	}
	return nil
}

// ExpireDue sweeps every claimable record whose deadline passed and
// returns how many were expired.
func (s *Store) ExpireDue(ctx context.Context) (int64, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.ClaimRecord{}).
		Where("status = ? AND claim_deadline <= ?", models.StatusClaimable, now).
		Updates(map[string]interface{}{
			"status":     models.StatusExpired,
			"expired_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("claims: expire sweep: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Get loads a claim record by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.ClaimRecord, error) {
	var record models.ClaimRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claims: load record: %w", err)
	}
	return &record, nil
}

// classify turns a zero-rows-affected conditional update into a precise
// error by inspecting the record's actual state.
func (s *Store) classify(ctx context.Context, id uuid.UUID, fallback error) error {
	record, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if record.Status == models.StatusClaimable && record.ClaimDeadline != nil && !record.ClaimDeadline.After(s.now()) {
		return ErrDeadlinePassed
	}
	return fmt.Errorf("%w (status %s)", fallback, record.Status)
}
