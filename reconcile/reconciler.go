// Package reconcile accepts client-reported transaction hashes, verifies
// ownership and non-reuse, and durably finalizes claim records and the
// usage ledger in a single transaction.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"merchrewards/claims"
	"merchrewards/guard"
	"merchrewards/models"
	"merchrewards/observability"
	"merchrewards/observability/logging"
	"merchrewards/permit"
	"merchrewards/signer"
)

var (
	// ErrNoRecords indicates an empty confirmation batch.
	ErrNoRecords = errors.New("reconcile: no records to confirm")
	// ErrMissingHash indicates the transaction hash was absent or malformed.
	ErrMissingHash = errors.New("reconcile: transaction hash required")
	// ErrHashUsed indicates the hash was already credited.
	ErrHashUsed = errors.New("reconcile: transaction hash already used")
	// ErrOwnershipMismatch indicates a record in the batch belongs to another subject.
	ErrOwnershipMismatch = errors.New("reconcile: record not owned by subject")
	// ErrAlreadyCompleted indicates a record in the batch is already settled.
	ErrAlreadyCompleted = errors.New("reconcile: record already completed")
	// ErrContractMismatch indicates the reported target contract is not the expected one.
	ErrContractMismatch = errors.New("reconcile: target contract mismatch")
	// ErrWindowCompleted indicates the subject already finished an action in this window.
	ErrWindowCompleted = errors.New("reconcile: window already completed")
	// ErrPermitInvalid indicates the echoed permit failed verification.
	ErrPermitInvalid = errors.New("reconcile: permit invalid")
	// ErrPermitExpired indicates the echoed permit deadline elapsed.
	ErrPermitExpired = errors.New("reconcile: permit expired")
)

// Disposition labels recorded on ledger entries.
const (
	DispositionStandard  = "standard"
	DispositionAlternate = "alternate"
)

// Config bundles the reconciler dependencies.
type Config struct {
	DB            *gorm.DB
	Claims        *claims.Store
	SignerAddress common.Address
	Domain        permit.Domain
	Now           func() time.Time
	Logger        *slog.Logger
	Metrics       *observability.ClaimsMetrics
}

// Reconciler finalizes confirmed on-chain actions.
type Reconciler struct {
	db            *gorm.DB
	claims        *claims.Store
	signerAddress common.Address
	domain        permit.Domain
	now           func() time.Time
	log           *slog.Logger
	metrics       *observability.ClaimsMetrics
}

// New constructs a Reconciler.
func New(cfg Config) *Reconciler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:            cfg.DB,
		claims:        cfg.Claims,
		signerAddress: cfg.SignerAddress,
		domain:        cfg.Domain,
		now:           now,
		log:           logger,
		metrics:       cfg.Metrics,
	}
}

// ConfirmInput is a payout-claim confirmation batch reported by an
// authenticated subject.
type ConfirmInput struct {
	SubjectID            uint64
	TransactionHash      string
	RecordIDs            []uuid.UUID
	ContractAddress      string
	AlternateDisposition bool
}

// RecipientSummary describes one settled record in a confirmation result.
type RecipientSummary struct {
	RecordID  uuid.UUID `json:"recordId"`
	Recipient string    `json:"recipient"`
	Amount    string    `json:"amount"`
}

// Result reports a finalized confirmation.
type Result struct {
	Count           int                `json:"count"`
	TransactionHash string             `json:"transactionHash"`
	ProcessedAt     time.Time          `json:"processedAt"`
	Recipients      []RecipientSummary `json:"recipients"`
}

// Confirm settles a batch of payout claim records against one reported
// transaction hash. Either every record transitions or none does.
func (r *Reconciler) Confirm(ctx context.Context, in ConfirmInput) (*Result, error) {
	hash, err := guard.NormalizeTransactionHash(in.TransactionHash)
	if err != nil {
		r.reject("missing_hash")
		return nil, ErrMissingHash
	}
	if len(in.RecordIDs) == 0 {
		r.reject("empty_batch")
		return nil, ErrNoRecords
	}

	now := r.now()
	disposition := DispositionStandard
	if in.AlternateDisposition {
		disposition = DispositionAlternate
	}

	result := &Result{TransactionHash: hash, ProcessedAt: now}
	// Rejection audits must survive the rollback of the enclosing
	// transaction, so they are written after it aborts.
	var rejected *models.AuditEvent
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var records []models.ClaimRecord
		if err := tx.Find(&records, "id IN ?", in.RecordIDs).Error; err != nil {
			return fmt.Errorf("reconcile: load batch: %w", err)
		}
		if len(records) != len(in.RecordIDs) {
			return claims.ErrNotFound
		}
		for _, record := range records {
			if record.SubjectID != in.SubjectID {
				rejected = r.auditEvent(&record, "confirm.ownership_mismatch", "rejected",
					fmt.Sprintf("caller=%d owner=%d", in.SubjectID, record.SubjectID))
				return ErrOwnershipMismatch
			}
		}
		for _, record := range records {
			if record.Status == models.StatusCompleted {
				rejected = r.auditEvent(&record, "confirm.replay", "rejected", "record already completed")
				return ErrAlreadyCompleted
			}
		}
		if contract := strings.ToLower(strings.TrimSpace(in.ContractAddress)); contract != "" {
			for _, record := range records {
				if record.ContractAddress != "" && record.ContractAddress != contract {
					rejected = r.auditEvent(&record, "confirm.contract_mismatch", "rejected", "reported contract "+contract)
					return ErrContractMismatch
				}
			}
		}

		var used int64
		if err := tx.Model(&models.LedgerEntry{}).Where("transaction_hash = ?", hash).Count(&used).Error; err != nil {
			return fmt.Errorf("reconcile: hash lookup: %w", err)
		}
		if used > 0 {
			rejected = r.auditEvent(&records[0], "confirm.hash_reuse", "rejected", "tx "+hash)
			return ErrHashUsed
		}

		total := new(big.Int)
		for i := range records {
			record := &records[i]
			if err := r.completeWithinTx(tx, record.ID, hash, now); err != nil {
				return err
			}
			amount, err := claims.ParseAmount(record.Amount)
			if err != nil {
				return err
			}
			total.Add(total, amount)
			result.Recipients = append(result.Recipients, RecipientSummary{
				RecordID:  record.ID,
				Recipient: record.Recipient,
				Amount:    record.Amount,
			})
		}

		entry := models.LedgerEntry{
			ID:              uuid.New(),
			SubjectID:       in.SubjectID,
			Wallet:          records[0].Recipient,
			TransactionHash: hash,
			RewardClass:     records[0].RewardClass,
			Amount:          total.String(),
			ContractAddress: records[0].ContractAddress,
			Disposition:     disposition,
			CreatedAt:       now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			// Uniqueness constraint is the final arbiter under concurrency.
			return ErrHashUsed
		}
		for i := range records {
			r.audit(tx, &records[i], "confirm.completed", "completed", "tx "+hash)
		}
		return nil
	})
	if err != nil {
		if rejected != nil {
			r.persistAudit(ctx, rejected)
		}
		r.recordConfirmOutcome("", err)
		return nil, err
	}
	result.Count = len(result.Recipients)
	if r.metrics != nil {
		r.metrics.RecordConfirmation("payout", "completed")
	}
	return result, nil
}

// DailyConfirmInput is a daily entitlement confirmation: the ephemeral
// permit echoed back with the transaction hash it authorized.
type DailyConfirmInput struct {
	SubjectID            uint64
	Wallets              []string
	Permit               permit.Permit
	PermitSignature      string
	TransactionHash      string
	ContractAddress      string
	AlternateDisposition bool
}

// ConfirmDaily finalizes a daily entitlement use. The permit is verified
// against the backend signing key, its expiry, and the authenticated
// subject's wallets before the ledger row is written; the (subject,
// window) and hash uniqueness constraints make the write idempotent-or-
// rejected under concurrency.
func (r *Reconciler) ConfirmDaily(ctx context.Context, in DailyConfirmInput) (*Result, error) {
	hash, err := guard.NormalizeTransactionHash(in.TransactionHash)
	if err != nil {
		r.reject("missing_hash")
		return nil, ErrMissingHash
	}
	now := r.now()

	if in.Permit.Subject != in.SubjectID {
		r.reject("permit_subject")
		return nil, ErrPermitInvalid
	}
	walletOK := false
	for _, candidate := range in.Wallets {
		normalized, err := permit.NormalizeAddress(candidate)
		if err != nil {
			continue
		}
		if normalized == in.Permit.Wallet {
			walletOK = true
			break
		}
	}
	if !walletOK {
		r.logAudit(0, in.Permit.Wallet, "confirm.wallet_mismatch", "rejected")
		return nil, ErrPermitInvalid
	}
	recovered, err := signer.RecoverTypedData(in.Permit.TypedData(r.domain), in.PermitSignature)
	if err != nil || recovered != r.signerAddress {
		r.logAudit(in.SubjectID, in.Permit.Wallet, "confirm.bad_signature", "rejected")
		return nil, ErrPermitInvalid
	}
	if in.Permit.Expired(now) {
		r.logAudit(in.SubjectID, in.Permit.Wallet, "confirm.permit_expired", "rejected")
		r.reject("permit_expired")
		return nil, ErrPermitExpired
	}
	if contract := strings.ToLower(strings.TrimSpace(in.ContractAddress)); contract != "" &&
		contract != strings.ToLower(r.domain.VerifyingContract) {
		r.reject("contract_mismatch")
		return nil, ErrContractMismatch
	}

	disposition := DispositionStandard
	if in.AlternateDisposition {
		disposition = DispositionAlternate
	}

	var rejected *models.AuditEvent
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var done int64
		if err := tx.Model(&models.LedgerEntry{}).
			Where("subject_id = ? AND window_start = ?", in.SubjectID, in.Permit.WindowStart).
			Count(&done).Error; err != nil {
			return fmt.Errorf("reconcile: window lookup: %w", err)
		}
		if done > 0 {
			rejected = r.subjectEvent(in.SubjectID, in.Permit.Wallet, "confirm.window_replay", "rejected")
			return ErrWindowCompleted
		}
		var used int64
		if err := tx.Model(&models.LedgerEntry{}).Where("transaction_hash = ?", hash).Count(&used).Error; err != nil {
			return fmt.Errorf("reconcile: hash lookup: %w", err)
		}
		if used > 0 {
			rejected = r.subjectEvent(in.SubjectID, in.Permit.Wallet, "confirm.hash_reuse", "rejected")
			return ErrHashUsed
		}
		windowStart := in.Permit.WindowStart
		entry := models.LedgerEntry{
			ID:              uuid.New(),
			SubjectID:       in.SubjectID,
			WindowStart:     &windowStart,
			Wallet:          in.Permit.Wallet,
			TransactionHash: hash,
			RewardClass:     models.ClassDailyEntitlement,
			ContractAddress: strings.ToLower(r.domain.VerifyingContract),
			Disposition:     disposition,
			CreatedAt:       now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return r.classifyLedgerConflict(ctx, hash)
		}
		event := models.AuditEvent{
			ID:        uuid.New(),
			SubjectID: in.SubjectID,
			Wallet:    in.Permit.Wallet,
			Action:    "confirm.daily_completed",
			Outcome:   "completed",
			Details:   "tx " + hash,
			CreatedAt: now,
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		if rejected != nil {
			r.persistAudit(ctx, rejected)
		}
		r.recordConfirmOutcome("daily", err)
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.RecordConfirmation("daily", "completed")
	}
	return &Result{
		Count:           1,
		TransactionHash: hash,
		ProcessedAt:     now,
		Recipients: []RecipientSummary{{
			Recipient: in.Permit.Wallet,
		}},
	}, nil
}

// Finalize completes a backend-executed settlement: the record moves
// processing -> completed and the ledger row is written in one
// transaction.
func (r *Reconciler) Finalize(ctx context.Context, record *models.ClaimRecord, txHash string) error {
	hash, err := guard.NormalizeTransactionHash(txHash)
	if err != nil {
		return ErrMissingHash
	}
	now := r.now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.claims.MarkCompletedTx(tx, record.ID, hash); err != nil {
			return err
		}
		entry := models.LedgerEntry{
			ID:              uuid.New(),
			SubjectID:       record.SubjectID,
			Wallet:          record.Recipient,
			TransactionHash: hash,
			RewardClass:     record.RewardClass,
			Amount:          record.Amount,
			ContractAddress: record.ContractAddress,
			Disposition:     DispositionStandard,
			CreatedAt:       now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return ErrHashUsed
		}
		r.audit(tx, record, "settle.completed", "completed", "tx "+hash)
		return nil
	})
}

// completeWithinTx walks one record through processing into completed
// using conditional updates only.
func (r *Reconciler) completeWithinTx(tx *gorm.DB, id uuid.UUID, hash string, now time.Time) error {
	res := tx.Model(&models.ClaimRecord{}).
		Where("id = ? AND status = ? AND claim_deadline > ?", id, models.StatusClaimable, now).
		Updates(map[string]interface{}{
			"status":        models.StatusProcessing,
			"processing_at": now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("reconcile: stage record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// The executor may already hold the record in processing.
		var record models.ClaimRecord
		if err := tx.First(&record, "id = ?", id).Error; err != nil {
			return claims.ErrNotFound
		}
		switch {
		case record.Status == models.StatusProcessing:
			// fall through to completion
		case record.Status == models.StatusClaimable:
			return claims.ErrDeadlinePassed
		default:
			return fmt.Errorf("%w (status %s)", claims.ErrNotClaimable, record.Status)
		}
	}
	res = tx.Model(&models.ClaimRecord{}).
		Where("id = ? AND status = ?", id, models.StatusProcessing).
		Updates(map[string]interface{}{
			"status":           models.StatusCompleted,
			"transaction_hash": hash,
			"completed_at":     now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return fmt.Errorf("reconcile: complete record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return claims.ErrNotProcessing
	}
	return nil
}

// classifyLedgerConflict decides which uniqueness constraint rejected a
// daily ledger insert that lost a race. The winning row is committed by
// the other transaction, so the lookup runs outside the failed one.
func (r *Reconciler) classifyLedgerConflict(ctx context.Context, hash string) error {
	var used int64
	if err := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("transaction_hash = ?", hash).Count(&used).Error; err == nil && used > 0 {
		return ErrHashUsed
	}
	return ErrWindowCompleted
}

func (r *Reconciler) auditEvent(record *models.ClaimRecord, action, outcome, details string) *models.AuditEvent {
	claimID := record.ID
	return &models.AuditEvent{
		ID:        uuid.New(),
		ClaimID:   &claimID,
		SubjectID: record.SubjectID,
		Wallet:    record.Recipient,
		Amount:    record.Amount,
		Action:    action,
		Outcome:   outcome,
		Details:   details,
		CreatedAt: r.now(),
	}
}

func (r *Reconciler) audit(tx *gorm.DB, record *models.ClaimRecord, action, outcome, details string) {
	event := r.auditEvent(record, action, outcome, details)
	_ = tx.Create(event).Error
	r.log.Info("claim audit",
		logging.MaskField("action", action),
		logging.MaskField("outcome", outcome),
		logging.MaskField("wallet", record.Recipient),
		logging.MaskField("amount", record.Amount),
		logging.MaskField("claim_id", record.ID.String()),
		logging.MaskField("details", details),
	)
}

func (r *Reconciler) persistAudit(ctx context.Context, event *models.AuditEvent) {
	_ = r.db.WithContext(ctx).Create(event).Error
	r.log.Warn("claim audit",
		logging.MaskField("action", event.Action),
		logging.MaskField("outcome", event.Outcome),
		logging.MaskField("wallet", event.Wallet),
		slog.Uint64("subject_id", event.SubjectID),
		logging.MaskField("details", event.Details),
	)
}

func (r *Reconciler) subjectEvent(subjectID uint64, wallet, action, outcome string) *models.AuditEvent {
	return &models.AuditEvent{
		ID:        uuid.New(),
		SubjectID: subjectID,
		Wallet:    wallet,
		Action:    action,
		Outcome:   outcome,
		CreatedAt: r.now(),
	}
}

func (r *Reconciler) logAudit(subjectID uint64, wallet, action, outcome string) {
	r.persistAudit(context.Background(), r.subjectEvent(subjectID, wallet, action, outcome))
}

func (r *Reconciler) reject(reason string) {
	if r.metrics != nil {
		r.metrics.RecordRejection(reason)
	}
}

func (r *Reconciler) recordConfirmOutcome(class string, err error) {
	if r.metrics == nil {
		return
	}
	if class == "" {
		class = "payout"
	}
	switch {
	case errors.Is(err, ErrHashUsed):
		r.metrics.RecordConfirmation(class, "hash_reuse")
	case errors.Is(err, ErrOwnershipMismatch):
		r.metrics.RecordConfirmation(class, "ownership_mismatch")
	case errors.Is(err, ErrAlreadyCompleted), errors.Is(err, ErrWindowCompleted):
		r.metrics.RecordConfirmation(class, "replay")
	default:
		r.metrics.RecordConfirmation(class, "error")
	}
}
