package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"merchrewards/claims"
	"merchrewards/models"
	"merchrewards/observability"
	"merchrewards/observability/logging"
)

// ErrExecutionFailed wraps any delegated execution failure, including
// timeouts where the on-chain outcome is unknown. The record is rolled
// back to claimable in every case; if the transaction did land, the
// client-side confirmation path reconciles it later.
var ErrExecutionFailed = errors.New("settle: execution failed")

// DefaultExecutionTimeout bounds one delegated submission end to end.
const DefaultExecutionTimeout = 45 * time.Second

// Finalizer durably completes a processed record against its hash.
type Finalizer interface {
	Finalize(ctx context.Context, record *models.ClaimRecord, txHash string) error
}

// Executor drives backend-executed settlement for one claim at a time.
type Executor struct {
	claims    *claims.Store
	client    Client
	finalizer Finalizer
	timeout   time.Duration
	now       func() time.Time
	log       *slog.Logger
	metrics   *observability.ClaimsMetrics
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock overrides the executor clock.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithTimeout bounds each delegated submission.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithMetrics attaches the claims metric set.
func WithMetrics(m *observability.ClaimsMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor constructs an Executor.
func NewExecutor(store *claims.Store, client Client, finalizer Finalizer, opts ...Option) *Executor {
	e := &Executor{
		claims:    store,
		client:    client,
		finalizer: finalizer,
		timeout:   DefaultExecutionTimeout,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute claims exactly one record into processing, submits it, and
// either finalizes or rolls back. Concurrent callers for the same record
// race on the conditional claimable -> processing update; losers get
// ErrNotClaimable and never double-submit.
func (e *Executor) Execute(ctx context.Context, id uuid.UUID) (*models.ClaimRecord, error) {
	record, err := e.claims.BeginProcessing(ctx, id)
	if err != nil {
		return nil, err
	}

	start := e.now()
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := e.client.Execute(execCtx, e.buildRequest(record))
	if err != nil {
		e.rollback(record, "execution error: "+err.Error())
		return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}

	if err := e.finalizer.Finalize(ctx, record, result.TransactionHash); err != nil {
		e.rollback(record, "finalize error: "+err.Error())
		return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}

	if e.metrics != nil {
		e.metrics.RecordSettlement("delegated", "completed")
		e.metrics.ObserveExecution("delegated", e.now().Sub(start))
	}
	e.log.Info("delegated settlement completed",
		slog.String("claim_id", record.ID.String()),
		slog.String("wallet", record.Recipient),
		slog.String("amount", record.Amount),
		slog.String("tx_hash", result.TransactionHash),
	)

	updated, err := e.claims.Get(ctx, record.ID)
	if err != nil {
		return record, nil
	}
	return updated, nil
}

func (e *Executor) buildRequest(record *models.ClaimRecord) ExecutionRequest {
	req := ExecutionRequest{
		RecordID:        record.ID.String(),
		Recipient:       record.Recipient,
		Amount:          record.Amount,
		TokenAddress:    record.TokenAddress,
		ContractAddress: record.ContractAddress,
		SigningPayload:  record.SigningPayload,
		Signature:       record.Signature,
	}
	if record.ClaimDeadline != nil {
		req.DeadlineUnix = record.ClaimDeadline.Unix()
	}
	return req
}

// rollback returns the record to claimable so a later attempt can retry.
// It runs on a fresh context: a cancelled request must not strand the
// record in processing.
func (e *Executor) rollback(record *models.ClaimRecord, details string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.claims.RollbackToClaimable(ctx, record.ID); err != nil {
		e.log.Error("settlement rollback failed",
			logging.MaskField("claim_id", record.ID.String()),
			logging.MaskField("error", err.Error()),
		)
	}
	claimID := record.ID
	event := models.AuditEvent{
		ID:        uuid.New(),
		ClaimID:   &claimID,
		SubjectID: record.SubjectID,
		Wallet:    record.Recipient,
		Amount:    record.Amount,
		Action:    "settle.rollback",
		Outcome:   "rolled_back",
		Details:   details,
		CreatedAt: e.now(),
	}
	_ = e.claims.DB().WithContext(ctx).Create(&event).Error
	if e.metrics != nil {
		e.metrics.RecordSettlement("delegated", "rolled_back")
	}
	e.log.Warn("delegated settlement rolled back",
		logging.MaskField("claim_id", record.ID.String()),
		logging.MaskField("wallet", record.Recipient),
		logging.MaskField("details", details),
	)
}
