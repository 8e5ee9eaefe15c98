// Package guard answers "has this already happened" before the pipeline
// issues a permit or accepts a confirmation. It reads the usage ledger
// only; the writing side enforces the same keys with storage-layer
// uniqueness constraints, so concurrent requests cannot slip past a
// stale read. A permit's existence is never proof of completion; only a
// ledger row is.
package guard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"merchrewards/models"
)

// ErrInvalidTransactionHash indicates a malformed transaction hash.
var ErrInvalidTransactionHash = errors.New("guard: invalid transaction hash")

var txHashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// NormalizeTransactionHash lower-cases and validates a 32-byte 0x-prefixed
// transaction hash.
func NormalizeTransactionHash(raw string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if !txHashPattern.MatchString(trimmed) {
		return "", ErrInvalidTransactionHash
	}
	return trimmed, nil
}

// Guard queries the usage ledger.
type Guard struct {
	db *gorm.DB
}

// New constructs a Guard over the shared database handle.
func New(db *gorm.DB) *Guard {
	return &Guard{db: db}
}

// HasCompleted reports whether a finalized action already exists for the
// subject in the given window.
func (g *Guard) HasCompleted(ctx context.Context, subjectID uint64, windowStart int64) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("subject_id = ? AND window_start = ?", subjectID, windowStart).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("guard: window lookup: %w", err)
	}
	return count > 0, nil
}

// IsTransactionHashUsed reports whether the hash was already credited
// anywhere in the system.
func (g *Guard) IsTransactionHashUsed(ctx context.Context, hash string) (bool, error) {
	normalized, err := NormalizeTransactionHash(hash)
	if err != nil {
		return false, err
	}
	var count int64
	err = g.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("transaction_hash = ?", normalized).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("guard: hash lookup: %w", err)
	}
	return count > 0, nil
}
