package reconcile

import (
	"context"
	"log/slog"
	"time"

	"merchrewards/claims"
)

// SweeperConfig configures the periodic claim expiry sweep.
type SweeperConfig struct {
	Claims   *claims.Store
	Interval time.Duration
	Logger   *slog.Logger
}

// Sweeper expires claimable records whose deadlines have passed. The
// sweep is a cleanup, not a gate: confirmation and execution re-check
// deadlines themselves, so a late sweep never admits a stale claim.
type Sweeper struct {
	claims   *claims.Store
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper constructs a sweeper with sane defaults.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		claims:   cfg.Claims,
		interval: interval,
		log:      logger,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil || s.claims == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.claims.ExpireDue(ctx)
			if err != nil {
				s.log.Error("expiry sweep failed", slog.String("error", err.Error()))
				continue
			}
			if expired > 0 {
				s.log.Info("expired stale claims", slog.Int64("count", expired))
			}
		}
	}
}
