package escrow

import (
	"context"
	"time"

	"github.com/techfy/escrowpay/internal/metrics"
)

// SweepResult reports one auto-release pass.
type SweepResult struct {
	Due       int      `json:"due"`
	Released  int      `json:"released"`
	Failed    int      `json:"failed"`
	EscrowIDs []string `json:"escrowIds,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// AutoRelease settles every delivered escrow whose release window has
// elapsed. Each item is handled independently so one failing payout
// never blocks the rest. With dryRun set, it only reports what would be
// released.
func (s *Service) AutoRelease(ctx context.Context, dryRun bool, limit int) (*SweepResult, error) {
	if limit <= 0 {
		limit = 100
	}
	due, err := s.store.ListAutoReleasable(ctx, time.Now(), limit)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{Due: len(due)}
	for _, txn := range due {
		res.EscrowIDs = append(res.EscrowIDs, txn.ID)
		if dryRun {
			continue
		}
		if _, err := s.ReleaseFunds(ctx, txn.ID, "", System); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, txn.ID+": "+err.Error())
			s.logger.Error("auto-release failed", "escrow_id", txn.ID, "error", err)
			continue
		}
		res.Released++
		metrics.AutoReleasedTotal.Inc()
	}

	if !dryRun {
		s.logger.Info("auto-release sweep finished",
			"due", res.Due, "released", res.Released, "failed", res.Failed)
	}
	return res, nil
}

// RunScheduler runs AutoRelease on an interval until the context ends.
// One pass runs immediately on start.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.AutoRelease(ctx, false, 0); err != nil {
			s.logger.Error("auto-release sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
