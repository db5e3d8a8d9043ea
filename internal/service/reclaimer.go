package service

import (
	"context"
	"time"

	"github.com/richardliu001/wallet-scheduler/internal/config"
	"github.com/richardliu001/wallet-scheduler/internal/model"
	"github.com/richardliu001/wallet-scheduler/internal/repo"
	"go.uber.org/zap"
)

// Reclaimer refunds withdrawals whose worker died between reservation and finalize.
type Reclaimer struct {
	repo        repo.RepositoryInterface
	withdrawals *WithdrawalService
	cfg         config.SchedulerConfig
	log         *zap.SugaredLogger
	now         func() time.Time
}

func NewReclaimer(r repo.RepositoryInterface, w *WithdrawalService, cfg config.SchedulerConfig, logger *zap.SugaredLogger) *Reclaimer {
	return &Reclaimer{repo: r, withdrawals: w, cfg: cfg, log: logger, now: utcNow}
}

func (r *Reclaimer) WithClock(now func() time.Time) *Reclaimer {
	r.now = now
	return r
}

// ReleaseStale refunds up to batchSize PROCESSING withdrawals not updated within timeout.
// It returns how many were actually refunded; ones finalized concurrently by a live
// worker are skipped.
func (r *Reclaimer) ReleaseStale(ctx context.Context, timeout time.Duration, batchSize int) (int, error) {
	ids, err := r.repo.FetchStaleProcessingIDs(ctx, r.now().Add(-timeout), batchSize)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, id := range ids {
		done, err := r.withdrawals.FinalizeFailureAndRefund(ctx, id, model.ReasonStaleProcessing, nil)
		if err != nil {
			r.log.Errorf("release stale txn %d: %v", id, err)
			continue
		}
		if done {
			released++
		}
	}
	if released > 0 {
		r.log.Warnf("released %d stale withdrawals", released)
	}
	return released, nil
}

// Run reclaims every ReclaimInterval until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ReclaimInterval)
	defer ticker.Stop()

	r.log.Info("stale reclaimer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.ReleaseStale(ctx, r.cfg.StaleTimeout, r.cfg.BatchSize); err != nil {
				r.log.Errorf("release stale: %v", err)
			}
		}
	}
}
