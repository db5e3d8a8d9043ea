package service

import (
	"context"
	"time"

	"github.com/richardliu001/wallet-scheduler/internal/config"
	"github.com/richardliu001/wallet-scheduler/internal/queue"
	"github.com/richardliu001/wallet-scheduler/internal/repo"
	"go.uber.org/zap"
)

// Scanner finds due withdrawals and dispatches them. It never claims anything itself,
// so overlapping scans only produce duplicate deliveries, which workers ignore.
type Scanner struct {
	repo  repo.RepositoryInterface
	queue queue.TaskQueue
	cfg   config.SchedulerConfig
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewScanner(r repo.RepositoryInterface, q queue.TaskQueue, cfg config.SchedulerConfig, logger *zap.SugaredLogger) *Scanner {
	return &Scanner{repo: r, queue: q, cfg: cfg, log: logger, now: utcNow}
}

func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// FetchDue returns up to batchSize due withdrawal ids ordered by (execute_at, id).
func (s *Scanner) FetchDue(ctx context.Context, batchSize int) ([]uint64, error) {
	return s.repo.FetchDueWithdrawalIDs(ctx, s.now(), batchSize)
}

// EnqueueDue dispatches one batch and returns how many ids were enqueued.
// An id that fails to enqueue is picked up again by the next scan.
func (s *Scanner) EnqueueDue(ctx context.Context) (int, error) {
	ids, err := s.FetchDue(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			s.log.Errorf("enqueue txn %d: %v", id, err)
			continue
		}
		sent++
	}
	if len(ids) > 0 {
		s.log.Infof("dispatched %d/%d due withdrawals", sent, len(ids))
	}
	return sent, nil
}

// Run scans every ScanInterval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.log.Info("due-withdrawal scanner started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.EnqueueDue(ctx); err != nil {
				s.log.Errorf("scan due withdrawals: %v", err)
			}
		}
	}
}
