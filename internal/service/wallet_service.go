package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/richardliu001/wallet-scheduler/internal/model"
	"github.com/richardliu001/wallet-scheduler/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// WalletService glues account-facing business logic and repository.
type WalletService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
	now  func() time.Time
}

// NewWalletService returns WalletService.
func NewWalletService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *WalletService {
	return &WalletService{repo: r, log: logger, now: utcNow}
}

// WithClock replaces the time source, used to evaluate execute_at.
func (s *WalletService) WithClock(now func() time.Time) *WalletService {
	s.now = now
	return s
}

func utcNow() time.Time { return time.Now().UTC() }

// CreateAccount opens an account with zero balance.
func (s *WalletService) CreateAccount(ctx context.Context) (*model.Account, error) {
	a := &model.Account{UUID: uuid.NewString()}
	if err := s.repo.CreateAccount(ctx, s.repo.DB(ctx), a); err != nil {
		return nil, err
	}
	s.log.Infof("account %s created", a.UUID)
	return a, nil
}

// GetAccount loads an account by its external id.
func (s *WalletService) GetAccount(ctx context.Context, accountUUID string) (*model.Account, error) {
	return s.repo.GetAccountByUUID(ctx, s.repo.DB(ctx), accountUUID)
}

// GetBalance returns current balance, served from cache when possible.
func (s *WalletService) GetBalance(ctx context.Context, accountUUID string) (int64, error) {
	bal, err := s.repo.GetCachedBalance(ctx, accountUUID)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.log.Warnf("balance cache read %s: %v", accountUUID, err)
	}
	a, err := s.GetAccount(ctx, accountUUID)
	if err != nil {
		return 0, err
	}
	if _, err := s.repo.FillBalance(ctx, accountUUID, a.Balance); err != nil {
		s.log.Warn(err)
	}
	return a.Balance, nil
}

// Deposit credits the account and records a settled DEPOSIT in one database transaction.
func (s *WalletService) Deposit(ctx context.Context, accountUUID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, validationf("amount must be positive")
	}
	var newBal int64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.repo.GetAccountByUUIDForUpdate(ctx, tx, accountUUID)
		if err != nil {
			return err
		}
		newBal, err = s.repo.Credit(ctx, tx, a.ID, amount)
		if err != nil {
			return err
		}
		t := &model.Transaction{
			Reference: uuid.NewString(),
			AccountID: a.ID,
			Kind:      model.KindDeposit,
			Status:    model.StatusSucceeded,
			Amount:    amount,
		}
		if err := s.repo.CreateTransaction(ctx, tx, t, s.now()); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"reference": t.Reference, "account": accountUUID, "amount": amount, "balance": newBal,
		})
		return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate: "Transaction", AggregateID: t.Reference,
			EventType: model.EventDepositSucceeded, Payload: string(payload),
		})
	})
	if err != nil {
		return 0, err
	}
	cacheBalance(ctx, s.repo, s.log, accountUUID, newBal)
	return newBal, nil
}

// ScheduleWithdraw records a SCHEDULED withdrawal; the balance is untouched until it is claimed.
func (s *WalletService) ScheduleWithdraw(ctx context.Context, accountUUID string, amount int64, executeAt *time.Time) (*model.Transaction, error) {
	if amount <= 0 {
		return nil, validationf("amount must be positive")
	}
	if executeAt == nil {
		return nil, validationf("execute_at is required")
	}
	at := executeAt.UTC()
	if !at.After(s.now()) {
		return nil, validationf("execute_at must be in the future (UTC)")
	}

	a, err := s.repo.GetAccountByUUID(ctx, s.repo.DB(ctx), accountUUID)
	if err != nil {
		return nil, err
	}
	t := &model.Transaction{
		Reference: uuid.NewString(),
		AccountID: a.ID,
		Kind:      model.KindWithdraw,
		Status:    model.StatusScheduled,
		Amount:    amount,
		ExecuteAt: &at,
	}
	if err := s.repo.CreateTransaction(ctx, s.repo.DB(ctx), t, s.now()); err != nil {
		if errors.Is(err, repo.ErrInvalidTransaction) {
			return nil, validationf("%v", err)
		}
		return nil, err
	}
	s.log.Infof("withdrawal %s scheduled account=%s amount=%d at=%s", t.Reference, accountUUID, amount, at.Format(time.RFC3339))
	return t, nil
}

// ListTransactions returns the account's transactions, newest first.
func (s *WalletService) ListTransactions(ctx context.Context, accountUUID string) ([]model.Transaction, error) {
	a, err := s.GetAccount(ctx, accountUUID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(ctx, a.ID)
}

// GetTransaction reads one transaction by reference.
func (s *WalletService) GetTransaction(ctx context.Context, reference string) (*model.Transaction, error) {
	return s.repo.GetTransactionByReference(ctx, s.repo.DB(ctx), reference)
}
