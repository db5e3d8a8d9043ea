package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/richardliu001/wallet-scheduler/internal/gateway"
	"github.com/richardliu001/wallet-scheduler/internal/model"
	"github.com/richardliu001/wallet-scheduler/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Gateway performs the external transfer for a reserved withdrawal.
type Gateway interface {
	Transfer(ctx context.Context, reference string, amount int64) (*gateway.Result, error)
}

// Reservation is the outcome of ClaimAndReserve.
type Reservation struct {
	Claimed   bool
	Reference string
	Amount    int64
}

// WithdrawalService runs scheduled withdrawals through reservation, the gateway and finalization.
type WithdrawalService struct {
	repo repo.RepositoryInterface
	gw   Gateway
	log  *zap.SugaredLogger
	now  func() time.Time
}

func NewWithdrawalService(r repo.RepositoryInterface, gw Gateway, logger *zap.SugaredLogger) *WithdrawalService {
	return &WithdrawalService{repo: r, gw: gw, log: logger, now: utcNow}
}

// WithClock replaces the time source, used to decide whether a withdrawal is due.
func (s *WithdrawalService) WithClock(now func() time.Time) *WithdrawalService {
	s.now = now
	return s
}

// ClaimAndReserve takes a due SCHEDULED withdrawal out of SCHEDULED. Locks are taken
// transaction first, then account. Only one caller ever gets Claimed == true.
func (s *WithdrawalService) ClaimAndReserve(ctx context.Context, txnID uint64) (Reservation, error) {
	var res Reservation
	var accountUUID string
	var newBal int64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.repo.GetTransactionForUpdate(ctx, tx, txnID)
		if err != nil {
			return err
		}
		res = Reservation{Reference: t.Reference, Amount: t.Amount}

		if t.Kind != model.KindWithdraw || t.Status != model.StatusScheduled {
			return nil
		}
		if t.ExecuteAt != nil && t.ExecuteAt.After(s.now()) {
			return nil
		}

		a, err := s.repo.GetAccountForUpdate(ctx, tx, t.AccountID)
		if err != nil {
			return err
		}
		if a.Balance < t.Amount {
			// terminal: nothing was debited, so nothing is owed back
			if err := s.repo.UpdateTransactionStatus(ctx, tx, t, model.StatusFailed, map[string]interface{}{
				"last_error": model.ReasonInsufficientFunds,
			}); err != nil {
				return err
			}
			return s.writeEvent(ctx, tx, t, model.EventWithdrawalFailed, model.ReasonInsufficientFunds)
		}

		if newBal, err = s.repo.Debit(ctx, tx, a.ID, t.Amount); err != nil {
			return err
		}
		if err := s.repo.UpdateTransactionStatus(ctx, tx, t, model.StatusProcessing, map[string]interface{}{
			"attempts":   gorm.Expr("attempts + ?", 1),
			"last_error": "",
		}); err != nil {
			return err
		}
		res.Claimed = true
		accountUUID = a.UUID
		return nil
	})
	if err != nil {
		return Reservation{}, fmt.Errorf("claim txn %d: %w", txnID, err)
	}
	if res.Claimed {
		cacheBalance(ctx, s.repo, s.log, accountUUID, newBal)
		s.log.Infof("txn %d (%s) reserved amount=%d", txnID, res.Reference, res.Amount)
	}
	return res, nil
}

// FinalizeSuccess moves a PROCESSING withdrawal to SUCCEEDED. It reports false when
// the transaction was not PROCESSING, in which case nothing changed.
func (s *WithdrawalService) FinalizeSuccess(ctx context.Context, txnID uint64, payload []byte) (bool, error) {
	done := false
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.repo.GetTransactionForUpdate(ctx, tx, txnID)
		if err != nil {
			return err
		}
		if t.Status != model.StatusProcessing {
			return nil
		}
		if err := s.repo.UpdateTransactionStatus(ctx, tx, t, model.StatusSucceeded, map[string]interface{}{
			"gateway_response": payloadColumn(payload),
		}); err != nil {
			return err
		}
		done = true
		return s.writeEvent(ctx, tx, t, model.EventWithdrawalSucceeded, "")
	})
	if err != nil {
		return false, fmt.Errorf("finalize success txn %d: %w", txnID, err)
	}
	if done {
		s.log.Infof("txn %d succeeded", txnID)
	}
	return done, nil
}

// FinalizeFailureAndRefund moves a PROCESSING withdrawal to FAILED and credits the
// reserved amount back. It reports false when the transaction was not PROCESSING.
func (s *WithdrawalService) FinalizeFailureAndRefund(ctx context.Context, txnID uint64, reason string, payload []byte) (bool, error) {
	done := false
	var accountUUID string
	var newBal int64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.repo.GetTransactionForUpdate(ctx, tx, txnID)
		if err != nil {
			return err
		}
		if t.Status != model.StatusProcessing {
			return nil
		}
		a, err := s.repo.GetAccountForUpdate(ctx, tx, t.AccountID)
		if err != nil {
			return err
		}
		if newBal, err = s.repo.Credit(ctx, tx, a.ID, t.Amount); err != nil {
			return err
		}
		if err := s.repo.UpdateTransactionStatus(ctx, tx, t, model.StatusFailed, map[string]interface{}{
			"last_error":       reason,
			"gateway_response": payloadColumn(payload),
		}); err != nil {
			return err
		}
		done = true
		accountUUID = a.UUID
		return s.writeEvent(ctx, tx, t, model.EventWithdrawalFailed, reason)
	})
	if err != nil {
		return false, fmt.Errorf("finalize failure txn %d: %w", txnID, err)
	}
	if done {
		cacheBalance(ctx, s.repo, s.log, accountUUID, newBal)
		s.log.Warnf("txn %d failed and refunded: %s", txnID, reason)
	}
	return done, nil
}

// ExecuteWithdrawal claims, pays out and finalizes one withdrawal. Calling it again for
// the same id is a no-op once the transaction has left SCHEDULED. Gateway failures are
// turned into refunds; only store errors are returned.
func (s *WithdrawalService) ExecuteWithdrawal(ctx context.Context, txnID uint64) error {
	res, err := s.ClaimAndReserve(ctx, txnID)
	if err != nil {
		return err
	}
	if !res.Claimed {
		return nil
	}

	// no lock is held past this point
	out, gwErr := s.gw.Transfer(ctx, res.Reference, res.Amount)

	// a cancelled worker must still record the outcome it got
	fctx := context.WithoutCancel(ctx)
	switch {
	case gwErr != nil:
		_, err = s.FinalizeFailureAndRefund(fctx, txnID, fmt.Sprintf("%s: %v", model.ReasonNetworkError, gwErr), nil)
	case !out.Succeeded():
		_, err = s.FinalizeFailureAndRefund(fctx, txnID, model.ReasonGatewayRejected, out.Raw)
	default:
		_, err = s.FinalizeSuccess(fctx, txnID, out.Raw)
	}
	return err
}

func (s *WithdrawalService) writeEvent(ctx context.Context, tx *gorm.DB, t *model.Transaction, eventType, reason string) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"reference":  t.Reference,
		"account_id": t.AccountID,
		"amount":     t.Amount,
		"status":     t.Status,
		"last_error": reason,
	})
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate: "Transaction", AggregateID: t.Reference,
		EventType: eventType, Payload: string(payload),
	})
}

func payloadColumn(payload []byte) interface{} {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

// cacheBalance writes the committed balance. If that fails the key is dropped so
// the next read refills it from the database.
func cacheBalance(ctx context.Context, r repo.RepositoryInterface, log *zap.SugaredLogger, accountUUID string, bal int64) {
	err := r.CacheBalance(ctx, accountUUID, bal)
	if err == nil {
		return
	}
	log.Warnf("balance cache write %s: %v", accountUUID, err)
	if err := r.InvalidateBalance(ctx, accountUUID); err != nil {
		log.Warnf("balance cache invalidate %s: %v", accountUUID, err)
	}
}
