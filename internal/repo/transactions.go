package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/wallet-scheduler/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateTransaction inserts record. Deposits carry no execute_at, withdrawals must;
// violations return ErrInvalidTransaction. Withdrawals must also have execute_at
// strictly after now.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction, now time.Time) error {
	switch t.Kind {
	case model.KindDeposit:
		if t.ExecuteAt != nil {
			return fmt.Errorf("%w: deposit must not have execute_at", ErrInvalidTransaction)
		}
	case model.KindWithdraw:
		if t.ExecuteAt == nil {
			return fmt.Errorf("%w: withdrawal requires execute_at", ErrInvalidTransaction)
		}
		if !t.ExecuteAt.After(now) {
			return fmt.Errorf("%w: execute_at must be in the future", ErrInvalidTransaction)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTransaction, t.Kind)
	}
	return tx.WithContext(ctx).Create(t).Error
}

// GetTransactionForUpdate locks transaction row.
func (r *Repository) GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, txnID uint64) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", txnID).First(&t).Error; err != nil {
		return nil, notFound(err, ErrTransactionNotFound)
	}
	return &t, nil
}

// GetTransactionByReference reads a transaction by its external reference.
func (r *Repository) GetTransactionByReference(ctx context.Context, tx *gorm.DB, reference string) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).Where("reference = ?", reference).First(&t).Error; err != nil {
		return nil, notFound(err, ErrTransactionNotFound)
	}
	return &t, nil
}

// ListTransactions returns all transactions of an account, newest first.
func (r *Repository) ListTransactions(ctx context.Context, accountID uint64) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Find(&txs).Error
	return txs, err
}

// UpdateTransactionStatus moves t to status `to` together with extra column updates.
// The caller must hold the row lock on t.
func (r *Repository) UpdateTransactionStatus(ctx context.Context, tx *gorm.DB, t *model.Transaction, to model.Status, fields map[string]interface{}) error {
	if err := model.CheckTransition(t.Status, to); err != nil {
		return err
	}
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", t.ID, t.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: txn %d no longer %s", model.ErrInvalidTransition, t.ID, t.Status)
	}
	t.Status = to
	return nil
}

// FetchDueWithdrawalIDs lists scheduled withdrawals whose execute_at has passed.
func (r *Repository) FetchDueWithdrawalIDs(ctx context.Context, now time.Time, limit int) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("kind = ? AND status = ? AND execute_at <= ?", model.KindWithdraw, model.StatusScheduled, now).
		Order("execute_at ASC, id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// FetchStaleProcessingIDs lists withdrawals stuck in PROCESSING since before cutoff.
func (r *Repository) FetchStaleProcessingIDs(ctx context.Context, cutoff time.Time, limit int) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("kind = ? AND status = ? AND updated_at < ?", model.KindWithdraw, model.StatusProcessing, cutoff).
		Order("updated_at ASC, id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
