package repo

import (
	"context"
	"fmt"

	"github.com/richardliu001/wallet-scheduler/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateAccount inserts a new account with zero balance.
func (r *Repository) CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error {
	a.Balance = 0
	return tx.WithContext(ctx).Create(a).Error
}

// GetAccountByUUID reads an account without locking.
func (r *Repository) GetAccountByUUID(ctx context.Context, tx *gorm.DB, uuid string) (*model.Account, error) {
	var a model.Account
	if err := tx.WithContext(ctx).Where("uuid = ?", uuid).First(&a).Error; err != nil {
		return nil, notFound(err, ErrAccountNotFound)
	}
	return &a, nil
}

// GetAccountForUpdate locks account row.
func (r *Repository) GetAccountForUpdate(ctx context.Context, tx *gorm.DB, accountID uint64) (*model.Account, error) {
	var a model.Account
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", accountID).First(&a).Error; err != nil {
		return nil, notFound(err, ErrAccountNotFound)
	}
	return &a, nil
}

// GetAccountByUUIDForUpdate locks account row looked up by its external id.
func (r *Repository) GetAccountByUUIDForUpdate(ctx context.Context, tx *gorm.DB, uuid string) (*model.Account, error) {
	var a model.Account
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("uuid = ?", uuid).First(&a).Error; err != nil {
		return nil, notFound(err, ErrAccountNotFound)
	}
	return &a, nil
}

// Credit increases the balance under the account row lock and returns the new balance.
func (r *Repository) Credit(ctx context.Context, tx *gorm.DB, accountID uint64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit: non-positive amount %d", amount)
	}
	a, err := r.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}
	res := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ?", accountID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return 0, res.Error
	}
	return a.Balance + amount, nil
}

// Debit decreases the balance only when it covers amount; otherwise nothing is written.
func (r *Repository) Debit(ctx context.Context, tx *gorm.DB, accountID uint64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit: non-positive amount %d", amount)
	}
	a, err := r.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}
	if a.Balance < amount {
		return a.Balance, ErrInsufficientFunds
	}
	res := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND balance >= ?", accountID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return a.Balance, ErrInsufficientFunds
	}
	return a.Balance - amount, nil
}
