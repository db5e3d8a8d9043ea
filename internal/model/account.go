package model

import "time"

// Account holds a non-negative balance in minor currency units.
type Account struct {
	ID        uint64    `gorm:"primaryKey;column:id"`
	UUID      string    `gorm:"size:36;not null;uniqueIndex"`
	Balance   int64     `gorm:"not null;default:0;check:chk_account_balance_non_negative,balance >= 0"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Account) TableName() string { return "account" }
