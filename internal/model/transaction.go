package model

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindDeposit  Kind = "DEPOSIT"
	KindWithdraw Kind = "WITHDRAW"
)

type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// Failure reasons stored in Transaction.LastError.
const (
	ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"
	ReasonGatewayRejected   = "GATEWAY_REJECTED"
	ReasonNetworkError      = "NETWORK_ERROR"
	ReasonStaleProcessing   = "STALE_PROCESSING"
)

// ErrInvalidTransition is returned for any status change outside the transition table.
var ErrInvalidTransition = errors.New("invalid transaction status transition")

var transitions = map[Status][]Status{
	StatusScheduled:  {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusSucceeded, StatusFailed},
}

// CanTransitionTo reports whether s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return len(transitions[s]) == 0 }

// CheckTransition returns ErrInvalidTransition wrapped with both states when the move is not allowed.
func CheckTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

type Transaction struct {
	ID              uint64     `gorm:"primaryKey"`
	Reference       string     `gorm:"size:36;not null;uniqueIndex"`
	AccountID       uint64     `gorm:"not null;index"`
	Account         *Account   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	Kind            Kind       `gorm:"size:16;not null;check:chk_transaction_execute_at,(kind = 'DEPOSIT' AND execute_at IS NULL) OR (kind = 'WITHDRAW' AND execute_at IS NOT NULL)"`
	Status          Status     `gorm:"size:16;not null;index:idx_transaction_status_execute_at,priority:1"`
	Amount          int64      `gorm:"not null;check:chk_transaction_amount_positive,amount > 0"`
	ExecuteAt       *time.Time `gorm:"index:idx_transaction_status_execute_at,priority:2"`
	Attempts        int        `gorm:"not null;default:0"`
	LastError       string     `gorm:"type:text;not null;default:''"`
	GatewayResponse *string    `gorm:"type:jsonb"`
	CreatedAt       time.Time  `gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime"`
}

func (Transaction) TableName() string { return "transaction" }
