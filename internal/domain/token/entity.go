package token

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type TransactionType string

const (
	TransactionTypeRecharge TransactionType = "recharge"
	TransactionTypePayment  TransactionType = "payment"
	TransactionTypeRefund   TransactionType = "refund"
)

// TransactionStatus is the payment lifecycle: pending → completed | declined.
// Recharges and refunds are born completed.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionDeclined  TransactionStatus = "declined"
)

// CanTransitionTo reports whether s may move to next.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	return s == TransactionPending && (next == TransactionCompleted || next == TransactionDeclined)
}

func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionCompleted || s == TransactionDeclined
}

// Account is a user's token balance holder.
// Invariant: Balance == TotalRecharged - TotalSpent + TotalRefunded >= 0.
type Account struct {
	ID             uuid.UUID `db:"id" json:"id"`
	UserID         uuid.UUID `db:"user_id" json:"userId"`
	Balance        int64     `db:"balance" json:"balance"`
	TotalRecharged int64     `db:"total_recharged" json:"totalRecharged"`
	TotalSpent     int64     `db:"total_spent" json:"totalSpent"`
	TotalRefunded  int64     `db:"total_refunded" json:"totalRefunded"`
	Code           string    `db:"code" json:"qrCode"`
	ShortCode      string    `db:"short_code" json:"shortCode"`
	Version        int64     `db:"version" json:"version"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// Consistent checks the balance identity.
func (a *Account) Consistent() bool {
	return a.Balance >= 0 && a.Balance == a.TotalRecharged-a.TotalSpent+a.TotalRefunded
}

func accountCode(userID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("VKSHA-USER-%s-%d", userID, at.UnixMilli())
}

type Transaction struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	AccountID     uuid.UUID         `db:"account_id" json:"accountId"`
	UserID        uuid.UUID         `db:"user_id" json:"userId"`
	Type          TransactionType   `db:"type" json:"type"`
	TokensUsed    int64             `db:"tokens_used" json:"tokensUsed"`
	Status        TransactionStatus `db:"status" json:"status"`
	InitiatorID   *uuid.UUID        `db:"initiator_id" json:"initiatorId,omitempty"`
	StallID       *uuid.UUID        `db:"stall_id" json:"stallId,omitempty"`
	IsGamingStall bool              `db:"is_gaming_stall" json:"isGamingStall"`
	GameScore     *int              `db:"game_score" json:"gameScore,omitempty"`
	Description   string            `db:"description" json:"description"`
	RefundOf      *uuid.UUID        `db:"refund_of" json:"refundOf,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"createdAt"`
	CompletedAt   *time.Time        `db:"completed_at" json:"completedAt,omitempty"`
}

// RechargeConfig is the event-level money→token conversion.
type RechargeConfig struct {
	Ratio       float64
	MinRecharge float64
	MaxRecharge float64
}

// Tokens converts an amount of money into tokens, floor(amount * ratio).
func (c RechargeConfig) Tokens(amount float64) (int64, error) {
	if amount <= 0 || amount < c.MinRecharge || amount > c.MaxRecharge {
		return 0, ErrInvalidAmount
	}
	tokens := int64(math.Floor(amount * c.Ratio))
	if tokens <= 0 {
		return 0, ErrInvalidAmount
	}
	return tokens, nil
}

// TransactionFilter narrows ListTransactions. Zero fields match everything.
type TransactionFilter struct {
	AccountID   *uuid.UUID
	UserID      *uuid.UUID
	InitiatorID *uuid.UUID
	StallID     *uuid.UUID
	Type        TransactionType
	Status      TransactionStatus
	Limit       int
}

func (f TransactionFilter) matches(t *Transaction) bool {
	if f.AccountID != nil && t.AccountID != *f.AccountID {
		return false
	}
	if f.UserID != nil && t.UserID != *f.UserID {
		return false
	}
	if f.InitiatorID != nil && (t.InitiatorID == nil || *t.InitiatorID != *f.InitiatorID) {
		return false
	}
	if f.StallID != nil && (t.StallID == nil || *t.StallID != *f.StallID) {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// BalanceView is the read model behind GET /tokens/balance.
type BalanceView struct {
	Balance        int64 `json:"balance"`
	TotalRecharged int64 `json:"totalRecharged"`
	TotalSpent     int64 `json:"totalSpent"`
	TotalRefunded  int64 `json:"totalRefunded"`
}

func viewOf(a *Account) BalanceView {
	if a == nil {
		return BalanceView{}
	}
	return BalanceView{
		Balance:        a.Balance,
		TotalRecharged: a.TotalRecharged,
		TotalSpent:     a.TotalSpent,
		TotalRefunded:  a.TotalRefunded,
	}
}

// StallVisitStats summarises completed payments at one stall.
type StallVisitStats struct {
	StallID              uuid.UUID `json:"stallId"`
	TotalVisits          int       `json:"totalVisits"`
	TotalTokensCollected int64     `json:"totalTokensCollected"`
	UniqueUsers          int       `json:"uniqueUsers"`
	TotalScore           int64     `json:"totalScore"`
	AverageScore         float64   `json:"averageScore"`
}
