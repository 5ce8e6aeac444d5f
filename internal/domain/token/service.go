package token

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vksha/carnival-api/internal/domain/identity"
	"github.com/vksha/carnival-api/internal/domain/leaderboard"
	"github.com/vksha/carnival-api/internal/domain/realtime"
	"github.com/vksha/carnival-api/internal/pkg/logger"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200

	shortCodeLength   = 8
	createAttempts    = 3
	abortedChargeNote = "participation aborted"
)

var (
	rechargesTotal         = expvar.NewInt("token_recharges_total")
	paymentsCompletedTotal = expvar.NewInt("token_payments_completed_total")
	paymentsDeclinedTotal  = expvar.NewInt("token_payments_declined_total")
	insufficientFundsTotal = expvar.NewInt("token_insufficient_funds_total")
	refundsTotal           = expvar.NewInt("token_refunds_total")
)

// PointsRecorder receives game scores as leaderboard points.
type PointsRecorder interface {
	Record(ctx context.Context, entries ...leaderboard.Entry) error
}

// Actor is the operator acting on a payment.
type Actor struct {
	UserID uuid.UUID
	Role   string
}

func (a Actor) isAdmin() bool { return a.Role == "admin" }

type Service struct {
	repo     Repository
	resolver *identity.Resolver
	notifier realtime.Notifier
	points   PointsRecorder
	recharge RechargeConfig
	now      func() time.Time
}

func NewService(repo Repository, notifier realtime.Notifier, points PointsRecorder, recharge RechargeConfig) *Service {
	if notifier == nil {
		notifier = realtime.NopNotifier{}
	}
	return &Service{
		repo:     repo,
		resolver: identity.NewResolver(repo),
		notifier: notifier,
		points:   points,
		recharge: recharge,
		now:      time.Now,
	}
}

// Account returns the user's account, creating it on first use.
func (s *Service) Account(ctx context.Context, userID uuid.UUID) (*Account, error) {
	acct, err := s.repo.GetAccountByUserID(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		shortCode, err := identity.GenerateShortCode(shortCodeLength)
		if err != nil {
			return nil, fmt.Errorf("generate short code: %w", err)
		}
		now := s.now()
		acct, err = s.repo.CreateAccount(ctx, &Account{
			ID:        uuid.New(),
			UserID:    userID,
			Code:      accountCode(userID, now),
			ShortCode: shortCode,
			CreatedAt: now,
		})
		if errors.Is(err, ErrCodeCollision) {
			continue
		}
		if err != nil {
			return nil, err
		}
		logger.FromContext(ctx).Info().
			Str("user_id", userID.String()).
			Str("account_id", acct.ID.String()).
			Msg("Token account ready")
		return acct, nil
	}
	return nil, ErrCodeCollision
}

// Balance returns zeros for users who never recharged.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (BalanceView, error) {
	acct, err := s.repo.GetAccountByUserID(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return BalanceView{}, nil
	}
	if err != nil {
		return BalanceView{}, err
	}
	return viewOf(acct), nil
}

func (s *Service) History(ctx context.Context, userID uuid.UUID, txnType TransactionType, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	acct, err := s.repo.GetAccountByUserID(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return []*Transaction{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(ctx, TransactionFilter{AccountID: &acct.ID, Type: txnType, Limit: limit})
}

func (s *Service) resolveAccount(ctx context.Context, code string) (*Account, error) {
	id, err := s.resolver.Resolve(ctx, code)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.repo.GetAccount(ctx, id)
}

type RechargeInput struct {
	// Either UserID or Code names the account. A code must already exist; a
	// user id gets an account on demand.
	UserID      uuid.UUID
	Code        string
	Amount      float64
	InitiatorID *uuid.UUID
}

type RechargeResult struct {
	TokensAdded int64        `json:"tokensAdded"`
	Balance     BalanceView  `json:"balance"`
	Transaction *Transaction `json:"transaction"`
}

func (s *Service) Recharge(ctx context.Context, in RechargeInput) (*RechargeResult, error) {
	tokens, err := s.recharge.Tokens(in.Amount)
	if err != nil {
		return nil, err
	}

	var acct *Account
	if in.Code != "" {
		acct, err = s.resolveAccount(ctx, in.Code)
	} else {
		acct, err = s.Account(ctx, in.UserID)
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	txn := &Transaction{
		ID:          uuid.New(),
		AccountID:   acct.ID,
		UserID:      acct.UserID,
		Type:        TransactionTypeRecharge,
		TokensUsed:  tokens,
		Status:      TransactionCompleted,
		InitiatorID: in.InitiatorID,
		Description: fmt.Sprintf("Recharged %.2f for %d tokens", in.Amount, tokens),
		CreatedAt:   now,
		CompletedAt: &now,
	}
	updated, err := s.repo.Credit(ctx, txn)
	if err != nil {
		return nil, err
	}
	rechargesTotal.Add(1)

	logger.FromContext(ctx).Info().
		Str("account_id", acct.ID.String()).
		Int64("tokens", tokens).
		Int64("balance", updated.Balance).
		Msg("Tokens recharged")

	s.pushAccount(ctx, updated, txn)
	return &RechargeResult{TokensAdded: tokens, Balance: viewOf(updated), Transaction: txn}, nil
}

// Debit removes tokens from an account, failing with ErrInsufficientFunds
// rather than going negative.
func (s *Service) Debit(ctx context.Context, accountID uuid.UUID, tokens int64) (int64, error) {
	acct, err := s.repo.Debit(ctx, accountID, tokens)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			insufficientFundsTotal.Add(1)
		}
		return 0, err
	}
	s.notifier.ToUser(ctx, acct.UserID, realtime.EventBalance, viewOf(acct))
	return acct.Balance, nil
}

type InitiateInput struct {
	InitiatorID   uuid.UUID
	Code          string
	Tokens        int64
	Description   string
	IsGamingStall bool
	StallID       *uuid.UUID
}

// Initiate opens a pending payment against the account the code names.
// Nothing is debited until Complete.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (*Transaction, error) {
	if in.Tokens <= 0 {
		return nil, ErrInvalidAmount
	}
	acct, err := s.resolveAccount(ctx, in.Code)
	if err != nil {
		return nil, err
	}
	txn, err := s.openPayment(ctx, acct, in)
	if err != nil {
		return nil, err
	}
	s.notifier.ToUser(ctx, acct.UserID, realtime.EventTransaction, txn)
	return txn, nil
}

func (s *Service) openPayment(ctx context.Context, acct *Account, in InitiateInput) (*Transaction, error) {
	initiator := in.InitiatorID
	txn := &Transaction{
		ID:            uuid.New(),
		AccountID:     acct.ID,
		UserID:        acct.UserID,
		Type:          TransactionTypePayment,
		TokensUsed:    in.Tokens,
		Status:        TransactionPending,
		InitiatorID:   &initiator,
		StallID:       in.StallID,
		IsGamingStall: in.IsGamingStall,
		Description:   in.Description,
		CreatedAt:     s.now(),
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info().
		Str("transaction_id", txn.ID.String()).
		Str("account_id", acct.ID.String()).
		Int64("tokens", in.Tokens).
		Msg("Payment initiated")
	return txn, nil
}

func (s *Service) authorize(actor Actor, txn *Transaction) error {
	if actor.isAdmin() {
		return nil
	}
	if txn.InitiatorID == nil || *txn.InitiatorID != actor.UserID {
		return ErrNotInitiator
	}
	return nil
}

// Complete settles a pending payment. Gaming stall payments need a game
// score; other payments must not carry one. If the balance is short the
// payment stays pending.
func (s *Service) Complete(ctx context.Context, actor Actor, txnID uuid.UUID, gameScore *int) (*Transaction, error) {
	txn, err := s.repo.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(actor, txn); err != nil {
		return nil, err
	}
	if txn.Status != TransactionPending {
		return nil, ErrTransactionNotPending
	}
	if txn.IsGamingStall && gameScore == nil {
		return nil, ErrGameScoreRequired
	}
	if !txn.IsGamingStall && gameScore != nil {
		return nil, ErrGameScoreNotAllowed
	}
	return s.complete(ctx, txn.ID, gameScore)
}

func (s *Service) complete(ctx context.Context, txnID uuid.UUID, gameScore *int) (*Transaction, error) {
	done, acct, err := s.repo.CompletePayment(ctx, txnID, gameScore, s.now())
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			insufficientFundsTotal.Add(1)
		}
		return nil, err
	}
	paymentsCompletedTotal.Add(1)

	logger.FromContext(ctx).Info().
		Str("transaction_id", done.ID.String()).
		Int64("tokens", done.TokensUsed).
		Int64("balance", acct.Balance).
		Msg("Payment completed")

	s.pushAccount(ctx, acct, done)
	if done.InitiatorID != nil && *done.InitiatorID != done.UserID {
		s.notifier.ToUser(ctx, *done.InitiatorID, realtime.EventTransaction, done)
	}

	if done.IsGamingStall && done.GameScore != nil && *done.GameScore > 0 && s.points != nil {
		err := s.points.Record(ctx, leaderboard.Entry{
			UserID:   done.UserID,
			StallID:  done.StallID,
			Source:   leaderboard.SourceGameScore,
			SourceID: done.ID,
			Points:   int64(*done.GameScore),
		})
		if err != nil {
			logger.FromContext(ctx).Error().Err(err).Str("transaction_id", done.ID.String()).Msg("Failed to record game score")
		}
	}
	return done, nil
}

// Decline closes a pending payment without moving tokens.
func (s *Service) Decline(ctx context.Context, actor Actor, txnID uuid.UUID, reason string) (*Transaction, error) {
	txn, err := s.repo.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(actor, txn); err != nil {
		return nil, err
	}
	if txn.Status != TransactionPending {
		return nil, ErrTransactionNotPending
	}
	return s.decline(ctx, txn, reason)
}

func (s *Service) decline(ctx context.Context, txn *Transaction, reason string) (*Transaction, error) {
	description := txn.Description
	if reason = strings.TrimSpace(reason); reason != "" {
		if description != "" {
			description += " "
		}
		description += "(Declined: " + reason + ")"
	}

	done, err := s.repo.DeclinePayment(ctx, txn.ID, description, s.now())
	if err != nil {
		return nil, err
	}
	paymentsDeclinedTotal.Add(1)

	logger.FromContext(ctx).Info().
		Str("transaction_id", done.ID.String()).
		Str("reason", reason).
		Msg("Payment declined")

	s.notifier.ToUser(ctx, done.UserID, realtime.EventTransaction, done)
	return done, nil
}

// Refund returns a completed payment's tokens to its payer, at most once.
func (s *Service) Refund(ctx context.Context, paymentID uuid.UUID, reason string, initiatorID *uuid.UUID) (*Transaction, error) {
	payment, err := s.repo.GetTransaction(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Type != TransactionTypePayment || payment.Status != TransactionCompleted {
		return nil, ErrNotRefundable
	}

	description := "Refund"
	if reason = strings.TrimSpace(reason); reason != "" {
		description += ": " + reason
	}
	now := s.now()
	refundOf := payment.ID
	txn := &Transaction{
		ID:          uuid.New(),
		AccountID:   payment.AccountID,
		UserID:      payment.UserID,
		Type:        TransactionTypeRefund,
		TokensUsed:  payment.TokensUsed,
		Status:      TransactionCompleted,
		InitiatorID: initiatorID,
		StallID:     payment.StallID,
		Description: description,
		RefundOf:    &refundOf,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	acct, err := s.repo.Credit(ctx, txn)
	if err != nil {
		return nil, err
	}
	refundsTotal.Add(1)

	logger.FromContext(ctx).Info().
		Str("payment_id", payment.ID.String()).
		Int64("tokens", txn.TokensUsed).
		Msg("Payment refunded")

	s.pushAccount(ctx, acct, txn)
	return txn, nil
}

// Charge debits a user for a stall in one step: open a payment and settle
// it. A payment that cannot settle is declined so nothing stays pending.
func (s *Service) Charge(ctx context.Context, userID uuid.UUID, tokens int64, stallID uuid.UUID, description string) (*Transaction, error) {
	if tokens <= 0 {
		return nil, ErrInvalidAmount
	}
	acct, err := s.repo.GetAccountByUserID(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		insufficientFundsTotal.Add(1)
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, err
	}
	if acct.Balance < tokens {
		insufficientFundsTotal.Add(1)
		return nil, ErrInsufficientFunds
	}

	txn, err := s.openPayment(ctx, acct, InitiateInput{
		InitiatorID: userID,
		Tokens:      tokens,
		Description: description,
		StallID:     &stallID,
	})
	if err != nil {
		return nil, err
	}

	done, err := s.complete(ctx, txn.ID, nil)
	if err != nil {
		if _, derr := s.decline(ctx, txn, abortedChargeNote); derr != nil {
			logger.FromContext(ctx).Error().Err(derr).Str("transaction_id", txn.ID.String()).Msg("Failed to decline aborted charge")
		}
		return nil, err
	}
	return done, nil
}

// Pending lists the operator's payments still awaiting a decision.
func (s *Service) Pending(ctx context.Context, initiatorID uuid.UUID) ([]*Transaction, error) {
	return s.repo.ListTransactions(ctx, TransactionFilter{InitiatorID: &initiatorID, Status: TransactionPending})
}

func (s *Service) Transactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	if filter.Limit <= 0 || filter.Limit > MaxHistoryLimit {
		filter.Limit = MaxHistoryLimit
	}
	return s.repo.ListTransactions(ctx, filter)
}

func (s *Service) Transaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// StallStats aggregates completed payments taken at a stall.
func (s *Service) StallStats(ctx context.Context, stallID uuid.UUID) (*StallVisitStats, error) {
	txns, err := s.repo.ListTransactions(ctx, TransactionFilter{
		StallID: &stallID,
		Type:    TransactionTypePayment,
		Status:  TransactionCompleted,
	})
	if err != nil {
		return nil, err
	}

	stats := &StallVisitStats{StallID: stallID}
	users := make(map[uuid.UUID]struct{})
	scored := 0
	for _, t := range txns {
		stats.TotalVisits++
		stats.TotalTokensCollected += t.TokensUsed
		users[t.UserID] = struct{}{}
		if t.GameScore != nil {
			stats.TotalScore += int64(*t.GameScore)
			scored++
		}
	}
	stats.UniqueUsers = len(users)
	if scored > 0 {
		stats.AverageScore = float64(stats.TotalScore) / float64(scored)
	}
	return stats, nil
}

func (s *Service) pushAccount(ctx context.Context, acct *Account, txn *Transaction) {
	s.notifier.ToUser(ctx, acct.UserID, realtime.EventBalance, viewOf(acct))
	s.notifier.ToUser(ctx, acct.UserID, realtime.EventTransaction, txn)
}
