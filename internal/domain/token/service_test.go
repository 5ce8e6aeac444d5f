package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/vksha/carnival-api/internal/domain/leaderboard"
)

var testRecharge = RechargeConfig{Ratio: 2, MinRecharge: 1, MaxRecharge: 10000}

type stubPoints struct {
	mu      sync.Mutex
	entries []leaderboard.Entry
}

func (s *stubPoints) Record(_ context.Context, entries ...leaderboard.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func newTestService(t *testing.T) (*Service, *MemoryRepository, *stubPoints) {
	t.Helper()
	repo := NewMemoryRepository()
	points := &stubPoints{}
	return NewService(repo, nil, points, testRecharge), repo, points
}

func fund(t *testing.T, svc *Service, userID uuid.UUID, amount float64) *Account {
	t.Helper()
	if _, err := svc.Recharge(context.Background(), RechargeInput{UserID: userID, Amount: amount}); err != nil {
		t.Fatalf("recharge failed: %v", err)
	}
	acct, err := svc.Account(context.Background(), userID)
	if err != nil {
		t.Fatalf("account failed: %v", err)
	}
	return acct
}

func assertConsistent(t *testing.T, repo Repository, id uuid.UUID) *Account {
	t.Helper()
	acct, err := repo.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("get account failed: %v", err)
	}
	if !acct.Consistent() {
		t.Fatalf("balance identity broken: %+v", acct)
	}
	return acct
}

func TestRechargeConvertsByRatio(t *testing.T) {
	svc, repo, _ := newTestService(t)
	userID := uuid.New()

	result, err := svc.Recharge(context.Background(), RechargeInput{UserID: userID, Amount: 100})
	if err != nil {
		t.Fatalf("recharge failed: %v", err)
	}
	if result.TokensAdded != 200 || result.Balance.Balance != 200 || result.Balance.TotalRecharged != 200 {
		t.Fatalf("expected +200 tokens, got %+v", result)
	}
	if result.Transaction.Type != TransactionTypeRecharge || result.Transaction.Status != TransactionCompleted {
		t.Fatalf("unexpected recharge record: %+v", result.Transaction)
	}

	acct, _ := svc.Account(context.Background(), userID)
	assertConsistent(t, repo, acct.ID)
}

func TestRechargeRejectsOutOfRangeAmounts(t *testing.T) {
	svc, _, _ := newTestService(t)
	for _, amount := range []float64{0, -5, 0.2, 20000} {
		_, err := svc.Recharge(context.Background(), RechargeInput{UserID: uuid.New(), Amount: amount})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %v: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestRechargeByUnknownCode(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Recharge(context.Background(), RechargeInput{Code: "ZZZZZZZZ", Amount: 10})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAccountIsStable(t *testing.T) {
	svc, _, _ := newTestService(t)
	userID := uuid.New()

	first, err := svc.Account(context.Background(), userID)
	if err != nil {
		t.Fatalf("account failed: %v", err)
	}
	second, _ := svc.Account(context.Background(), userID)
	if first.ID != second.ID || first.Code != second.Code || first.ShortCode != second.ShortCode {
		t.Fatalf("expected the same account, got %+v and %+v", first, second)
	}
	if len(first.ShortCode) != shortCodeLength {
		t.Fatalf("expected %d-char short code, got %q", shortCodeLength, first.ShortCode)
	}
}

func TestPaymentLifecycleByShortCode(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	payer := fund(t, svc, uuid.New(), 50) // 100 tokens
	operator := Actor{UserID: uuid.New(), Role: "shopkeeper"}

	txn, err := svc.Initiate(ctx, InitiateInput{InitiatorID: operator.UserID, Code: payer.ShortCode, Tokens: 30, Description: "ring toss"})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if txn.Status != TransactionPending {
		t.Fatalf("expected pending, got %s", txn.Status)
	}
	if view, _ := svc.Balance(ctx, payer.UserID); view.Balance != 100 {
		t.Fatalf("initiate must not debit, balance %d", view.Balance)
	}

	done, err := svc.Complete(ctx, operator, txn.ID, nil)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.Status != TransactionCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected completed payment: %+v", done)
	}
	acct := assertConsistent(t, repo, payer.ID)
	if acct.Balance != 70 || acct.TotalSpent != 30 {
		t.Fatalf("expected balance 70 spent 30, got %+v", acct)
	}

	if _, err := svc.Complete(ctx, operator, txn.ID, nil); !errors.Is(err, ErrTransactionNotPending) {
		t.Fatalf("expected ErrTransactionNotPending, got %v", err)
	}
	if _, err := svc.Decline(ctx, operator, txn.ID, "late"); !errors.Is(err, ErrTransactionNotPending) {
		t.Fatalf("expected ErrTransactionNotPending, got %v", err)
	}
}

func TestInitiateByFullCode(t *testing.T) {
	svc, _, _ := newTestService(t)
	payer := fund(t, svc, uuid.New(), 10)

	txn, err := svc.Initiate(context.Background(), InitiateInput{InitiatorID: uuid.New(), Code: payer.Code, Tokens: 5})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if txn.AccountID != payer.ID {
		t.Fatalf("resolved wrong account: %s", txn.AccountID)
	}
}

func TestDeclineLeavesBalanceUnchanged(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	payer := fund(t, svc, uuid.New(), 50)
	operator := Actor{UserID: uuid.New(), Role: "shopkeeper"}

	txn, _ := svc.Initiate(ctx, InitiateInput{InitiatorID: operator.UserID, Code: payer.ShortCode, Tokens: 40, Description: "darts"})
	declined, err := svc.Decline(ctx, operator, txn.ID, "changed mind")
	if err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	if declined.Status != TransactionDeclined || declined.Description != "darts (Declined: changed mind)" {
		t.Fatalf("unexpected declined payment: %+v", declined)
	}
	if acct := assertConsistent(t, repo, payer.ID); acct.Balance != 100 {
		t.Fatalf("expected balance 100, got %d", acct.Balance)
	}
}

func TestCompleteFailsAfterBalanceDrainedAndStaysPending(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	payer := fund(t, svc, uuid.New(), 50) // 100 tokens
	operator := Actor{UserID: uuid.New(), Role: "shopkeeper"}

	pending, _ := svc.Initiate(ctx, InitiateInput{InitiatorID: operator.UserID, Code: payer.ShortCode, Tokens: 80})

	other, _ := svc.Initiate(ctx, InitiateInput{InitiatorID: operator.UserID, Code: payer.ShortCode, Tokens: 50})
	if _, err := svc.Complete(ctx, operator, other.ID, nil); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	if _, err := svc.Complete(ctx, operator, pending.ID, nil); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	still, _ := svc.Transaction(ctx, pending.ID)
	if still.Status != TransactionPending {
		t.Fatalf("expected payment to stay pending, got %s", still.Status)
	}
	if acct := assertConsistent(t, repo, payer.ID); acct.Balance != 50 {
		t.Fatalf("expected balance 50, got %d", acct.Balance)
	}

	if _, err := svc.Decline(ctx, operator, pending.ID, "insufficient"); err != nil {
		t.Fatalf("decline after failed completion failed: %v", err)
	}
}

func TestGameScoreRules(t *testing.T) {
	svc, _, points := newTestService(t)
	ctx := context.Background()
	payer := fund(t, svc, uuid.New(), 50)
	operator := Actor{UserID: uuid.New(), Role: "shopkeeper"}
	stallID := uuid.New()

	gaming, _ := svc.Initiate(ctx, InitiateInput{InitiatorID: operator.UserID, Code: payer.ShortCode, Tokens: 10, IsGamingStall: true, StallID: &stallID})
	if _, err := svc.Complete(ctx, operator, gaming.ID, nil); !errors.Is(err, ErrGameScoreRequired) {
		t.Fatalf("expected ErrGameScoreRequired, got %v", err)
	}

	score := 85
	done, err := svc.Complete(ctx, operator, gaming.ID, &score)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.GameScore == nil || *done.GameScore != 85 {
		t.Fatalf("expected game score 85, got %v", done.GameScore)
	}
	if len(points.entries) != 1 || points.entries[0].Points != 85 || points.entries[0].Source != leaderboard.SourceGameScore {
		t.Fatalf("expected a game score entry, got %+v", points.entries)
	}

	plain, _ := svc.Initiate(ctx, InitiateInput{InitiatorID: operator.UserID, Code: payer.ShortCode, Tokens: 10})
	if _, err := svc.Complete(ctx, operator, plain.ID, &score); !errors.Is(err, ErrGameScoreNotAllowed) {
		t.Fatalf("expected ErrGameScoreNotAllowed, got %v", err)
	}
}

func TestOnlyInitiatorOrAdminSettles(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	payer := fund(t, svc, uuid.New(), 50)
	owner := Actor{UserID: uuid.New(), Role: "shopkeeper"}

	txn, _ := svc.Initiate(ctx, InitiateInput{InitiatorID: owner.UserID, Code: payer.ShortCode, Tokens: 10})
	stranger := Actor{UserID: uuid.New(), Role: "shopkeeper"}
	if _, err := svc.Complete(ctx, stranger, txn.ID, nil); !errors.Is(err, ErrNotInitiator) {
		t.Fatalf("expected ErrNotInitiator, got %v", err)
	}
	admin := Actor{UserID: uuid.New(), Role: "admin"}
	if _, err := svc.Complete(ctx, admin, txn.ID, nil); err != nil {
		t.Fatalf("admin complete failed: %v", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc, repo, _ := newTestService(t)
	payer := fund(t, svc, uuid.New(), 50) // 100 tokens

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(context.Background(), payer.ID, 3)
			if err == nil {
				succeeded.Add(1)
				return
			}
			if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 33 {
		t.Fatalf("expected 33 debits, got %d", succeeded.Load())
	}
	if acct := assertConsistent(t, repo, payer.ID); acct.Balance != 1 {
		t.Fatalf("expected balance 1, got %d", acct.Balance)
	}
}

func TestConcurrentCompletionsOfOnePayment(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	payer := fund(t, svc, uuid.New(), 50)
	operator := Actor{UserID: uuid.New(), Role: "shopkeeper"}
	txn, _ := svc.Initiate(ctx, InitiateInput{InitiatorID: operator.UserID, Code: payer.ShortCode, Tokens: 20})

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Complete(ctx, operator, txn.ID, nil); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 {
		t.Fatalf("expected exactly one completion, got %d", succeeded.Load())
	}
	if acct := assertConsistent(t, repo, payer.ID); acct.Balance != 80 {
		t.Fatalf("expected balance 80, got %d", acct.Balance)
	}
}

func TestRefundOnce(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	payer := fund(t, svc, uuid.New(), 50)
	operator := Actor{UserID: uuid.New(), Role: "shopkeeper"}

	txn, _ := svc.Initiate(ctx, InitiateInput{InitiatorID: operator.UserID, Code: payer.ShortCode, Tokens: 25})
	if _, err := svc.Refund(ctx, txn.ID, "", nil); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable for a pending payment, got %v", err)
	}
	if _, err := svc.Complete(ctx, operator, txn.ID, nil); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	refund, err := svc.Refund(ctx, txn.ID, "ride broke down", nil)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refund.RefundOf == nil || *refund.RefundOf != txn.ID || refund.TokensUsed != 25 {
		t.Fatalf("unexpected refund: %+v", refund)
	}
	if _, err := svc.Refund(ctx, txn.ID, "again", nil); !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}

	acct := assertConsistent(t, repo, payer.ID)
	if acct.Balance != 100 || acct.TotalRefunded != 25 {
		t.Fatalf("expected balance 100 refunded 25, got %+v", acct)
	}
}

func TestChargeWithoutFundsLeavesNothingPending(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	payer := fund(t, svc, uuid.New(), 25) // 50 tokens

	if _, err := svc.Charge(ctx, payer.UserID, 80, uuid.New(), "Participation"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := svc.Charge(ctx, uuid.New(), 10, uuid.New(), "Participation"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for a user without an account, got %v", err)
	}

	pending, _ := repo.ListTransactions(ctx, TransactionFilter{Status: TransactionPending})
	if len(pending) != 0 {
		t.Fatalf("expected no pending payments, got %d", len(pending))
	}
	if acct := assertConsistent(t, repo, payer.ID); acct.Balance != 50 {
		t.Fatalf("expected balance 50, got %d", acct.Balance)
	}
}

func TestStallStats(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	operator := Actor{UserID: uuid.New(), Role: "shopkeeper"}
	stallID := uuid.New()

	a := fund(t, svc, uuid.New(), 50)
	b := fund(t, svc, uuid.New(), 50)
	for i, payer := range []*Account{a, a, b} {
		txn, _ := svc.Initiate(ctx, InitiateInput{InitiatorID: operator.UserID, Code: payer.ShortCode, Tokens: 10, IsGamingStall: true, StallID: &stallID})
		score := (i + 1) * 10
		if _, err := svc.Complete(ctx, operator, txn.ID, &score); err != nil {
			t.Fatalf("complete failed: %v", err)
		}
	}

	stats, err := svc.StallStats(ctx, stallID)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalVisits != 3 || stats.TotalTokensCollected != 30 || stats.UniqueUsers != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.TotalScore != 60 || stats.AverageScore != 20 {
		t.Fatalf("unexpected score stats: %+v", stats)
	}
}

func TestHistoryDefaultsAndFilters(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	payer := fund(t, svc, userID, 50)
	operator := Actor{UserID: uuid.New(), Role: "shopkeeper"}
	txn, _ := svc.Initiate(ctx, InitiateInput{InitiatorID: operator.UserID, Code: payer.ShortCode, Tokens: 5})
	_, _ = svc.Complete(ctx, operator, txn.ID, nil)

	all, err := svc.History(ctx, userID, "", 0)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(all) != 2 || all[0].Type != TransactionTypePayment {
		t.Fatalf("expected newest-first history of 2, got %+v", all)
	}
	recharges, _ := svc.History(ctx, userID, TransactionTypeRecharge, 0)
	if len(recharges) != 1 {
		t.Fatalf("expected 1 recharge, got %d", len(recharges))
	}
	none, _ := svc.History(ctx, uuid.New(), "", 0)
	if len(none) != 0 {
		t.Fatalf("expected empty history, got %d", len(none))
	}
}
