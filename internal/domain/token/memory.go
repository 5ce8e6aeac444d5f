package token

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type accountEntry struct {
	mu   sync.Mutex
	acct Account
}

type transactionEntry struct {
	mu  sync.Mutex
	txn Transaction
}

// MemoryRepository keeps the ledger in process. The index lock only guards
// the maps; every balance change holds the account's own mutex, and every
// status change holds the transaction's (taken before the account's).
type MemoryRepository struct {
	mu          sync.RWMutex
	accounts    map[uuid.UUID]*accountEntry
	byUser      map[uuid.UUID]uuid.UUID
	byCode      map[string]uuid.UUID
	byShortCode map[string]uuid.UUID
	txns        map[uuid.UUID]*transactionEntry
	order       []uuid.UUID
	refunded    map[uuid.UUID]bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:    make(map[uuid.UUID]*accountEntry),
		byUser:      make(map[uuid.UUID]uuid.UUID),
		byCode:      make(map[string]uuid.UUID),
		byShortCode: make(map[string]uuid.UUID),
		txns:        make(map[uuid.UUID]*transactionEntry),
		refunded:    make(map[uuid.UUID]bool),
	}
}

func (m *MemoryRepository) account(id uuid.UUID) (*accountEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return e, nil
}

func (m *MemoryRepository) transaction(id uuid.UUID) (*transactionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return e, nil
}

func (e *accountEntry) snapshot() *Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	acct := e.acct
	return &acct
}

func (m *MemoryRepository) CreateAccount(_ context.Context, acct *Account) (*Account, error) {
	m.mu.Lock()
	if id, ok := m.byUser[acct.UserID]; ok {
		e := m.accounts[id]
		m.mu.Unlock()
		return e.snapshot(), nil
	}
	if _, ok := m.byCode[acct.Code]; ok {
		m.mu.Unlock()
		return nil, ErrCodeCollision
	}
	if _, ok := m.byShortCode[acct.ShortCode]; ok {
		m.mu.Unlock()
		return nil, ErrCodeCollision
	}
	stored := *acct
	stored.UpdatedAt = stored.CreatedAt
	m.accounts[stored.ID] = &accountEntry{acct: stored}
	m.byUser[stored.UserID] = stored.ID
	m.byCode[stored.Code] = stored.ID
	m.byShortCode[stored.ShortCode] = stored.ID
	m.mu.Unlock()
	return &stored, nil
}

func (m *MemoryRepository) GetAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	e, err := m.account(id)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

func (m *MemoryRepository) GetAccountByUserID(ctx context.Context, userID uuid.UUID) (*Account, error) {
	m.mu.RLock()
	id, ok := m.byUser[userID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return m.GetAccount(ctx, id)
}

func (m *MemoryRepository) FindIDByCode(_ context.Context, code string) (uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byCode[code], nil
}

func (m *MemoryRepository) FindIDByShortCode(_ context.Context, shortCode string) (uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byShortCode[shortCode], nil
}

func (m *MemoryRepository) Credit(_ context.Context, txn *Transaction) (*Account, error) {
	if txn.TokensUsed <= 0 {
		return nil, ErrInvalidAmount
	}
	e, err := m.account(txn.AccountID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if txn.RefundOf != nil {
		if m.refunded[*txn.RefundOf] {
			m.mu.Unlock()
			return nil, ErrAlreadyRefunded
		}
		m.refunded[*txn.RefundOf] = true
	}
	m.mu.Unlock()

	e.mu.Lock()
	e.acct.Balance += txn.TokensUsed
	if txn.Type == TransactionTypeRefund {
		e.acct.TotalRefunded += txn.TokensUsed
	} else {
		e.acct.TotalRecharged += txn.TokensUsed
	}
	e.acct.Version++
	e.acct.UpdatedAt = time.Now()
	acct := e.acct
	e.mu.Unlock()

	m.insert(txn)
	return &acct, nil
}

func (m *MemoryRepository) Debit(_ context.Context, accountID uuid.UUID, tokens int64) (*Account, error) {
	e, err := m.account(accountID)
	if err != nil {
		return nil, err
	}
	return e.debit(tokens)
}

func (e *accountEntry) debit(tokens int64) (*Account, error) {
	if tokens <= 0 {
		return nil, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acct.Balance < tokens {
		return nil, ErrInsufficientFunds
	}
	e.acct.Balance -= tokens
	e.acct.TotalSpent += tokens
	e.acct.Version++
	e.acct.UpdatedAt = time.Now()
	acct := e.acct
	return &acct, nil
}

func (m *MemoryRepository) insert(txn *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[txn.ID] = &transactionEntry{txn: *txn}
	m.order = append(m.order, txn.ID)
}

func (m *MemoryRepository) CreateTransaction(_ context.Context, txn *Transaction) error {
	if _, err := m.account(txn.AccountID); err != nil {
		return err
	}
	m.insert(txn)
	return nil
}

func (m *MemoryRepository) GetTransaction(_ context.Context, id uuid.UUID) (*Transaction, error) {
	e, err := m.transaction(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	txn := e.txn
	return &txn, nil
}

func (m *MemoryRepository) CompletePayment(_ context.Context, id uuid.UUID, gameScore *int, at time.Time) (*Transaction, *Account, error) {
	te, err := m.transaction(id)
	if err != nil {
		return nil, nil, err
	}
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.txn.Status != TransactionPending {
		return nil, nil, ErrTransactionNotPending
	}

	ae, err := m.account(te.txn.AccountID)
	if err != nil {
		return nil, nil, err
	}
	acct, err := ae.debit(te.txn.TokensUsed)
	if err != nil {
		return nil, nil, err
	}

	te.txn.Status = TransactionCompleted
	te.txn.GameScore = gameScore
	te.txn.CompletedAt = &at
	txn := te.txn
	return &txn, acct, nil
}

func (m *MemoryRepository) DeclinePayment(_ context.Context, id uuid.UUID, description string, at time.Time) (*Transaction, error) {
	te, err := m.transaction(id)
	if err != nil {
		return nil, err
	}
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.txn.Status != TransactionPending {
		return nil, ErrTransactionNotPending
	}
	te.txn.Status = TransactionDeclined
	te.txn.Description = description
	te.txn.CompletedAt = &at
	txn := te.txn
	return &txn, nil
}

func (m *MemoryRepository) ListTransactions(_ context.Context, filter TransactionFilter) ([]*Transaction, error) {
	m.mu.RLock()
	entries := make([]*transactionEntry, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		entries = append(entries, m.txns[m.order[i]])
	}
	m.mu.RUnlock()

	txns := []*Transaction{}
	for _, e := range entries {
		e.mu.Lock()
		txn := e.txn
		e.mu.Unlock()
		if !filter.matches(&txn) {
			continue
		}
		txns = append(txns, &txn)
		if filter.Limit > 0 && len(txns) == filter.Limit {
			break
		}
	}
	return txns, nil
}
