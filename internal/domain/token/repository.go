package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	queryTimeout = 3 * time.Second

	// maxCASAttempts bounds the version compare-and-set loop in debit.
	maxCASAttempts = 5
)

// Repository is the token ledger's persistence boundary. Every method that
// moves tokens also keeps the account's balance identity and version.
type Repository interface {
	// CreateAccount inserts acct unless the user already has one, and returns
	// the stored account either way.
	CreateAccount(ctx context.Context, acct *Account) (*Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	GetAccountByUserID(ctx context.Context, userID uuid.UUID) (*Account, error)
	FindIDByCode(ctx context.Context, code string) (uuid.UUID, error)
	FindIDByShortCode(ctx context.Context, shortCode string) (uuid.UUID, error)

	// Credit adds txn.TokensUsed to the account and records txn as completed.
	// txn.Type selects the counter: recharge or refund.
	Credit(ctx context.Context, txn *Transaction) (*Account, error)
	// Debit removes tokens without recording a transaction.
	Debit(ctx context.Context, accountID uuid.UUID, tokens int64) (*Account, error)

	CreateTransaction(ctx context.Context, txn *Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	// CompletePayment debits the payer and marks the pending payment completed
	// in one unit. On any error the payment is left untouched.
	CompletePayment(ctx context.Context, id uuid.UUID, gameScore *int, at time.Time) (*Transaction, *Account, error)
	DeclinePayment(ctx context.Context, id uuid.UUID, description string, at time.Time) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)
}

const (
	accountColumns = `id, user_id, balance, total_recharged, total_spent, total_refunded,
		code, short_code, version, created_at, updated_at`
	transactionColumns = `id, account_id, user_id, type, tokens_used, status, initiator_id,
		stall_id, is_gaming_stall, game_score, description, refund_of, created_at, completed_at`
)

type PostgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || strings.Contains(pqErr.Constraint, constraint)
}

func (r *PostgresRepository) CreateAccount(ctx context.Context, acct *Account) (*Account, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_accounts (id, user_id, code, short_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id) DO NOTHING
	`, acct.ID, acct.UserID, acct.Code, acct.ShortCode, acct.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, ErrCodeCollision
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}

	var stored Account
	err = r.db.GetContext(ctx, &stored, `SELECT `+accountColumns+` FROM token_accounts WHERE user_id = $1`, acct.UserID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return &stored, nil
}

func (r *PostgresRepository) getAccount(ctx context.Context, where string, arg any) (*Account, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var acct Account
	err := r.db.GetContext(ctx, &acct, `SELECT `+accountColumns+` FROM token_accounts WHERE `+where+` = $1`, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *PostgresRepository) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	return r.getAccount(ctx, "id", id)
}

func (r *PostgresRepository) GetAccountByUserID(ctx context.Context, userID uuid.UUID) (*Account, error) {
	return r.getAccount(ctx, "user_id", userID)
}

func (r *PostgresRepository) findID(ctx context.Context, column, value string) (uuid.UUID, error) {
	acct, err := r.getAccount(ctx, column, value)
	if errors.Is(err, ErrAccountNotFound) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return acct.ID, nil
}

func (r *PostgresRepository) FindIDByCode(ctx context.Context, code string) (uuid.UUID, error) {
	return r.findID(ctx, "code", code)
}

func (r *PostgresRepository) FindIDByShortCode(ctx context.Context, shortCode string) (uuid.UUID, error) {
	return r.findID(ctx, "short_code", shortCode)
}

func (r *PostgresRepository) Credit(ctx context.Context, txn *Transaction) (*Account, error) {
	if txn.TokensUsed <= 0 {
		return nil, ErrInvalidAmount
	}
	counter := "total_recharged"
	if txn.Type == TransactionTypeRefund {
		counter = "total_refunded"
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var acct Account
	err = tx.GetContext(ctx, &acct, `
		UPDATE token_accounts
		SET balance = balance + $2, `+counter+` = `+counter+` + $2,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING `+accountColumns, txn.AccountID, txn.TokensUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credit account: %w", err)
	}

	if err := insertTransaction(ctx, tx, txn); err != nil {
		if isUniqueViolation(err, "refund_of") {
			return nil, ErrAlreadyRefunded
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &acct, nil
}

func (r *PostgresRepository) Debit(ctx context.Context, accountID uuid.UUID, tokens int64) (*Account, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return debit(ctx, r.db, accountID, tokens)
}

// debit is a version compare-and-set: read, check the balance, then update
// only if nobody bumped the version in between. Losers re-read and retry.
func debit(ctx context.Context, q sqlx.ExtContext, accountID uuid.UUID, tokens int64) (*Account, error) {
	if tokens <= 0 {
		return nil, ErrInvalidAmount
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var current Account
		err := sqlx.GetContext(ctx, q, &current, `SELECT `+accountColumns+` FROM token_accounts WHERE id = $1`, accountID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load account: %w", err)
		}
		if current.Balance < tokens {
			return nil, ErrInsufficientFunds
		}

		var updated Account
		err = sqlx.GetContext(ctx, q, &updated, `
			UPDATE token_accounts
			SET balance = balance - $3, total_spent = total_spent + $3,
			    version = version + 1, updated_at = NOW()
			WHERE id = $1 AND version = $2 AND balance >= $3
			RETURNING `+accountColumns, accountID, current.Version, tokens)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("debit account: %w", err)
		}
		return &updated, nil
	}
	return nil, ErrConcurrentUpdate
}

func insertTransaction(ctx context.Context, q sqlx.ExtContext, txn *Transaction) error {
	_, err := sqlx.NamedExecContext(ctx, q, `
		INSERT INTO token_transactions (`+transactionColumns+`)
		VALUES (:id, :account_id, :user_id, :type, :tokens_used, :status, :initiator_id,
		        :stall_id, :is_gaming_stall, :game_score, :description, :refund_of, :created_at, :completed_at)
	`, txn)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreateTransaction(ctx context.Context, txn *Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return insertTransaction(ctx, r.db, txn)
}

func (r *PostgresRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var txn Transaction
	err := r.db.GetContext(ctx, &txn, `SELECT `+transactionColumns+` FROM token_transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func lockPending(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*Transaction, error) {
	var txn Transaction
	err := tx.GetContext(ctx, &txn, `SELECT `+transactionColumns+` FROM token_transactions WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock transaction: %w", err)
	}
	if txn.Status != TransactionPending {
		return nil, ErrTransactionNotPending
	}
	return &txn, nil
}

func (r *PostgresRepository) CompletePayment(ctx context.Context, id uuid.UUID, gameScore *int, at time.Time) (*Transaction, *Account, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	txn, err := lockPending(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}

	acct, err := debit(ctx, tx, txn.AccountID, txn.TokensUsed)
	if err != nil {
		return nil, nil, err
	}

	var done Transaction
	err = tx.GetContext(ctx, &done, `
		UPDATE token_transactions
		SET status = $2, game_score = $3, completed_at = $4
		WHERE id = $1
		RETURNING `+transactionColumns, id, TransactionCompleted, gameScore, at)
	if err != nil {
		return nil, nil, fmt.Errorf("complete transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit tx: %w", err)
	}
	return &done, acct, nil
}

func (r *PostgresRepository) DeclinePayment(ctx context.Context, id uuid.UUID, description string, at time.Time) (*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := lockPending(ctx, tx, id); err != nil {
		return nil, err
	}

	var done Transaction
	err = tx.GetContext(ctx, &done, `
		UPDATE token_transactions
		SET status = $2, description = $3, completed_at = $4
		WHERE id = $1
		RETURNING `+transactionColumns, id, TransactionDeclined, description, at)
	if err != nil {
		return nil, fmt.Errorf("decline transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &done, nil
}

func (r *PostgresRepository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.AccountID != nil {
		add("account_id = $%d", *filter.AccountID)
	}
	if filter.UserID != nil {
		add("user_id = $%d", *filter.UserID)
	}
	if filter.InitiatorID != nil {
		add("initiator_id = $%d", *filter.InitiatorID)
	}
	if filter.StallID != nil {
		add("stall_id = $%d", *filter.StallID)
	}
	if filter.Type != "" {
		add("type = $%d", filter.Type)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}

	query := `SELECT ` + transactionColumns + ` FROM token_transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	txns := []*Transaction{}
	if err := r.db.SelectContext(ctx, &txns, query, args...); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txns, nil
}
