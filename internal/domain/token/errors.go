package token

import "errors"

var (
	ErrAccountNotFound       = errors.New("token account not found")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientFunds     = errors.New("insufficient tokens")
	ErrTransactionNotPending = errors.New("transaction is not pending")
	ErrGameScoreRequired     = errors.New("game score is required for gaming stall payments")
	ErrGameScoreNotAllowed   = errors.New("game score is only accepted for gaming stall payments")
	ErrNotInitiator          = errors.New("only the initiating operator can settle this payment")
	ErrNotRefundable         = errors.New("only completed payments can be refunded")
	ErrAlreadyRefunded       = errors.New("payment already refunded")

	// ErrConcurrentUpdate means the version compare-and-set kept losing.
	ErrConcurrentUpdate = errors.New("account updated concurrently, retry")
	ErrCodeCollision    = errors.New("account code already taken")
)
