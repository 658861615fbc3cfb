package store

import (
	"context"
	"errors"
	"time"

	"github.com/visapay/visapay/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate record")
	ErrConflict          = errors.New("record changed concurrently")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrCorrupt           = errors.New("stored row has an unknown status")
)

// Queries is every read and write the services perform against the ledger.
// Lock* methods take a row lock that is held until the surrounding WithTx
// unit ends; outside a unit they behave like the plain getters.
type Queries interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	LockUser(ctx context.Context, id string) (*domain.User, error)
	FindUserByIdentifier(ctx context.Context, identifier string) (*domain.User, error)
	// AdjustBalance adds delta to the user's balance and fails with
	// ErrInsufficientFunds instead of letting it drop below zero.
	AdjustBalance(ctx context.Context, id string, delta int64) error
	SetPaymentPin(ctx context.Context, id, pinHash string, at time.Time) error
	BalanceSummary(ctx context.Context, userID string) (*domain.BalanceSummary, error)

	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	LockTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	// FindInFlightTransaction returns the newest PENDING or PROCESSING
	// transaction for the triple and reference created at or after since.
	// An empty reference matches only transactions without one.
	FindInFlightTransaction(ctx context.Context, fromUserID, toUserID string, amount int64, reference string, since time.Time) (*domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status domain.TransactionStatus, failureReason *string, completedAt *time.Time) error
	// AbortTransaction moves a transaction that is neither COMPLETED nor
	// CANCELLED to status. It returns ErrConflict for final transactions.
	AbortTransaction(ctx context.Context, id string, status domain.TransactionStatus, failureReason *string) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error)

	CreateAttempt(ctx context.Context, a *domain.TransactionAttempt) error
	FinishAttempt(ctx context.Context, transactionID string, attemptNumber int, status domain.AttemptStatus, errMsg, errCode *string) error
	// RecordFailedAttempt inserts a as FAILED, or flips an existing
	// PROCESSING row with the same number to FAILED.
	RecordFailedAttempt(ctx context.Context, a *domain.TransactionAttempt) error
	ListAttempts(ctx context.Context, transactionID string) ([]domain.TransactionAttempt, error)
	LastAttemptNumber(ctx context.Context, transactionID string) (int, error)

	CreateSession(ctx context.Context, s *domain.PaymentSession) error
	GetSession(ctx context.Context, token string) (*domain.PaymentSession, error)
	LockSession(ctx context.Context, token string) (*domain.PaymentSession, error)
	// UpdateSessionStatus moves a session out of expect. It returns
	// ErrConflict when the stored status is no longer expect.
	UpdateSessionStatus(ctx context.Context, token string, expect, status domain.SessionStatus, completedAt *time.Time) error
	ExpireSessions(ctx context.Context, now time.Time) (int64, error)

	CreateRequest(ctx context.Context, r *domain.MoneyRequest) error
	GetRequest(ctx context.Context, id string) (*domain.MoneyRequest, error)
	LockRequest(ctx context.Context, id string) (*domain.MoneyRequest, error)
	// UpdateRequestStatus moves a request out of expect. It returns
	// ErrConflict when the stored status is no longer expect.
	UpdateRequestStatus(ctx context.Context, id string, expect, status domain.RequestStatus, respondedAt *time.Time, transactionID *string) error
	ListRequestsSent(ctx context.Context, userID string) ([]domain.MoneyRequest, error)
	ListRequestsReceived(ctx context.Context, userID string) ([]domain.MoneyRequest, error)
	ExpireRequests(ctx context.Context, now time.Time) (int64, error)
}

// Ledger is the store handle injected into every service. Calls made
// directly on it auto-commit; WithTx runs fn as one all-or-nothing unit and
// rolls back when fn returns an error.
type Ledger interface {
	Queries
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Close()
}
