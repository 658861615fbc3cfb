package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visapay/visapay/internal/domain"
)

//go:embed schema.sql
var schema string

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the Ledger backed by a pgx connection pool.
type Postgres struct {
	*pgQueries
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{pgQueries: &pgQueries{db: pool}, Db: pool}, nil
}

// EnsureSchema creates missing tables and indexes.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema setup failed: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.Db.Close()
}

// WithTx runs fn at READ COMMITTED. Writers on the same user or transaction
// row are serialized through the Lock* methods (SELECT ... FOR UPDATE).
func (p *Postgres) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := p.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

type pgQueries struct {
	db dbtx
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicate
		case "23514":
			if pgErr.ConstraintName == "users_current_balance_check" {
				return ErrInsufficientFunds
			}
		}
	}
	return err
}

// Users

const userColumns = "id, email, username, name, password_hash, current_balance, payment_pin, pin_set_at, created_at"

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	var pin *string
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.Name, &u.PasswordHash, &u.CurrentBalance, &pin, &u.PinSetAt, &u.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	if pin != nil {
		u.PaymentPin = *pin
	}
	return &u, nil
}

func (q *pgQueries) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := q.db.Exec(ctx,
		"INSERT INTO users (id, email, username, name, password_hash, current_balance, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		u.ID, u.Email, u.Username, u.Name, u.PasswordHash, u.CurrentBalance, u.CreatedAt,
	)
	return translate(err)
}

func (q *pgQueries) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(q.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

func (q *pgQueries) LockUser(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(q.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", id))
}

func (q *pgQueries) FindUserByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	return scanUser(q.db.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = $1 OR username = $1 ORDER BY created_at LIMIT 1",
		identifier))
}

func (q *pgQueries) AdjustBalance(ctx context.Context, id string, delta int64) error {
	tag, err := q.db.Exec(ctx,
		"UPDATE users SET current_balance = current_balance + $1 WHERE id = $2 AND current_balance + $1 >= 0",
		delta, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", id).Scan(&exists); err != nil {
			return translate(err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInsufficientFunds
	}
	return nil
}

func (q *pgQueries) SetPaymentPin(ctx context.Context, id, pinHash string, at time.Time) error {
	tag, err := q.db.Exec(ctx, "UPDATE users SET payment_pin = $1, pin_set_at = $2 WHERE id = $3", pinHash, at, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) BalanceSummary(ctx context.Context, userID string) (*domain.BalanceSummary, error) {
	var s domain.BalanceSummary
	err := q.db.QueryRow(ctx, `
		SELECT u.current_balance,
			COALESCE((SELECT SUM(amount) FROM transactions WHERE from_user_id = u.id AND status = 'COMPLETED'), 0)::BIGINT,
			COALESCE((SELECT SUM(amount) FROM transactions WHERE to_user_id = u.id AND status = 'COMPLETED'), 0)::BIGINT,
			(SELECT COUNT(*) FROM money_requests WHERE from_user_id = u.id AND status = 'PENDING'),
			(SELECT COUNT(*) FROM money_requests WHERE to_user_id = u.id AND status = 'PENDING')
		FROM users u WHERE u.id = $1`, userID,
	).Scan(&s.CurrentBalance, &s.TotalSent, &s.TotalReceived, &s.PendingRequests, &s.PendingIncoming)
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

// Transactions

const transactionColumns = "id, from_user_id, to_user_id, amount, currency, description, type, status, failure_reason, reference, created_at, completed_at"

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.FromUserID, &t.ToUserID, &t.Amount, &t.Currency, &t.Description,
		&t.Type, &t.Status, &t.FailureReason, &t.Reference, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, translate(err)
	}
	if !t.Type.Valid() || !t.Status.Valid() {
		return nil, fmt.Errorf("transaction %s (%s, %s): %w", t.ID, t.Type, t.Status, ErrCorrupt)
	}
	return &t, nil
}

func (q *pgQueries) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	_, err := q.db.Exec(ctx,
		"INSERT INTO transactions ("+transactionColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
		t.ID, t.FromUserID, t.ToUserID, t.Amount, t.Currency, t.Description,
		t.Type, t.Status, t.FailureReason, t.Reference, t.CreatedAt, t.CompletedAt,
	)
	return translate(err)
}

func (q *pgQueries) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id))
}

func (q *pgQueries) LockTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1 FOR UPDATE", id))
}

func (q *pgQueries) FindInFlightTransaction(ctx context.Context, fromUserID, toUserID string, amount int64, reference string, since time.Time) (*domain.Transaction, error) {
	return scanTransaction(q.db.QueryRow(ctx,
		"SELECT "+transactionColumns+` FROM transactions
		WHERE from_user_id = $1 AND to_user_id = $2 AND amount = $3 AND COALESCE(reference, '') = $4
		AND status IN ('PENDING', 'PROCESSING') AND created_at >= $5
		ORDER BY created_at DESC LIMIT 1`,
		fromUserID, toUserID, amount, reference, since))
}

func (q *pgQueries) UpdateTransactionStatus(ctx context.Context, id string, status domain.TransactionStatus, failureReason *string, completedAt *time.Time) error {
	tag, err := q.db.Exec(ctx,
		"UPDATE transactions SET status = $1, failure_reason = COALESCE($2, failure_reason), completed_at = COALESCE($3, completed_at) WHERE id = $4",
		status, failureReason, completedAt, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) AbortTransaction(ctx context.Context, id string, status domain.TransactionStatus, failureReason *string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE transactions SET status = $1, failure_reason = COALESCE($2, failure_reason)
		WHERE id = $3 AND status NOT IN ('COMPLETED', 'CANCELLED')`,
		status, failureReason, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.GetTransaction(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (q *pgQueries) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE from_user_id = $1 OR to_user_id = $1 ORDER BY created_at DESC LIMIT $2",
		userID, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, translate(rows.Err())
}

// Attempts

const attemptColumns = "id, transaction_id, attempt_number, status, error_message, error_code, created_at"

func (q *pgQueries) CreateAttempt(ctx context.Context, a *domain.TransactionAttempt) error {
	_, err := q.db.Exec(ctx,
		"INSERT INTO transaction_attempts ("+attemptColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7)",
		a.ID, a.TransactionID, a.AttemptNumber, a.Status, a.ErrorMessage, a.ErrorCode, a.CreatedAt,
	)
	return translate(err)
}

func (q *pgQueries) FinishAttempt(ctx context.Context, transactionID string, attemptNumber int, status domain.AttemptStatus, errMsg, errCode *string) error {
	tag, err := q.db.Exec(ctx,
		"UPDATE transaction_attempts SET status = $1, error_message = $2, error_code = $3 WHERE transaction_id = $4 AND attempt_number = $5",
		status, errMsg, errCode, transactionID, attemptNumber)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) RecordFailedAttempt(ctx context.Context, a *domain.TransactionAttempt) error {
	_, err := q.db.Exec(ctx,
		"INSERT INTO transaction_attempts ("+attemptColumns+`) VALUES ($1, $2, $3, 'FAILED', $4, $5, $6)
		ON CONFLICT (transaction_id, attempt_number) DO UPDATE
		SET status = 'FAILED', error_message = EXCLUDED.error_message, error_code = EXCLUDED.error_code
		WHERE transaction_attempts.status = 'PROCESSING'`,
		a.ID, a.TransactionID, a.AttemptNumber, a.ErrorMessage, a.ErrorCode, a.CreatedAt,
	)
	return translate(err)
}

func (q *pgQueries) ListAttempts(ctx context.Context, transactionID string) ([]domain.TransactionAttempt, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+attemptColumns+" FROM transaction_attempts WHERE transaction_id = $1 ORDER BY attempt_number ASC",
		transactionID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []domain.TransactionAttempt
	for rows.Next() {
		var a domain.TransactionAttempt
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.AttemptNumber, &a.Status, &a.ErrorMessage, &a.ErrorCode, &a.CreatedAt); err != nil {
			return nil, translate(err)
		}
		if !a.Status.Valid() {
			return nil, fmt.Errorf("attempt %s (%s): %w", a.ID, a.Status, ErrCorrupt)
		}
		out = append(out, a)
	}
	return out, translate(rows.Err())
}

func (q *pgQueries) LastAttemptNumber(ctx context.Context, transactionID string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		"SELECT COALESCE(MAX(attempt_number), 0) FROM transaction_attempts WHERE transaction_id = $1",
		transactionID).Scan(&n)
	return n, translate(err)
}

// Payment sessions

const sessionColumns = "id, session_token, user_id, payment_type, request_id, amount, to_user_identifier, description, status, created_at, expires_at, completed_at"

func scanSession(row pgx.Row) (*domain.PaymentSession, error) {
	var s domain.PaymentSession
	var pt domain.PaymentType
	var requestID *string
	err := row.Scan(&s.ID, &s.SessionToken, &s.UserID, &pt, &requestID, &s.Amount, &s.ToUserIdentifier,
		&s.Description, &s.Status, &s.CreatedAt, &s.ExpiresAt, &s.CompletedAt)
	if err != nil {
		return nil, translate(err)
	}
	if !s.Status.Valid() {
		return nil, fmt.Errorf("session %s (%s): %w", s.ID, s.Status, ErrCorrupt)
	}
	var rid string
	if requestID != nil {
		rid = *requestID
	}
	if s.Intent, err = domain.IntentFrom(pt, rid); err != nil {
		return nil, err
	}
	return &s, nil
}

func (q *pgQueries) CreateSession(ctx context.Context, s *domain.PaymentSession) error {
	var requestID *string
	if rid := domain.RequestIDOf(s.Intent); rid != "" {
		requestID = &rid
	}
	_, err := q.db.Exec(ctx,
		"INSERT INTO payment_sessions ("+sessionColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
		s.ID, s.SessionToken, s.UserID, s.Intent.PaymentType(), requestID, s.Amount, s.ToUserIdentifier,
		s.Description, s.Status, s.CreatedAt, s.ExpiresAt, s.CompletedAt,
	)
	return translate(err)
}

func (q *pgQueries) GetSession(ctx context.Context, token string) (*domain.PaymentSession, error) {
	return scanSession(q.db.QueryRow(ctx, "SELECT "+sessionColumns+" FROM payment_sessions WHERE session_token = $1", token))
}

func (q *pgQueries) LockSession(ctx context.Context, token string) (*domain.PaymentSession, error) {
	return scanSession(q.db.QueryRow(ctx, "SELECT "+sessionColumns+" FROM payment_sessions WHERE session_token = $1 FOR UPDATE", token))
}

func (q *pgQueries) UpdateSessionStatus(ctx context.Context, token string, expect, status domain.SessionStatus, completedAt *time.Time) error {
	tag, err := q.db.Exec(ctx,
		"UPDATE payment_sessions SET status = $1, completed_at = COALESCE($2, completed_at) WHERE session_token = $3 AND status = $4",
		status, completedAt, token, expect)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.GetSession(ctx, token); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (q *pgQueries) ExpireSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		"UPDATE payment_sessions SET status = 'EXPIRED' WHERE status = 'PENDING' AND expires_at < $1", now)
	if err != nil {
		return 0, translate(err)
	}
	return tag.RowsAffected(), nil
}

// Money requests

const requestColumns = "id, from_user_id, to_user_id, amount, currency, description, message, status, created_at, expires_at, responded_at, transaction_id"

func scanRequest(row pgx.Row) (*domain.MoneyRequest, error) {
	var r domain.MoneyRequest
	err := row.Scan(&r.ID, &r.FromUserID, &r.ToUserID, &r.Amount, &r.Currency, &r.Description, &r.Message,
		&r.Status, &r.CreatedAt, &r.ExpiresAt, &r.RespondedAt, &r.TransactionID)
	if err != nil {
		return nil, translate(err)
	}
	if !r.Status.Valid() {
		return nil, fmt.Errorf("money request %s (%s): %w", r.ID, r.Status, ErrCorrupt)
	}
	return &r, nil
}

func (q *pgQueries) CreateRequest(ctx context.Context, r *domain.MoneyRequest) error {
	_, err := q.db.Exec(ctx,
		"INSERT INTO money_requests ("+requestColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
		r.ID, r.FromUserID, r.ToUserID, r.Amount, r.Currency, r.Description, r.Message,
		r.Status, r.CreatedAt, r.ExpiresAt, r.RespondedAt, r.TransactionID,
	)
	return translate(err)
}

func (q *pgQueries) GetRequest(ctx context.Context, id string) (*domain.MoneyRequest, error) {
	return scanRequest(q.db.QueryRow(ctx, "SELECT "+requestColumns+" FROM money_requests WHERE id = $1", id))
}

func (q *pgQueries) LockRequest(ctx context.Context, id string) (*domain.MoneyRequest, error) {
	return scanRequest(q.db.QueryRow(ctx, "SELECT "+requestColumns+" FROM money_requests WHERE id = $1 FOR UPDATE", id))
}

func (q *pgQueries) UpdateRequestStatus(ctx context.Context, id string, expect, status domain.RequestStatus, respondedAt *time.Time, transactionID *string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE money_requests SET status = $1, responded_at = COALESCE($2, responded_at), transaction_id = COALESCE($3, transaction_id)
		WHERE id = $4 AND status = $5`,
		status, respondedAt, transactionID, id, expect)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.GetRequest(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (q *pgQueries) listRequests(ctx context.Context, column, userID string) ([]domain.MoneyRequest, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+requestColumns+" FROM money_requests WHERE "+column+" = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []domain.MoneyRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, translate(rows.Err())
}

func (q *pgQueries) ListRequestsSent(ctx context.Context, userID string) ([]domain.MoneyRequest, error) {
	return q.listRequests(ctx, "from_user_id", userID)
}

func (q *pgQueries) ListRequestsReceived(ctx context.Context, userID string) ([]domain.MoneyRequest, error) {
	return q.listRequests(ctx, "to_user_id", userID)
}

func (q *pgQueries) ExpireRequests(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		"UPDATE money_requests SET status = 'EXPIRED' WHERE status = 'PENDING' AND expires_at < $1", now)
	if err != nil {
		return 0, translate(err)
	}
	return tag.RowsAffected(), nil
}
