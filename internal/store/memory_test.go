package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visapay/visapay/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, q Queries, id, email string, balance int64, at time.Time) {
	t.Helper()
	require.NoError(t, q.CreateUser(context.Background(), &domain.User{
		ID:             id,
		Email:          email,
		Username:       id,
		Name:           id,
		CurrentBalance: balance,
		CreatedAt:      at,
	}))
}

func TestMemoryWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedUser(t, m, "alice", "alice@example.com", 1000, t0)
	seedUser(t, m, "bob", "bob@example.com", 0, t0)

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(q Queries) error {
		require.NoError(t, q.AdjustBalance(ctx, "alice", -400))
		require.NoError(t, q.AdjustBalance(ctx, "bob", 400))
		return boom
	})
	require.ErrorIs(t, err, boom)

	alice, err := m.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), alice.CurrentBalance)

	err = m.WithTx(ctx, func(q Queries) error {
		if err := q.AdjustBalance(ctx, "alice", -400); err != nil {
			return err
		}
		return q.AdjustBalance(ctx, "bob", 400)
	})
	require.NoError(t, err)

	bob, err := m.GetUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(400), bob.CurrentBalance)
}

func TestMemoryAdjustBalance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedUser(t, m, "alice", "alice@example.com", 100, t0)

	assert.ErrorIs(t, m.AdjustBalance(ctx, "alice", -101), ErrInsufficientFunds)
	assert.NoError(t, m.AdjustBalance(ctx, "alice", -100))
	assert.ErrorIs(t, m.AdjustBalance(ctx, "ghost", 1), ErrNotFound)

	u, err := m.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.CurrentBalance)
}

func TestMemoryUsers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedUser(t, m, "alice", "alice@example.com", 0, t0)

	assert.ErrorIs(t, m.CreateUser(ctx, &domain.User{ID: "x", Email: "alice@example.com", Username: "x"}), ErrDuplicate)
	assert.ErrorIs(t, m.CreateUser(ctx, &domain.User{ID: "y", Email: "y@example.com", Username: "alice"}), ErrDuplicate)

	byEmail, err := m.FindUserByIdentifier(ctx, "alice@example.com")
	require.NoError(t, err)
	byName, err := m.FindUserByIdentifier(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, byEmail.ID, byName.ID)

	_, err = m.FindUserByIdentifier(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SetPaymentPin(ctx, "alice", "digest", t0))
	u, err := m.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "digest", u.PaymentPin)
	require.NotNil(t, u.PinSetAt)
	assert.Equal(t, t0, *u.PinSetAt)
}

func TestMemoryTransactions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	txn := func(id string, status domain.TransactionStatus, at time.Time) *domain.Transaction {
		return &domain.Transaction{ID: id, FromUserID: "alice", ToUserID: "bob", Amount: 500, Currency: "INR", Type: domain.TransactionSend, Status: status, CreatedAt: at}
	}
	require.NoError(t, m.CreateTransaction(ctx, txn("old", domain.TransactionPending, t0)))
	require.NoError(t, m.CreateTransaction(ctx, txn("done", domain.TransactionCompleted, t0.Add(time.Minute))))
	require.NoError(t, m.CreateTransaction(ctx, txn("live", domain.TransactionProcessing, t0.Add(2*time.Minute))))
	assert.ErrorIs(t, m.CreateTransaction(ctx, txn("live", domain.TransactionPending, t0)), ErrDuplicate)

	t.Run("in-flight lookup ignores finished and stale rows", func(t *testing.T) {
		got, err := m.FindInFlightTransaction(ctx, "alice", "bob", 500, "", t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "live", got.ID)

		_, err = m.FindInFlightTransaction(ctx, "alice", "bob", 501, "", t0)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = m.FindInFlightTransaction(ctx, "alice", "bob", 500, "", t0.Add(3*time.Minute))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("listing is newest first and limited", func(t *testing.T) {
		got, err := m.ListTransactions(ctx, "bob", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "live", got[0].ID)
		assert.Equal(t, "done", got[1].ID)

		got, err = m.ListTransactions(ctx, "carol", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("attempts are numbered and listed ascending", func(t *testing.T) {
		require.NoError(t, m.CreateAttempt(ctx, &domain.TransactionAttempt{ID: "a1", TransactionID: "live", AttemptNumber: 1, Status: domain.AttemptProcessing}))
		assert.ErrorIs(t, m.CreateAttempt(ctx, &domain.TransactionAttempt{ID: "dup", TransactionID: "live", AttemptNumber: 1}), ErrDuplicate)

		msg, code := "network down", "PROCESSING_ERROR"
		require.NoError(t, m.RecordFailedAttempt(ctx, &domain.TransactionAttempt{ID: "a3", TransactionID: "live", AttemptNumber: 3, ErrorMessage: &msg, ErrorCode: &code}))
		require.NoError(t, m.RecordFailedAttempt(ctx, &domain.TransactionAttempt{ID: "ignored", TransactionID: "live", AttemptNumber: 1, ErrorMessage: &msg}))
		require.NoError(t, m.CreateAttempt(ctx, &domain.TransactionAttempt{ID: "a2", TransactionID: "live", AttemptNumber: 2, Status: domain.AttemptProcessing}))
		require.NoError(t, m.FinishAttempt(ctx, "live", 2, domain.AttemptCompleted, nil, nil))
		assert.ErrorIs(t, m.FinishAttempt(ctx, "live", 9, domain.AttemptCompleted, nil, nil), ErrNotFound)

		got, err := m.ListAttempts(ctx, "live")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []int{1, 2, 3}, []int{got[0].AttemptNumber, got[1].AttemptNumber, got[2].AttemptNumber})
		assert.Equal(t, domain.AttemptFailed, got[0].Status)
		assert.Equal(t, domain.AttemptCompleted, got[1].Status)
		assert.Equal(t, domain.AttemptFailed, got[2].Status)

		last, err := m.LastAttemptNumber(ctx, "live")
		require.NoError(t, err)
		assert.Equal(t, 3, last)
	})
}

func TestMemoryTransactionReferenceAndAbort(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ref := "req-1"
	require.NoError(t, m.CreateTransaction(ctx, &domain.Transaction{ID: "plain", FromUserID: "alice", ToUserID: "bob", Amount: 500, Type: domain.TransactionSend, Status: domain.TransactionPending, CreatedAt: t0}))
	require.NoError(t, m.CreateTransaction(ctx, &domain.Transaction{ID: "settling", FromUserID: "alice", ToUserID: "bob", Amount: 500, Type: domain.TransactionRequestPayment, Status: domain.TransactionPending, Reference: &ref, CreatedAt: t0.Add(time.Second)}))

	got, err := m.FindInFlightTransaction(ctx, "alice", "bob", 500, "", t0)
	require.NoError(t, err)
	assert.Equal(t, "plain", got.ID)
	got, err = m.FindInFlightTransaction(ctx, "alice", "bob", 500, ref, t0)
	require.NoError(t, err)
	assert.Equal(t, "settling", got.ID)
	_, err = m.FindInFlightTransaction(ctx, "alice", "bob", 500, "req-2", t0)
	assert.ErrorIs(t, err, ErrNotFound)

	reason := "network down"
	require.NoError(t, m.AbortTransaction(ctx, "plain", domain.TransactionFailed, &reason))
	plain, err := m.GetTransaction(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionFailed, plain.Status)
	require.NotNil(t, plain.FailureReason)
	assert.Equal(t, reason, *plain.FailureReason)

	require.NoError(t, m.UpdateTransactionStatus(ctx, "settling", domain.TransactionCompleted, nil, &t0))
	assert.ErrorIs(t, m.AbortTransaction(ctx, "settling", domain.TransactionFailed, &reason), ErrConflict)
	settled, err := m.GetTransaction(ctx, "settling")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionCompleted, settled.Status)
	assert.Nil(t, settled.FailureReason)

	assert.ErrorIs(t, m.AbortTransaction(ctx, "ghost", domain.TransactionFailed, nil), ErrNotFound)
}

func TestMemorySessionTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateSession(ctx, &domain.PaymentSession{ID: "s1", SessionToken: "ps_1", UserID: "alice", Intent: domain.SendMoney{}, Amount: 100, Status: domain.SessionPending, CreatedAt: t0, ExpiresAt: t0.Add(10 * time.Minute)}))

	require.NoError(t, m.UpdateSessionStatus(ctx, "ps_1", domain.SessionPending, domain.SessionCompleted, &t0))
	assert.ErrorIs(t, m.UpdateSessionStatus(ctx, "ps_1", domain.SessionPending, domain.SessionCompleted, &t0), ErrConflict)
	assert.ErrorIs(t, m.UpdateSessionStatus(ctx, "ps_1", domain.SessionPending, domain.SessionCancelled, nil), ErrConflict)
	assert.ErrorIs(t, m.UpdateSessionStatus(ctx, "ps_missing", domain.SessionPending, domain.SessionCancelled, nil), ErrNotFound)

	got, err := m.LockSession(ctx, "ps_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, t0, *got.CompletedAt)
}

func TestMemoryRequestTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateRequest(ctx, &domain.MoneyRequest{ID: "r1", FromUserID: "alice", ToUserID: "bob", Amount: 100, Status: domain.RequestPending, CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)}))
	require.NoError(t, m.CreateRequest(ctx, &domain.MoneyRequest{ID: "r2", FromUserID: "alice", ToUserID: "bob", Amount: 200, Status: domain.RequestPending, CreatedAt: t0, ExpiresAt: t0.Add(48 * time.Hour)}))

	txnID := "t1"
	require.NoError(t, m.UpdateRequestStatus(ctx, "r1", domain.RequestPending, domain.RequestAccepted, &t0, &txnID))
	assert.ErrorIs(t, m.UpdateRequestStatus(ctx, "r1", domain.RequestPending, domain.RequestRejected, &t0, nil), ErrConflict)
	assert.ErrorIs(t, m.UpdateRequestStatus(ctx, "nope", domain.RequestPending, domain.RequestRejected, &t0, nil), ErrNotFound)

	r1, err := m.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestAccepted, r1.Status)
	require.NotNil(t, r1.TransactionID)
	assert.Equal(t, "t1", *r1.TransactionID)

	n, err := m.ExpireRequests(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	n, err = m.ExpireRequests(ctx, t0.Add(49*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	sent, err := m.ListRequestsSent(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sent, 2)
	assert.Equal(t, "r2", sent[0].ID)
	assert.Equal(t, domain.RequestExpired, sent[0].Status)

	received, err := m.ListRequestsReceived(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, received)
}

func TestMemoryFault(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedUser(t, m, "alice", "alice@example.com", 100, t0)

	down := errors.New("down")
	m.Fault = func(op string) error {
		if op == "AdjustBalance" {
			return down
		}
		return nil
	}
	err := m.WithTx(ctx, func(q Queries) error {
		return q.AdjustBalance(ctx, "alice", 50)
	})
	assert.ErrorIs(t, err, down)

	_, err = m.GetUser(ctx, "alice")
	assert.NoError(t, err)

	m.Fault = nil
	assert.NoError(t, m.AdjustBalance(ctx, "alice", 50))
}

func TestMemoryWithTxHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := NewMemory().WithTx(ctx, func(Queries) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
