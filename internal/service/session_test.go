package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visapay/visapay/internal/domain"
	"github.com/visapay/visapay/internal/events"
)

func newSession(t *testing.T, f *fixture, owner string, intent domain.PaymentIntent, to string, amount int64) *domain.PaymentSession {
	t.Helper()
	sess, err := f.sessions.CreatePaymentSession(f.ctx, CreateSessionInput{
		UserID:           owner,
		Intent:           intent,
		Amount:           amount,
		ToUserIdentifier: to,
	})
	require.NoError(t, err)
	return sess
}

func storedSession(t *testing.T, f *fixture, token string) *domain.PaymentSession {
	t.Helper()
	sess, err := f.ledger.GetSession(f.ctx, token)
	require.NoError(t, err)
	return sess
}

func TestPaymentSessionLifecycle(t *testing.T) {
	t.Run("Given a new session Then it is pending with an opaque token and a ten minute deadline", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 0)

		sess := newSession(t, f, alice.ID, domain.SendMoney{}, "nobody@example.com", 100)
		assert.Regexp(t, `^ps_\d+_[0-9a-f]{32}$`, sess.SessionToken)
		assert.Equal(t, domain.SessionPending, sess.Status)
		assert.Equal(t, sess.CreatedAt.Add(10*time.Minute), sess.ExpiresAt)

		other := newSession(t, f, alice.ID, domain.SendMoney{}, "nobody@example.com", 100)
		assert.NotEqual(t, sess.SessionToken, other.SessionToken)
	})

	t.Run("Given invalid input When creating Then it is refused", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.sessions.CreatePaymentSession(f.ctx, CreateSessionInput{UserID: "u", Intent: domain.SendMoney{}, Amount: 0, ToUserIdentifier: "x"})
		assertCode(t, domain.CodeInvalidAmount, err)
		_, err = f.sessions.CreatePaymentSession(f.ctx, CreateSessionInput{UserID: "u", Amount: 10, ToUserIdentifier: "x"})
		assertCode(t, domain.CodeInvalidInput, err)
	})

	t.Run("Given another user's token When reading Then UNAUTHORIZED", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 0)
		bob := f.user(t, "bob@example.com", 0)
		sess := newSession(t, f, alice.ID, domain.SendMoney{}, "bob", 100)

		_, err := f.sessions.GetPaymentSession(f.ctx, sess.SessionToken, bob.ID)
		assertCode(t, domain.CodeUnauthorized, err)

		_, err = f.sessions.GetPaymentSession(f.ctx, "ps_0_missing", alice.ID)
		assertCode(t, domain.CodeSessionNotFound, err)
	})

	t.Run("Given a completed session When reading Then INVALID_SESSION_STATUS", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 0)
		sess := newSession(t, f, alice.ID, domain.SendMoney{}, "bob", 100)

		got, err := f.sessions.GetPaymentSession(f.ctx, sess.SessionToken, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SendMoney{}, got.Intent)

		require.NoError(t, f.sessions.CompletePaymentSession(f.ctx, sess.SessionToken, alice.ID))
		_, err = f.sessions.GetPaymentSession(f.ctx, sess.SessionToken, alice.ID)
		assertCode(t, domain.CodeInvalidSessionStatus, err)

		stored := storedSession(t, f, sess.SessionToken)
		assert.Equal(t, domain.SessionCompleted, stored.Status)
		assert.NotNil(t, stored.CompletedAt)
	})

	t.Run("Given an expired session When reading twice Then both reads report SESSION_EXPIRED", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 0)
		sess := newSession(t, f, alice.ID, domain.SendMoney{}, "bob", 100)
		f.clock.Advance(10*time.Minute + time.Second)

		_, err := f.sessions.GetPaymentSession(f.ctx, sess.SessionToken, alice.ID)
		assertCode(t, domain.CodeSessionExpired, err)
		assert.Equal(t, domain.SessionExpired, storedSession(t, f, sess.SessionToken).Status)

		_, err = f.sessions.GetPaymentSession(f.ctx, sess.SessionToken, alice.ID)
		assertCode(t, domain.CodeSessionExpired, err)
		assert.Equal(t, domain.SessionExpired, storedSession(t, f, sess.SessionToken).Status)
	})

	t.Run("Given a pending session When cancelling Then only the owner can, once", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 0)
		bob := f.user(t, "bob@example.com", 0)
		sess := newSession(t, f, alice.ID, domain.RequestMoney{}, "bob", 100)

		assertCode(t, domain.CodeSessionNotFound, f.sessions.CancelPaymentSession(f.ctx, sess.SessionToken, bob.ID))
		require.NoError(t, f.sessions.CancelPaymentSession(f.ctx, sess.SessionToken, alice.ID))
		assert.Equal(t, domain.SessionCancelled, storedSession(t, f, sess.SessionToken).Status)

		assertCode(t, domain.CodeInvalidSessionStatus, f.sessions.CancelPaymentSession(f.ctx, sess.SessionToken, alice.ID))
		_, err := f.sessions.GetPaymentSession(f.ctx, sess.SessionToken, alice.ID)
		assertCode(t, domain.CodeInvalidSessionStatus, err)
	})

	t.Run("Given stale sessions When sweeping Then only pending ones past the deadline expire", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 0)
		stale := newSession(t, f, alice.ID, domain.SendMoney{}, "bob", 100)
		done := newSession(t, f, alice.ID, domain.SendMoney{}, "bob", 100)
		require.NoError(t, f.sessions.CompletePaymentSession(f.ctx, done.SessionToken, alice.ID))
		f.clock.Advance(11 * time.Minute)
		fresh := newSession(t, f, alice.ID, domain.SendMoney{}, "bob", 100)

		n, err := f.sessions.CleanupExpiredSessions(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.Equal(t, domain.SessionExpired, storedSession(t, f, stale.SessionToken).Status)
		assert.Equal(t, domain.SessionCompleted, storedSession(t, f, done.SessionToken).Status)
		assert.Equal(t, domain.SessionPending, storedSession(t, f, fresh.SessionToken).Status)
	})
}

func TestCheckoutConfirm(t *testing.T) {
	t.Run("Given a send session and the right PIN When confirming Then money moves and the session is used", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 10000)
		bob := f.user(t, "bob@example.com", 0)
		f.withPin(t, alice.ID, "1234")
		sess := newSession(t, f, alice.ID, domain.SendMoney{}, "bob@example.com", 2500)

		res, err := f.checkout.Confirm(f.ctx, alice.ID, sess.SessionToken, "1234")
		require.NoError(t, err)
		require.NotNil(t, res.Transaction)
		assert.Nil(t, res.Request)
		assert.Equal(t, domain.TransactionCompleted, res.Transaction.Status)
		assert.Equal(t, int64(7500), f.balance(t, alice.ID))
		assert.Equal(t, int64(2500), f.balance(t, bob.ID))
		assert.Equal(t, domain.SessionCompleted, storedSession(t, f, sess.SessionToken).Status)

		_, err = f.checkout.Confirm(f.ctx, alice.ID, sess.SessionToken, "1234")
		assertCode(t, domain.CodeInvalidSessionStatus, err)
		assert.Equal(t, int64(7500), f.balance(t, alice.ID))
	})

	t.Run("Given a wrong PIN When confirming Then nothing happens and the session stays usable", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 10000)
		f.user(t, "bob@example.com", 0)
		f.withPin(t, alice.ID, "1234")
		sess := newSession(t, f, alice.ID, domain.SendMoney{}, "bob", 2500)

		_, err := f.checkout.Confirm(f.ctx, alice.ID, sess.SessionToken, "9999")
		assertCode(t, domain.CodeInvalidPin, err)
		assert.Equal(t, domain.SessionPending, storedSession(t, f, sess.SessionToken).Status)
		assert.Empty(t, f.transactionsOf(t, alice.ID))

		_, err = f.checkout.Confirm(f.ctx, alice.ID, sess.SessionToken, "1234")
		require.NoError(t, err)
	})

	t.Run("Given no PIN When confirming Then PIN_NOT_SET", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 10000)
		sess := newSession(t, f, alice.ID, domain.SendMoney{}, "bob", 2500)

		_, err := f.checkout.Confirm(f.ctx, alice.ID, sess.SessionToken, "1234")
		assertCode(t, domain.CodePinNotSet, err)
	})

	t.Run("Given an expired session When confirming Then SESSION_EXPIRED and no transaction", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 10000)
		f.user(t, "bob@example.com", 0)
		f.withPin(t, alice.ID, "1234")
		sess := newSession(t, f, alice.ID, domain.SendMoney{}, "bob", 2500)
		f.clock.Advance(10*time.Minute + time.Millisecond)

		_, err := f.checkout.Confirm(f.ctx, alice.ID, sess.SessionToken, "1234")
		assertCode(t, domain.CodeSessionExpired, err)
		assert.Empty(t, f.transactionsOf(t, alice.ID))
		assert.Equal(t, int64(10000), f.balance(t, alice.ID))
	})

	t.Run("Given the caller as recipient When confirming Then SELF_TRANSFER or SELF_REQUEST with no rows", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 10000)
		f.withPin(t, alice.ID, "1234")

		send := newSession(t, f, alice.ID, domain.SendMoney{}, "alice@example.com", 100)
		_, err := f.checkout.Confirm(f.ctx, alice.ID, send.SessionToken, "1234")
		assertCode(t, domain.CodeSelfTransfer, err)

		req := newSession(t, f, alice.ID, domain.RequestMoney{}, "alice@example.com", 100)
		_, err = f.checkout.Confirm(f.ctx, alice.ID, req.SessionToken, "1234")
		assertCode(t, domain.CodeSelfRequest, err)

		assert.Empty(t, f.transactionsOf(t, alice.ID))
		reqs, err := f.requests.GetUserRequests(f.ctx, alice.ID)
		require.NoError(t, err)
		assert.Empty(t, reqs.Sent)
		assert.Equal(t, domain.SessionPending, storedSession(t, f, send.SessionToken).Status)
	})

	t.Run("Given a shortfall When confirming Then the session is not burned", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 100)
		f.user(t, "bob@example.com", 0)
		f.withPin(t, alice.ID, "1234")
		sess := newSession(t, f, alice.ID, domain.SendMoney{}, "bob", 2500)

		_, err := f.checkout.Confirm(f.ctx, alice.ID, sess.SessionToken, "1234")
		assertCode(t, domain.CodeInsufficientBalance, err)
		assert.Equal(t, domain.SessionPending, storedSession(t, f, sess.SessionToken).Status)
	})

	t.Run("Given a request session When confirming Then a money request is created", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 0)
		bob := f.user(t, "bob@example.com", 5000)
		f.withPin(t, alice.ID, "1234")
		sess := newSession(t, f, alice.ID, domain.RequestMoney{}, "bob", 1500)

		res, err := f.checkout.Confirm(f.ctx, alice.ID, sess.SessionToken, "1234")
		require.NoError(t, err)
		require.NotNil(t, res.Request)
		assert.Nil(t, res.Transaction)
		assert.Equal(t, alice.ID, res.Request.FromUserID)
		assert.Equal(t, bob.ID, res.Request.ToUserID)
		assert.Equal(t, domain.RequestPending, res.Request.Status)
		assert.Equal(t, int64(5000), f.balance(t, bob.ID))
	})

	t.Run("Given a session paying a request When confirming Then the request is accepted", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 0)
		bob := f.user(t, "bob@example.com", 5000)
		f.withPin(t, bob.ID, "4321")

		mr, err := f.requests.CreateRequest(f.ctx, CreateRequestInput{FromUserID: alice.ID, ToUserIdentifier: "bob", Amount: 1500})
		require.NoError(t, err)

		sess := newSession(t, f, bob.ID, domain.SendMoneyForRequest{RequestID: mr.ID}, "alice", 1500)
		res, err := f.checkout.Confirm(f.ctx, bob.ID, sess.SessionToken, "4321")
		require.NoError(t, err)
		require.NotNil(t, res.Request)
		require.NotNil(t, res.Transaction)
		assert.Equal(t, domain.RequestAccepted, res.Request.Status)
		assert.Equal(t, domain.TransactionRequestPayment, res.Transaction.Type)
		assert.Equal(t, int64(1500), f.balance(t, alice.ID))
		assert.Equal(t, int64(3500), f.balance(t, bob.ID))
		assert.Equal(t, domain.SessionCompleted, storedSession(t, f, sess.SessionToken).Status)
	})

	t.Run("Given a second confirm right after the first payment commits Then it is refused and money moves once", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 10000)
		bob := f.user(t, "bob@example.com", 0)
		f.withPin(t, alice.ID, "1234")
		sess := newSession(t, f, alice.ID, domain.SendMoney{}, "bob", 2500)

		var second error
		f.after(events.TransactionCompleted, func() {
			_, second = f.checkout.Confirm(f.ctx, alice.ID, sess.SessionToken, "1234")
		})

		_, err := f.checkout.Confirm(f.ctx, alice.ID, sess.SessionToken, "1234")
		require.NoError(t, err)
		assertCode(t, domain.CodeInvalidSessionStatus, second)
		assert.Equal(t, int64(7500), f.balance(t, alice.ID))
		assert.Equal(t, int64(2500), f.balance(t, bob.ID))
		assert.Len(t, f.transactionsOf(t, alice.ID), 1)
	})

	t.Run("Given a cancel between the checks and the payment When confirming Then nothing is paid", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 10000)
		bob := f.user(t, "bob@example.com", 0)
		f.withPin(t, alice.ID, "1234")
		sess := newSession(t, f, alice.ID, domain.SendMoney{}, "bob", 2500)

		ledger := &hookedLedger{Memory: f.ledger, when: func(err error) bool { return err == nil }}
		ledger.hook = func() {
			require.NoError(t, f.sessions.CancelPaymentSession(f.ctx, sess.SessionToken, alice.ID))
		}
		txns := NewTransactionService(ledger, f.opts)
		checkout := NewCheckout(f.pins, f.sessions, txns, NewRequestService(ledger, txns, f.opts))

		_, err := checkout.Confirm(f.ctx, alice.ID, sess.SessionToken, "1234")
		assertCode(t, domain.CodeInvalidSessionStatus, err)
		assert.Equal(t, int64(10000), f.balance(t, alice.ID))
		assert.Equal(t, int64(0), f.balance(t, bob.ID))
		assert.Equal(t, domain.SessionCancelled, storedSession(t, f, sess.SessionToken).Status)

		rows := f.transactionsOf(t, alice.ID)
		require.Len(t, rows, 1)
		assert.Equal(t, domain.TransactionCancelled, rows[0].Status)
	})
}

func TestConcurrentConfirmsUseSessionOnce(t *testing.T) {
	confirmAll := func(t *testing.T, f *fixture, userID, token string, n int) []error {
		t.Helper()
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.checkout.Confirm(f.ctx, userID, token, "1234")
			}(i)
		}
		wg.Wait()
		return errs
	}
	succeeded := func(t *testing.T, errs []error) int {
		t.Helper()
		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			assertCode(t, domain.CodeInvalidSessionStatus, err)
		}
		return ok
	}

	t.Run("send session", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 10000)
		bob := f.user(t, "bob@example.com", 0)
		f.withPin(t, alice.ID, "1234")
		sess := newSession(t, f, alice.ID, domain.SendMoney{}, "bob", 2500)

		errs := confirmAll(t, f, alice.ID, sess.SessionToken, 8)
		assert.Equal(t, 1, succeeded(t, errs))
		assert.Equal(t, int64(7500), f.balance(t, alice.ID))
		assert.Equal(t, int64(2500), f.balance(t, bob.ID))

		completed := 0
		for _, txn := range f.transactionsOf(t, alice.ID) {
			if txn.Status == domain.TransactionCompleted {
				completed++
				require.NotNil(t, txn.Reference)
				assert.Equal(t, sess.ID, *txn.Reference)
			}
		}
		assert.Equal(t, 1, completed)
		assert.Equal(t, domain.SessionCompleted, storedSession(t, f, sess.SessionToken).Status)
	})

	t.Run("request session", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 0)
		f.user(t, "bob@example.com", 0)
		f.withPin(t, alice.ID, "1234")
		sess := newSession(t, f, alice.ID, domain.RequestMoney{}, "bob", 900)

		errs := confirmAll(t, f, alice.ID, sess.SessionToken, 8)
		assert.Equal(t, 1, succeeded(t, errs))

		reqs, err := f.requests.GetUserRequests(f.ctx, alice.ID)
		require.NoError(t, err)
		assert.Len(t, reqs.Sent, 1)
	})

	t.Run("session paying a request while the payer also accepts directly", func(t *testing.T) {
		f := newFixture(t)
		alice := f.user(t, "alice@example.com", 0)
		bob := f.user(t, "bob@example.com", 5000)
		f.withPin(t, bob.ID, "1234")
		mr, err := f.requests.CreateRequest(f.ctx, CreateRequestInput{FromUserID: alice.ID, ToUserIdentifier: "bob", Amount: 1500})
		require.NoError(t, err)
		sess := newSession(t, f, bob.ID, domain.SendMoneyForRequest{RequestID: mr.ID}, "alice", 1500)

		const n = 6
		errs := make([]error, 2*n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.checkout.Confirm(f.ctx, bob.ID, sess.SessionToken, "1234")
			}(i)
			go func(i int) {
				defer wg.Done()
				_, _, errs[n+i] = f.requests.RespondToRequest(f.ctx, mr.ID, bob.ID, ActionAccept)
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.Contains(t, []domain.Code{domain.CodeAlreadyResponded, domain.CodeInvalidSessionStatus}, domain.CodeOf(err), "error: %v", err)
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, int64(3500), f.balance(t, bob.ID))
		assert.Equal(t, int64(1500), f.balance(t, alice.ID))

		stored, err := f.ledger.GetRequest(f.ctx, mr.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RequestAccepted, stored.Status)
	})
}
