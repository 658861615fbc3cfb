package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/visapay/visapay/internal/auth"
	"github.com/visapay/visapay/internal/domain"
	"github.com/visapay/visapay/internal/events"
	"github.com/visapay/visapay/internal/store"
)

// fakeClock never blocks. Sleep records the delay and advances time.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// hookedNotifier records events and runs the hook registered for an event
// type once, on the first such event. Events are published after their
// ledger unit commits, so the hook sees the committed state.
type hookedNotifier struct {
	*events.Recorder

	mu    sync.Mutex
	hooks map[string]func()
}

func (n *hookedNotifier) Notify(ctx context.Context, e events.Event) {
	n.Recorder.Notify(ctx, e)
	n.mu.Lock()
	fn := n.hooks[e.Type]
	delete(n.hooks, e.Type)
	n.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// hookedLedger runs hook once, right after the first unit whose result
// satisfies when and before that result reaches the caller.
type hookedLedger struct {
	*store.Memory

	when func(err error) bool
	hook func()
	once sync.Once
}

func (l *hookedLedger) WithTx(ctx context.Context, fn func(q store.Queries) error) error {
	err := l.Memory.WithTx(ctx, fn)
	if l.when(err) {
		l.once.Do(l.hook)
	}
	return err
}

type fixture struct {
	ctx      context.Context
	ledger   *store.Memory
	clock    *fakeClock
	events   *events.Recorder
	notifier *hookedNotifier
	opts     Options

	accounts     *AccountService
	transactions *TransactionService
	requests     *RequestService
	pins         *PinService
	sessions     *SessionService
	checkout     *Checkout
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ctx:    context.Background(),
		ledger: store.NewMemory(),
		clock:  newFakeClock(),
		events: &events.Recorder{},
	}
	f.notifier = &hookedNotifier{Recorder: f.events, hooks: map[string]func(){}}
	opts := Options{Clock: f.clock, Notifier: f.notifier}
	f.opts = opts
	hasher := auth.BcryptHasher{Cost: bcrypt.MinCost}

	f.accounts = NewAccountService(f.ledger, hasher, opts)
	f.transactions = NewTransactionService(f.ledger, opts)
	f.requests = NewRequestService(f.ledger, f.transactions, opts)
	f.pins = NewPinService(f.ledger, hasher, opts)
	f.sessions = NewSessionService(f.ledger, opts)
	f.checkout = NewCheckout(f.pins, f.sessions, f.transactions, f.requests)
	return f
}

// after runs fn once, right after the first event of type eventType is
// published.
func (f *fixture) after(eventType string, fn func()) {
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	f.notifier.hooks[eventType] = fn
}

// user creates a user whose username is the local part of email.
func (f *fixture) user(t *testing.T, email string, balance int64) *domain.User {
	t.Helper()
	u, err := f.accounts.Signup(f.ctx, SignupInput{
		Email:          email,
		Password:       "correct horse",
		OpeningBalance: balance,
	})
	require.NoError(t, err)
	// distinct creation times keep identifier lookups deterministic
	f.clock.Advance(time.Millisecond)
	return u
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	u, err := f.ledger.GetUser(f.ctx, userID)
	require.NoError(t, err)
	return u.CurrentBalance
}

func (f *fixture) withPin(t *testing.T, userID, pin string) {
	t.Helper()
	_, err := f.pins.SetPin(f.ctx, userID, pin, "")
	require.NoError(t, err)
}

func (f *fixture) transactionsOf(t *testing.T, userID string) []domain.Transaction {
	t.Helper()
	txns, err := f.ledger.ListTransactions(f.ctx, userID, 100)
	require.NoError(t, err)
	return txns
}

func (f *fixture) attempts(t *testing.T, txnID string) []domain.TransactionAttempt {
	t.Helper()
	attempts, err := f.ledger.ListAttempts(f.ctx, txnID)
	require.NoError(t, err)
	return attempts
}

// failOp makes the named store operation fail its first n calls, or every
// call when n is negative.
func (f *fixture) failOp(op string, n int) {
	var mu sync.Mutex
	calls := 0
	f.ledger.Fault = func(name string) error {
		if name != op {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		calls++
		if n < 0 || calls <= n {
			return errors.New("connection reset by peer")
		}
		return nil
	}
}

func assertCode(t *testing.T, want domain.Code, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, domain.CodeOf(err), "error: %v", err)
}
