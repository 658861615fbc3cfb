package store

import (
	"context"
	"sync"
	"time"

	"github.com/visapay/visapay/internal/domain"
)

// Memory is an in-process Ledger. Every WithTx unit works on a private copy
// of the state and swaps it in on success, so units are atomic and fully
// serialized. It backs the tests and the server's --memory mode.
type Memory struct {
	*memQueries

	mu    sync.Mutex
	state *snapshot

	// Fault, when set, is consulted before every operation; a non-nil
	// return aborts that operation with the returned error.
	Fault func(op string) error
}

type snapshot struct {
	users        map[string]domain.User
	transactions map[string]domain.Transaction
	txOrder      []string
	attempts     map[string][]domain.TransactionAttempt
	sessions     map[string]domain.PaymentSession
	requests     map[string]domain.MoneyRequest
	reqOrder     []string
}

func NewMemory() *Memory {
	m := &Memory{state: &snapshot{
		users:        map[string]domain.User{},
		transactions: map[string]domain.Transaction{},
		attempts:     map[string][]domain.TransactionAttempt{},
		sessions:     map[string]domain.PaymentSession{},
		requests:     map[string]domain.MoneyRequest{},
	}}
	m.memQueries = &memQueries{m: m}
	return m
}

func (s *snapshot) clone() *snapshot {
	c := &snapshot{
		users:        make(map[string]domain.User, len(s.users)),
		transactions: make(map[string]domain.Transaction, len(s.transactions)),
		txOrder:      append([]string(nil), s.txOrder...),
		attempts:     make(map[string][]domain.TransactionAttempt, len(s.attempts)),
		sessions:     make(map[string]domain.PaymentSession, len(s.sessions)),
		requests:     make(map[string]domain.MoneyRequest, len(s.requests)),
		reqOrder:     append([]string(nil), s.reqOrder...),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.attempts {
		c.attempts[k] = append([]domain.TransactionAttempt(nil), v...)
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	return c
}

func (m *Memory) Close() {}

func (m *Memory) WithTx(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memQueries{m: m, tx: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// memQueries runs against the unit's private snapshot when tx is set, and
// against the live state under the store mutex otherwise.
type memQueries struct {
	m  *Memory
	tx *snapshot
}

func (q *memQueries) begin(op string) (*snapshot, func(), error) {
	done := func() {}
	st := q.tx
	if st == nil {
		q.m.mu.Lock()
		st = q.m.state
		done = q.m.mu.Unlock
	}
	if q.m.Fault != nil {
		if err := q.m.Fault(op); err != nil {
			done()
			return nil, func() {}, err
		}
	}
	return st, done, nil
}

// Users

func (q *memQueries) CreateUser(ctx context.Context, u *domain.User) error {
	st, done, err := q.begin("CreateUser")
	defer done()
	if err != nil {
		return err
	}
	if _, ok := st.users[u.ID]; ok {
		return ErrDuplicate
	}
	for _, other := range st.users {
		if other.Email == u.Email || other.Username == u.Username {
			return ErrDuplicate
		}
	}
	st.users[u.ID] = *u
	return nil
}

func (q *memQueries) GetUser(ctx context.Context, id string) (*domain.User, error) {
	st, done, err := q.begin("GetUser")
	defer done()
	if err != nil {
		return nil, err
	}
	u, ok := st.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (q *memQueries) LockUser(ctx context.Context, id string) (*domain.User, error) {
	return q.GetUser(ctx, id)
}

func (q *memQueries) FindUserByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	st, done, err := q.begin("FindUserByIdentifier")
	defer done()
	if err != nil {
		return nil, err
	}
	var found *domain.User
	for _, u := range st.users {
		if u.Email != identifier && u.Username != identifier {
			continue
		}
		if found == nil || u.CreatedAt.Before(found.CreatedAt) {
			u := u
			found = &u
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (q *memQueries) AdjustBalance(ctx context.Context, id string, delta int64) error {
	st, done, err := q.begin("AdjustBalance")
	defer done()
	if err != nil {
		return err
	}
	u, ok := st.users[id]
	if !ok {
		return ErrNotFound
	}
	if u.CurrentBalance+delta < 0 {
		return ErrInsufficientFunds
	}
	u.CurrentBalance += delta
	st.users[id] = u
	return nil
}

func (q *memQueries) SetPaymentPin(ctx context.Context, id, pinHash string, at time.Time) error {
	st, done, err := q.begin("SetPaymentPin")
	defer done()
	if err != nil {
		return err
	}
	u, ok := st.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PaymentPin = pinHash
	u.PinSetAt = &at
	st.users[id] = u
	return nil
}

func (q *memQueries) BalanceSummary(ctx context.Context, userID string) (*domain.BalanceSummary, error) {
	st, done, err := q.begin("BalanceSummary")
	defer done()
	if err != nil {
		return nil, err
	}
	u, ok := st.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	s := &domain.BalanceSummary{CurrentBalance: u.CurrentBalance}
	for _, t := range st.transactions {
		if t.Status != domain.TransactionCompleted {
			continue
		}
		if t.FromUserID == userID {
			s.TotalSent += t.Amount
		}
		if t.ToUserID == userID {
			s.TotalReceived += t.Amount
		}
	}
	for _, r := range st.requests {
		if r.Status != domain.RequestPending {
			continue
		}
		if r.FromUserID == userID {
			s.PendingRequests++
		}
		if r.ToUserID == userID {
			s.PendingIncoming++
		}
	}
	return s, nil
}

// Transactions

func (q *memQueries) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	st, done, err := q.begin("CreateTransaction")
	defer done()
	if err != nil {
		return err
	}
	if _, ok := st.transactions[t.ID]; ok {
		return ErrDuplicate
	}
	row := *t
	row.FromUser, row.ToUser, row.Attempts = nil, nil, nil
	st.transactions[t.ID] = row
	st.txOrder = append(st.txOrder, t.ID)
	return nil
}

func (q *memQueries) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	st, done, err := q.begin("GetTransaction")
	defer done()
	if err != nil {
		return nil, err
	}
	t, ok := st.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (q *memQueries) LockTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return q.GetTransaction(ctx, id)
}

func (q *memQueries) FindInFlightTransaction(ctx context.Context, fromUserID, toUserID string, amount int64, reference string, since time.Time) (*domain.Transaction, error) {
	st, done, err := q.begin("FindInFlightTransaction")
	defer done()
	if err != nil {
		return nil, err
	}
	for i := len(st.txOrder) - 1; i >= 0; i-- {
		t := st.transactions[st.txOrder[i]]
		if t.FromUserID != fromUserID || t.ToUserID != toUserID || t.Amount != amount {
			continue
		}
		if deref(t.Reference) != reference {
			continue
		}
		if t.Status != domain.TransactionPending && t.Status != domain.TransactionProcessing {
			continue
		}
		if t.CreatedAt.Before(since) {
			continue
		}
		return &t, nil
	}
	return nil, ErrNotFound
}

func (q *memQueries) UpdateTransactionStatus(ctx context.Context, id string, status domain.TransactionStatus, failureReason *string, completedAt *time.Time) error {
	st, done, err := q.begin("UpdateTransactionStatus")
	defer done()
	if err != nil {
		return err
	}
	t, ok := st.transactions[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	if failureReason != nil {
		t.FailureReason = failureReason
	}
	if completedAt != nil {
		t.CompletedAt = completedAt
	}
	st.transactions[id] = t
	return nil
}

func (q *memQueries) AbortTransaction(ctx context.Context, id string, status domain.TransactionStatus, failureReason *string) error {
	st, done, err := q.begin("AbortTransaction")
	defer done()
	if err != nil {
		return err
	}
	t, ok := st.transactions[id]
	if !ok {
		return ErrNotFound
	}
	if t.IsFinal() {
		return ErrConflict
	}
	t.Status = status
	if failureReason != nil {
		t.FailureReason = failureReason
	}
	st.transactions[id] = t
	return nil
}

func (q *memQueries) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	st, done, err := q.begin("ListTransactions")
	defer done()
	if err != nil {
		return nil, err
	}
	var out []domain.Transaction
	for i := len(st.txOrder) - 1; i >= 0 && len(out) < limit; i-- {
		t := st.transactions[st.txOrder[i]]
		if t.FromUserID == userID || t.ToUserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

// Attempts

func (q *memQueries) CreateAttempt(ctx context.Context, a *domain.TransactionAttempt) error {
	st, done, err := q.begin("CreateAttempt")
	defer done()
	if err != nil {
		return err
	}
	for _, existing := range st.attempts[a.TransactionID] {
		if existing.AttemptNumber == a.AttemptNumber {
			return ErrDuplicate
		}
	}
	st.attempts[a.TransactionID] = append(st.attempts[a.TransactionID], *a)
	return nil
}

func (q *memQueries) FinishAttempt(ctx context.Context, transactionID string, attemptNumber int, status domain.AttemptStatus, errMsg, errCode *string) error {
	st, done, err := q.begin("FinishAttempt")
	defer done()
	if err != nil {
		return err
	}
	list := st.attempts[transactionID]
	for i := range list {
		if list[i].AttemptNumber == attemptNumber {
			list[i].Status = status
			list[i].ErrorMessage = errMsg
			list[i].ErrorCode = errCode
			return nil
		}
	}
	return ErrNotFound
}

func (q *memQueries) RecordFailedAttempt(ctx context.Context, a *domain.TransactionAttempt) error {
	st, done, err := q.begin("RecordFailedAttempt")
	defer done()
	if err != nil {
		return err
	}
	list := st.attempts[a.TransactionID]
	for i := range list {
		if list[i].AttemptNumber != a.AttemptNumber {
			continue
		}
		if list[i].Status == domain.AttemptProcessing {
			list[i].Status = domain.AttemptFailed
			list[i].ErrorMessage = a.ErrorMessage
			list[i].ErrorCode = a.ErrorCode
		}
		return nil
	}
	row := *a
	row.Status = domain.AttemptFailed
	st.attempts[a.TransactionID] = append(list, row)
	return nil
}

func (q *memQueries) ListAttempts(ctx context.Context, transactionID string) ([]domain.TransactionAttempt, error) {
	st, done, err := q.begin("ListAttempts")
	defer done()
	if err != nil {
		return nil, err
	}
	out := append([]domain.TransactionAttempt(nil), st.attempts[transactionID]...)
	// Rows may be appended out of order by RecordFailedAttempt.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].AttemptNumber < out[j-1].AttemptNumber; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (q *memQueries) LastAttemptNumber(ctx context.Context, transactionID string) (int, error) {
	st, done, err := q.begin("LastAttemptNumber")
	defer done()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range st.attempts[transactionID] {
		if a.AttemptNumber > n {
			n = a.AttemptNumber
		}
	}
	return n, nil
}

// Payment sessions

func (q *memQueries) CreateSession(ctx context.Context, s *domain.PaymentSession) error {
	st, done, err := q.begin("CreateSession")
	defer done()
	if err != nil {
		return err
	}
	if _, ok := st.sessions[s.SessionToken]; ok {
		return ErrDuplicate
	}
	st.sessions[s.SessionToken] = *s
	return nil
}

func (q *memQueries) GetSession(ctx context.Context, token string) (*domain.PaymentSession, error) {
	st, done, err := q.begin("GetSession")
	defer done()
	if err != nil {
		return nil, err
	}
	s, ok := st.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (q *memQueries) LockSession(ctx context.Context, token string) (*domain.PaymentSession, error) {
	return q.GetSession(ctx, token)
}

func (q *memQueries) UpdateSessionStatus(ctx context.Context, token string, expect, status domain.SessionStatus, completedAt *time.Time) error {
	st, done, err := q.begin("UpdateSessionStatus")
	defer done()
	if err != nil {
		return err
	}
	s, ok := st.sessions[token]
	if !ok {
		return ErrNotFound
	}
	if s.Status != expect {
		return ErrConflict
	}
	s.Status = status
	if completedAt != nil {
		s.CompletedAt = completedAt
	}
	st.sessions[token] = s
	return nil
}

func (q *memQueries) ExpireSessions(ctx context.Context, now time.Time) (int64, error) {
	st, done, err := q.begin("ExpireSessions")
	defer done()
	if err != nil {
		return 0, err
	}
	var n int64
	for token, s := range st.sessions {
		if s.Status == domain.SessionPending && s.ExpiresAt.Before(now) {
			s.Status = domain.SessionExpired
			st.sessions[token] = s
			n++
		}
	}
	return n, nil
}

// Money requests

func (q *memQueries) CreateRequest(ctx context.Context, r *domain.MoneyRequest) error {
	st, done, err := q.begin("CreateRequest")
	defer done()
	if err != nil {
		return err
	}
	if _, ok := st.requests[r.ID]; ok {
		return ErrDuplicate
	}
	row := *r
	row.FromUser, row.ToUser = nil, nil
	st.requests[r.ID] = row
	st.reqOrder = append(st.reqOrder, r.ID)
	return nil
}

func (q *memQueries) GetRequest(ctx context.Context, id string) (*domain.MoneyRequest, error) {
	st, done, err := q.begin("GetRequest")
	defer done()
	if err != nil {
		return nil, err
	}
	r, ok := st.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (q *memQueries) LockRequest(ctx context.Context, id string) (*domain.MoneyRequest, error) {
	return q.GetRequest(ctx, id)
}

func (q *memQueries) UpdateRequestStatus(ctx context.Context, id string, expect, status domain.RequestStatus, respondedAt *time.Time, transactionID *string) error {
	st, done, err := q.begin("UpdateRequestStatus")
	defer done()
	if err != nil {
		return err
	}
	r, ok := st.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != expect {
		return ErrConflict
	}
	r.Status = status
	if respondedAt != nil {
		r.RespondedAt = respondedAt
	}
	if transactionID != nil {
		r.TransactionID = transactionID
	}
	st.requests[id] = r
	return nil
}

func (q *memQueries) listRequests(op string, match func(domain.MoneyRequest) bool) ([]domain.MoneyRequest, error) {
	st, done, err := q.begin(op)
	defer done()
	if err != nil {
		return nil, err
	}
	var out []domain.MoneyRequest
	for i := len(st.reqOrder) - 1; i >= 0; i-- {
		r := st.requests[st.reqOrder[i]]
		if match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (q *memQueries) ListRequestsSent(ctx context.Context, userID string) ([]domain.MoneyRequest, error) {
	return q.listRequests("ListRequestsSent", func(r domain.MoneyRequest) bool { return r.FromUserID == userID })
}

func (q *memQueries) ListRequestsReceived(ctx context.Context, userID string) ([]domain.MoneyRequest, error) {
	return q.listRequests("ListRequestsReceived", func(r domain.MoneyRequest) bool { return r.ToUserID == userID })
}

func (q *memQueries) ExpireRequests(ctx context.Context, now time.Time) (int64, error) {
	st, done, err := q.begin("ExpireRequests")
	defer done()
	if err != nil {
		return 0, err
	}
	var n int64
	for id, r := range st.requests {
		if r.Status == domain.RequestPending && r.ExpiresAt.Before(now) {
			r.Status = domain.RequestExpired
			st.requests[id] = r
			n++
		}
	}
	return n, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
