package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/visapay/visapay/internal/domain"
	"github.com/visapay/visapay/internal/store"
)

// SessionService owns payment sessions: short-lived tokens holding a payment
// intent until the owner confirms it with their PIN.
type SessionService struct {
	ledger store.Ledger
	opts   Options
}

func NewSessionService(ledger store.Ledger, opts Options) *SessionService {
	return &SessionService{ledger: ledger, opts: opts.withDefaults()}
}

type CreateSessionInput struct {
	UserID           string
	Intent           domain.PaymentIntent
	Amount           int64
	ToUserIdentifier string
	Description      string
}

// newSessionToken returns ps_<unix millis>_<122 random bits in hex>.
func (s *SessionService) newSessionToken() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("ps_%d_%s", s.opts.Clock.Now().UnixMilli(), random)
}

// CreatePaymentSession records the intent as a PENDING session. The
// recipient is not resolved until confirmation.
func (s *SessionService) CreatePaymentSession(ctx context.Context, in CreateSessionInput) (*domain.PaymentSession, error) {
	if in.Intent == nil {
		return nil, domain.Fail(domain.CodeInvalidInput, "Payment type is required")
	}
	if in.Amount <= 0 {
		return nil, domain.Fail(domain.CodeInvalidAmount, "Amount must be greater than 0")
	}
	if in.ToUserIdentifier == "" {
		return nil, domain.Fail(domain.CodeInvalidInput, "Recipient is required")
	}

	now := s.opts.Clock.Now()
	sess := &domain.PaymentSession{
		ID:               newID(),
		SessionToken:     s.newSessionToken(),
		UserID:           in.UserID,
		Intent:           in.Intent,
		Amount:           in.Amount,
		ToUserIdentifier: in.ToUserIdentifier,
		Description:      optional(in.Description),
		Status:           domain.SessionPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.opts.SessionTTL),
	}
	if err := s.ledger.CreateSession(ctx, sess); err != nil {
		return nil, domain.Wrap(domain.CodeCreateSessionError, "Failed to create payment session", err)
	}
	return sess, nil
}

// GetPaymentSession returns the caller's session if it can still be
// confirmed. A PENDING session past its deadline is moved to EXPIRED.
func (s *SessionService) GetPaymentSession(ctx context.Context, token, userID string) (*domain.PaymentSession, error) {
	sess, err := s.ledger.GetSession(ctx, token)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.Fail(domain.CodeSessionNotFound, "Payment session not found")
		}
		return nil, domain.Wrap(domain.CodeGetSessionError, "Failed to load payment session", err)
	}
	if err := usable(sess, userID, s.opts.Clock.Now()); err != nil {
		if domain.CodeOf(err) == domain.CodeSessionExpired && sess.Status == domain.SessionPending {
			err := s.ledger.UpdateSessionStatus(ctx, token, domain.SessionPending, domain.SessionExpired, nil)
			if err != nil && !errors.Is(err, store.ErrConflict) {
				log.Printf("expiring session %s: %v", sess.ID, err)
			}
		}
		return nil, err
	}
	return sess, nil
}

// usable reports why sess cannot be confirmed by userID at now, if it can't.
func usable(sess *domain.PaymentSession, userID string, now time.Time) error {
	if sess.UserID != userID {
		return domain.Fail(domain.CodeUnauthorized, "Unauthorized access to payment session")
	}
	switch sess.Status {
	case domain.SessionCompleted, domain.SessionCancelled:
		return domain.Fail(domain.CodeInvalidSessionStatus, "Payment session is no longer active")
	case domain.SessionExpired:
		return domain.Fail(domain.CodeSessionExpired, "Payment session has expired")
	}
	if sess.Expired(now) {
		return domain.Fail(domain.CodeSessionExpired, "Payment session has expired")
	}
	return nil
}

// CompletePaymentSession marks the caller's PENDING session used. Only one
// caller can complete a session; the rest get INVALID_SESSION_STATUS.
func (s *SessionService) CompletePaymentSession(ctx context.Context, token, userID string) error {
	err := s.ledger.WithTx(ctx, func(q store.Queries) error {
		return s.complete(ctx, q, token, userID)
	})
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return de
		}
		return domain.Wrap(domain.CodeInternalError, "Failed to complete payment session", err)
	}
	return nil
}

// complete claims the session inside q: it must still be usable by userID,
// and it moves from PENDING to COMPLETED.
func (s *SessionService) complete(ctx context.Context, q store.Queries, token, userID string) error {
	sess, err := q.LockSession(ctx, token)
	if err != nil {
		if isNotFound(err) {
			return domain.Fail(domain.CodeSessionNotFound, "Payment session not found")
		}
		return err
	}
	now := s.opts.Clock.Now()
	if err := usable(sess, userID, now); err != nil {
		return err
	}
	err = q.UpdateSessionStatus(ctx, token, domain.SessionPending, domain.SessionCompleted, &now)
	if errors.Is(err, store.ErrConflict) {
		return domain.Fail(domain.CodeInvalidSessionStatus, "Payment session is no longer active")
	}
	return err
}

// CancelPaymentSession cancels the caller's PENDING session. Sessions owned
// by someone else are reported as not found.
func (s *SessionService) CancelPaymentSession(ctx context.Context, token, userID string) error {
	sess, err := s.ledger.GetSession(ctx, token)
	if err != nil {
		if isNotFound(err) {
			return domain.Fail(domain.CodeSessionNotFound, "Payment session not found")
		}
		return domain.Wrap(domain.CodeCancelError, "Failed to cancel payment session", err)
	}
	if sess.UserID != userID {
		return domain.Fail(domain.CodeSessionNotFound, "Payment session not found")
	}
	if sess.Status != domain.SessionPending {
		return domain.Fail(domain.CodeInvalidSessionStatus, "Payment session is no longer active")
	}
	err = s.ledger.UpdateSessionStatus(ctx, token, domain.SessionPending, domain.SessionCancelled, nil)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Fail(domain.CodeInvalidSessionStatus, "Payment session is no longer active")
		}
		return domain.Wrap(domain.CodeCancelError, "Failed to cancel payment session", err)
	}
	return nil
}

// CleanupExpiredSessions moves every PENDING session past its deadline to
// EXPIRED and returns how many moved.
func (s *SessionService) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	n, err := s.ledger.ExpireSessions(ctx, s.opts.Clock.Now())
	if err != nil {
		return 0, domain.Wrap(domain.CodeInternalError, "Failed to expire payment sessions", err)
	}
	return n, nil
}

// Checkout confirms payment sessions: PIN first, then the session, then the
// action the session's intent names.
type Checkout struct {
	pins         *PinService
	sessions     *SessionService
	transactions *TransactionService
	requests     *RequestService
}

func NewCheckout(pins *PinService, sessions *SessionService, transactions *TransactionService, requests *RequestService) *Checkout {
	return &Checkout{pins: pins, sessions: sessions, transactions: transactions, requests: requests}
}

// Confirmation is the outcome of a confirmed session. Transaction is set for
// payments, Request for created or paid requests.
type Confirmation struct {
	Transaction *domain.Transaction  `json:"transaction,omitempty"`
	Request     *domain.MoneyRequest `json:"request,omitempty"`
}

// Confirm authorizes and executes the session identified by token. The
// session is marked COMPLETED in the same ledger unit as the payment or
// request it triggers, so it is used at most once. On any failure the
// session stays PENDING and can be confirmed again until it expires.
func (c *Checkout) Confirm(ctx context.Context, userID, token, pin string) (*Confirmation, error) {
	if err := c.pins.VerifyPin(ctx, userID, pin); err != nil {
		return nil, err
	}

	sess, err := c.sessions.GetPaymentSession(ctx, token, userID)
	if err != nil {
		return nil, err
	}
	complete := func(ctx context.Context, q store.Queries, _ *domain.Transaction) error {
		return c.sessions.complete(ctx, q, token, userID)
	}

	var out Confirmation
	switch intent := sess.Intent.(type) {
	case domain.SendMoneyForRequest:
		req, txn, err := c.requests.respond(ctx, intent.RequestID, userID, ActionAccept, complete)
		if err != nil {
			return nil, err
		}
		out.Request, out.Transaction = req, txn
	case domain.SendMoney:
		txn, err := c.transactions.SendMoney(ctx, SendMoneyInput{
			FromUserID:       userID,
			ToUserIdentifier: sess.ToUserIdentifier,
			Amount:           sess.Amount,
			Description:      deref(sess.Description),
			reference:        sess.ID,
			settle:           complete,
		})
		if err != nil {
			return nil, err
		}
		out.Transaction = txn
	case domain.RequestMoney:
		req, err := c.requests.createRequest(ctx, CreateRequestInput{
			FromUserID:       userID,
			ToUserIdentifier: sess.ToUserIdentifier,
			Amount:           sess.Amount,
			Description:      deref(sess.Description),
		}, func(ctx context.Context, q store.Queries) error {
			return complete(ctx, q, nil)
		})
		if err != nil {
			return nil, err
		}
		out.Request = req
	default:
		return nil, domain.Fail(domain.CodeInvalidInput, "Unsupported payment type")
	}
	return &out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
