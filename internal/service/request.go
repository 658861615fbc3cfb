package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/visapay/visapay/internal/domain"
	"github.com/visapay/visapay/internal/events"
	"github.com/visapay/visapay/internal/store"
)

// Action is a payer's answer to a money request.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

// RequestService runs the money request workflow. Accepting a request pays
// it through the TransactionService; there is no reverse dependency.
type RequestService struct {
	ledger       store.Ledger
	transactions *TransactionService
	opts         Options
}

func NewRequestService(ledger store.Ledger, transactions *TransactionService, opts Options) *RequestService {
	return &RequestService{ledger: ledger, transactions: transactions, opts: opts.withDefaults()}
}

type CreateRequestInput struct {
	FromUserID       string
	ToUserIdentifier string
	Amount           int64
	Description      string
	Message          string
	Currency         string
	// ExpiresInHours defaults to the configured request TTL when zero.
	ExpiresInHours int
}

// CreateRequest asks the user behind ToUserIdentifier to pay FromUserID.
func (s *RequestService) CreateRequest(ctx context.Context, in CreateRequestInput) (*domain.MoneyRequest, error) {
	return s.createRequest(ctx, in, nil)
}

// createRequest inserts the request in one unit with claim, when set.
func (s *RequestService) createRequest(ctx context.Context, in CreateRequestInput, claim func(ctx context.Context, q store.Queries) error) (*domain.MoneyRequest, error) {
	if in.Amount <= 0 {
		return nil, domain.Fail(domain.CodeInvalidAmount, "Amount must be greater than 0")
	}

	payer, err := s.ledger.FindUserByIdentifier(ctx, in.ToUserIdentifier)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.Fail(domain.CodeUserNotFound, "User not found")
		}
		return nil, domain.Wrap(domain.CodeCreateError, "Failed to create request", err)
	}
	if payer.ID == in.FromUserID {
		return nil, domain.Fail(domain.CodeSelfRequest, "Cannot request money from yourself")
	}

	requester, err := s.ledger.GetUser(ctx, in.FromUserID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.Fail(domain.CodeUserNotFound, "User not found")
		}
		return nil, domain.Wrap(domain.CodeCreateError, "Failed to create request", err)
	}

	ttl := s.opts.RequestTTL
	if in.ExpiresInHours > 0 {
		ttl = time.Duration(in.ExpiresInHours) * time.Hour
	}
	currency := in.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	now := s.opts.Clock.Now()
	req := &domain.MoneyRequest{
		ID:          newID(),
		FromUserID:  requester.ID,
		ToUserID:    payer.ID,
		Amount:      in.Amount,
		Currency:    currency,
		Description: optional(in.Description),
		Message:     optional(in.Message),
		Status:      domain.RequestPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	err = s.ledger.WithTx(ctx, func(q store.Queries) error {
		if claim != nil {
			if err := claim(ctx, q); err != nil {
				return err
			}
		}
		return q.CreateRequest(ctx, req)
	})
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, domain.Wrap(domain.CodeCreateError, "Failed to create request", err)
	}
	req.FromUser, req.ToUser = requester.Profile(), payer.Profile()

	publish(ctx, s.opts.Notifier, now, events.RequestCreated, req.ID, req)
	return req, nil
}

// RespondToRequest lets the payer accept or reject a pending request.
// Accepting pays it and marks it ACCEPTED in the same ledger unit, so a
// failed payment leaves the request PENDING and a request is paid at most
// once. The returned transaction is nil unless the request was accepted.
func (s *RequestService) RespondToRequest(ctx context.Context, requestID, userID string, action Action) (*domain.MoneyRequest, *domain.Transaction, error) {
	return s.respond(ctx, requestID, userID, action, nil)
}

// respond runs RespondToRequest; extra, when set, is claimed in the unit
// that pays the request, before the request itself.
func (s *RequestService) respond(ctx context.Context, requestID, userID string, action Action, extra settleFunc) (*domain.MoneyRequest, *domain.Transaction, error) {
	if action != ActionAccept && action != ActionReject {
		return nil, nil, domain.Fail(domain.CodeInvalidInput, "Action must be accept or reject")
	}

	req, err := s.ledger.GetRequest(ctx, requestID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, domain.Fail(domain.CodeNotFound, "Request not found")
		}
		return nil, nil, domain.Wrap(domain.CodeRespondError, "Failed to respond to request", err)
	}
	if req.ToUserID != userID {
		return nil, nil, domain.Fail(domain.CodeUnauthorized, "Unauthorized to respond to this request")
	}
	if req.Status != domain.RequestPending {
		return nil, nil, domain.Fail(domain.CodeAlreadyResponded, "Request has already been responded to")
	}

	now := s.opts.Clock.Now()
	if req.Expired(now) {
		err := s.ledger.UpdateRequestStatus(ctx, req.ID, domain.RequestPending, domain.RequestExpired, nil, nil)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			log.Printf("expiring request %s: %v", req.ID, err)
		}
		return nil, nil, domain.Fail(domain.CodeExpired, "Request has expired")
	}

	if action == ActionReject {
		if err := s.transition(ctx, req.ID, domain.RequestRejected, now, nil); err != nil {
			return nil, nil, err
		}
		req.Status = domain.RequestRejected
		req.RespondedAt = &now
		publish(ctx, s.opts.Notifier, now, events.RequestRejected, req.ID, req)
		return req, nil, nil
	}

	requester, err := s.ledger.GetUser(ctx, req.FromUserID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, domain.Fail(domain.CodeRecipientNotFound, "Recipient not found")
		}
		return nil, nil, domain.Wrap(domain.CodeRespondError, "Failed to respond to request", err)
	}

	description := fmt.Sprintf("Payment for request: %s", req.ID)
	if req.Description != nil {
		description = *req.Description
	}
	var paidAt time.Time
	txn, err := s.transactions.SendMoney(ctx, SendMoneyInput{
		FromUserID:       req.ToUserID,
		ToUserIdentifier: requester.Identifier(),
		Amount:           req.Amount,
		Description:      description,
		Currency:         req.Currency,
		Type:             domain.TransactionRequestPayment,
		reference:        req.ID,
		settle: func(ctx context.Context, q store.Queries, t *domain.Transaction) error {
			if extra != nil {
				if err := extra(ctx, q, t); err != nil {
					return err
				}
			}
			at, err := s.accept(ctx, q, req.ID, t.ID)
			paidAt = at
			return err
		},
	})
	if err != nil {
		return nil, nil, err
	}

	req.Status = domain.RequestAccepted
	req.RespondedAt = &paidAt
	req.TransactionID = &txn.ID

	publish(ctx, s.opts.Notifier, paidAt, events.RequestAccepted, req.ID, req)
	return req, txn, nil
}

// accept moves a PENDING request to ACCEPTED, linked to txnID, inside q.
func (s *RequestService) accept(ctx context.Context, q store.Queries, requestID, txnID string) (time.Time, error) {
	req, err := q.LockRequest(ctx, requestID)
	if err != nil {
		return time.Time{}, err
	}
	if req.Status != domain.RequestPending {
		return time.Time{}, domain.Fail(domain.CodeAlreadyResponded, "Request has already been responded to")
	}
	now := s.opts.Clock.Now()
	if req.Expired(now) {
		return time.Time{}, domain.Fail(domain.CodeExpired, "Request has expired")
	}
	err = q.UpdateRequestStatus(ctx, req.ID, domain.RequestPending, domain.RequestAccepted, &now, &txnID)
	if errors.Is(err, store.ErrConflict) {
		return time.Time{}, domain.Fail(domain.CodeAlreadyResponded, "Request has already been responded to")
	}
	return now, err
}

func (s *RequestService) transition(ctx context.Context, id string, to domain.RequestStatus, at time.Time, txnID *string) error {
	err := s.ledger.UpdateRequestStatus(ctx, id, domain.RequestPending, to, &at, txnID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConflict):
		return domain.Fail(domain.CodeAlreadyResponded, "Request has already been responded to")
	default:
		return domain.Wrap(domain.CodeRespondError, "Failed to respond to request", err)
	}
}

// CancelRequest withdraws a pending request. Only the requester may cancel.
func (s *RequestService) CancelRequest(ctx context.Context, requestID, userID string) (*domain.MoneyRequest, error) {
	req, err := s.ledger.GetRequest(ctx, requestID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.Fail(domain.CodeNotFound, "Request not found")
		}
		return nil, domain.Wrap(domain.CodeCancelError, "Failed to cancel request", err)
	}
	if req.FromUserID != userID {
		return nil, domain.Fail(domain.CodeUnauthorized, "Unauthorized to cancel this request")
	}
	if req.Status != domain.RequestPending {
		return nil, domain.Fail(domain.CodeInvalidStatus, "Only pending requests can be cancelled")
	}

	now := s.opts.Clock.Now()
	err = s.ledger.UpdateRequestStatus(ctx, req.ID, domain.RequestPending, domain.RequestCancelled, &now, nil)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domain.Fail(domain.CodeInvalidStatus, "Only pending requests can be cancelled")
		}
		return nil, domain.Wrap(domain.CodeCancelError, "Failed to cancel request", err)
	}
	req.Status = domain.RequestCancelled
	req.RespondedAt = &now

	publish(ctx, s.opts.Notifier, now, events.RequestCancelled, req.ID, req)
	return req, nil
}

// GetUserRequests returns the user's sent and received requests, newest
// first, with both parties' profiles attached.
func (s *RequestService) GetUserRequests(ctx context.Context, userID string) (*domain.UserRequests, error) {
	sent, err := s.ledger.ListRequestsSent(ctx, userID)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInternalError, "Failed to load requests", err)
	}
	received, err := s.ledger.ListRequestsReceived(ctx, userID)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInternalError, "Failed to load requests", err)
	}

	ids := []string{userID}
	for _, r := range sent {
		ids = append(ids, r.ToUserID)
	}
	for _, r := range received {
		ids = append(ids, r.FromUserID)
	}
	p := profiles(ctx, s.ledger, ids...)

	out := &domain.UserRequests{Sent: []domain.MoneyRequest{}, Received: []domain.MoneyRequest{}}
	for _, r := range sent {
		r.FromUser, r.ToUser = p[r.FromUserID], p[r.ToUserID]
		out.Sent = append(out.Sent, r)
	}
	for _, r := range received {
		r.FromUser, r.ToUser = p[r.FromUserID], p[r.ToUserID]
		out.Received = append(out.Received, r)
	}
	return out, nil
}

// GetRequestDetails returns one request visible to userID. Requests userID
// is not party to are reported as not found.
func (s *RequestService) GetRequestDetails(ctx context.Context, requestID, userID string) (*domain.MoneyRequest, error) {
	req, err := s.ledger.GetRequest(ctx, requestID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.Fail(domain.CodeNotFound, "Request not found")
		}
		return nil, domain.Wrap(domain.CodeInternalError, "Failed to load request", err)
	}
	if req.FromUserID != userID && req.ToUserID != userID {
		return nil, domain.Fail(domain.CodeNotFound, "Request not found")
	}
	p := profiles(ctx, s.ledger, req.FromUserID, req.ToUserID)
	req.FromUser, req.ToUser = p[req.FromUserID], p[req.ToUserID]
	return req, nil
}

// CleanupExpiredRequests moves every PENDING request past its deadline to
// EXPIRED and returns how many moved.
func (s *RequestService) CleanupExpiredRequests(ctx context.Context) (int64, error) {
	n, err := s.ledger.ExpireRequests(ctx, s.opts.Clock.Now())
	if err != nil {
		return 0, domain.Wrap(domain.CodeInternalError, "Failed to expire requests", err)
	}
	return n, nil
}
