package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/visapay/visapay/internal/domain"
	"github.com/visapay/visapay/internal/events"
	"github.com/visapay/visapay/internal/store"
)

// TransactionService moves money between users. Each execution attempt is
// one atomic ledger unit; transient failures are retried with linear backoff.
type TransactionService struct {
	ledger store.Ledger
	opts   Options
}

func NewTransactionService(ledger store.Ledger, opts Options) *TransactionService {
	return &TransactionService{ledger: ledger, opts: opts.withDefaults()}
}

type SendMoneyInput struct {
	FromUserID       string
	ToUserIdentifier string
	Amount           int64
	Description      string
	Currency         string
	// Type defaults to SEND.
	Type domain.TransactionType

	// reference and settle tie the transfer to a session or request.
	// settle runs inside the unit that moves the money, so the claim and
	// the payment commit or roll back together.
	reference string
	settle    settleFunc
}

// settleFunc claims whatever a transfer pays for. A *domain.Error return
// rejects the payment for good.
type settleFunc func(ctx context.Context, q store.Queries, t *domain.Transaction) error

// SendMoney validates a transfer and executes it with up to
// MaxRetryAttempts attempts. A duplicate submission inside the idempotency
// window resolves to the transaction already in flight.
func (s *TransactionService) SendMoney(ctx context.Context, in SendMoneyInput) (*domain.Transaction, error) {
	if in.Amount <= 0 {
		return nil, domain.Fail(domain.CodeInvalidAmount, "Amount must be greater than 0")
	}

	recipient, err := s.ledger.FindUserByIdentifier(ctx, in.ToUserIdentifier)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.Fail(domain.CodeRecipientNotFound, "Recipient not found")
		}
		return nil, domain.Wrap(domain.CodeInternalError, "Recipient lookup failed", err)
	}
	if recipient.ID == in.FromUserID {
		return nil, domain.Fail(domain.CodeSelfTransfer, "Cannot send money to yourself")
	}

	sender, err := s.ledger.GetUser(ctx, in.FromUserID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.Fail(domain.CodeSenderNotFound, "Sender not found")
		}
		return nil, domain.Wrap(domain.CodeInternalError, "Sender lookup failed", err)
	}
	if sender.CurrentBalance < in.Amount {
		return nil, domain.Fail(domain.CodeInsufficientBalance, "Insufficient balance")
	}

	currency := in.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	typ := in.Type
	if typ == "" {
		typ = domain.TransactionSend
	}

	return s.executeWithRetry(ctx, &domain.Transaction{
		FromUserID:  sender.ID,
		ToUserID:    recipient.ID,
		Amount:      in.Amount,
		Currency:    currency,
		Description: optional(in.Description),
		Type:        typ,
		Reference:   optional(in.reference),
	}, in.settle)
}

func (s *TransactionService) executeWithRetry(ctx context.Context, draft *domain.Transaction, settle settleFunc) (*domain.Transaction, error) {
	var txnID string
	for attempt := 1; ; attempt++ {
		var (
			t   *domain.Transaction
			err error
		)
		if txnID == "" {
			txnID, err = s.openTransaction(ctx, draft)
		}
		if err == nil {
			t, err = s.processAttempt(ctx, txnID, attempt, settle)
		}
		if err == nil {
			return t, nil
		}

		log.Printf("transaction %s attempt %d failed: %v", txnID, attempt, err)
		if !retryable(err) {
			return nil, err
		}
		if attempt >= MaxRetryAttempts {
			break
		}
		if err := s.opts.Clock.Sleep(ctx, s.opts.RetryDelay*time.Duration(attempt)); err != nil {
			return nil, domain.Wrap(domain.CodeProcessingError, "Transaction interrupted", err)
		}
	}

	if txnID != "" {
		publish(ctx, s.opts.Notifier, s.opts.Clock.Now(), events.TransactionFailed, txnID, nil)
	}
	return nil, domain.Fail(domain.CodeMaxRetriesExceeded, "Transaction failed after multiple attempts")
}

// retryable reports whether another attempt could change the outcome.
// Infrastructure errors carry no code and are retried.
func retryable(err error) bool {
	var de *domain.Error
	if !errors.As(err, &de) {
		return true
	}
	switch de.Code {
	case domain.CodeInsufficientBalance, domain.CodeProcessingError:
		return true
	}
	return false
}

// openTransaction returns the id of the in-flight transaction matching draft
// inside the idempotency window, creating one when none exists. The sender
// row lock serializes concurrent duplicates.
func (s *TransactionService) openTransaction(ctx context.Context, draft *domain.Transaction) (string, error) {
	var id string
	err := s.ledger.WithTx(ctx, func(q store.Queries) error {
		if _, err := q.LockUser(ctx, draft.FromUserID); err != nil {
			return err
		}

		now := s.opts.Clock.Now()
		existing, err := q.FindInFlightTransaction(ctx, draft.FromUserID, draft.ToUserID, draft.Amount, deref(draft.Reference), now.Add(-s.opts.IdempotencyWindow))
		if err == nil {
			log.Printf("reusing in-flight transaction %s", existing.ID)
			id = existing.ID
			return nil
		}
		if !isNotFound(err) {
			return err
		}

		t := *draft
		t.ID = newID()
		t.Status = domain.TransactionPending
		t.CreatedAt = now
		if err := q.CreateTransaction(ctx, &t); err != nil {
			return err
		}
		id = t.ID
		return nil
	})
	return id, err
}

// processAttempt runs one attempt against txnID. Funds move only inside the
// unit; an insufficient balance commits the FAILED bookkeeping without
// touching balances, anything else rolls the unit back. settle, when set,
// runs in the same unit right before the balances change.
func (s *TransactionService) processAttempt(ctx context.Context, txnID string, attemptNumber int, settle settleFunc) (*domain.Transaction, error) {
	var (
		result       *domain.Transaction
		insufficient bool
		rejected     *domain.Error
		number       = attemptNumber
	)
	claim := func(q store.Queries, t *domain.Transaction) error {
		err := settle(ctx, q, t)
		if errors.As(err, &rejected) {
			return rejected
		}
		return err
	}

	err := s.ledger.WithTx(ctx, func(q store.Queries) error {
		t, err := q.LockTransaction(ctx, txnID)
		if err != nil {
			return err
		}
		if settle != nil && t.IsFinal() {
			// A duplicate sharing this row already settled or abandoned it.
			if err := claim(q, t); err != nil {
				return err
			}
			return domain.Fail(domain.CodeInvalidStatus, "Transaction is no longer pending")
		}
		switch t.Status {
		case domain.TransactionCompleted:
			// A concurrent duplicate already executed it.
			p := profiles(ctx, q, t.FromUserID, t.ToUserID)
			t.FromUser, t.ToUser = p[t.FromUserID], p[t.ToUserID]
			result = t
			return nil
		case domain.TransactionCancelled:
			return domain.Fail(domain.CodeInvalidStatus, "Transaction was cancelled")
		}

		last, err := q.LastAttemptNumber(ctx, t.ID)
		if err != nil {
			return err
		}
		// Duplicates sharing this row share its attempt budget too.
		if last >= MaxRetryAttempts {
			return domain.Fail(domain.CodeMaxRetriesExceeded, "Maximum retry attempts exceeded")
		}
		if last >= number {
			number = last + 1
		}

		now := s.opts.Clock.Now()
		err = q.CreateAttempt(ctx, &domain.TransactionAttempt{
			ID:            newID(),
			TransactionID: t.ID,
			AttemptNumber: number,
			Status:        domain.AttemptProcessing,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}

		from, to, err := lockPair(ctx, q, t.FromUserID, t.ToUserID)
		if err != nil {
			return err
		}

		if from.CurrentBalance < t.Amount {
			msg, code := "Insufficient balance", string(domain.CodeInsufficientBalance)
			if err := q.FinishAttempt(ctx, t.ID, number, domain.AttemptFailed, &msg, &code); err != nil {
				return err
			}
			if err := q.UpdateTransactionStatus(ctx, t.ID, domain.TransactionFailed, &msg, nil); err != nil {
				return err
			}
			insufficient = true
			return nil
		}

		if settle != nil {
			if err := claim(q, t); err != nil {
				return err
			}
		}
		if err := q.UpdateTransactionStatus(ctx, t.ID, domain.TransactionProcessing, nil, nil); err != nil {
			return err
		}
		if err := q.AdjustBalance(ctx, from.ID, -t.Amount); err != nil {
			return err
		}
		if err := q.AdjustBalance(ctx, to.ID, t.Amount); err != nil {
			return err
		}
		if err := q.UpdateTransactionStatus(ctx, t.ID, domain.TransactionCompleted, nil, &now); err != nil {
			return err
		}
		if err := q.FinishAttempt(ctx, t.ID, number, domain.AttemptCompleted, nil, nil); err != nil {
			return err
		}

		t.Status = domain.TransactionCompleted
		t.CompletedAt = &now
		t.FromUser, t.ToUser = from.Profile(), to.Profile()
		result = t
		return nil
	})

	if err == nil && insufficient {
		attemptsTotal.WithLabelValues("insufficient_balance").Inc()
		return nil, domain.Fail(domain.CodeInsufficientBalance, "Insufficient balance")
	}
	if err != nil {
		attemptsTotal.WithLabelValues("error").Inc()
		if rejected != nil {
			s.abort(ctx, txnID, domain.TransactionCancelled, &rejected.Message)
			return nil, rejected
		}
		var de *domain.Error
		if errors.As(err, &de) {
			if de.Code == domain.CodeMaxRetriesExceeded {
				s.abort(ctx, txnID, domain.TransactionFailed, &de.Message)
			}
			return nil, de
		}
		if errors.Is(err, store.ErrInsufficientFunds) {
			s.recordFailure(ctx, txnID, number, domain.CodeInsufficientBalance, "Insufficient balance")
			return nil, domain.Wrap(domain.CodeInsufficientBalance, "Insufficient balance", err)
		}
		s.recordFailure(ctx, txnID, number, domain.CodeProcessingError, err.Error())
		return nil, domain.Wrap(domain.CodeProcessingError, "Transaction processing failed", err)
	}

	attemptsTotal.WithLabelValues("completed").Inc()
	publish(ctx, s.opts.Notifier, s.opts.Clock.Now(), events.TransactionCompleted, result.ID, result)
	return result, nil
}

// recordFailure writes the FAILED attempt and transaction state after the
// unit rolled back. Nothing is written once the transaction is COMPLETED or
// CANCELLED, since a duplicate sharing the row may have finished it in the
// meantime. The write is best effort.
func (s *TransactionService) recordFailure(ctx context.Context, txnID string, attemptNumber int, code domain.Code, reason string) {
	codeStr := string(code)
	err := s.ledger.WithTx(ctx, func(q store.Queries) error {
		if err := q.AbortTransaction(ctx, txnID, domain.TransactionFailed, &reason); err != nil {
			return err
		}
		return q.RecordFailedAttempt(ctx, &domain.TransactionAttempt{
			ID:            newID(),
			TransactionID: txnID,
			AttemptNumber: attemptNumber,
			Status:        domain.AttemptFailed,
			ErrorMessage:  &reason,
			ErrorCode:     &codeStr,
			CreatedAt:     s.opts.Clock.Now(),
		})
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		log.Printf("transaction %s already final, attempt %d failure not recorded", txnID, attemptNumber)
	case err != nil:
		log.Printf("recording failed attempt %d of %s: %v", attemptNumber, txnID, err)
	}
}

// abort moves txnID to status unless it is already COMPLETED or CANCELLED.
func (s *TransactionService) abort(ctx context.Context, txnID string, status domain.TransactionStatus, reason *string) {
	err := s.ledger.AbortTransaction(ctx, txnID, status, reason)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		log.Printf("marking transaction %s %s: %v", txnID, status, err)
	}
}

// lockPair locks both users in id order to avoid lock-order deadlocks.
func lockPair(ctx context.Context, q store.Queries, fromID, toID string) (from, to *domain.User, err error) {
	first, second := fromID, toID
	if first > second {
		first, second = second, first
	}
	a, err := q.LockUser(ctx, first)
	if err != nil {
		return nil, nil, err
	}
	b, err := q.LockUser(ctx, second)
	if err != nil {
		return nil, nil, err
	}
	if a.ID == fromID {
		return a, b, nil
	}
	return b, a, nil
}

// RetryTransaction re-runs a FAILED transaction owned by userID as one more
// attempt, provided fewer than MaxRetryAttempts attempts exist. Transfers
// settling a session or request are retried by confirming or accepting
// again, not here. A retry that does not complete leaves the row FAILED.
func (s *TransactionService) RetryTransaction(ctx context.Context, txnID, userID string) (*domain.Transaction, error) {
	t, err := s.ledger.GetTransaction(ctx, txnID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.Fail(domain.CodeNotFound, "Transaction not found")
		}
		return nil, domain.Wrap(domain.CodeRetryError, "Failed to retry transaction", err)
	}
	if t.FromUserID != userID {
		return nil, domain.Fail(domain.CodeUnauthorized, "Unauthorized to retry this transaction")
	}
	if t.Status != domain.TransactionFailed {
		return nil, domain.Fail(domain.CodeInvalidStatus, "Only failed transactions can be retried")
	}
	if t.Reference != nil {
		return nil, domain.Fail(domain.CodeInvalidStatus, "Transaction must be retried from its payment session or request")
	}

	last, err := s.ledger.LastAttemptNumber(ctx, t.ID)
	if err != nil {
		return nil, domain.Wrap(domain.CodeRetryError, "Failed to retry transaction", err)
	}
	if last >= MaxRetryAttempts {
		return nil, domain.Fail(domain.CodeMaxRetriesExceeded, "Maximum retry attempts exceeded")
	}

	err = s.ledger.WithTx(ctx, func(q store.Queries) error {
		locked, err := q.LockTransaction(ctx, t.ID)
		if err != nil {
			return err
		}
		if locked.Status != domain.TransactionFailed {
			return domain.Fail(domain.CodeInvalidStatus, "Only failed transactions can be retried")
		}
		return q.UpdateTransactionStatus(ctx, t.ID, domain.TransactionPending, nil, nil)
	})
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, domain.Wrap(domain.CodeRetryError, "Failed to retry transaction", err)
	}

	res, err := s.processAttempt(ctx, t.ID, last+1, nil)
	if err != nil {
		s.abort(ctx, t.ID, domain.TransactionFailed, nil)
		if domain.CodeOf(err) == domain.CodeProcessingError {
			return nil, domain.Wrap(domain.CodeRetryError, "Failed to retry transaction", err)
		}
		return nil, err
	}
	return res, nil
}

// CancelTransaction cancels a PENDING transaction owned by userID.
func (s *TransactionService) CancelTransaction(ctx context.Context, txnID, userID string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.ledger.WithTx(ctx, func(q store.Queries) error {
		t, err := q.LockTransaction(ctx, txnID)
		if err != nil {
			if isNotFound(err) {
				return domain.Fail(domain.CodeNotFound, "Transaction not found")
			}
			return err
		}
		if t.FromUserID != userID {
			return domain.Fail(domain.CodeUnauthorized, "Unauthorized to cancel this transaction")
		}
		if t.Status != domain.TransactionPending {
			return domain.Fail(domain.CodeInvalidStatus, "Only pending transactions can be cancelled")
		}
		if err := q.UpdateTransactionStatus(ctx, t.ID, domain.TransactionCancelled, nil, nil); err != nil {
			return err
		}
		t.Status = domain.TransactionCancelled
		out = t
		return nil
	})
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, domain.Wrap(domain.CodeCancelError, "Failed to cancel transaction", err)
	}
	return out, nil
}

// GetTransactionHistory returns up to limit transactions touching userID,
// newest first, each with counterparty profiles and its attempts.
func (s *TransactionService) GetTransactionHistory(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	txns, err := s.ledger.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInternalError, "Failed to load transactions", err)
	}

	ids := make([]string, 0, 2*len(txns))
	for _, t := range txns {
		ids = append(ids, t.FromUserID, t.ToUserID)
	}
	p := profiles(ctx, s.ledger, ids...)

	for i := range txns {
		t := &txns[i]
		t.FromUser, t.ToUser = p[t.FromUserID], p[t.ToUserID]
		attempts, err := s.ledger.ListAttempts(ctx, t.ID)
		if err != nil {
			return nil, domain.Wrap(domain.CodeInternalError, "Failed to load transaction attempts", err)
		}
		// newest attempt first in history
		for l, r := 0, len(attempts)-1; l < r; l, r = l+1, r-1 {
			attempts[l], attempts[r] = attempts[r], attempts[l]
		}
		t.Attempts = attempts
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	return txns, nil
}

// GetTransactionDetails returns one transaction visible to userID with its
// attempts in ascending order. Transactions userID is not party to are
// reported as not found.
func (s *TransactionService) GetTransactionDetails(ctx context.Context, txnID, userID string) (*domain.Transaction, error) {
	t, err := s.ledger.GetTransaction(ctx, txnID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.Fail(domain.CodeNotFound, "Transaction not found")
		}
		return nil, domain.Wrap(domain.CodeInternalError, "Failed to load transaction", err)
	}
	if t.FromUserID != userID && t.ToUserID != userID {
		return nil, domain.Fail(domain.CodeNotFound, "Transaction not found")
	}

	p := profiles(ctx, s.ledger, t.FromUserID, t.ToUserID)
	t.FromUser, t.ToUser = p[t.FromUserID], p[t.ToUserID]
	t.Attempts, err = s.ledger.ListAttempts(ctx, t.ID)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInternalError, "Failed to load transaction attempts", err)
	}
	return t, nil
}
