package domain

import (
	"time"
)

// User is the balance holder. Balances are integers in paise.
type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Username       string     `json:"username"`
	Name           string     `json:"name"`
	PasswordHash   string     `json:"-"`
	CurrentBalance int64      `json:"current_balance"`
	PaymentPin     string     `json:"-"`
	PinSetAt       *time.Time `json:"pin_set_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Profile returns the fields of u that may be shown to a counterparty.
func (u *User) Profile() *Profile {
	return &Profile{ID: u.ID, Name: u.Name, Email: u.Email, Username: u.Username}
}

// Identifier returns the value another user would type to reach u.
func (u *User) Identifier() string {
	if u.Email != "" {
		return u.Email
	}
	return u.Username
}

// Profile is the public view of a user attached to transactions and requests.
type Profile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Transaction represents the intent to move money between two users.
// Reference holds the payment session or money request the transfer
// settles, if any.
type Transaction struct {
	ID            string            `json:"id"`
	FromUserID    string            `json:"from_user_id"`
	ToUserID      string            `json:"to_user_id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Description   *string           `json:"description,omitempty"`
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	Reference     *string           `json:"reference,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`

	FromUser *Profile            `json:"from_user,omitempty"`
	ToUser   *Profile            `json:"to_user,omitempty"`
	Attempts []TransactionAttempt `json:"attempts,omitempty"`
}

// IsFinal reports whether t can no longer change.
func (t *Transaction) IsFinal() bool {
	return t.Status == TransactionCompleted || t.Status == TransactionCancelled
}

// TransactionAttempt is one append-only audit row per execution try.
type TransactionAttempt struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transaction_id"`
	AttemptNumber int           `json:"attempt_number"`
	Status        AttemptStatus `json:"status"`
	ErrorMessage  *string       `json:"error_message,omitempty"`
	ErrorCode     *string       `json:"error_code,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// PaymentSession captures a payment intent until the owner confirms it with a PIN.
type PaymentSession struct {
	ID               string        `json:"id"`
	SessionToken     string        `json:"session_token"`
	UserID           string        `json:"user_id"`
	Intent           PaymentIntent `json:"-"`
	Amount           int64         `json:"amount"`
	ToUserIdentifier string        `json:"to_user_identifier"`
	Description      *string       `json:"description,omitempty"`
	Status           SessionStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// Expired reports whether the session is past its deadline at now.
func (s *PaymentSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// MoneyRequest asks ToUserID (the payer) to pay FromUserID (the requester).
type MoneyRequest struct {
	ID            string        `json:"id"`
	FromUserID    string        `json:"from_user_id"`
	ToUserID      string        `json:"to_user_id"`
	Amount        int64         `json:"amount"`
	Currency      string        `json:"currency"`
	Description   *string       `json:"description,omitempty"`
	Message       *string       `json:"message,omitempty"`
	Status        RequestStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	RespondedAt   *time.Time    `json:"responded_at,omitempty"`
	TransactionID *string       `json:"transaction_id,omitempty"`

	FromUser *Profile `json:"from_user,omitempty"`
	ToUser   *Profile `json:"to_user,omitempty"`
}

// Expired reports whether the request is past its deadline at now.
func (r *MoneyRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// UserRequests partitions a user's requests by direction, newest first.
type UserRequests struct {
	Sent     []MoneyRequest `json:"sent"`
	Received []MoneyRequest `json:"received"`
}

// BalanceSummary backs the dashboard balance card.
type BalanceSummary struct {
	CurrentBalance  int64 `json:"current_balance"`
	TotalSent       int64 `json:"total_sent"`
	TotalReceived   int64 `json:"total_received"`
	PendingRequests int64 `json:"pending_requests"`
	PendingIncoming int64 `json:"pending_incoming"`
}
