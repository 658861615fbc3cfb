// Package models holds the JSON bodies accepted and returned by the HTTP API.
package models

// SignupRequest creates an account.
type SignupRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	Name           string `json:"name"`
	Username       string `json:"username"`
	OpeningBalance int64  `json:"opening_balance"`
}

// SendMoneyRequest is a direct transfer. Amount is in paise.
type SendMoneyRequest struct {
	ToUserIdentifier string `json:"to_user_identifier"`
	Amount           int64  `json:"amount"`
	Description      string `json:"description"`
	Currency         string `json:"currency"`
}

type RetryRequest struct {
	TransactionID string `json:"transaction_id"`
}

type CreateMoneyRequest struct {
	ToUserIdentifier string `json:"to_user_identifier"`
	Amount           int64  `json:"amount"`
	Description      string `json:"description"`
	Message          string `json:"message"`
	Currency         string `json:"currency"`
	ExpiresInHours   int    `json:"expires_in_hours"`
}

// RespondRequest answers a money request; Action is "accept" or "reject".
type RespondRequest struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
}

type SetPinRequest struct {
	Pin        string `json:"pin"`
	CurrentPin string `json:"current_pin"`
}

type VerifyPinRequest struct {
	Pin string `json:"pin"`
}

// CreateSessionRequest starts a payment session. PaymentType is SEND_MONEY
// or REQUEST_MONEY; RequestID links a SEND_MONEY session to the incoming
// request it pays.
type CreateSessionRequest struct {
	PaymentType      string `json:"payment_type"`
	Amount           int64  `json:"amount"`
	ToUserIdentifier string `json:"to_user_identifier"`
	Description      string `json:"description"`
	RequestID        string `json:"request_id"`
}

type ConfirmPaymentRequest struct {
	SessionToken string `json:"session_token"`
	Pin          string `json:"pin"`
}

// Result is the envelope of every API response.
type Result struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
}
