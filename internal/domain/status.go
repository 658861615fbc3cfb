package domain

import "fmt"

type TransactionType string

const (
	TransactionSend           TransactionType = "SEND"
	TransactionRequestPayment TransactionType = "REQUEST_PAYMENT"
	TransactionRefund         TransactionType = "REFUND"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionSend, TransactionRequestPayment, TransactionRefund:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "PENDING"
	TransactionProcessing TransactionStatus = "PROCESSING"
	TransactionCompleted  TransactionStatus = "COMPLETED"
	TransactionFailed     TransactionStatus = "FAILED"
	TransactionCancelled  TransactionStatus = "CANCELLED"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionPending, TransactionProcessing, TransactionCompleted, TransactionFailed, TransactionCancelled:
		return true
	}
	return false
}

type AttemptStatus string

const (
	AttemptProcessing AttemptStatus = "PROCESSING"
	AttemptCompleted  AttemptStatus = "COMPLETED"
	AttemptFailed     AttemptStatus = "FAILED"
)

func (s AttemptStatus) Valid() bool {
	switch s {
	case AttemptProcessing, AttemptCompleted, AttemptFailed:
		return true
	}
	return false
}

type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionExpired   SessionStatus = "EXPIRED"
	SessionCancelled SessionStatus = "CANCELLED"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionCompleted, SessionExpired, SessionCancelled:
		return true
	}
	return false
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestAccepted  RequestStatus = "ACCEPTED"
	RequestRejected  RequestStatus = "REJECTED"
	RequestExpired   RequestStatus = "EXPIRED"
	RequestCancelled RequestStatus = "CANCELLED"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestAccepted, RequestRejected, RequestExpired, RequestCancelled:
		return true
	}
	return false
}

// PaymentType is the persisted discriminator of a PaymentIntent.
type PaymentType string

const (
	PaymentSendMoney    PaymentType = "SEND_MONEY"
	PaymentRequestMoney PaymentType = "REQUEST_MONEY"
)

// PaymentIntent is what a payment session will do once confirmed.
// The set of implementations is closed: SendMoney, SendMoneyForRequest, RequestMoney.
type PaymentIntent interface {
	PaymentType() PaymentType
	isPaymentIntent()
}

// SendMoney is an ordinary transfer to the session's recipient.
type SendMoney struct{}

// SendMoneyForRequest pays an incoming money request.
type SendMoneyForRequest struct {
	RequestID string
}

// RequestMoney creates a money request against the session's recipient.
type RequestMoney struct{}

func (SendMoney) PaymentType() PaymentType           { return PaymentSendMoney }
func (SendMoneyForRequest) PaymentType() PaymentType { return PaymentSendMoney }
func (RequestMoney) PaymentType() PaymentType        { return PaymentRequestMoney }

func (SendMoney) isPaymentIntent()           {}
func (SendMoneyForRequest) isPaymentIntent() {}
func (RequestMoney) isPaymentIntent()        {}

// RequestIDOf returns the linked request id, or "" when the intent has none.
func RequestIDOf(intent PaymentIntent) string {
	if v, ok := intent.(SendMoneyForRequest); ok {
		return v.RequestID
	}
	return ""
}

// IntentFrom rebuilds an intent from its persisted form.
func IntentFrom(pt PaymentType, requestID string) (PaymentIntent, error) {
	switch pt {
	case PaymentSendMoney:
		if requestID != "" {
			return SendMoneyForRequest{RequestID: requestID}, nil
		}
		return SendMoney{}, nil
	case PaymentRequestMoney:
		return RequestMoney{}, nil
	}
	return nil, fmt.Errorf("unknown payment type %q", pt)
}
