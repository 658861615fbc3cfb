package service

import (
	"context"
	"regexp"
	"time"

	"github.com/visapay/visapay/internal/domain"
	"github.com/visapay/visapay/internal/store"
)

const (
	PinMinLength = 4
	PinMaxLength = 6
)

var pinDigits = regexp.MustCompile(`^\d+$`)

// PinService manages payment PINs. Plaintext PINs are only ever passed to
// the Hasher; they are never stored or logged.
type PinService struct {
	ledger store.Ledger
	hasher Hasher
	opts   Options
}

func NewPinService(ledger store.Ledger, hasher Hasher, opts Options) *PinService {
	return &PinService{ledger: ledger, hasher: hasher, opts: opts.withDefaults()}
}

// PinStatus tells the UI whether to prompt for PIN setup.
type PinStatus struct {
	HasPin   bool       `json:"has_pin"`
	PinSetAt *time.Time `json:"pin_set_at,omitempty"`
}

func validatePin(pin string) error {
	if !pinDigits.MatchString(pin) {
		return domain.Fail(domain.CodeInvalidPinFormat, "PIN must contain only digits")
	}
	if len(pin) < PinMinLength || len(pin) > PinMaxLength {
		return domain.Fail(domain.CodeInvalidPinLength, "PIN must be 4 to 6 digits")
	}
	return nil
}

// SetPin sets or replaces the user's PIN. Replacing requires currentPin.
// It returns a message saying which of the two happened.
func (s *PinService) SetPin(ctx context.Context, userID, newPin, currentPin string) (string, error) {
	if err := validatePin(newPin); err != nil {
		return "", err
	}

	u, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return "", domain.Fail(domain.CodeUserNotFound, "User not found")
		}
		return "", domain.Wrap(domain.CodeSetPinError, "Failed to set PIN", err)
	}

	replacing := u.PaymentPin != ""
	if replacing {
		if currentPin == "" {
			return "", domain.Fail(domain.CodeCurrentPinRequired, "Current PIN is required to change PIN")
		}
		if !s.hasher.Verify(currentPin, u.PaymentPin) {
			return "", domain.Fail(domain.CodeInvalidCurrentPin, "Current PIN is incorrect")
		}
	}

	digest, err := s.hasher.Hash(newPin)
	if err != nil {
		return "", domain.Wrap(domain.CodeSetPinError, "Failed to set PIN", err)
	}
	if err := s.ledger.SetPaymentPin(ctx, userID, digest, s.opts.Clock.Now()); err != nil {
		return "", domain.Wrap(domain.CodeSetPinError, "Failed to set PIN", err)
	}

	if replacing {
		return "PIN updated successfully", nil
	}
	return "PIN set successfully", nil
}

// VerifyPin checks pin against the stored digest. It has no side effects.
func (s *PinService) VerifyPin(ctx context.Context, userID, pin string) error {
	u, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return domain.Fail(domain.CodeUserNotFound, "User not found")
		}
		return domain.Wrap(domain.CodeVerifyPinError, "Failed to verify PIN", err)
	}
	if u.PaymentPin == "" {
		return domain.Fail(domain.CodePinNotSet, "Payment PIN not set")
	}
	if !s.hasher.Verify(pin, u.PaymentPin) {
		return domain.Fail(domain.CodeInvalidPin, "Invalid PIN")
	}
	return nil
}

// HasPin reports whether the user has a PIN. Unknown users have none.
func (s *PinService) HasPin(ctx context.Context, userID string) (PinStatus, error) {
	u, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return PinStatus{}, nil
		}
		return PinStatus{}, domain.Wrap(domain.CodeInternalError, "Failed to check PIN status", err)
	}
	return PinStatus{HasPin: u.PaymentPin != "", PinSetAt: u.PinSetAt}, nil
}
