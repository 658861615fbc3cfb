package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/visapay/visapay/internal/domain"
	"github.com/visapay/visapay/internal/store"
)

const MinPasswordLength = 8

type AccountService struct {
	ledger store.Ledger
	hasher Hasher
	opts   Options
}

func NewAccountService(ledger store.Ledger, hasher Hasher, opts Options) *AccountService {
	return &AccountService{ledger: ledger, hasher: hasher, opts: opts.withDefaults()}
}

type SignupInput struct {
	Email    string
	Password string
	Name     string
	// Username defaults to the local part of Email.
	Username string
	// OpeningBalance is credited at creation, in paise.
	OpeningBalance int64
}

// Signup creates a user. Email and username are unique across users.
func (s *AccountService) Signup(ctx context.Context, in SignupInput) (*domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, domain.Fail(domain.CodeInvalidInput, "A valid email is required")
	}
	if len(in.Password) < MinPasswordLength {
		return nil, domain.Fail(domain.CodeInvalidInput, "Password must be at least 8 characters")
	}
	if in.OpeningBalance < 0 {
		return nil, domain.Fail(domain.CodeInvalidAmount, "Opening balance cannot be negative")
	}
	username := strings.TrimSpace(in.Username)
	if username == "" {
		username = email[:strings.IndexByte(email, '@')]
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = username
	}

	digest, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, domain.Wrap(domain.CodeCreateError, "Failed to create account", err)
	}

	u := &domain.User{
		ID:             newID(),
		Email:          email,
		Username:       username,
		Name:           name,
		PasswordHash:   digest,
		CurrentBalance: in.OpeningBalance,
		CreatedAt:      s.opts.Clock.Now(),
	}
	if err := s.ledger.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domain.Fail(domain.CodeUserExists, "A user with this email or username already exists")
		}
		return nil, domain.Wrap(domain.CodeCreateError, "Failed to create account", err)
	}
	return u, nil
}

// BalanceSummary returns the user's balance with completed totals and
// pending request counts.
func (s *AccountService) BalanceSummary(ctx context.Context, userID string) (*domain.BalanceSummary, error) {
	sum, err := s.ledger.BalanceSummary(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.Fail(domain.CodeUserNotFound, "User not found")
		}
		return nil, domain.Wrap(domain.CodeInternalError, "Failed to load balance", err)
	}
	return sum, nil
}
