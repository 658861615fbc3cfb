// Package service implements the payment flows on top of a store.Ledger:
// transfers with retries, money requests, payment PINs, and the
// PIN-gated payment session protocol.
package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/visapay/visapay/internal/domain"
	"github.com/visapay/visapay/internal/events"
	"github.com/visapay/visapay/internal/store"
)

const (
	MaxRetryAttempts         = 3
	DefaultRetryDelay        = time.Second
	DefaultIdempotencyWindow = 5 * time.Minute
	DefaultSessionTTL        = 10 * time.Minute
	DefaultRequestTTL        = 168 * time.Hour
	DefaultCurrency          = "INR"
	DefaultHistoryLimit      = 10
)

var attemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "visapay_transaction_attempts_total",
		Help: "Transaction execution attempts by outcome",
	},
	[]string{"outcome"},
)

// Clock is the time source. Sleep returns early with ctx's error when ctx
// is done first.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Hasher turns PINs and passwords into salted one-way digests.
type Hasher interface {
	Hash(secret string) (string, error)
	Verify(secret, digest string) bool
}

// Options carries the collaborators and tunables shared by the services.
// Zero values fall back to the defaults above.
type Options struct {
	Clock             Clock
	Notifier          events.Notifier
	RetryDelay        time.Duration
	IdempotencyWindow time.Duration
	SessionTTL        time.Duration
	RequestTTL        time.Duration
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.Notifier == nil {
		o.Notifier = events.Nop{}
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.IdempotencyWindow <= 0 {
		o.IdempotencyWindow = DefaultIdempotencyWindow
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.RequestTTL <= 0 {
		o.RequestTTL = DefaultRequestTTL
	}
	return o
}

func newID() string { return uuid.NewString() }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }

func publish(ctx context.Context, n events.Notifier, now time.Time, typ, subject string, data any) {
	n.Notify(ctx, events.Event{Type: typ, OccurredAt: now, SubjectID: subject, Data: data})
}

// profiles resolves public profiles for ids, skipping ids that no longer resolve.
func profiles(ctx context.Context, q store.Queries, ids ...string) map[string]*domain.Profile {
	out := make(map[string]*domain.Profile, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		u, err := q.GetUser(ctx, id)
		if err != nil {
			if !isNotFound(err) {
				log.Printf("profile lookup for %s failed: %v", id, err)
			}
			continue
		}
		out[id] = u.Profile()
	}
	return out
}
