package main

import (
	"context"
	"fmt"
	"log"

	"github.com/visapay/visapay/internal/api"
	"github.com/visapay/visapay/internal/auth"
	"github.com/visapay/visapay/internal/config"
	"github.com/visapay/visapay/internal/events"
	"github.com/visapay/visapay/internal/service"
	"github.com/visapay/visapay/internal/store"
)

type app struct {
	ledger   store.Ledger
	services api.Services
	sweeper  *service.Sweeper
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp opens the ledger and event publisher and builds every service.
func newApp(ctx context.Context, cfg *config.Config, memory bool) (*app, error) {
	a := &app{}

	if memory {
		log.Printf("Using in-memory ledger; data is lost on exit")
		a.ledger = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
		a.ledger = pg
	}
	a.closers = append(a.closers, a.ledger.Close)

	var notifier events.Notifier = events.Nop{}
	if cfg.RabbitMQURI != "" {
		n, err := events.NewAMQPNotifier(cfg.RabbitMQURI)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
		}
		a.closers = append(a.closers, n.Close)
		notifier = n
	}

	opts := service.Options{
		Notifier:          notifier,
		RetryDelay:        cfg.RetryDelay,
		IdempotencyWindow: cfg.IdempotencyWindow,
		SessionTTL:        cfg.SessionTTL,
		RequestTTL:        cfg.RequestTTL,
	}
	hasher := auth.BcryptHasher{}

	transactions := service.NewTransactionService(a.ledger, opts)
	requests := service.NewRequestService(a.ledger, transactions, opts)
	pins := service.NewPinService(a.ledger, hasher, opts)
	sessions := service.NewSessionService(a.ledger, opts)

	a.services = api.Services{
		Accounts:     service.NewAccountService(a.ledger, hasher, opts),
		Transactions: transactions,
		Requests:     requests,
		Pins:         pins,
		Sessions:     sessions,
		Checkout:     service.NewCheckout(pins, sessions, transactions, requests),
	}
	a.sweeper = service.NewSweeper(sessions, requests)
	return a, nil
}
