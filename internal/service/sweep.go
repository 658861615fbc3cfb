package service

import (
	"context"
	"log"
	"time"
)

// Sweeper expires stale sessions and requests in bulk. It is driven from
// outside: the sweep command, or serve's optional ticker.
type Sweeper struct {
	sessions *SessionService
	requests *RequestService
}

func NewSweeper(sessions *SessionService, requests *RequestService) *Sweeper {
	return &Sweeper{sessions: sessions, requests: requests}
}

type SweepResult struct {
	Sessions int64 `json:"sessions"`
	Requests int64 `json:"requests"`
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var err error
	if res.Sessions, err = s.sessions.CleanupExpiredSessions(ctx); err != nil {
		return res, err
	}
	if res.Requests, err = s.requests.CleanupExpiredRequests(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// Every sweeps once per interval until ctx is done.
func (s *Sweeper) Every(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				log.Printf("sweep failed: %v", err)
				continue
			}
			if res.Sessions > 0 || res.Requests > 0 {
				log.Printf("sweep expired %d sessions and %d requests", res.Sessions, res.Requests)
			}
		}
	}
}
