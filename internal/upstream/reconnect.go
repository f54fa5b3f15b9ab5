package upstream

import (
	"context"
	"log"
	"time"

	"github.com/antoniostano/switchboard/internal/reliability"
)

const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// Supervisor retries upstream connects with capped exponential backoff.
// Failures are swallowed and retried; only cancellation aborts the loop,
// and it aborts mid-wait, not after the current sleep.
type Supervisor struct {
	base    time.Duration
	cap     time.Duration
	attempt int

	sleep func(ctx context.Context, d time.Duration) error
}

func NewSupervisor(base, cap time.Duration) *Supervisor {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	return &Supervisor{base: base, cap: cap, sleep: sleepCtx}
}

// NextDelay returns the wait before the next attempt and advances the
// schedule: base, 2*base, ... capped.
func (s *Supervisor) NextDelay() time.Duration {
	d := reliability.ExponentialBackoff(s.attempt, s.base, s.cap)
	s.attempt++
	return d
}

// Reset restores the schedule to the base delay after a successful connect.
func (s *Supervisor) Reset() {
	s.attempt = 0
}

// Connect runs dial until it succeeds or ctx is cancelled. The first attempt
// is immediate; each failure waits the next backoff delay.
func (s *Supervisor) Connect(ctx context.Context, dial func(ctx context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := dial(ctx)
		if err == nil {
			s.Reset()
			return nil
		}

		delay := s.NextDelay()
		log.Printf("upstream connect failed, retrying in %s: %v", delay, err)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
