package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jkaninda/seedvault/internal/vault"
)

// ConfirmOptions bounds the propagation wait for a binding.
type ConfirmOptions struct {
	MaxWait      time.Duration // Default: 60s
	PollInterval time.Duration // First poll interval. Default: 2s
	MaxInterval  time.Duration // Backoff ceiling. Default: 15s
	Multiplier   float64       // Backoff growth. Default: 1.5
}

func (o ConfirmOptions) maxWait() time.Duration {
	if o.MaxWait > 0 {
		return o.MaxWait
	}
	return 60 * time.Second
}

func (o ConfirmOptions) pollInterval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return 2 * time.Second
}

func (o ConfirmOptions) maxInterval() time.Duration {
	if o.MaxInterval > 0 {
		return o.MaxInterval
	}
	return 15 * time.Second
}

func (o ConfirmOptions) multiplier() float64 {
	if o.Multiplier >= 1 {
		return o.Multiplier
	}
	return 1.5
}

// finalObservation bounds the Status call made once MaxWait has elapsed.
const finalObservation = 250 * time.Millisecond

// Confirm polls binder until b is active, MaxWait elapses, or ctx is done.
// Each Status call is bounded by the remaining wait. The last observation
// happens at the deadline, so a grant that becomes effective within MaxWait
// is never reported as failed. On timeout, including a Status call that
// outlives the wait, the returned binding is StateFailed and the error wraps
// ErrBindingTimeout; on cancellation it wraps ctx.Err(). A binding the
// authority rejects wraps ErrBindingRejected.
func Confirm(ctx context.Context, binder Binder, b Binding, opts ConfirmOptions) (Binding, error) {
	deadline := time.Now().Add(opts.maxWait())
	interval := min(opts.pollInterval(), opts.maxInterval())

	timedOut := func() (Binding, error) {
		b.State = StateFailed
		return b, fmt.Errorf("%w: %s on %s for %s after %s",
			ErrBindingTimeout, b.Capability, b.ResourceID, b.IdentityID, opts.maxWait())
	}

	for {
		callDeadline := deadline
		if !time.Now().Before(deadline) {
			callDeadline = time.Now().Add(finalObservation)
		}
		callCtx, cancel := context.WithDeadline(ctx, callDeadline)
		state, err := binder.Status(callCtx, b)
		expired := callCtx.Err() != nil
		cancel()

		switch {
		case err == nil && state == StateActive:
			now := time.Now().UTC()
			b.State = StateActive
			b.ActivatedAt = &now
			return b, nil
		case err == nil && state == StateFailed:
			b.State = StateFailed
			return b, fmt.Errorf("%w: %s on %s for %s", ErrBindingRejected, b.Capability, b.ResourceID, b.IdentityID)
		case err != nil && ctx.Err() != nil:
			b.State = StateFailed
			return b, fmt.Errorf("confirming binding: %w", ctx.Err())
		case err != nil && expired:
			return timedOut()
		case err != nil && !errors.Is(err, vault.ErrNetworkUnreachable):
			b.State = StateFailed
			return b, fmt.Errorf("observing binding: %w", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return timedOut()
		}

		timer := time.NewTimer(min(interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			b.State = StateFailed
			return b, fmt.Errorf("confirming binding: %w", ctx.Err())
		case <-timer.C:
		}

		interval = min(time.Duration(float64(interval)*opts.multiplier()), opts.maxInterval())
	}
}
