package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Dialer opens a fresh relay connection.
type Dialer func(ctx context.Context) (Transport, error)

// RejoinPolicy bounds the delay between attempts. Zero values pick the
// defaults.
type RejoinPolicy struct {
	MinDelay time.Duration
	MaxDelay time.Duration

	// MaxAttempts is how many consecutive attempts may fail before giving
	// up. Zero retries forever.
	MaxAttempts int
}

func (p RejoinPolicy) withDefaults() RejoinPolicy {
	if p.MinDelay <= 0 {
		p.MinDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	return p
}

// RunWithRejoin runs c over connections from dial until the participant
// leaves or ctx is cancelled. Every attempt is a fresh connect and join;
// nothing from the lost connection is resumed. An attempt that reached the
// room resets the backoff.
func RunWithRejoin(ctx context.Context, c *Coordinator, dial Dialer, policy RejoinPolicy) error {
	policy = policy.withDefaults()
	delay := policy.MinDelay
	failures := 0

	for {
		t, err := dial(ctx)
		if err == nil {
			var joined bool
			joined, err = c.run(ctx, t)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrDisconnected) {
				return err
			}
			if joined {
				delay = policy.MinDelay
				failures = 0
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		if policy.MaxAttempts > 0 && failures >= policy.MaxAttempts {
			return WrapError("rejoin", err, fmt.Sprintf("gave up after %d attempts", failures))
		}

		c.log.Info("rejoining", "in", delay, "attempt", failures, "error", err)
		c.obs.OnError(WrapError("rejoin", err, fmt.Sprintf("retrying in %s", delay)))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
