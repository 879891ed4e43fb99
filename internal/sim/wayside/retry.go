package wayside

import (
	"context"
	"errors"
	"time"

	"wayside.ai/internal/protocol"
)

// permanent errors are answers, not I/O failures; retrying cannot change them.
func permanent(err error) bool {
	return errors.Is(err, protocol.ErrInvalid) ||
		errors.Is(err, protocol.ErrTrainOwned) ||
		errors.Is(err, protocol.ErrInTransit) ||
		errors.Is(err, protocol.ErrNotOwner) ||
		errors.Is(err, protocol.ErrPacketGone) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// retry runs fn up to attempts times with a fixed backoff between attempts.
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || permanent(err) {
			return err
		}
		if i == attempts-1 || backoff <= 0 {
			continue
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (c *Controller) retry(ctx context.Context, fn func(context.Context) error) error {
	return retry(ctx, c.cfg.Tuning.Retry.Attempts, c.cfg.Tuning.Backoff(), fn)
}
