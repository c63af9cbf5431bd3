package streamer

import (
	"context"
	"time"
)

// checkFunc reports a cause when something is wrong.
type checkFunc func() (RestartCause, bool)

// watchdog runs check every interval until it reports a cause, which is
// handed to fire, or ctx ends.
func watchdog(ctx context.Context, interval time.Duration, check checkFunc, fire func(RestartCause)) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if c, ok := check(); ok {
				fire(c)
				return nil
			}
		}
	}
}
