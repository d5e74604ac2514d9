// Package backoff provides the retry delay policy shared by every long-running loop in the
// pipeline: stream read loops, publisher retries, poller query retries and reconnects.
//
// A Policy grows the delay exponentially from Base by Multiplier and never exceeds Max.
// Optional jitter spreads retries of many instances hitting the same backend.
//
//	p := backoff.Default()
//	for attempt := 1; ; attempt++ {
//		if err := read(ctx); err == nil {
//			break
//		}
//		if err := p.Sleep(ctx, attempt); err != nil {
//			return err // context cancelled
//		}
//	}
//
// Retry wraps the same loop for bounded operations:
//
//	err := backoff.Retry(ctx, p, 5, func(ctx context.Context) error {
//		return store.Ping(ctx)
//	})
package backoff
