package schedule

import "time"

// Failure backoff ladder, keyed by the error-count the shipment would have
// after this failure.
const (
	backoff1 = 5 * time.Minute
	backoff2 = 15 * time.Minute
	backoff3 = 30 * time.Minute
	backoff4 = 60 * time.Minute
)

// RateLimitExtraDelay is added on top of the backoff when the carrier
// answered 429, so rate-limited shipments always land later than other
// failures.
const RateLimitExtraDelay = 30 * time.Minute

func BackoffDelay(nextFailCount int32) time.Duration {
	switch {
	case nextFailCount <= 1:
		return backoff1
	case nextFailCount == 2:
		return backoff2
	case nextFailCount == 3:
		return backoff3
	default:
		return backoff4
	}
}
