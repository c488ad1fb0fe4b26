package twitter

import (
	"math"
	"time"
)

// Backoff schedule per error class. The exponent only falls back to zero
// on an unspecific failure; every classified failure accumulates, which
// keeps the relay conservative under sustained upstream trouble.
const (
	rateLimitedBase = 60 * time.Second
	rateLimitedCap  = 960 * time.Second

	badStatusBase = 5 * time.Second
	badStatusCap  = 320 * time.Second

	netErrorStep = 250 * time.Millisecond
	netErrorCap  = 16 * time.Second

	unspecificDelay = 250 * time.Millisecond
)

// nextBackoff returns the restart delay for a stream failure of the
// given class at exponent b, and the exponent to carry forward.
func nextBackoff(class ErrorClass, b uint32) (time.Duration, uint32) {
	switch class {
	case ClassRateLimited:
		return saturatingExp(rateLimitedBase, b, rateLimitedCap), saturatingIncr(b)

	case ClassBadStatus:
		return saturatingExp(badStatusBase, b, badStatusCap), saturatingIncr(b)

	case ClassNetError, ClassStall:
		steps := b
		if steps < 1 {
			steps = 1
		}
		delay := time.Duration(steps) * netErrorStep
		if delay > netErrorCap || delay < 0 {
			delay = netErrorCap
		}
		return delay, saturatingIncr(b)

	default:
		return unspecificDelay, 0
	}
}

// saturatingExp computes base * 2^b, saturating at cap.
func saturatingExp(base time.Duration, b uint32, limit time.Duration) time.Duration {
	if b >= 32 {
		return limit
	}
	delay := base << b
	if delay > limit || delay <= 0 {
		return limit
	}
	return delay
}

func saturatingIncr(b uint32) uint32 {
	if b == math.MaxUint32 {
		return b
	}
	return b + 1
}
