package syncengine

import (
	"math/rand/v2"
	"time"
)

// maxBackoffShift bounds the exponent so the shifted delay cannot overflow.
const maxBackoffShift = 20

type backoffPolicy struct {
	base   time.Duration
	max    time.Duration
	jitter func(time.Duration) time.Duration
}

// delay returns the wait before the next automatic attempt after retryCount
// rejections: base doubled per rejection, capped at max, then jittered.
func (p backoffPolicy) delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	shift := min(retryCount-1, maxBackoffShift)
	delay := p.base << shift
	if delay <= 0 || delay > p.max {
		delay = p.max
	}
	return p.jitter(delay)
}

// equalJitter keeps half of the delay and randomizes the other half.
func equalJitter(delay time.Duration) time.Duration {
	if delay <= 1 {
		return delay
	}
	half := delay / 2
	return half + rand.N(half+1)
}
