package sfu

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// AdmissionLimiter throttles how fast a single peer's inbound WS frames are
// handed to its Session's HandleInbound. It never drops or reorders a frame
// -- a frame that arrives faster than the limiter allows simply waits in
// Wait's caller (the ReadPump) before it is handled and before the next
// read, which is backpressure on the TCP socket itself.
type AdmissionLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewAdmissionLimiter creates a limiter allowing ratePerSec frames/sec per
// peer, with the given burst.
func NewAdmissionLimiter(ratePerSec float64, burst int) *AdmissionLimiter {
	return &AdmissionLimiter{
		limiters: make(map[uuid.UUID]*rate.Limiter),
		rate:     rate.Limit(ratePerSec),
		burst:    burst,
	}
}

// Wait blocks until peerID may admit one more frame, or ctx is done.
// Frames are never dropped: a peer sending faster than its rate simply
// stalls here, which is backpressure on its TCP socket, not data loss.
func (l *AdmissionLimiter) Wait(ctx context.Context, peerID uuid.UUID) error {
	return l.limiterFor(peerID).Wait(ctx)
}

func (l *AdmissionLimiter) limiterFor(peerID uuid.UUID) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[peerID]; ok {
		return lim
	}
	lim := rate.NewLimiter(l.rate, l.burst)
	l.limiters[peerID] = lim
	return lim
}

// Forget releases the limiter state for a peer that has disconnected.
func (l *AdmissionLimiter) Forget(peerID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, peerID)
}
