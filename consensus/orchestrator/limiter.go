package orchestrator

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle     = 10 * time.Minute
	limiterMaxPeers = 4096
)

type peerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// peerLimiter throttles inbound messages per transport peer.
type peerLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	peers map[string]*peerEntry
	now   func() time.Time
}

func newPeerLimiter(limit rate.Limit, burst int, now func() time.Time) *peerLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &peerLimiter{limit: limit, burst: burst, peers: make(map[string]*peerEntry), now: now}
}

func (l *peerLimiter) Allow(peer string) bool {
	if l == nil || l.limit == rate.Inf || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	entry, ok := l.peers[peer]
	if !ok {
		if len(l.peers) >= limiterMaxPeers {
			l.sweepLocked(now)
		}
		entry = &peerEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.peers[peer] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *peerLimiter) sweepLocked(now time.Time) {
	for peer, entry := range l.peers {
		if now.Sub(entry.lastSeen) > limiterIdle {
			delete(l.peers, peer)
		}
	}
}
