package dispatch

import (
	"sync"
	"time"

	"hailgrid/internal/fleet"
)

// Liveness is the in-memory last-heartbeat view of the taxi cohort. The
// store stays authoritative for fleet state; this map only drives the
// timeout sweep, and is rebuilt from the store on start and on takeover.
type Liveness struct {
	mu       sync.Mutex
	lastSeen map[int]time.Time
	clock    fleet.Clock
}

func NewLiveness(clock fleet.Clock) *Liveness {
	return &Liveness{
		lastSeen: make(map[int]time.Time),
		clock:    clock,
	}
}

// Seen stamps the taxi's last heartbeat at now.
func (l *Liveness) Seen(taxiID int) {
	now := l.clock.Now()
	l.mu.Lock()
	l.lastSeen[taxiID] = now
	l.mu.Unlock()
}

// Hydrate seeds stamps that are newer than what is already tracked.
func (l *Liveness) Hydrate(stamps map[int]time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ts := range stamps {
		if cur, ok := l.lastSeen[id]; !ok || ts.After(cur) {
			l.lastSeen[id] = ts
		}
	}
}

// LastSeen returns the tracked stamp for a taxi.
func (l *Liveness) LastSeen(taxiID int) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts, ok := l.lastSeen[taxiID]
	return ts, ok
}

// Expire evicts and returns every taxi whose last heartbeat is older than
// timeout. An evicted taxi re-enters the view on its next heartbeat.
func (l *Liveness) Expire(timeout time.Duration) []int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []int
	for id, ts := range l.lastSeen {
		if now.Sub(ts) > timeout {
			expired = append(expired, id)
			delete(l.lastSeen, id)
		}
	}
	return expired
}
