package crypto

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrReplay is returned when an envelope nonce has already been accepted.
var ErrReplay = errors.New("replayed envelope")

// DefaultReplayWindow is how long accepted nonces are remembered.
const DefaultReplayWindow = 10 * time.Minute

// ReplayGuard remembers recently accepted envelope nonces per sender so that
// a captured datagram cannot be delivered twice.
//
// The guard is safe for concurrent use. Expired entries are pruned lazily on
// every call to CheckAndStore.
type ReplayGuard struct {
	mu           sync.Mutex
	seen         map[replayKey]time.Time
	window       time.Duration
	lastPrune    time.Time
	timeProvider TimeProvider
}

type replayKey struct {
	from  string
	nonce Nonce
}

// NewReplayGuard creates a guard remembering nonces for window.
// Pass nil for timeProvider to use the package default.
func NewReplayGuard(window time.Duration, timeProvider TimeProvider) *ReplayGuard {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if timeProvider == nil {
		timeProvider = GetDefaultTimeProvider()
	}
	return &ReplayGuard{
		seen:         make(map[replayKey]time.Time),
		window:       window,
		timeProvider: timeProvider,
	}
}

// CheckAndStore records the (from, nonce) pair.
// Returns true if the pair is new, false if it is a replay.
func (g *ReplayGuard) CheckAndStore(from string, nonce Nonce) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.timeProvider.Now()
	if now.Sub(g.lastPrune) > g.window/2 {
		g.pruneLocked(now)
	}

	key := replayKey{from: from, nonce: nonce}
	if expiry, ok := g.seen[key]; ok && now.Before(expiry) {
		logrus.WithFields(logrus.Fields{
			"function": "CheckAndStore",
			"package":  "crypto",
			"peer_id":  ShortID(from),
		}).Warn("Replay detected: nonce already accepted")
		return false
	}
	g.seen[key] = now.Add(g.window)
	return true
}

// Len returns the number of remembered nonces.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Reset forgets all remembered nonces.
func (g *ReplayGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = make(map[replayKey]time.Time)
}

func (g *ReplayGuard) pruneLocked(now time.Time) {
	for k, expiry := range g.seen {
		if !now.Before(expiry) {
			delete(g.seen, k)
		}
	}
	g.lastPrune = now
}
