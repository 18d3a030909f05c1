// Package trust keeps a bounded, advisory reputation score per peer.
//
// Scores start at DefaultScore, rise by Reward for every verified message,
// fall by Penalty for every signature or authentication failure, and decay
// toward Floor while a peer stays inactive. Every update clamps to
// [MinScore, MaxScore]. Scores never block communication on their own.
package trust

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wichain/crypto"
)

const (
	MinScore     = 0.0
	MaxScore     = 100.0
	DefaultScore = 50.0
	Reward       = 1.0
	Penalty      = 10.0
	Floor        = 20.0
	DecayPerHour = 1.0

	// InactivityGrace is how long a peer may stay silent before decay starts.
	InactivityGrace = 10 * time.Minute
)

type entry struct {
	mu         sync.Mutex
	score      float64
	lastActive time.Time
	decayedTo  time.Time
}

// Snapshot is a read-only view of one peer's score.
type Snapshot struct {
	PeerID       string    `json:"peer_id"`
	Score        float64   `json:"trust_score"`
	LastActive   time.Time `json:"last_active"`
	LastSeenSecs float64   `json:"last_seen_secs"`
}

// Scorer tracks scores per peer id. Each peer has its own lock.
type Scorer struct {
	entries sync.Map // peer id -> *entry
	tp      crypto.TimeProvider
}

// NewScorer creates an empty scorer. A nil tp uses the package default clock.
func NewScorer(tp crypto.TimeProvider) *Scorer {
	if tp == nil {
		tp = crypto.GetDefaultTimeProvider()
	}
	return &Scorer{tp: tp}
}

func (s *Scorer) load(peerID string) (*entry, bool) {
	v, ok := s.entries.Load(peerID)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (s *Scorer) ensure(peerID string) *entry {
	if e, ok := s.load(peerID); ok {
		return e
	}
	now := s.tp.Now()
	v, _ := s.entries.LoadOrStore(peerID, &entry{score: DefaultScore, lastActive: now, decayedTo: now})
	return v.(*entry)
}

// Observe records contact with peerID, creating it at DefaultScore.
func (s *Scorer) Observe(peerID string) {
	e := s.ensure(peerID)
	e.mu.Lock()
	e.touch(s.tp.Now())
	e.mu.Unlock()
}

// Reward raises the score of peerID after a verified, decrypted message.
func (s *Scorer) Reward(peerID string) float64 {
	e := s.ensure(peerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.score = clamp(e.score + Reward)
	e.touch(s.tp.Now())
	return e.score
}

// Penalize lowers the score of a known peer after a signature or
// authentication failure attributed to it. Unknown ids are ignored so forged
// senders cannot grow the table; it reports whether a score changed.
func (s *Scorer) Penalize(peerID string) (float64, bool) {
	e, ok := s.load(peerID)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.score = clamp(e.score - Penalty)

	logrus.WithFields(logrus.Fields{
		"function": "Penalize",
		"package":  "trust",
		"peer_id":  crypto.ShortID(peerID),
		"score":    e.score,
	}).Debug("Trust penalty applied")
	return e.score, true
}

// Get returns the current score of peerID. It has no side effects.
func (s *Scorer) Get(peerID string) (float64, bool) {
	e, ok := s.load(peerID)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.score, true
}

// Decay lowers the score of every peer inactive for longer than
// InactivityGrace by DecayPerHour, pro rata, never below Floor. Scores
// already below Floor are left alone.
func (s *Scorer) Decay(now time.Time) {
	s.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		e.decay(now)
		e.mu.Unlock()
		return true
	})
}

// Snapshot returns every score ordered by peer id.
func (s *Scorer) Snapshot() []Snapshot {
	now := s.tp.Now()
	var out []Snapshot
	s.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, Snapshot{
			PeerID:       k.(string),
			Score:        e.score,
			LastActive:   e.lastActive,
			LastSeenSecs: now.Sub(e.lastActive).Seconds(),
		})
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Seed restores a cached score for a peer not tracked yet.
func (s *Scorer) Seed(peerID string, score float64) {
	now := s.tp.Now()
	s.entries.LoadOrStore(peerID, &entry{score: clamp(score), lastActive: now, decayedTo: now})
}

// Forget drops peerID.
func (s *Scorer) Forget(peerID string) {
	s.entries.Delete(peerID)
}

// Reset drops every score.
func (s *Scorer) Reset() {
	s.entries.Range(func(k, _ any) bool {
		s.entries.Delete(k)
		return true
	})
}

func (e *entry) touch(now time.Time) {
	if now.After(e.lastActive) {
		e.lastActive = now
	}
	if now.After(e.decayedTo) {
		e.decayedTo = now
	}
}

func (e *entry) decay(now time.Time) {
	start := e.lastActive.Add(InactivityGrace)
	if e.decayedTo.After(start) {
		start = e.decayedTo
	}
	if !now.After(start) {
		return
	}
	e.decayedTo = now
	if e.score <= Floor {
		return
	}
	e.score -= DecayPerHour * now.Sub(start).Hours()
	if e.score < Floor {
		e.score = Floor
	}
}

func clamp(score float64) float64 {
	switch {
	case score < MinScore:
		return MinScore
	case score > MaxScore:
		return MaxScore
	}
	return score
}
