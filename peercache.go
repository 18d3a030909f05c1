package wichain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wichain/crypto"
	"github.com/opd-ai/wichain/discovery"
	"github.com/opd-ai/wichain/trust"
)

const peerCacheFile = "peers.json"

type cachedPeer struct {
	PeerID     string    `json:"peer_id"`
	Alias      string    `json:"alias"`
	TrustScore float64   `json:"trust_score"`
	LastSeen   time.Time `json:"last_seen"`
}

type peerCacheFileFormat struct {
	Version int          `json:"version"`
	Peers   []cachedPeer `json:"peers"`
}

// peerCache remembers aliases and trust scores of peers across restarts so
// history stays readable while a peer is offline.
type peerCache struct {
	path string

	mu    sync.Mutex
	peers map[string]cachedPeer
}

// loadPeerCache reads path. A missing or unreadable cache is not an error:
// it only holds hints and is rebuilt from discovery.
func loadPeerCache(path string) *peerCache {
	c := &peerCache{path: path, peers: make(map[string]cachedPeer)}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logrus.WithFields(logrus.Fields{
				"function": "loadPeerCache",
				"package":  "wichain",
				"error":    err.Error(),
			}).Warn("Failed to read peer cache")
		}
		return c
	}

	var f peerCacheFileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "loadPeerCache",
			"package":  "wichain",
			"error":    err.Error(),
		}).Warn("Ignoring malformed peer cache")
		return c
	}
	for _, p := range f.Peers {
		if _, err := crypto.ParsePeerID(p.PeerID); err != nil {
			continue
		}
		c.peers[p.PeerID] = p
	}
	return c
}

func (c *peerCache) all() []cachedPeer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cachedPeer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (c *peerCache) alias(peerID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[peerID].Alias
}

func (c *peerCache) remember(rec discovery.PeerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.peers[rec.PeerID]
	p.PeerID = rec.PeerID
	p.Alias = rec.Alias
	if rec.LastSeen.After(p.LastSeen) {
		p.LastSeen = rec.LastSeen
	}
	c.peers[rec.PeerID] = p
}

// save merges the current trust scores into the cache and writes it.
func (c *peerCache) save(scores []trust.Snapshot) error {
	c.mu.Lock()
	for _, s := range scores {
		p, ok := c.peers[s.PeerID]
		if !ok {
			p.PeerID = s.PeerID
		}
		p.TrustScore = s.Score
		c.peers[s.PeerID] = p
	}
	c.mu.Unlock()

	f := peerCacheFileFormat{Version: 1, Peers: c.all()}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode peer cache: %w", err)
	}
	return crypto.WriteFileAtomic(c.path, data, 0o600)
}

func (c *peerCache) clear() error {
	c.mu.Lock()
	c.peers = make(map[string]cachedPeer)
	c.mu.Unlock()
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove peer cache: %w", err)
	}
	return nil
}
