package discovery

import (
	"crypto/ed25519"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/wichain/interfaces"
	"github.com/opd-ai/wichain/transport"
)

// PeerRecord is the directory view of a discovered peer. TrustScore and
// ConnectionType are not tracked here; the node fills them in on read.
type PeerRecord struct {
	PeerID         string                   `json:"peer_id"`
	PublicKey      ed25519.PublicKey        `json:"-"`
	Alias          string                   `json:"alias"`
	Addr           *net.UDPAddr             `json:"-"`
	Address        string                   `json:"address"`
	LastSeen       time.Time                `json:"last_seen"`
	TrustScore     float64                  `json:"trust_score"`
	ConnectionType transport.ConnectionType `json:"connection_type"`
	StreamPort     int                      `json:"stream_port"`
}

// Change describes the effect of an upsert.
type Change int

const (
	// Refreshed means only LastSeen moved.
	Refreshed Change = iota
	// Added means the peer was not in the directory.
	Added
	// Updated means the alias, address or stream port changed.
	Updated
)

type dirEntry struct {
	mu  sync.Mutex
	rec PeerRecord
	// announced is when the presence record currently applied was received.
	announced time.Time
	removed   bool
}

// Directory is the set of live peers, unique by public key. Each peer has its
// own lock so operations on different peers never contend.
type Directory struct {
	entries sync.Map // peer id -> *dirEntry
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{}
}

// Upsert records contact with the peer described by r from addr at now.
// LastSeen never moves backwards, and a record older than the one already
// applied leaves alias, address and stream port unchanged, so reordered
// records are harmless.
func (d *Directory) Upsert(r PresenceRecord, pub ed25519.PublicKey, addr *net.UDPAddr, now time.Time) (PeerRecord, Change) {
	fresh := &dirEntry{rec: PeerRecord{
		PeerID:     r.PublicKey,
		PublicKey:  pub,
		Alias:      r.Alias,
		Addr:       addr,
		StreamPort: r.StreamPort,
		LastSeen:   now,
	}, announced: now}
	for {
		v, loaded := d.entries.LoadOrStore(r.PublicKey, fresh)
		if !loaded {
			return fresh.snapshot(), Added
		}
		e := v.(*dirEntry)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		change := Refreshed
		if !now.Before(e.announced) {
			if e.rec.Alias != r.Alias || e.rec.StreamPort != r.StreamPort || !sameAddr(e.rec.Addr, addr) {
				change = Updated
			}
			e.rec.Alias = r.Alias
			e.rec.StreamPort = r.StreamPort
			e.rec.Addr = addr
			e.announced = now
		}
		if now.After(e.rec.LastSeen) {
			e.rec.LastSeen = now
		}
		rec := e.rec
		e.mu.Unlock()
		return finish(rec), change
	}
}

// Touch refreshes LastSeen of a known peer after any authenticated contact.
func (d *Directory) Touch(peerID string, now time.Time) bool {
	v, ok := d.entries.Load(peerID)
	if !ok {
		return false
	}
	e := v.(*dirEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	if now.After(e.rec.LastSeen) {
		e.rec.LastSeen = now
	}
	return true
}

// Lookup returns the record of peerID.
func (d *Directory) Lookup(peerID string) (PeerRecord, bool) {
	v, ok := d.entries.Load(peerID)
	if !ok {
		return PeerRecord{}, false
	}
	e := v.(*dirEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return PeerRecord{}, false
	}
	return finish(e.rec), true
}

// ResolvePeer implements interfaces.IPeerResolver.
func (d *Directory) ResolvePeer(peerID string) (interfaces.PeerEndpoint, bool) {
	rec, ok := d.Lookup(peerID)
	if !ok {
		return interfaces.PeerEndpoint{}, false
	}
	return interfaces.PeerEndpoint{
		PeerID:       rec.PeerID,
		PublicKey:    rec.PublicKey,
		DatagramAddr: rec.Addr,
		StreamPort:   rec.StreamPort,
	}, true
}

// Snapshot returns every live peer ordered by alias, then peer id.
func (d *Directory) Snapshot() []PeerRecord {
	var out []PeerRecord
	d.entries.Range(func(_, v any) bool {
		e := v.(*dirEntry)
		e.mu.Lock()
		if !e.removed {
			out = append(out, finish(e.rec))
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Alias != out[j].Alias {
			return out[i].Alias < out[j].Alias
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Len returns the number of live peers.
func (d *Directory) Len() int {
	n := 0
	d.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Remove evicts peerID and returns its last record.
func (d *Directory) Remove(peerID string) (PeerRecord, bool) {
	v, ok := d.entries.Load(peerID)
	if !ok {
		return PeerRecord{}, false
	}
	e := v.(*dirEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return PeerRecord{}, false
	}
	e.removed = true
	d.entries.CompareAndDelete(peerID, e)
	return finish(e.rec), true
}

// SweepStale evicts peers not seen for longer than staleAfter and returns them.
func (d *Directory) SweepStale(now time.Time, staleAfter time.Duration) []PeerRecord {
	var evicted []PeerRecord
	d.entries.Range(func(k, v any) bool {
		e := v.(*dirEntry)
		e.mu.Lock()
		if !e.removed && now.Sub(e.rec.LastSeen) > staleAfter {
			e.removed = true
			d.entries.CompareAndDelete(k, e)
			evicted = append(evicted, finish(e.rec))
		}
		e.mu.Unlock()
		return true
	})
	return evicted
}

// Clear evicts every peer.
func (d *Directory) Clear() {
	d.entries.Range(func(k, v any) bool {
		e := v.(*dirEntry)
		e.mu.Lock()
		e.removed = true
		d.entries.CompareAndDelete(k, e)
		e.mu.Unlock()
		return true
	})
}

func (e *dirEntry) snapshot() PeerRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return finish(e.rec)
}

func finish(rec PeerRecord) PeerRecord {
	if rec.Addr != nil {
		rec.Address = rec.Addr.String()
	}
	return rec
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
