package wichain

import (
	"time"

	"github.com/opd-ai/wichain/transport"
	"github.com/opd-ai/wichain/trust"
)

// PeerNetworkStatus is the connection view of one live peer.
type PeerNetworkStatus struct {
	PeerID         string                   `json:"peer_id"`
	Alias          string                   `json:"alias"`
	Address        string                   `json:"address"`
	State          transport.State          `json:"state"`
	ConnectionType transport.ConnectionType `json:"connection_type"`
	RTT            time.Duration            `json:"-"`
	RTTMillis      float64                  `json:"rtt_ms"`
	LastActivity   time.Time                `json:"last_activity"`
	TrustScore     float64                  `json:"trust_score"`
}

// NetworkStatus describes the local node and its connections.
type NetworkStatus struct {
	PeerID         string              `json:"peer_id"`
	Alias          string              `json:"alias"`
	Running        bool                `json:"running"`
	DiscoveryAddr  string              `json:"discovery_addr,omitempty"`
	StreamProtocol string              `json:"stream_protocol"`
	StreamPort     int                 `json:"stream_port"`
	DiscoveryError string              `json:"discovery_error,omitempty"`
	LedgerError    string              `json:"ledger_error,omitempty"`
	LedgerBlocks   int                 `json:"ledger_blocks"`
	Peers          []PeerNetworkStatus `json:"peers"`
}

// GetNetworkStatus reports the connection type and measured round-trip time
// of every live peer, plus any subsystem failure.
func (n *Node) GetNetworkStatus() NetworkStatus {
	info := n.identity.Identity()
	st := NetworkStatus{
		PeerID:         info.PeerID,
		Alias:          info.Alias,
		StreamProtocol: n.options.StreamProtocol,
		LedgerBlocks:   n.ledger.Len(),
	}
	if err := n.ledger.Err(); err != nil {
		st.LedgerError = err.Error()
	}

	n.netMu.RLock()
	udp, conns, svc := n.udp, n.conns, n.discovery
	n.netMu.RUnlock()
	if conns != nil {
		st.Running = true
		st.DiscoveryAddr = udp.LocalAddr().String()
		st.StreamPort = conns.StreamPort()
		if err := svc.Err(); err != nil {
			st.DiscoveryError = err.Error()
		}
	}

	for _, p := range n.directory.Snapshot() {
		ps := PeerNetworkStatus{
			PeerID:     p.PeerID,
			Alias:      p.Alias,
			Address:    p.Address,
			State:      transport.StateDiscoveredOnly,
			TrustScore: trust.DefaultScore,
		}
		if score, ok := n.trust.Get(p.PeerID); ok {
			ps.TrustScore = score
		}
		if conns != nil {
			s := conns.Status(p.PeerID)
			if s.State != transport.StateUnknown {
				ps.State = s.State
			}
			ps.ConnectionType = s.ConnectionType
			ps.RTT = s.RTT
			ps.RTTMillis = float64(s.RTT.Microseconds()) / 1000
			ps.LastActivity = s.LastActivity
		}
		st.Peers = append(st.Peers, ps)
	}
	return st
}
