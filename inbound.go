package wichain

import (
	"errors"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wichain/crypto"
	"github.com/opd-ai/wichain/group"
	"github.com/opd-ai/wichain/messaging"
	"github.com/opd-ai/wichain/transport"
)

var errGroupMismatch = errors.New("group reference does not match packet")

// handleEnvelope is the inbound pipeline shared by the datagram and stream
// channels: decode, verify and decrypt, decode the payload, log it in the
// ledger, then reward the sender and publish the message.
func (n *Node) handleEnvelope(packet *transport.Packet, addr net.Addr) error {
	logger := logrus.WithFields(logrus.Fields{
		"function":    "handleEnvelope",
		"package":     "wichain",
		"packet_type": packet.PacketType.String(),
	})
	if addr != nil {
		logger = logger.WithField("addr", addr.String())
	}

	wire, err := transport.DecodeEnvelope(packet)
	if err != nil {
		logger.WithError(err).Debug("Dropping malformed envelope")
		return err
	}
	env := &wire.Payload
	logger = logger.WithField("peer_id", crypto.ShortID(env.From))

	if env.From == n.keys.PeerID() {
		return crypto.ErrNotAddressed
	}
	plaintext, err := n.engine.Receive(env)
	switch {
	case errors.Is(err, crypto.ErrReplay):
		logger.Debug("Dropping duplicate envelope")
		return nil
	case errors.Is(err, crypto.ErrBadSignature), errors.Is(err, crypto.ErrAuthFailed):
		if score, known := n.trust.Penalize(env.From); known {
			logger = logger.WithField("trust_score", score)
			n.emitPeers()
		}
		logger.WithError(err).Warn("Rejected envelope")
		return err
	case err != nil:
		logger.WithError(err).Debug("Dropping envelope")
		return err
	}

	payload, err := messaging.DecodePayload(plaintext)
	if err != nil {
		logger.WithError(err).Warn("Dropping undecodable payload")
		return err
	}

	groupID, err := n.resolveGroup(packet.PacketType, wire, env.From, payload.Group)
	if err != nil {
		logger.WithError(err).Warn("Dropping group message")
		return err
	}

	index, err := n.appender.Submit(n.ctx, *env)
	if err != nil {
		logger.WithError(err).Error("Failed to log inbound message")
		return err
	}

	n.trust.Reward(env.From)
	n.directory.Touch(env.From, n.tp.Now())
	n.addHistory(env, payload, index, env.From, groupID, true)

	logger.WithField("block_index", index).Debug("Message received")
	return nil
}

// resolveGroup checks the group reference of an inbound message against the
// packet type and registers groups learned from peers.
func (n *Node) resolveGroup(pt transport.PacketType, wire *transport.WireEnvelope, from string, ref *messaging.GroupRef) (string, error) {
	if pt != transport.PacketGroupBlock {
		if ref != nil {
			return "", errGroupMismatch
		}
		return "", nil
	}
	if ref == nil || ref.ID != wire.To {
		return "", errGroupMismatch
	}
	g, created, err := n.groups.Ensure(ref.ID, ref.Members)
	if err != nil {
		return "", err
	}
	if !g.Has(from) {
		return "", group.ErrNotMember
	}
	if created {
		n.emitGroups()
	}
	return g.ID, nil
}

// addHistory records a message sent or received in block index. peerID is
// the counterpart, empty for an outgoing group message.
func (n *Node) addHistory(env *crypto.SignedEnvelope, p messaging.Payload, index uint64, peerID, groupID string, notify bool) {
	to := env.To
	if groupID != "" {
		to = groupID
	}
	msg := messaging.ChatMessage{
		ID:         p.ID,
		BlockIndex: index,
		From:       env.From,
		To:         to,
		PeerID:     peerID,
		GroupID:    groupID,
		Contents:   p.Contents,
		Timestamp:  p.SentAt,
		Outgoing:   env.From == n.keys.PeerID(),
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = env.TimestampMS
	}
	if n.history.Add(msg) && notify {
		n.notify.emit("chat", func(o Observer) { o.ChatUpdate(msg) })
	}
}

// rebuildHistory replays the ledger into the history index. Envelopes the
// local node cannot open are skipped.
func (n *Node) rebuildHistory() {
	self := n.keys.PeerID()
	skipped := 0
	blocks := n.ledger.Blocks()
	for i := 1; i < len(blocks); i++ {
		for j := range blocks[i].Content {
			env := &blocks[i].Content[j]
			plaintext, err := n.engine.OpenStored(env)
			if err != nil {
				skipped++
				continue
			}
			p, err := messaging.DecodePayload(plaintext)
			if err != nil {
				skipped++
				continue
			}
			groupID := ""
			if p.Group != nil {
				groupID = p.Group.ID
			}
			peerID := env.From
			if env.From == self {
				peerID = env.To
				if groupID != "" {
					peerID = ""
				}
			}
			n.addHistory(env, p, blocks[i].Index, peerID, groupID, false)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "rebuildHistory",
		"package":  "wichain",
		"messages": n.history.Len(),
		"skipped":  skipped,
	}).Debug("History rebuilt from ledger")
}
