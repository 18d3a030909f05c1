package group

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wichain/crypto"
	"github.com/opd-ai/wichain/transport"
)

// maxFanOutWorkers bounds concurrent sends of one group message.
const maxFanOutWorkers = 10

// Sender delivers a packet to one peer. transport.Manager implements it.
type Sender interface {
	Send(ctx context.Context, peerID string, packet *transport.Packet) (transport.ConnectionType, error)
}

// BuildFunc returns the packet addressed to one member.
type BuildFunc func(memberID string) (*transport.Packet, error)

// Result is the outcome of the send to one member.
type Result struct {
	PeerID         string
	ConnectionType transport.ConnectionType
	Err            error
}

// FanOut sends one independently built packet to every member of g except
// self, concurrently. Results follow the member order of g.
func FanOut(ctx context.Context, sender Sender, self string, g Group, build BuildFunc) []Result {
	targets := g.Others(self)
	results := make([]Result, len(targets))
	if len(targets) == 0 {
		return results
	}

	workers := maxFanOutWorkers
	if len(targets) < workers {
		workers = len(targets)
	}

	jobs := make(chan int, len(targets))
	done := make(chan struct{}, workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := range jobs {
				results[i] = sendOne(ctx, sender, targets[i], build)
			}
		}()
	}
	for i := range targets {
		jobs <- i
	}
	close(jobs)
	for w := 0; w < workers; w++ {
		<-done
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	logrus.WithFields(logrus.Fields{
		"function":   "FanOut",
		"package":    "group",
		"group_id":   crypto.ShortID(g.ID),
		"recipients": len(targets),
		"failed":     failed,
	}).Debug("Group message fanned out")
	return results
}

func sendOne(ctx context.Context, sender Sender, peerID string, build BuildFunc) Result {
	res := Result{PeerID: peerID}
	packet, err := build(peerID)
	if err != nil {
		res.Err = err
		return res
	}
	res.ConnectionType, res.Err = sender.Send(ctx, peerID, packet)
	return res
}
