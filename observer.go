package wichain

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wichain/discovery"
	"github.com/opd-ai/wichain/group"
	"github.com/opd-ai/wichain/identity"
	"github.com/opd-ai/wichain/messaging"
)

// Observer receives notifications pushed out of the node. Methods are called
// from a single notifier goroutine, one at a time, in emission order.
type Observer interface {
	PeerUpdate(peers []discovery.PeerRecord)
	ChatUpdate(msg messaging.ChatMessage)
	GroupUpdate(groups []group.Group)
	IdentityUpdate(id identity.Info)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) PeerUpdate([]discovery.PeerRecord) {}
func (NopObserver) ChatUpdate(messaging.ChatMessage)  {}
func (NopObserver) GroupUpdate([]group.Group)         {}
func (NopObserver) IdentityUpdate(identity.Info)      {}

const notifyQueueSize = 256

// notifier decouples network paths from the observer. Events that do not fit
// in the queue are dropped rather than blocking the caller.
type notifier struct {
	obs    Observer
	events chan func(Observer)

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newNotifier(obs Observer) *notifier {
	n := &notifier{
		obs:    obs,
		events: make(chan func(Observer), notifyQueueSize),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) run() {
	defer close(n.done)
	for fn := range n.events {
		fn(n.obs)
	}
}

func (n *notifier) emit(kind string, fn func(Observer)) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.events <- fn:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "emit",
			"package":  "wichain",
			"event":    kind,
		}).Warn("Notification queue full, dropping event")
	}
}

// close delivers queued events and stops the goroutine.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.events)
	n.mu.Unlock()
	<-n.done
}
