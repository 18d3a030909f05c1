package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wichain/limits"
)

// UDPTransport is the shared datagram socket of a node. Discovery presence,
// ping/pong probes and the unreliable message fallback all travel over it.
// It satisfies the Transport interface.
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr
	handlers   map[PacketType]PacketHandler
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewUDPTransport creates a new UDP transport listener. The socket may send
// to broadcast addresses.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	lc := net.ListenConfig{Control: enableBroadcast}
	conn, err := lc.ListenPacket(context.Background(), "udp4", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		handlers:   make(map[PacketType]PacketHandler),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go t.processPackets()

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"package":  "transport",
		"addr":     t.listenAddr.String(),
	}).Info("Datagram transport listening")

	return t, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// Send sends a packet to the specified address.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	if err := limits.ValidateDatagram(data); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadTooLarge, err)
	}

	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Close shuts down the transport and waits for the read loop to exit.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	<-t.done
	return err
}

// processPackets handles incoming packets.
func (t *UDPTransport) processPackets() {
	defer close(t.done)
	buffer := make([]byte, limits.MaxDatagram+1)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		if err := t.processIncomingPacket(buffer); errors.Is(err, net.ErrClosed) {
			return
		}
	}
}

// processIncomingPacket reads and processes a single incoming packet.
func (t *UDPTransport) processIncomingPacket(buffer []byte) error {
	// Read deadline lets the loop observe cancellation.
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return err
	}
	if n > limits.MaxDatagram {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"package":  "transport",
			"addr":     addr.String(),
		}).Debug("Dropping oversized datagram")
		return nil
	}

	packet, err := ParsePacket(buffer[:n])
	if err != nil {
		return nil
	}

	t.dispatchPacketToHandler(packet, addr)
	return nil
}

// dispatchPacketToHandler finds and executes the appropriate packet handler.
func (t *UDPTransport) dispatchPacketToHandler(packet *Packet, addr net.Addr) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.PacketType]
	t.mu.RUnlock()

	if !exists {
		return
	}
	go func() {
		if err := handler(packet, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "dispatchPacketToHandler",
				"package":     "transport",
				"packet_type": packet.PacketType.String(),
				"addr":        addr.String(),
				"error":       err.Error(),
			}).Debug("Datagram handler rejected packet")
		}
	}()
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.listenAddr
}
