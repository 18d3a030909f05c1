package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	flynn "github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wichain/crypto"
	"github.com/opd-ai/wichain/limits"
	"github.com/opd-ai/wichain/noise"
)

const (
	frameHeaderSize = 4
	// maxNoiseMessage is the Noise protocol message size limit.
	maxNoiseMessage = 65535
	noiseTagSize    = 16
	// maxFragment is the packet bytes carried by one encrypted frame; one
	// byte of each frame flags whether more fragments follow.
	maxFragment = maxNoiseMessage - noiseTagSize - 1

	defaultHandshakeTimeout = 5 * time.Second
	writeTimeout            = 10 * time.Second
	flushTimeout            = time.Second
	writeQueueSize          = 64
)

type writeRequest struct {
	data   []byte
	result chan error
}

// SecureConn is an authenticated, encrypted, ordered packet channel to one
// peer. Packets larger than a Noise message are split across frames.
//
// A single writer goroutine drains a pending-write queue, so concurrent Send
// calls never interleave frames. ReadPacket must only be called from one
// goroutine at a time.
type SecureConn struct {
	stream    Stream
	peer      ed25519.PublicKey
	peerID    string
	initiator bool

	send *flynn.CipherState
	recv *flynn.CipherState

	queue      chan *writeRequest
	closing    chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	readMu       sync.Mutex
	lastActivity atomic.Int64
}

// ClientHandshake authenticates to peer over stream as the Noise initiator.
func ClientHandshake(ctx context.Context, stream Stream, keys *crypto.KeyPair, peer ed25519.PublicKey) (*SecureConn, error) {
	ik, err := noise.NewIKHandshake(keys, peer, noise.Initiator)
	if err != nil {
		return nil, err
	}

	setHandshakeDeadline(ctx, stream)
	msg1, _, err := ik.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(stream, msg1); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	msg2, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if _, err := ik.ReadMessage(msg2); err != nil {
		return nil, err
	}
	_ = stream.SetDeadline(time.Time{})

	return newSecureConn(stream, ik, true)
}

// ServerHandshake answers an inbound Noise handshake and learns the peer identity.
func ServerHandshake(ctx context.Context, stream Stream, keys *crypto.KeyPair) (*SecureConn, error) {
	ik, err := noise.NewIKHandshake(keys, nil, noise.Responder)
	if err != nil {
		return nil, err
	}

	setHandshakeDeadline(ctx, stream)
	msg1, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	msg2, _, err := ik.WriteMessage(msg1)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(stream, msg2); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	_ = stream.SetDeadline(time.Time{})

	return newSecureConn(stream, ik, false)
}

func setHandshakeDeadline(ctx context.Context, stream Stream) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHandshakeTimeout)
	}
	_ = stream.SetDeadline(deadline)
}

func newSecureConn(stream Stream, ik *noise.IKHandshake, initiator bool) (*SecureConn, error) {
	send, recv, err := ik.GetCipherStates()
	if err != nil {
		return nil, err
	}
	peer, err := ik.RemoteIdentity()
	if err != nil {
		return nil, err
	}

	c := &SecureConn{
		stream:     stream,
		peer:       peer,
		peerID:     crypto.PeerID(peer),
		initiator:  initiator,
		send:       send,
		recv:       recv,
		queue:      make(chan *writeRequest, writeQueueSize),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.touch()
	go c.writeLoop()
	return c, nil
}

// PeerID returns the authenticated peer id.
func (c *SecureConn) PeerID() string { return c.peerID }

// PeerKey returns the authenticated peer public key.
func (c *SecureConn) PeerKey() ed25519.PublicKey { return c.peer }

// RemoteAddr returns the remote network address.
func (c *SecureConn) RemoteAddr() net.Addr { return c.stream.RemoteAddr() }

// Initiator reports whether the local node dialed this connection.
func (c *SecureConn) Initiator() bool { return c.initiator }

// LastActivity returns the time of the last application packet read or
// written. Ping and pong traffic is not counted.
func (c *SecureConn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *SecureConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Send queues packet and waits until it is written or fails.
func (c *SecureConn) Send(ctx context.Context, packet *Packet) error {
	if c.Closed() {
		return ErrStreamClosed
	}
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	if len(data) > limits.MaxStreamPacket {
		return fmt.Errorf("%w: %d bytes exceeds stream limit %d", ErrPayloadTooLarge, len(data), limits.MaxStreamPacket)
	}

	req := &writeRequest{data: data, result: make(chan error, 1)}
	select {
	case c.queue <- req:
	case <-c.closing:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-c.writerDone:
		// The writer may have answered just before exiting.
		select {
		case err := <-req.result:
			return err
		default:
			return ErrStreamClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *SecureConn) writeLoop() {
	defer close(c.writerDone)
	defer c.stream.Close()

	for {
		select {
		case req := <-c.queue:
			if err := c.writePacket(req.data, time.Now().Add(writeTimeout)); err != nil {
				req.result <- err
				c.failPending(err)
				c.closeOnce.Do(func() { close(c.closing) })
				return
			}
			req.result <- nil
		case <-c.closing:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, best effort, before the stream closes.
func (c *SecureConn) flush() {
	deadline := time.Now().Add(flushTimeout)
	for {
		select {
		case req := <-c.queue:
			err := c.writePacket(req.data, deadline)
			req.result <- err
			if err != nil {
				c.failPending(ErrStreamClosed)
				return
			}
		default:
			return
		}
	}
}

func (c *SecureConn) failPending(err error) {
	for {
		select {
		case req := <-c.queue:
			req.result <- fmt.Errorf("%w: %v", ErrStreamClosed, err)
		default:
			return
		}
	}
}

func (c *SecureConn) writePacket(data []byte, deadline time.Time) error {
	_ = c.stream.SetWriteDeadline(deadline)
	defer c.stream.SetWriteDeadline(time.Time{})

	for off := 0; ; {
		end := off + maxFragment
		more := byte(1)
		if end >= len(data) {
			end = len(data)
			more = 0
		}

		plain := make([]byte, 0, 1+end-off)
		plain = append(plain, more)
		plain = append(plain, data[off:end]...)
		frame, err := c.send.Encrypt(nil, nil, plain)
		if err != nil {
			return fmt.Errorf("encrypt frame: %w", err)
		}
		if err := writeFrame(c.stream, frame); err != nil {
			return err
		}

		off = end
		if more == 0 {
			break
		}
	}
	if countsAsActivity(PacketType(data[0])) {
		c.touch()
	}
	return nil
}

// ReadPacket reads and reassembles the next packet from the peer.
func (c *SecureConn) ReadPacket() (*Packet, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var data []byte
	for {
		frame, err := readFrame(c.stream)
		if err != nil {
			return nil, err
		}
		plain, err := c.recv.Decrypt(nil, nil, frame)
		if err != nil {
			return nil, fmt.Errorf("decrypt frame: %w", err)
		}
		if len(plain) == 0 {
			return nil, errors.New("empty frame")
		}
		data = append(data, plain[1:]...)
		if len(data) > limits.MaxStreamPacket {
			return nil, fmt.Errorf("%w: reassembled packet exceeds %d bytes", ErrPayloadTooLarge, limits.MaxStreamPacket)
		}
		if plain[0] == 0 {
			break
		}
	}
	packet, err := ParsePacket(data)
	if err != nil {
		return nil, err
	}
	if countsAsActivity(packet.PacketType) {
		c.touch()
	}
	return packet, nil
}

// countsAsActivity reports whether pt keeps a stream from idling out.
// Liveness probes do not.
func countsAsActivity(pt PacketType) bool {
	return pt != PacketPing && pt != PacketPong
}

// Close flushes queued writes best effort and closes the stream.
func (c *SecureConn) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	<-c.writerDone

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"package":  "transport",
		"peer_id":  crypto.ShortID(c.peerID),
	}).Debug("Secure stream closed")
	return nil
}

// Closed reports whether the connection has been closed or failed.
func (c *SecureConn) Closed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 || n > maxNoiseMessage {
		return nil, fmt.Errorf("invalid frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
