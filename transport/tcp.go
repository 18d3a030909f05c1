package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// Stream is a reliable, ordered, bidirectional byte stream to one peer.
type Stream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// StreamListener accepts inbound streams.
type StreamListener interface {
	Accept(ctx context.Context) (Stream, error)
	Addr() net.Addr
	Close() error
}

// StreamNetwork creates reliable streams. TCPNetwork and QUICNetwork
// implement it.
type StreamNetwork interface {
	// Name identifies the protocol in logs and configuration.
	Name() string
	// Listen opens a listener on addr.
	Listen(addr string) (StreamListener, error)
	// Dial opens a stream to addr, honouring ctx cancellation.
	Dial(ctx context.Context, addr string) (Stream, error)
}

// TCPNetwork opens plain TCP streams. Confidentiality and peer
// authentication are added on top by SecureConn.
type TCPNetwork struct {
	// KeepAlive is the TCP keep-alive period. Zero selects the system default.
	KeepAlive time.Duration
}

// NewTCPNetwork creates a TCP stream network.
func NewTCPNetwork() *TCPNetwork {
	return &TCPNetwork{KeepAlive: 30 * time.Second}
}

// Name returns "tcp".
func (n *TCPNetwork) Name() string { return "tcp" }

// Listen opens a TCP listener.
func (n *TCPNetwork) Listen(addr string) (StreamListener, error) {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

// Dial connects to addr over TCP.
func (n *TCPNetwork) Dial(ctx context.Context, addr string) (Stream, error) {
	d := net.Dialer{KeepAlive: n.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

type tcpListener struct {
	ln net.Listener
}

// Accept waits for the next connection. Cancelling ctx does not interrupt a
// pending accept; closing the listener does.
func (l *tcpListener) Accept(ctx context.Context) (Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}
	return conn, nil
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

func (l *tcpListener) Close() error { return l.ln.Close() }
