package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/opd-ai/wichain/crypto"
)

// QUICALPN is the ALPN protocol identifier of wichain streams over QUIC.
const QUICALPN = "wichain/1"

// acceptStreamTimeout bounds how long an accepted connection may wait before
// opening its stream.
const acceptStreamTimeout = 10 * time.Second

// QUICNetwork opens one bidirectional QUIC stream per connection. TLS is only
// used because QUIC requires it: peers present self-signed certificates and
// are authenticated by the Noise handshake that SecureConn runs on top.
type QUICNetwork struct {
	serverTLS *tls.Config
	clientTLS *tls.Config
	config    *quic.Config
}

// NewQUICNetwork creates a QUIC stream network whose certificate is signed
// by the node identity key.
func NewQUICNetwork(keys *crypto.KeyPair, idleTimeout time.Duration) (*QUICNetwork, error) {
	cert, err := selfSignedCert(keys)
	if err != nil {
		return nil, err
	}
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &QUICNetwork{
		serverTLS: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{QUICALPN},
			MinVersion:   tls.VersionTLS13,
		},
		clientTLS: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{QUICALPN},
			MinVersion:         tls.VersionTLS13,
		},
		config: &quic.Config{
			MaxIdleTimeout:  idleTimeout,
			KeepAlivePeriod: idleTimeout / 4,
		},
	}, nil
}

func selfSignedCert(keys *crypto.KeyPair) (tls.Certificate, error) {
	if keys == nil {
		return tls.Certificate{}, errors.New("nil key pair")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: crypto.ShortID(keys.PeerID())},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, keys.Public, ed25519.PrivateKey(keys.Private))
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: ed25519.PrivateKey(keys.Private)}, nil
}

// Name returns "quic".
func (n *QUICNetwork) Name() string { return "quic" }

// Listen opens a QUIC listener.
func (n *QUICNetwork) Listen(addr string) (StreamListener, error) {
	ln, err := quic.ListenAddr(addr, n.serverTLS, n.config)
	if err != nil {
		return nil, err
	}
	return &quicListener{ln: ln}, nil
}

// Dial establishes a QUIC connection and opens its stream.
func (n *QUICNetwork) Dial(ctx context.Context, addr string) (Stream, error) {
	conn, err := quic.DialAddr(ctx, addr, n.clientTLS, n.config)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

type quicListener struct {
	ln *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (Stream, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithTimeout(ctx, acceptStreamTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(streamCtx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error { return l.ln.Close() }

// quicStream binds a stream to the connection that owns it.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s *quicStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *quicStream) Close() error {
	_ = s.Stream.Close()
	return s.conn.CloseWithError(0, "")
}
