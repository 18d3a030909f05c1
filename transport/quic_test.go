package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wichain/crypto"
)

func TestQUICNetworkCarriesSecureConn(t *testing.T) {
	clientKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	serverKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	serverNet, err := NewQUICNetwork(serverKeys, time.Minute)
	require.NoError(t, err)
	clientNet, err := NewQUICNetwork(clientKeys, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "quic", serverNet.Name())

	ln, err := serverNet.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverCh := make(chan *SecureConn, 1)
	errCh := make(chan error, 1)
	go func() {
		stream, err := ln.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		conn, err := ServerHandshake(ctx, stream, serverKeys)
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- conn
	}()

	stream, err := clientNet.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	client, err := ClientHandshake(ctx, stream, clientKeys, serverKeys.Public)
	require.NoError(t, err)
	defer client.Close()

	var server *SecureConn
	select {
	case server = <-serverCh:
	case err := <-errCh:
		t.Fatalf("server side failed: %v", err)
	}
	defer server.Close()
	assert.Equal(t, clientKeys.PeerID(), server.PeerID())

	require.NoError(t, client.Send(ctx, &Packet{PacketType: PacketDirectBlock, Data: []byte("over quic")}))
	got, err := server.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte("over quic"), got.Data)
}

func TestSelfSignedCertRequiresKeys(t *testing.T) {
	_, err := NewQUICNetwork(nil, time.Minute)
	assert.Error(t, err)
}
