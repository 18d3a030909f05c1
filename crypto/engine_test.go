package crypto

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineSealOpen(t *testing.T) {
	alice := NewEngine(mustKeyPair(t))
	bobKeys := mustKeyPair(t)
	bob := NewEngine(bobKeys)

	env, err := alice.Seal(bobKeys.Public, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, alice.SelfID(), env.From)
	assert.Equal(t, bob.SelfID(), env.To)
	assert.Len(t, env.Nonce, NonceSize)

	out, err := bob.Open(env)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)

	// The sender can read back its own outgoing envelope.
	out, err = alice.Open(env)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)

	eve := NewEngine(mustKeyPair(t))
	_, err = eve.Open(env)
	assert.ErrorIs(t, err, ErrNotAddressed)

}

func TestEngineSealUsesFreshNonce(t *testing.T) {
	alice := NewEngine(mustKeyPair(t))
	bob := mustKeyPair(t)

	first, err := alice.Seal(bob.Public, []byte("same"))
	require.NoError(t, err)
	second, err := alice.Seal(bob.Public, []byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
}

func TestEngineOpenRejectsTampering(t *testing.T) {
	alice := NewEngine(mustKeyPair(t))
	bobKeys := mustKeyPair(t)
	bob := NewEngine(bobKeys)

	env, err := alice.Seal(bobKeys.Public, []byte("hello"))
	require.NoError(t, err)

	tampered := env.Clone()
	tampered.Ciphertext[0] ^= 0x01
	_, err = bob.Open(tampered)
	assert.ErrorIs(t, err, ErrBadSignature)

	// Re-signing a tampered ciphertext with a different key still fails
	// authentication because the pair key differs.
	mallory := mustKeyPair(t)
	forged := env.Clone()
	require.NoError(t, SignEnvelope(forged, mallory))
	forged.To = bob.SelfID()
	require.NoError(t, SignEnvelope(forged, mallory))
	_, err = bob.Open(forged)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestEngineOpenStoredReadsLegacyEnvelopes(t *testing.T) {
	aliceKeys := mustKeyPair(t)
	bobKeys := mustKeyPair(t)
	alice := NewEngine(aliceKeys)
	bob := NewEngine(bobKeys)

	env := &SignedEnvelope{
		To:          bob.SelfID(),
		Ciphertext:  LegacyDeobfuscate([]byte("old times"), aliceKeys.Public, bobKeys.Public),
		TimestampMS: 1000,
	}
	require.NoError(t, SignEnvelope(env, aliceKeys))
	require.True(t, env.Legacy())
	require.NoError(t, VerifyEnvelope(env))

	for _, e := range []*Engine{alice, bob} {
		out, err := e.OpenStored(env)
		require.NoError(t, err)
		assert.Equal(t, []byte("old times"), out)
	}

	_, err := bob.Open(env)
	assert.ErrorIs(t, err, ErrAuthFailed)
	_, err = bob.Receive(env)
	assert.ErrorIs(t, err, ErrAuthFailed)

	forged := env.Clone()
	forged.Ciphertext[0] ^= 0x01
	_, err = bob.OpenStored(forged)
	assert.ErrorIs(t, err, ErrBadSignature)

	// Current envelopes go through the normal path.
	sealed, err := alice.Seal(bobKeys.Public, []byte("new"))
	require.NoError(t, err)
	out, err := bob.OpenStored(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), out)
}

func TestEngineReceiveRejectsReplay(t *testing.T) {
	alice := NewEngine(mustKeyPair(t))
	bobKeys := mustKeyPair(t)
	bob := NewEngine(bobKeys)

	env, err := alice.Seal(bobKeys.Public, []byte("once"))
	require.NoError(t, err)

	_, err = bob.Receive(env)
	require.NoError(t, err)
	_, err = bob.Receive(env)
	assert.ErrorIs(t, err, ErrReplay)

	// Open stays usable for history reads.
	_, err = bob.Open(env)
	assert.NoError(t, err)
}

func TestEngineTimestampFromTimeProvider(t *testing.T) {
	clock := NewMockTimeProvider(time.UnixMilli(1234567))
	alice := NewEngineWithTimeProvider(mustKeyPair(t), clock)
	env, err := alice.Seal(mustKeyPair(t).Public, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, int64(1234567), env.TimestampMS)
}

func TestEngineConcurrentSeal(t *testing.T) {
	alice := NewEngine(mustKeyPair(t))
	bobKeys := mustKeyPair(t)
	bob := NewEngine(bobKeys)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := alice.Seal(bobKeys.Public, []byte("concurrent"))
			if !assert.NoError(t, err) {
				return
			}
			_, err = bob.Receive(env)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestEngineForgetAndClose(t *testing.T) {
	alice := NewEngine(mustKeyPair(t))
	bob := mustKeyPair(t)
	_, err := alice.PairKey(bob.Public)
	require.NoError(t, err)
	assert.Len(t, alice.pairKeys, 1)

	alice.Forget(bob.PeerID())
	assert.Len(t, alice.pairKeys, 0)

	_, err = alice.PairKey(bob.Public)
	require.NoError(t, err)
	alice.Close()
	assert.Len(t, alice.pairKeys, 0)
}
