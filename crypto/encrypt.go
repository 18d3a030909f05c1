package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/opd-ai/wichain/limits"
)

// NonceSize is the size of an XChaCha20-Poly1305 nonce.
const NonceSize = chacha20poly1305.NonceSizeX

// Nonce is a per-message random nonce.
type Nonce [NonceSize]byte

// GenerateNonce creates a random nonce. Every sealed message gets a fresh one.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// EncryptSymmetric seals plaintext with XChaCha20-Poly1305 under key and nonce.
// aad is authenticated but not encrypted.
func EncryptSymmetric(plaintext []byte, nonce Nonce, key [32]byte, aad []byte) ([]byte, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function":       "EncryptSymmetric",
		"package":        "crypto",
		"plaintext_size": len(plaintext),
	})

	if len(plaintext) > limits.MaxProcessingBuffer {
		return nil, fmt.Errorf("%w: %d bytes", limits.ErrMessageTooLarge, len(plaintext))
	}
	if isZero(key[:]) {
		return nil, errors.New("refusing to encrypt with zero key")
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce[:], plaintext, aad)

	logger.WithField("ciphertext_size", len(ciphertext)).Debug("Payload encrypted")
	return ciphertext, nil
}
