package crypto

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuthFailed is returned when a ciphertext fails authentication.
var ErrAuthFailed = errors.New("authentication failed")

// DecryptSymmetric opens a ciphertext produced by EncryptSymmetric.
// A wrong key, nonce, aad or a tampered ciphertext all yield ErrAuthFailed.
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key [32]byte, aad []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrAuthFailed)
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "DecryptSymmetric",
			"package":         "crypto",
			"ciphertext_size": len(ciphertext),
		}).Debug("Payload failed authentication")
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// NonceFromBytes converts a wire nonce into a Nonce.
func NonceFromBytes(b []byte) (Nonce, error) {
	var n Nonce
	if len(b) != NonceSize {
		return n, fmt.Errorf("%w: nonce length %d", ErrAuthFailed, len(b))
	}
	copy(n[:], b)
	return n, nil
}
