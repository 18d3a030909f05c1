package crypto

import (
	"crypto/ed25519"
	"errors"

	"github.com/sirupsen/logrus"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// ErrBadSignature is returned when a signature does not verify against the claimed sender.
var ErrBadSignature = errors.New("signature verification failed")

// Sign creates an Ed25519 signature over message.
func Sign(message []byte, priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key length")
	}
	sig := ed25519.Sign(priv, message)

	logrus.WithFields(logrus.Fields{
		"function":     "Sign",
		"package":      "crypto",
		"message_size": len(message),
	}).Debug("Message signed")

	return sig, nil
}

// Verify reports whether sig is a valid signature of message by pub.
func Verify(message, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
