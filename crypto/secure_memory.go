package crypto

import (
	"errors"
	"runtime"
)

// ErrNilBuffer is returned when asked to wipe a nil slice or key pair.
var ErrNilBuffer = errors.New("crypto: nothing to wipe")

// SecureWipe overwrites data with zeros in place. The slice stays alive
// until the write completes so the compiler cannot drop it.
func SecureWipe(data []byte) error {
	if data == nil {
		return ErrNilBuffer
	}
	clear(data)
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes is SecureWipe for callers that have nothing to do on error.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair zeroes the private half of kp. The public key is kept so the
// peer id remains usable for logging after shutdown.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return ErrNilBuffer
	}
	if kp.Private == nil {
		return nil
	}
	return SecureWipe(kp.Private)
}
