package crypto

import (
	"crypto/ed25519"
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// LegacyDeobfuscate reverses the SHA3-512 keystream XOR applied by early
// releases to payloads exchanged between a and b. The transform is its own
// inverse and provides no confidentiality, so it is only used to read
// historic records and never to protect new messages.
func LegacyDeobfuscate(data []byte, a, b ed25519.PublicKey) []byte {
	if comparePublicKeys(a, b) > 0 {
		a, b = b, a
	}

	out := make([]byte, len(data))
	var counter [8]byte
	for off, block := 0, uint64(0); off < len(data); block++ {
		binary.BigEndian.PutUint64(counter[:], block)
		h := sha3.New512()
		h.Write(a)
		h.Write(b)
		h.Write(counter[:])
		stream := h.Sum(nil)
		for i := 0; i < len(stream) && off < len(data); i++ {
			out[off] = data[off] ^ stream[i]
			off++
		}
	}
	return out
}
