package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"strings"

	"github.com/opd-ai/wichain/crypto"
)

const blockDomain = "wichain/block/v1"

// ZeroHash is the previous hash of the genesis block.
var ZeroHash = strings.Repeat("0", sha256.Size*2)

// Block is one link of the chain.
type Block struct {
	Index     uint64                  `json:"index"`
	Timestamp int64                   `json:"timestamp_ms"`
	Content   []crypto.SignedEnvelope `json:"content"`
	PrevHash  string                  `json:"previous_hash"`
	Hash      string                  `json:"hash"`
}

// HashBlock computes the hex SHA-256 hash of b, ignoring b.Hash.
func HashBlock(b *Block) string {
	h := sha256.New()
	var num [8]byte

	h.Write([]byte(blockDomain))
	binary.BigEndian.PutUint64(num[:], b.Index)
	h.Write(num[:])
	binary.BigEndian.PutUint64(num[:], uint64(b.Timestamp))
	h.Write(num[:])
	writeField(h, []byte(b.PrevHash))

	binary.BigEndian.PutUint32(num[:4], uint32(len(b.Content)))
	h.Write(num[:4])
	for i := range b.Content {
		writeField(h, b.Content[i].SigningBytes())
		writeField(h, b.Content[i].Signature)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h io.Writer, field []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(field)))
	h.Write(n[:])
	h.Write(field)
}

// Genesis returns the fixed first block shared by every ledger.
func Genesis() Block {
	b := Block{Index: 0, Timestamp: 0, PrevHash: ZeroHash}
	b.Hash = HashBlock(&b)
	return b
}

func newBlock(prev *Block, timestamp int64, content []crypto.SignedEnvelope) Block {
	b := Block{
		Index:     prev.Index + 1,
		Timestamp: timestamp,
		Content:   content,
		PrevHash:  prev.Hash,
	}
	b.Hash = HashBlock(&b)
	return b
}

// clone deep copies b so callers cannot alter stored blocks.
func (b *Block) clone() Block {
	c := *b
	if b.Content != nil {
		c.Content = make([]crypto.SignedEnvelope, len(b.Content))
		for i := range b.Content {
			c.Content[i] = *b.Content[i].Clone()
		}
	}
	return c
}
