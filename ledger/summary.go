package ledger

import (
	"fmt"

	"github.com/opd-ai/wichain/crypto"
)

// BlockSummary is a compact description of one block.
type BlockSummary struct {
	Index         uint64 `json:"index"`
	Timestamp     int64  `json:"timestamp_ms"`
	Hash          string `json:"hash"`
	PrevHash      string `json:"previous_hash"`
	EnvelopeCount int    `json:"envelope_count"`
	Preview       string `json:"preview"`
}

// ChainSummary describes a whole ledger.
type ChainSummary struct {
	Blocks         []BlockSummary `json:"blocks"`
	TotalEnvelopes int            `json:"total_envelopes"`
	Valid          bool           `json:"valid"`
}

// Summarize describes every block of l. Payloads are encrypted, so previews
// only name the parties.
func Summarize(l *Ledger) ChainSummary {
	blocks := l.Blocks()
	sum := ChainSummary{Blocks: make([]BlockSummary, 0, len(blocks)), Valid: l.Err() == nil && l.IsValid()}
	for i := range blocks {
		b := &blocks[i]
		sum.Blocks = append(sum.Blocks, BlockSummary{
			Index:         b.Index,
			Timestamp:     b.Timestamp,
			Hash:          b.Hash,
			PrevHash:      b.PrevHash,
			EnvelopeCount: len(b.Content),
			Preview:       preview(b),
		})
		sum.TotalEnvelopes += len(b.Content)
	}
	return sum
}

func preview(b *Block) string {
	switch len(b.Content) {
	case 0:
		if b.Index == 0 {
			return "genesis"
		}
		return ""
	case 1:
		env := &b.Content[0]
		to := env.To
		if to == "" {
			to = "*"
		}
		return fmt.Sprintf("%s -> %s", crypto.ShortID(env.From), crypto.ShortID(to))
	}
	return fmt.Sprintf("%d envelopes", len(b.Content))
}
