package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wichain/crypto"
)

// maxLineSize bounds one persisted block. MaxBatch envelopes carrying full
// attachments stay well below it.
const maxLineSize = 64 << 20

var (
	// ErrBlocked is returned by Append while the ledger failed validation.
	ErrBlocked = errors.New("ledger blocked by integrity failure")
	// ErrEmptyContent is returned when appending a block with no envelopes.
	ErrEmptyContent = errors.New("block content is empty")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger closed")
)

// IntegrityError reports the first block that failed validation.
type IntegrityError struct {
	Index  uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity failure at block %d: %s", e.Index, e.Reason)
}

// appendFile is the subset of *os.File used to persist blocks.
type appendFile interface {
	io.Writer
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

// Options configures a Ledger.
type Options struct {
	TimeProvider crypto.TimeProvider
}

// Ledger is the persisted chain. All methods are safe for concurrent use.
type Ledger struct {
	path string
	tp   crypto.TimeProvider

	mu      sync.RWMutex
	blocks  []Block
	f       appendFile
	blocked error
	closed  bool
}

// Open loads the ledger stored at path, creating it with the genesis block
// when absent, and deep validates it. On an integrity failure the returned
// ledger is non-nil but blocked and the error is an *IntegrityError.
func Open(path string, opts Options) (*Ledger, error) {
	if opts.TimeProvider == nil {
		opts.TimeProvider = crypto.GetDefaultTimeProvider()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	l := &Ledger{path: path, tp: opts.TimeProvider}

	blocks, loadErr := readBlocks(path)
	var ierr *IntegrityError
	switch {
	case loadErr != nil && !errors.As(loadErr, &ierr):
		return nil, loadErr
	case loadErr == nil && len(blocks) == 0:
		if err := l.writeAll([]Block{Genesis()}); err != nil {
			return nil, err
		}
		blocks = []Block{Genesis()}
	}
	l.blocks = blocks

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	l.f = f

	if loadErr == nil {
		loadErr = validate(l.blocks)
	}
	logger := logrus.WithFields(logrus.Fields{
		"function": "Open",
		"package":  "ledger",
		"path":     path,
		"blocks":   len(l.blocks),
	})
	if loadErr != nil {
		l.blocked = loadErr
		logger.WithError(loadErr).Error("Ledger failed validation, writes blocked")
		return l, loadErr
	}
	logger.Info("Ledger loaded")
	return l, nil
}

func readBlocks(path string) ([]Block, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var blocks []Block
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var b Block
		if err := json.Unmarshal(line, &b); err != nil {
			return blocks, &IntegrityError{Index: uint64(len(blocks)), Reason: "malformed block: " + err.Error()}
		}
		blocks = append(blocks, b)
	}
	if err := sc.Err(); err != nil {
		return blocks, &IntegrityError{Index: uint64(len(blocks)), Reason: err.Error()}
	}
	return blocks, nil
}

// validate recomputes every hash and link and verifies every embedded
// signature.
func validate(blocks []Block) error {
	if len(blocks) == 0 {
		return &IntegrityError{Index: 0, Reason: "missing genesis block"}
	}
	if g := Genesis(); blocks[0].Hash != g.Hash || blocks[0].Index != 0 || len(blocks[0].Content) != 0 {
		return &IntegrityError{Index: 0, Reason: "genesis block mismatch"}
	}
	for i := 1; i < len(blocks); i++ {
		if err := checkLink(&blocks[i-1], &blocks[i]); err != nil {
			return err
		}
		for j := range blocks[i].Content {
			if err := crypto.VerifyEnvelope(&blocks[i].Content[j]); err != nil {
				return &IntegrityError{Index: blocks[i].Index, Reason: fmt.Sprintf("envelope %d: %v", j, err)}
			}
		}
	}
	return nil
}

func checkLink(prev, cur *Block) error {
	switch {
	case cur.Index != prev.Index+1:
		return &IntegrityError{Index: cur.Index, Reason: fmt.Sprintf("index follows %d", prev.Index)}
	case cur.PrevHash != prev.Hash:
		return &IntegrityError{Index: cur.Index, Reason: "previous hash mismatch"}
	case HashBlock(prev) != prev.Hash:
		return &IntegrityError{Index: prev.Index, Reason: "hash mismatch"}
	case HashBlock(cur) != cur.Hash:
		return &IntegrityError{Index: cur.Index, Reason: "hash mismatch"}
	case len(cur.Content) == 0:
		return &IntegrityError{Index: cur.Index, Reason: "empty content"}
	}
	return nil
}

// Append adds a block holding content, persists it and returns a copy.
func (l *Ledger) Append(content ...crypto.SignedEnvelope) (Block, error) {
	if len(content) == 0 {
		return Block{}, ErrEmptyContent
	}
	stored := make([]crypto.SignedEnvelope, len(content))
	for i := range content {
		stored[i] = *content[i].Clone()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Block{}, ErrClosed
	}
	if l.blocked != nil {
		return Block{}, fmt.Errorf("%w: %v", ErrBlocked, l.blocked)
	}

	prev := &l.blocks[len(l.blocks)-1]
	b := newBlock(prev, l.tp.Now().UnixMilli(), stored)
	line, err := json.Marshal(&b)
	if err != nil {
		return Block{}, err
	}
	line = append(line, '\n')
	if err := l.persist(line); err != nil {
		return Block{}, err
	}
	l.blocks = append(l.blocks, b)

	logrus.WithFields(logrus.Fields{
		"function":    "Append",
		"package":     "ledger",
		"block_index": b.Index,
		"envelopes":   len(stored),
	}).Debug("Block appended")
	return b.clone(), nil
}

// persist appends line and syncs it. On failure the file is truncated back
// to its previous size so a retried block never shares an index with a
// partial one. If that also fails the ledger is blocked.
func (l *Ledger) persist(line []byte) error {
	info, err := l.f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	_, err = l.f.Write(line)
	if err == nil {
		err = l.f.Sync()
	}
	if err == nil {
		return nil
	}

	logger := logrus.WithFields(logrus.Fields{
		"function": "persist",
		"package":  "ledger",
		"path":     l.path,
		"error":    err.Error(),
	})
	if terr := l.f.Truncate(size); terr != nil {
		l.blocked = &IntegrityError{
			Index:  uint64(len(l.blocks)),
			Reason: fmt.Sprintf("incomplete write could not be rolled back: %v", terr),
		}
		logger.WithField("truncate_error", terr.Error()).Error("Ledger write failed, writes blocked")
		return fmt.Errorf("%w: %v", ErrBlocked, err)
	}
	logger.Warn("Ledger write failed and was rolled back")
	return err
}

// IsValid checks only the tail: the last block's hash and its link to the
// previous block.
func (l *Ledger) IsValid() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.blocks)
	switch {
	case n == 0:
		return false
	case n == 1:
		return l.blocks[0].Hash == Genesis().Hash
	}
	return checkLink(&l.blocks[n-2], &l.blocks[n-1]) == nil
}

// ValidateDeep recomputes every hash across the chain and re-verifies every
// embedded signature. It returns nil when the chain is intact.
func (l *Ledger) ValidateDeep() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return validate(l.blocks)
}

// Err returns the integrity failure blocking the ledger, if any.
func (l *Ledger) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocked
}

// Blocks returns a copy of the chain, genesis first.
func (l *Ledger) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Block, len(l.blocks))
	for i := range l.blocks {
		out[i] = l.blocks[i].clone()
	}
	return out
}

// Len returns the number of blocks including genesis.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// Last returns a copy of the newest block.
func (l *Ledger) Last() Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.blocks) == 0 {
		return Block{}
	}
	return l.blocks[len(l.blocks)-1].clone()
}

// Reset discards the whole history, including a corrupt one, and restarts
// from genesis. It is the only way to unblock a ledger.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	if err := l.writeAll([]Block{Genesis()}); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	l.f = f
	l.blocks = []Block{Genesis()}
	l.blocked = nil

	logrus.WithFields(logrus.Fields{
		"function": "Reset",
		"package":  "ledger",
		"path":     l.path,
	}).Warn("Ledger reset to genesis")
	return nil
}

// Close releases the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}

func (l *Ledger) writeAll(blocks []Block) error {
	var buf []byte
	for i := range blocks {
		line, err := json.Marshal(&blocks[i])
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return crypto.WriteFileAtomic(l.path, buf, 0o600)
}
