package ledger

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wichain/crypto"
)

func sealed(t *testing.T, from, to *crypto.KeyPair, text string) crypto.SignedEnvelope {
	t.Helper()
	env, err := crypto.NewEngine(from).Seal(to.Public, []byte(text))
	require.NoError(t, err)
	return *env
}

func keyPairs(t *testing.T) (*crypto.KeyPair, *crypto.KeyPair) {
	t.Helper()
	a, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	b, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return a, b
}

func openTemp(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestGenesisIsFixed(t *testing.T) {
	g := Genesis()
	assert.Equal(t, uint64(0), g.Index)
	assert.Equal(t, int64(0), g.Timestamp)
	assert.Equal(t, ZeroHash, g.PrevHash)
	assert.Equal(t, Genesis().Hash, g.Hash)
	assert.Len(t, g.Hash, 64)
}

func TestAppendLinksBlocks(t *testing.T) {
	l, _ := openTemp(t)
	a, b := keyPairs(t)

	require.Equal(t, 1, l.Len())
	for i := 0; i < 5; i++ {
		block, err := l.Append(sealed(t, a, b, "msg"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), block.Index)
	}

	blocks := l.Blocks()
	require.Len(t, blocks, 6)
	for i := 1; i < len(blocks); i++ {
		assert.Equal(t, blocks[i-1].Hash, blocks[i].PrevHash)
		assert.Equal(t, HashBlock(&blocks[i-1]), blocks[i].PrevHash)
		assert.Equal(t, blocks[i-1].Index+1, blocks[i].Index)
	}
	assert.True(t, l.IsValid())
	assert.NoError(t, l.ValidateDeep())
	assert.Equal(t, uint64(5), l.Last().Index)

	_, err := l.Append()
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestBlocksReturnsCopies(t *testing.T) {
	l, _ := openTemp(t)
	a, b := keyPairs(t)
	_, err := l.Append(sealed(t, a, b, "x"))
	require.NoError(t, err)

	blocks := l.Blocks()
	blocks[1].Content[0].Ciphertext[0] ^= 0xff
	blocks[1].Hash = "tampered"
	assert.NoError(t, l.ValidateDeep())
}

func TestReloadValidates(t *testing.T) {
	l, path := openTemp(t)
	a, b := keyPairs(t)
	_, err := l.Append(sealed(t, a, b, "one"), sealed(t, b, a, "two"))
	require.NoError(t, err)
	_, err = l.Append(sealed(t, a, b, "three"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 3, reopened.Len())
	assert.Len(t, reopened.Blocks()[1].Content, 2)

	block, err := reopened.Append(sealed(t, b, a, "four"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), block.Index)
}

func TestTamperedFileBlocksLedger(t *testing.T) {
	l, path := openTemp(t)
	a, b := keyPairs(t)
	env := sealed(t, a, b, "original")
	_, err := l.Append(env)
	require.NoError(t, err)
	_, err = l.Append(sealed(t, a, b, "later"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte{'\n'})
	require.Len(t, lines, 3)
	// Flip the timestamp of block 1.
	lines[1] = bytes.Replace(lines[1], []byte(`"timestamp_ms":`), []byte(`"timestamp_ms":1`), 1)
	require.NoError(t, os.WriteFile(path, append(bytes.Join(lines, []byte{'\n'}), '\n'), 0o600))

	reopened, err := Open(path, Options{})
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	require.NotNil(t, reopened)
	defer reopened.Close()
	assert.Equal(t, uint64(1), ierr.Index)
	assert.Error(t, reopened.ValidateDeep())
	assert.Equal(t, err, reopened.Err())

	// History is kept for inspection but writes are refused.
	assert.Equal(t, 3, reopened.Len())
	_, err = reopened.Append(sealed(t, a, b, "blocked"))
	assert.ErrorIs(t, err, ErrBlocked)

	require.NoError(t, reopened.Reset())
	assert.NoError(t, reopened.Err())
	assert.Equal(t, 1, reopened.Len())
	_, err = reopened.Append(sealed(t, a, b, "fresh"))
	assert.NoError(t, err)
}

func TestForgedSignatureFailsDeepValidation(t *testing.T) {
	a, b := keyPairs(t)
	env := sealed(t, a, b, "hi")
	env.Signature[0] ^= 1

	g := Genesis()
	blk := newBlock(&g, 1, []crypto.SignedEnvelope{env})
	err := validate([]Block{g, blk})
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, uint64(1), ierr.Index)
}

func TestMalformedLineIsIntegrityError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	g := Genesis()
	l, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, Options{})
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	defer reopened.Close()
	assert.Equal(t, uint64(1), ierr.Index)
	assert.Equal(t, g.Hash, reopened.Blocks()[0].Hash)
}

func TestIsValidChecksTailOnly(t *testing.T) {
	l, _ := openTemp(t)
	a, b := keyPairs(t)
	for i := 0; i < 3; i++ {
		_, err := l.Append(sealed(t, a, b, "m"))
		require.NoError(t, err)
	}

	l.mu.Lock()
	l.blocks[1].Timestamp++
	l.mu.Unlock()
	assert.True(t, l.IsValid(), "tail is untouched")
	assert.Error(t, l.ValidateDeep())

	l.mu.Lock()
	l.blocks[3].Timestamp++
	l.mu.Unlock()
	assert.False(t, l.IsValid())
}

func TestAppenderBatchesConcurrentSubmissions(t *testing.T) {
	l, _ := openTemp(t)
	a, b := keyPairs(t)
	app := NewAppender(l, 200*time.Millisecond, 64)
	defer app.Close()

	const n = 10
	envs := make([]crypto.SignedEnvelope, n)
	for i := range envs {
		envs[i] = sealed(t, a, b, "batched")
	}

	var wg sync.WaitGroup
	indexes := make([]uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx, err := app.Submit(context.Background(), envs[i])
			assert.NoError(t, err)
			indexes[i] = idx
		}(i)
	}
	wg.Wait()

	total := 0
	for _, blk := range l.Blocks()[1:] {
		total += len(blk.Content)
	}
	assert.Equal(t, n, total)
	assert.Less(t, l.Len()-1, n, "submissions were coalesced")
	for _, idx := range indexes {
		assert.GreaterOrEqual(t, idx, uint64(1))
	}
	assert.NoError(t, l.ValidateDeep())
}

func TestAppenderRespectsMaxBatch(t *testing.T) {
	l, _ := openTemp(t)
	a, b := keyPairs(t)
	app := NewAppender(l, time.Second, 2)
	defer app.Close()

	start := time.Now()
	idx, err := app.Submit(context.Background(), sealed(t, a, b, "1"), sealed(t, a, b, "2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "a full batch is written without waiting")
}

func TestAppenderReportsBlockedLedger(t *testing.T) {
	l, _ := openTemp(t)
	a, b := keyPairs(t)
	l.mu.Lock()
	l.blocked = &IntegrityError{Index: 1, Reason: "test"}
	l.mu.Unlock()

	app := NewAppender(l, time.Millisecond, 1)
	_, err := app.Submit(context.Background(), sealed(t, a, b, "x"))
	assert.ErrorIs(t, err, ErrBlocked)

	app.Close()
	_, err = app.Submit(context.Background(), sealed(t, a, b, "y"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSummarize(t *testing.T) {
	l, _ := openTemp(t)
	a, b := keyPairs(t)
	_, err := l.Append(sealed(t, a, b, "1"))
	require.NoError(t, err)
	_, err = l.Append(sealed(t, a, b, "2"), sealed(t, b, a, "3"))
	require.NoError(t, err)

	sum := Summarize(l)
	require.Len(t, sum.Blocks, 3)
	assert.Equal(t, 3, sum.TotalEnvelopes)
	assert.True(t, sum.Valid)
	assert.Equal(t, "genesis", sum.Blocks[0].Preview)
	assert.Equal(t, crypto.ShortID(a.PeerID())+" -> "+crypto.ShortID(b.PeerID()), sum.Blocks[1].Preview)
	assert.Equal(t, "2 envelopes", sum.Blocks[2].Preview)
}

// flakyFile fails Sync once and, optionally, every Truncate.
type flakyFile struct {
	appendFile
	failSync     bool
	failTruncate bool
}

func (f *flakyFile) Sync() error {
	if f.failSync {
		f.failSync = false
		return errors.New("disk full")
	}
	return f.appendFile.Sync()
}

func (f *flakyFile) Truncate(size int64) error {
	if f.failTruncate {
		return errors.New("read-only filesystem")
	}
	return f.appendFile.Truncate(size)
}

func TestFailedSyncIsRolledBack(t *testing.T) {
	l, path := openTemp(t)
	a, b := keyPairs(t)

	_, err := l.Append(sealed(t, a, b, "first"))
	require.NoError(t, err)
	l.f = &flakyFile{appendFile: l.f, failSync: true}

	_, err = l.Append(sealed(t, a, b, "lost"))
	require.Error(t, err)
	assert.Equal(t, 2, l.Len())
	assert.NoError(t, l.Err())

	block, err := l.Append(sealed(t, a, b, "retried"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), block.Index)
	require.NoError(t, l.Close())

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 3, reopened.Len())
	assert.NoError(t, reopened.ValidateDeep())
}

func TestFailedRollbackBlocksLedger(t *testing.T) {
	l, _ := openTemp(t)
	a, b := keyPairs(t)
	l.f = &flakyFile{appendFile: l.f, failSync: true, failTruncate: true}

	_, err := l.Append(sealed(t, a, b, "lost"))
	assert.ErrorIs(t, err, ErrBlocked)
	var ierr *IntegrityError
	assert.ErrorAs(t, l.Err(), &ierr)

	_, err = l.Append(sealed(t, a, b, "refused"))
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, 1, l.Len())
}
