package ledger

import (
	"context"
	"time"

	"github.com/opd-ai/wichain/crypto"
)

const (
	// DefaultBatchWindow is how long the appender waits for more submissions
	// before writing a block.
	DefaultBatchWindow = 20 * time.Millisecond
	// DefaultMaxBatch caps the envelopes coalesced into one block.
	DefaultMaxBatch = 32
)

type submission struct {
	envs   []crypto.SignedEnvelope
	result chan submitResult
}

type submitResult struct {
	index uint64
	err   error
}

// Appender is the single writer of a Ledger. Submissions from concurrent
// inbound and outbound flows are serialized through one goroutine, and those
// arriving within the batch window share a block.
type Appender struct {
	ledger   *Ledger
	window   time.Duration
	maxBatch int

	reqs chan *submission
	quit chan struct{}
	done chan struct{}
}

// NewAppender starts the writer goroutine for l. Non-positive window or
// maxBatch select the defaults.
func NewAppender(l *Ledger, window time.Duration, maxBatch int) *Appender {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	a := &Appender{
		ledger:   l,
		window:   window,
		maxBatch: maxBatch,
		reqs:     make(chan *submission),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

// Submit queues envs and waits until they are persisted, returning the
// index of the block that holds them. If ctx ends first the envelopes may
// still be written.
func (a *Appender) Submit(ctx context.Context, envs ...crypto.SignedEnvelope) (uint64, error) {
	if len(envs) == 0 {
		return 0, ErrEmptyContent
	}
	s := &submission{envs: envs, result: make(chan submitResult, 1)}
	select {
	case a.reqs <- s:
	case <-a.quit:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-s.result:
		return r.index, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close stops the writer after committing submissions already accepted.
func (a *Appender) Close() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
	<-a.done
}

func (a *Appender) run() {
	defer close(a.done)
	for {
		var first *submission
		select {
		case first = <-a.reqs:
		case <-a.quit:
			a.drain()
			return
		}
		a.commit(a.collect(first))
	}
}

func (a *Appender) collect(first *submission) []*submission {
	batch := []*submission{first}
	count := len(first.envs)
	timer := time.NewTimer(a.window)
	defer timer.Stop()

	for count < a.maxBatch {
		select {
		case s := <-a.reqs:
			batch = append(batch, s)
			count += len(s.envs)
		case <-timer.C:
			return batch
		case <-a.quit:
			return batch
		}
	}
	return batch
}

func (a *Appender) drain() {
	for {
		select {
		case s := <-a.reqs:
			a.commit([]*submission{s})
		default:
			return
		}
	}
}

func (a *Appender) commit(batch []*submission) {
	var content []crypto.SignedEnvelope
	for _, s := range batch {
		content = append(content, s.envs...)
	}
	block, err := a.ledger.Append(content...)
	for _, s := range batch {
		s.result <- submitResult{index: block.Index, err: err}
	}
}
