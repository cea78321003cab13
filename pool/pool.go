// Package pool manages the facilitator's blockchain signer accounts. An
// AccountPool owns a fixed set of signer handles for one network and
// guarantees that each handle runs at most one operation at a time;
// concurrent signing from the same account would produce colliding
// transaction sequence numbers on-chain. A Manager routes requests to the
// right pool by network id and aggregates counts for health reporting.
package pool

import (
	"context"
	"log/slog"
	"sync"

	facilitator "github.com/x402labs/facilitator-go"
)

// Signer is one capability-bound account usable to sign and submit
// transactions on one chain family. Handles are created at process start
// and never rotated; a handle is only ever reachable inside the callback
// passed to Execute, which prevents accidental concurrent reuse.
type Signer interface {
	// Address returns the account address in its chain-specific encoding.
	Address() string

	// Network returns the network identifier the handle operates on.
	Network() string
}

// AccountInfo is a read-only snapshot of one pool entry.
type AccountInfo struct {
	Address        string `json:"address"`
	QueueDepth     int    `json:"queueDepth"`
	TotalProcessed uint64 `json:"totalProcessed"`
}

// entry wraps a signer handle with scheduling state. queueDepth and
// totalProcessed are mutated only under the pool mutex; the slot channel
// is a capacity-1 semaphore whose blocked senders wake in FIFO order, so
// operations queued for the same handle execute in admission order.
type entry struct {
	signer         Signer
	slot           chan struct{}
	queueDepth     int
	totalProcessed uint64
}

// AccountPool owns N signer handles for one network.
type AccountPool struct {
	network string
	logger  *slog.Logger

	mu      sync.Mutex
	entries []*entry
	rr      int
}

// Option configures an AccountPool.
type Option func(*AccountPool)

// WithLogger sets the pool's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *AccountPool) {
		p.logger = logger
	}
}

// NewAccountPool creates a pool over the given signer handles.
func NewAccountPool(network string, signers []Signer, opts ...Option) *AccountPool {
	p := &AccountPool{
		network: network,
		logger:  slog.Default(),
	}
	for _, s := range signers {
		p.entries = append(p.entries, &entry{
			signer: s,
			slot:   make(chan struct{}, 1),
		})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Network returns the network this pool serves.
func (p *AccountPool) Network() string {
	return p.network
}

// Size returns the number of signer handles in the pool.
func (p *AccountPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// AccountsInfo returns a snapshot of every entry. It never blocks on
// in-flight operations and never mutates scheduling state.
func (p *AccountPool) AccountsInfo() []AccountInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]AccountInfo, 0, len(p.entries))
	for _, e := range p.entries {
		infos = append(infos, AccountInfo{
			Address:        e.signer.Address(),
			QueueDepth:     e.queueDepth,
			TotalProcessed: e.totalProcessed,
		})
	}
	return infos
}

// acquire selects the entry with the smallest queue depth, tie-broken
// round-robin, and counts the caller into its queue. Least-loaded
// selection bounds worst-case wait across a burst of concurrent requests.
func (p *AccountPool) acquire() (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return nil, facilitator.NewError(facilitator.ErrCodePoolExhausted,
			"no signer accounts configured for network "+p.network, facilitator.ErrPoolExhausted)
	}

	best := -1
	for i := 0; i < len(p.entries); i++ {
		idx := (p.rr + i) % len(p.entries)
		if best == -1 || p.entries[idx].queueDepth < p.entries[best].queueDepth {
			best = idx
		}
	}
	p.rr = (best + 1) % len(p.entries)

	e := p.entries[best]
	e.queueDepth++
	return e, nil
}

// release undoes the queue accounting for e. processed is false when the
// caller abandoned the queue before its operation started.
func (p *AccountPool) release(e *entry, processed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.queueDepth--
	if processed {
		e.totalProcessed++
	}
}

// Execute runs op with exclusive use of one signer handle. The handle is
// selected by least queue depth, held for the duration of op, and released
// on every exit path, success or failure.
//
// Waiters still queued for a handle abandon cheaply when ctx is cancelled.
// Once op starts, it runs under a context detached from ctx's cancellation:
// abandoning a chain operation mid-flight is unsafe because the transaction
// may already be irreversible on-chain.
func Execute[T any](ctx context.Context, p *AccountPool, op func(ctx context.Context, s Signer) (T, error)) (T, error) {
	var zero T

	e, err := p.acquire()
	if err != nil {
		return zero, err
	}

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		p.release(e, false)
		p.logger.Debug("queued waiter abandoned",
			"network", p.network,
			"address", e.signer.Address())
		return zero, ctx.Err()
	}
	p.logger.Debug("account acquired",
		"network", p.network,
		"address", e.signer.Address())

	defer func() {
		<-e.slot
		p.release(e, true)
		p.logger.Debug("account released",
			"network", p.network,
			"address", e.signer.Address())
	}()

	return op(context.WithoutCancel(ctx), e.signer)
}

// Do is the non-generic form of Execute for operations without a result.
func (p *AccountPool) Do(ctx context.Context, op func(ctx context.Context, s Signer) error) error {
	_, err := Execute(ctx, p, func(ctx context.Context, s Signer) (struct{}, error) {
		return struct{}{}, op(ctx, s)
	})
	return err
}
