// Package shutdown provides process-wide admission control for graceful
// shutdown. The HTTP boundary calls Enter on every request and Exit on
// every completion path; once shutdown starts, new requests are rejected
// outright while admitted ones drain.
package shutdown

import (
	"context"
	"sync"

	facilitator "github.com/x402labs/facilitator-go"
)

// State is a snapshot of the coordinator for health reporting. A non-zero
// ActiveRequests during shutdown is expected, not an error.
type State struct {
	IsShuttingDown bool  `json:"isShuttingDown"`
	ActiveRequests int64 `json:"activeRequests"`
}

// Coordinator is the process-wide admission gate and in-flight counter.
// The zero value is not usable; construct with NewCoordinator.
type Coordinator struct {
	mu           sync.Mutex
	shuttingDown bool
	active       int64
	drained      chan struct{}
}

// NewCoordinator creates a Coordinator accepting new requests.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		drained: make(chan struct{}),
	}
}

// Enter admits one request, incrementing the active counter. During
// shutdown it rejects without incrementing.
func (c *Coordinator) Enter() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return facilitator.ErrShuttingDown
	}
	c.active++
	return nil
}

// Exit marks one admitted request complete. Called on every completion
// path: success, error, or cancellation.
func (c *Coordinator) Exit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	if c.shuttingDown && c.active == 0 {
		c.closeDrained()
	}
}

// InitiateShutdown flips the admission gate. Callers then Wait for the
// active count to reach zero, bounded by their own timeout, before
// terminating the process.
func (c *Coordinator) InitiateShutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return
	}
	c.shuttingDown = true
	if c.active == 0 {
		c.closeDrained()
	}
}

// closeDrained is called with mu held.
func (c *Coordinator) closeDrained() {
	select {
	case <-c.drained:
	default:
		close(c.drained)
	}
}

// Wait blocks until every admitted request has exited after shutdown was
// initiated, or until ctx expires.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current shutdown state.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		IsShuttingDown: c.shuttingDown,
		ActiveRequests: c.active,
	}
}
