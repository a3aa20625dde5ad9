package runicrpc

import (
	"context"
	"sync"
)

// DeduplicationEntry represents one in-flight request shared between a
// leader and its waiters. All waiters receive the identical outcome.
type DeduplicationEntry struct {
	mu      sync.Mutex
	resp    *Response
	err     error
	done    chan struct{}
	waiters int
}

// Wait blocks until the leader completes or the context cancels.
func (entry *DeduplicationEntry) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-entry.done:
		entry.mu.Lock()
		resp, err := entry.resp, entry.err
		entry.mu.Unlock()
		return resp, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Waiters returns the number of callers attached to this entry, leader
// included.
func (entry *DeduplicationEntry) Waiters() int {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.waiters
}

// DeduplicationTracker coalesces concurrent identical in-flight requests.
// Leadership per fingerprint is a strict first-come-first-served exclusive
// acquisition: exactly one leader exists per fingerprint at any time.
type DeduplicationTracker struct {
	mu      sync.Mutex
	entries map[string]*DeduplicationEntry
}

// NewDeduplicationTracker returns an in-memory de-duplication tracker.
func NewDeduplicationTracker() *DeduplicationTracker {
	return &DeduplicationTracker{
		entries: make(map[string]*DeduplicationEntry),
	}
}

// GetOrCreateEntry returns the in-flight entry for key. The first caller
// becomes leader (second return true) and must eventually call Complete;
// later callers join as waiters.
func (dt *DeduplicationTracker) GetOrCreateEntry(key string) (*DeduplicationEntry, bool) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if entry, exists := dt.entries[key]; exists {
		entry.mu.Lock()
		entry.waiters++
		entry.mu.Unlock()
		return entry, false
	}

	entry := &DeduplicationEntry{
		done:    make(chan struct{}),
		waiters: 1,
	}
	dt.entries[key] = entry
	return entry, true
}

// Complete settles the entry for key with the leader's outcome, releasing
// every waiter with the identical result. The entry is removed atomically
// with settlement so a subsequent request for the same fingerprint starts a
// fresh leader.
func (dt *DeduplicationTracker) Complete(key string, resp *Response, err error) {
	dt.mu.Lock()
	entry, exists := dt.entries[key]
	if exists {
		delete(dt.entries, key)
	}
	dt.mu.Unlock()

	if !exists {
		return
	}

	entry.mu.Lock()
	entry.resp = resp
	entry.err = err
	entry.mu.Unlock()
	close(entry.done)
}

// InFlight returns the number of fingerprints currently being executed.
func (dt *DeduplicationTracker) InFlight() int {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	return len(dt.entries)
}
