// Package nonceledger implements the durable, two-phase per-identity
// nonce counter (C4). Nonces are modeled as big.Int since the wire
// protocol carries a 128-bit value, outside uint64's range.
package nonceledger

import (
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Ledger tracks, per enrollment id, the smallest strictly-monotonic
// nonce value the identity has not yet used — the "next acceptable
// minimum". Every method takes the ledger's mutex, so the request path
// and the gauge/health readers of Count can share one Ledger; the
// detached disk writer spawned by Commit never touches the in-memory
// maps.
type Ledger struct {
	dir string

	mu      sync.Mutex
	current map[string]*big.Int
	pending map[string]*big.Int
}

// New returns a Ledger whose on-disk mirror lives under dir.
func New(dir string) *Ledger {
	return &Ledger{
		dir:     dir,
		current: make(map[string]*big.Int),
		pending: make(map[string]*big.Int),
	}
}

// Validate resolves the identity's current next-acceptable value
// (from memory, or the on-disk mirror, or 0 if neither exists) and
// reports whether received is acceptable (received >= current). On
// acceptance it stages received+1 in the pending map without mutating
// the authoritative value — the caller must later call Commit or
// Rollback to resolve the stage.
func (l *Ledger) Validate(id string, received *big.Int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.resolveLocked(id)

	if received.Cmp(current) < 0 {
		return false
	}

	next := new(big.Int).Add(received, big.NewInt(1))
	l.pending[id] = next
	return true
}

// Commit moves id's pending value into the authoritative map and
// schedules a best-effort asynchronous write of the new value to disk.
// It is a no-op if there is no pending value (e.g. called twice, or
// called without a prior successful Validate).
func (l *Ledger) Commit(id string) {
	l.mu.Lock()
	next, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
		l.current[id] = next
	}
	l.mu.Unlock()

	if !ok {
		return
	}

	go l.writeToDisk(id, next)
}

// Rollback drops id's pending value, leaving the authoritative map and
// on-disk mirror untouched.
func (l *Ledger) Rollback(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// Current returns the in-memory authoritative value for id, resolving
// from disk on first access. Only the tests call it.
func (l *Ledger) Current(id string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.resolveLocked(id))
}

// Count returns the number of distinct identities with an in-memory
// nonce counter, for the admin occupancy gauge.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current)
}

// resolveLocked must be called with l.mu held. It returns the shared
// *big.Int stored in l.current — callers that might mutate it must
// copy first.
func (l *Ledger) resolveLocked(id string) *big.Int {
	if v, ok := l.current[id]; ok {
		return v
	}
	v := l.readFromDisk(id)
	l.current[id] = v
	return v
}

func (l *Ledger) readFromDisk(id string) *big.Int {
	data, err := os.ReadFile(filepath.Join(l.dir, id))
	if err != nil {
		return big.NewInt(0)
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(string(data)), 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// writeToDisk overwrites the identity's nonce file with next. Failures
// are logged only — the file only matters on restart, and the
// in-memory value is already authoritative for the running process.
func (l *Ledger) writeToDisk(id string, next *big.Int) {
	path := filepath.Join(l.dir, id)
	tmp := path + ".tmp"
	data := []byte(next.Text(10))

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Warn("nonceledger: failed to write nonce file", "id", id, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Warn("nonceledger: failed to install nonce file", "id", id, "error", err)
	}
}
