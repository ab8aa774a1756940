// Package codebuffer holds the in-memory, bounded set of live
// enrollment codes (C3).
package codebuffer

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

// Capacity is the fixed number of slots in the buffer.
const Capacity = 16

// Lifetime is how long a freshly minted code stays live.
const Lifetime = 30 * time.Minute

// Code is a six-digit enrollment code with an absolute expiry.
type Code struct {
	Digits  uint32
	Expires time.Time
}

// New mints a fresh Code: a uniform 6-digit value in [100000, 1000000)
// that expires Lifetime from now.
func New() (Code, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return Code{}, err
	}
	return Code{
		Digits:  uint32(n.Int64()) + 100000,
		Expires: time.Now().Add(Lifetime),
	}, nil
}

// Buffer is a fixed-capacity array of optional slots. Every method
// takes the buffer's mutex, so the code drain loop, the /enroll request
// path, and the admin occupancy reads can share one Buffer.
type Buffer struct {
	mu    sync.Mutex
	slots [Capacity]*Code
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// ErrFull is returned by Insert when every slot is occupied.
type ErrFull struct{}

func (ErrFull) Error() string { return "code buffer full" }

// Insert places code in the first free slot. Returns ErrFull if none
// are free — expired slots are not implicitly reclaimed here; call
// Sweep first.
func (b *Buffer) Insert(c Code) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		if b.slots[i] == nil {
			cc := c
			b.slots[i] = &cc
			return nil
		}
	}
	return ErrFull{}
}

// Sweep removes every slot whose expiry is in the past.
func (b *Buffer) Sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		if b.slots[i] != nil && !now.Before(b.slots[i].Expires) {
			b.slots[i] = nil
		}
	}
}

// Verify scans for a live slot whose digits equal want. On a match it
// clears that slot (one-shot consumption) and returns true. Expired
// entries are treated as non-matching but are only actually removed by
// Sweep.
func (b *Buffer) Verify(now time.Time, want uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		s := b.slots[i]
		if s == nil {
			continue
		}
		if s.Digits == want && now.Before(s.Expires) {
			b.slots[i] = nil
			return true
		}
	}
	return false
}

// Occupied reports how many slots currently hold a code (expired or
// not), for the admin occupancy gauge.
func (b *Buffer) Occupied() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for i := range b.slots {
		if b.slots[i] != nil {
			n++
		}
	}
	return n
}
