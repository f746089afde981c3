package pata

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"sync"
)

// An EntropyPool is an EntropySource which folds samples into a running
// SHA-256 state.  It is safe to use from interrupt context.
type EntropyPool struct {
	mu sync.Mutex
	h  hash.Hash
	n  uint64
}

// NewEntropyPool creates an empty EntropyPool.
func NewEntropyPool() *EntropyPool {
	return &EntropyPool{h: sha256.New()}
}

// AddSample implements EntropySource.
func (p *EntropyPool) AddSample(sample uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], sample)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.h.Write(b[:])
	p.n++
}

// Samples returns the number of samples added to the pool.
func (p *EntropyPool) Samples() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// Sum returns a digest of every sample added so far.
func (p *EntropyPool) Sum() [sha256.Size]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s [sha256.Size]byte
	copy(s[:], p.h.Sum(nil))
	return s
}
