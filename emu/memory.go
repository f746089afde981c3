package emu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mdlayher/pata"
)

// pageBase is the physical address of the first page handed out.
const pageBase = 0x0010_0000

var (
	// ErrNoMemory is returned when a Memory has no free pages.
	ErrNoMemory = errors.New("emu: out of physical memory")

	errBadAddress = errors.New("emu: access to unmapped physical memory")
)

// Memory is emulated physical memory, handed out a page at a time.  It
// implements pata.PhysMem.
type Memory struct {
	mu    sync.Mutex
	pages map[uint32][]byte
	free  []uint32
	next  uint32
	limit int
}

var _ pata.PhysMem = &Memory{}

// NewMemory creates a Memory with at most limit pages allocated at once.
// Zero means no limit.
func NewMemory(limit int) *Memory {
	return &Memory{
		pages: make(map[uint32][]byte),
		next:  pageBase,
		limit: limit,
	}
}

// AllocPage implements pata.PhysMem.
func (m *Memory) AllocPage() (uint32, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limit > 0 && len(m.pages) >= m.limit {
		return 0, nil, ErrNoMemory
	}

	var addr uint32
	if n := len(m.free); n > 0 {
		addr, m.free = m.free[n-1], m.free[:n-1]
	} else {
		addr = m.next
		m.next += pata.PageSize
	}

	page := make([]byte, pata.PageSize)
	m.pages[addr] = page
	return addr, page, nil
}

// FreePage implements pata.PhysMem.  Freeing an unallocated page panics.
func (m *Memory) FreePage(addr uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pages[addr]; !ok {
		panic(fmt.Sprintf("emu: free of unallocated page %#x", addr))
	}
	delete(m.pages, addr)
	m.free = append(m.free, addr)
}

// Allocated returns the number of pages currently allocated.
func (m *Memory) Allocated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// Read copies physical memory starting at addr into b.
func (m *Memory) Read(addr uint32, b []byte) error {
	return m.access(addr, b, false)
}

// Write copies b into physical memory starting at addr.
func (m *Memory) Write(addr uint32, b []byte) error {
	return m.access(addr, b, true)
}

func (m *Memory) access(addr uint32, b []byte, write bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(b) > 0 {
		base := addr &^ (pata.PageSize - 1)
		page, ok := m.pages[base]
		if !ok {
			return fmt.Errorf("%w: %#x", errBadAddress, addr)
		}

		off := addr - base
		var n int
		if write {
			n = copy(page[off:], b)
		} else {
			n = copy(b, page[off:])
		}
		b = b[n:]
		addr += uint32(n)
	}
	return nil
}
