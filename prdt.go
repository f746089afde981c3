package pata

import (
	"encoding/binary"
	"errors"
)

const (
	// prdEntryLen is the length of a physical region descriptor.
	//
	// 4 bytes: physical base address, word aligned
	// 2 bytes: byte count, 0 meaning 64 KiB
	// 2 bytes: flags
	//   1000 0000 0000 0000
	//   ^
	//   +-- end of table
	prdEntryLen = 4 + 2 + 2

	prdEndOfTable = 0x8000

	// prdMaxBytes is the largest region one descriptor can describe.  A
	// region also must not cross a 64 KiB boundary.
	prdMaxBytes = 64 * 1024
)

var (
	// errPRDTOverflow is returned when a set of regions needs more
	// descriptors than fit in the table.
	errPRDTOverflow = errors.New("PRDT does not fit in its page")

	// errPRDTEmpty is returned when a table would describe no bytes.
	errPRDTEmpty = errors.New("PRDT describes no memory")

	// errPRDTAlign is returned for a region with an odd address or size.
	errPRDTAlign = errors.New("PRDT region is not word aligned")
)

// A Region is a physically contiguous range of memory.
type Region struct {
	Addr uint32
	Len  int
}

// A PRD is one entry of a physical region descriptor table.
type PRD struct {
	Addr       uint32
	Len        int
	EndOfTable bool
}

// A PRDT is a physical region descriptor table, the scatter list consumed
// by a bus-mastering IDE DMA engine.  It is backed by a page the channel
// owns exclusively.
type PRDT struct {
	b []byte
}

// newPRDT returns a PRDT backed by page.
func newPRDT(page []byte) *PRDT {
	return &PRDT{b: page}
}

// Build rewrites the table to describe regions, in order.  Regions are
// split on 64 KiB boundaries.  Unused descriptor slots are zeroed, so no
// entries from a previous transfer survive.
func (t *PRDT) Build(regions []Region) error {
	var prds []PRD
	for _, r := range regions {
		if r.Addr&1 != 0 || r.Len&1 != 0 {
			return errPRDTAlign
		}

		addr, n := r.Addr, r.Len
		for n > 0 {
			// Bytes remaining before the next 64 KiB boundary
			chunk := prdMaxBytes - int(addr%prdMaxBytes)
			if chunk > n {
				chunk = n
			}
			prds = append(prds, PRD{Addr: addr, Len: chunk})
			addr += uint32(chunk)
			n -= chunk
		}
	}

	if len(prds) == 0 {
		return errPRDTEmpty
	}
	if len(prds) > len(t.b)/prdEntryLen {
		return errPRDTOverflow
	}
	prds[len(prds)-1].EndOfTable = true

	clear(t.b)
	for i, p := range prds {
		e := t.b[i*prdEntryLen : (i+1)*prdEntryLen]
		binary.LittleEndian.PutUint32(e[0:4], p.Addr)
		// A count of 64 KiB wraps to zero, which the hardware reads as 64 KiB
		binary.LittleEndian.PutUint16(e[4:6], uint16(p.Len))
		if p.EndOfTable {
			binary.LittleEndian.PutUint16(e[6:8], prdEndOfTable)
		}
	}

	return nil
}

// Entries decodes the table up to and including the first descriptor
// carrying the end of table flag.
func (t *PRDT) Entries() []PRD {
	var prds []PRD
	for i := 0; i+prdEntryLen <= len(t.b); i += prdEntryLen {
		e := t.b[i : i+prdEntryLen]
		n := int(binary.LittleEndian.Uint16(e[4:6]))
		if n == 0 {
			n = prdMaxBytes
		}
		p := PRD{
			Addr:       binary.LittleEndian.Uint32(e[0:4]),
			Len:        n,
			EndOfTable: binary.LittleEndian.Uint16(e[6:8])&prdEndOfTable != 0,
		}
		prds = append(prds, p)
		if p.EndOfTable {
			break
		}
	}
	return prds
}

// Size returns the total number of bytes described by the table.
func (t *PRDT) Size() int {
	var n int
	for _, p := range t.Entries() {
		n += p.Len
	}
	return n
}
