package emu

import (
	"encoding/binary"
	"errors"

	"github.com/mdlayher/pata"
)

// Bus master registers, as offsets from a channel's bus master block.
const (
	bmCommand = 0
	bmStatus  = 2
	bmPRDT    = 4

	bmCmdStart = 0x01
	bmCmdRead  = 0x08

	bmStActive  = 0x01
	bmStError   = 0x02
	bmStIRQ     = 0x04
	bmStCapable = 0x60 // drive 0/1 DMA capable, software owned
)

const (
	prdLen        = 8
	prdEndOfTable = 0x8000
	maxPRDs       = pata.PageSize / prdLen
)

var errNoEndOfTable = errors.New("emu: PRDT has no end of table entry")

// A dmaCommand is a DMA transfer the drive has accepted and is waiting for
// the bus master to carry out.
type dmaCommand struct {
	slot  int
	lba   uint64
	count int
	write bool
}

// A prd is one decoded physical region descriptor.
type prd struct {
	addr uint32
	n    int
}

func (ch *channel) readBusMaster(reg uint16) uint8 {
	switch reg {
	case bmCommand:
		return ch.bmCmd
	case bmStatus:
		return ch.bmStatus
	case bmPRDT, bmPRDT + 1, bmPRDT + 2, bmPRDT + 3:
		return uint8(ch.prdt >> (8 * (reg - bmPRDT)))
	}
	return 0
}

func (ch *channel) writeBusMaster(reg uint16, v uint8) {
	switch reg {
	case bmCommand:
		was := ch.bmCmd&bmCmdStart != 0
		ch.bmCmd = v & (bmCmdStart | bmCmdRead)

		switch now := v&bmCmdStart != 0; {
		case now && !was:
			ch.bmStatus |= bmStActive
			if ch.dma != nil {
				ch.startDMA()
			}
		case !now && was:
			// Stopping the engine abandons a transfer in progress
			ch.bmStatus &^= bmStActive
			if ch.held {
				ch.held = false
				ch.dma = nil
			}
		}

	case bmStatus:
		ch.bmStatus = ch.bmStatus&^bmStCapable | v&bmStCapable
		ch.bmStatus &^= v & (bmStError | bmStIRQ)

	case bmPRDT, bmPRDT + 1, bmPRDT + 2, bmPRDT + 3:
		shift := 8 * (reg - bmPRDT)
		ch.prdt = ch.prdt&^(0xff<<shift) | uint32(v)<<shift
		ch.prdt &^= 3
	}
}

// startDMA runs the pending transfer, or parks it if transfers are held.
func (ch *channel) startDMA() {
	if ch.hold {
		ch.held = true
		return
	}
	ch.runDMA()
}

// runDMA carries out the pending transfer between the disk and the memory
// described by the PRDT, then interrupts.
func (ch *channel) runDMA() {
	cmd := ch.dma
	ch.dma = nil
	if cmd == nil {
		return
	}
	s := cmd.slot

	bst, devErr := ch.transfer(cmd)

	ch.bmStatus = ch.bmStatus&^(bmStActive|bmStError) | bst | bmStIRQ
	if devErr != 0 {
		ch.abort(s, devErr)
		return
	}
	ch.status[s] = stDRDY | stDSC
	ch.raise()
}

// transfer moves the data of cmd.  It returns the bus master status bits
// to report, and the drive's error register value if the drive failed.
func (ch *channel) transfer(cmd *dmaCommand) (uint8, uint8) {
	switch {
	case ch.dmaFaults > 0:
		ch.dmaFaults--
		return bmStError, 0
	case !ch.ctrl.busMastering():
		return bmStError, 0
	case cmd.write == (ch.bmCmd&bmCmdRead != 0):
		// Engine direction does not match the command
		return bmStError, 0
	}

	prds, err := ch.table()
	if err != nil {
		return bmStError, 0
	}
	var room int
	for _, p := range prds {
		room += p.n
	}

	n := cmd.count * sectorSize
	d := ch.disks[cmd.slot]
	mem := ch.ctrl.mem

	// An engine left with bytes to move, or a table too short for the
	// drive, leaves the active bit set
	var bst uint8
	if room != n {
		bst = bmStActive
	}
	n = min(n, room)
	sectors := n / sectorSize

	if !cmd.write {
		buf := make([]byte, n)
		var devErr uint8
		done := 0
		for ; done < sectors; done++ {
			lba := cmd.lba + uint64(done)
			if e := ch.fault(cmd.slot, lba); e != 0 {
				devErr = e
				break
			}
			if _, err := d.Image.ReadAt(buf[done*sectorSize:(done+1)*sectorSize], int64(lba)*sectorSize); err != nil {
				devErr = errUNC
				break
			}
		}
		if err := scatter(mem, prds, buf[:done*sectorSize]); err != nil {
			return bmStError, devErr
		}
		return bst, devErr
	}

	buf, err := gather(mem, prds, n)
	if err != nil {
		return bmStError, 0
	}
	for i := 0; i < sectors; i++ {
		lba := cmd.lba + uint64(i)
		if e := ch.fault(cmd.slot, lba); e != 0 {
			return bst, e
		}
		if _, err := d.Image.WriteAt(buf[i*sectorSize:(i+1)*sectorSize], int64(lba)*sectorSize); err != nil {
			return bst, errUNC
		}
	}
	return bst, 0
}

// table decodes the PRDT the bus master points at.
func (ch *channel) table() ([]prd, error) {
	mem := ch.ctrl.mem
	addr := ch.prdt

	var prds []prd
	for i := 0; i < maxPRDs; i++ {
		var e [prdLen]byte
		if err := mem.Read(addr, e[:]); err != nil {
			return nil, err
		}

		n := int(binary.LittleEndian.Uint16(e[4:6]))
		if n == 0 {
			n = 64 * 1024
		}
		prds = append(prds, prd{
			addr: binary.LittleEndian.Uint32(e[0:4]) &^ 1,
			n:    n,
		})

		if binary.LittleEndian.Uint16(e[6:8])&prdEndOfTable != 0 {
			return prds, nil
		}
		addr += prdLen
	}
	return nil, errNoEndOfTable
}

// scatter copies b into the regions of prds, in order.
func scatter(mem *Memory, prds []prd, b []byte) error {
	for _, p := range prds {
		if len(b) == 0 {
			break
		}
		n := min(p.n, len(b))
		if err := mem.Write(p.addr, b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// gather reads n bytes from the regions of prds, in order.
func gather(mem *Memory, prds []prd, n int) ([]byte, error) {
	b := make([]byte, 0, n)
	for _, p := range prds {
		if len(b) == n {
			break
		}
		chunk := make([]byte, min(p.n, n-len(b)))
		if err := mem.Read(p.addr, chunk); err != nil {
			return nil, err
		}
		b = append(b, chunk...)
	}
	return b, nil
}
