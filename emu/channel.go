package emu

import (
	"encoding/binary"

	"github.com/mdlayher/pata"
)

// Task file registers, as offsets from a channel's command block.
const (
	tfData     = 0
	tfError    = 1 // features on write
	tfSecCount = 2
	tfLBALow   = 3
	tfLBAMid   = 4
	tfLBAHigh  = 5
	tfDevice   = 6
	tfStatus   = 7 // command on write
)

// Device control bits.
const (
	ctlNIEN = 0x02
	ctlSRST = 0x04
	ctlHOB  = 0x80
)

// Status bits.
const (
	stERR  = 0x01
	stDRQ  = 0x08
	stDSC  = 0x10
	stDRDY = 0x40
	stBSY  = 0x80
)

// Error register bits.
const (
	errABRT = 0x04
	errIDNF = 0x10
	errUNC  = 0x40
)

// Commands understood by the emulated disks.
const (
	cmdReadPIO       = 0x20
	cmdReadPIOExt    = 0x24
	cmdReadDMAExt    = 0x25
	cmdWritePIO      = 0x30
	cmdWritePIOExt   = 0x34
	cmdWriteDMAExt   = 0x35
	cmdReadDMA       = 0xc8
	cmdWriteDMA      = 0xca
	cmdCacheFlush    = 0xe7
	cmdCacheFlushExt = 0xea
	cmdIdentify      = 0xec
)

// PIO data transfer phases.
const (
	xferNone = iota
	xferIdentify
	xferRead
	xferWrite
)

// A channel is one emulated IDE channel and its two drive slots.  All
// fields are guarded by the owning Controller's mutex.
type channel struct {
	ctrl  *Controller
	index int

	io, ctl, bm uint16
	irq         int

	disks      [2]*Disk
	status     [2]uint8
	errReg     [2]uint8
	faults     [2]map[uint64]uint8
	flushFault [2]uint8
	flushes    [2]int

	// Task file registers shared by both drives.  Index 0 holds the most
	// recently written value, index 1 the previous one (read with HOB).
	features [2]uint8
	seccount [2]uint8
	lbaLow   [2]uint8
	lbaMid   [2]uint8
	lbaHigh  [2]uint8
	device   uint8
	devctl   uint8

	// PIO data phase.
	xfer      int
	xslot     int
	buf       []byte
	pos       int
	lba       uint64
	remaining int

	// Bus master.
	bmCmd     uint8
	bmStatus  uint8
	prdt      uint32
	dma       *dmaCommand
	dmaFaults int
	hold      bool
	held      bool

	history []uint8
}

// selected returns the slot chosen by the device register.
func (ch *channel) selected() int {
	return int(ch.device>>4) & 1
}

func (ch *channel) empty() bool {
	return ch.disks[0] == nil && ch.disks[1] == nil
}

func (ch *channel) readTaskFile(reg uint16) uint8 {
	// Nothing drives a bus with no devices
	if ch.empty() {
		return 0xff
	}

	s := ch.selected()
	hob := 0
	if ch.devctl&ctlHOB != 0 {
		hob = 1
	}

	switch reg {
	case tfData:
		return uint8(ch.readData())
	case tfError:
		if ch.disks[s] == nil {
			return 0
		}
		return ch.errReg[s]
	case tfSecCount:
		return ch.seccount[hob]
	case tfLBALow:
		return ch.lbaLow[hob]
	case tfLBAMid:
		return ch.lbaMid[hob]
	case tfLBAHigh:
		return ch.lbaHigh[hob]
	case tfDevice:
		return ch.device
	case tfStatus:
		return ch.altStatus()
	}
	return 0xff
}

// altStatus returns the selected drive's status.  An empty slot next to a
// present drive reads as zero.
func (ch *channel) altStatus() uint8 {
	if ch.empty() {
		return 0xff
	}
	s := ch.selected()
	if ch.disks[s] == nil {
		return 0
	}
	return ch.status[s]
}

func (ch *channel) writeTaskFile(reg uint16, v uint8) {
	// Any task file write clears HOB
	ch.devctl &^= ctlHOB

	shift := func(r *[2]uint8) { r[1], r[0] = r[0], v }
	switch reg {
	case tfData:
		ch.writeData(uint16(v))
	case tfError:
		shift(&ch.features)
	case tfSecCount:
		shift(&ch.seccount)
	case tfLBALow:
		shift(&ch.lbaLow)
	case tfLBAMid:
		shift(&ch.lbaMid)
	case tfLBAHigh:
		shift(&ch.lbaHigh)
	case tfDevice:
		ch.device = v
	case tfStatus:
		ch.command(v)
	}
}

func (ch *channel) writeControl(v uint8) {
	prev := ch.devctl
	ch.devctl = v

	switch {
	case v&ctlSRST != 0:
		for s, d := range ch.disks {
			if d != nil {
				ch.status[s] = stBSY
			}
		}
	case prev&ctlSRST != 0:
		ch.reset()
	}
}

// reset completes a software reset: drives report diagnostics passed and
// their signatures.
func (ch *channel) reset() {
	ch.xfer = xferNone
	ch.dma = nil
	ch.held = false
	ch.device = 0
	ch.seccount = [2]uint8{1}
	ch.lbaLow = [2]uint8{1}
	ch.lbaMid, ch.lbaHigh = [2]uint8{}, [2]uint8{}

	for s, d := range ch.disks {
		if d == nil {
			continue
		}
		ch.status[s] = stDRDY | stDSC
		ch.errReg[s] = 0x01
		if d.ATAPI {
			ch.lbaMid[0], ch.lbaHigh[0] = 0x14, 0xeb
		}
	}
}

// raise asserts the channel's interrupt unless the host masked it.
func (ch *channel) raise() {
	if ch.devctl&ctlNIEN == 0 {
		ch.ctrl.pic.Raise(ch.irq)
	}
}

// abort ends the command on slot s with error register value e.
func (ch *channel) abort(s int, e uint8) {
	ch.xfer = xferNone
	ch.errReg[s] = e
	ch.status[s] = stDRDY | stDSC | stERR
	ch.raise()
}

// command executes cmd on the selected drive.
func (ch *channel) command(cmd uint8) {
	ch.history = append(ch.history, cmd)

	s := ch.selected()
	d := ch.disks[s]
	if d == nil {
		return
	}

	ch.xfer = xferNone
	ch.errReg[s] = 0

	if d.ATAPI {
		// Packet devices abort ATA commands and leave their signature
		ch.lbaMid[0], ch.lbaHigh[0] = 0x14, 0xeb
		ch.abort(s, errABRT)
		return
	}

	switch cmd {
	case cmdIdentify:
		ch.xslot = s
		ch.buf = d.identify()
		ch.pos = 0
		ch.xfer = xferIdentify
		ch.status[s] = stDRDY | stDSC | stDRQ
		ch.raise()

	case cmdReadPIO, cmdReadPIOExt:
		lba, n, ok := ch.address(s, cmd == cmdReadPIOExt)
		if !ok {
			return
		}
		ch.xslot, ch.lba, ch.remaining = s, lba, n
		ch.loadSector()

	case cmdWritePIO, cmdWritePIOExt:
		lba, n, ok := ch.address(s, cmd == cmdWritePIOExt)
		if !ok {
			return
		}
		ch.xslot, ch.lba, ch.remaining = s, lba, n
		ch.buf = make([]byte, sectorSize)
		ch.pos = 0
		ch.xfer = xferWrite
		// No interrupt before the first sector of a write
		ch.status[s] = stDRDY | stDSC | stDRQ

	case cmdReadDMA, cmdReadDMAExt, cmdWriteDMA, cmdWriteDMAExt:
		ext := cmd == cmdReadDMAExt || cmd == cmdWriteDMAExt
		lba, n, ok := ch.address(s, ext)
		if !ok {
			return
		}
		ch.dma = &dmaCommand{
			slot:  s,
			lba:   lba,
			count: n,
			write: cmd == cmdWriteDMA || cmd == cmdWriteDMAExt,
		}
		ch.status[s] = stBSY | stDRDY
		if ch.bmCmd&bmCmdStart != 0 {
			ch.startDMA()
		}

	case cmdCacheFlush, cmdCacheFlushExt:
		if cmd == cmdCacheFlushExt && !d.LBA48 {
			ch.abort(s, errABRT)
			return
		}
		ch.flushes[s]++
		if e := ch.flushFault[s]; e != 0 {
			ch.abort(s, e)
			return
		}
		ch.status[s] = stDRDY | stDSC
		ch.raise()

	default:
		ch.abort(s, errABRT)
	}
}

// address decodes the LBA and sector count of a transfer command, aborting
// the command if they are unusable.
func (ch *channel) address(s int, ext bool) (uint64, int, bool) {
	d := ch.disks[s]
	if ch.device&0x40 == 0 {
		// CHS addressing is not emulated
		ch.abort(s, errABRT)
		return 0, 0, false
	}

	var (
		lba uint64
		n   int
	)
	if ext {
		if !d.LBA48 {
			ch.abort(s, errABRT)
			return 0, 0, false
		}
		lba = uint64(ch.lbaHigh[1])<<40 | uint64(ch.lbaMid[1])<<32 | uint64(ch.lbaLow[1])<<24 |
			uint64(ch.lbaHigh[0])<<16 | uint64(ch.lbaMid[0])<<8 | uint64(ch.lbaLow[0])
		n = int(ch.seccount[1])<<8 | int(ch.seccount[0])
		if n == 0 {
			n = 65536
		}
	} else {
		lba = uint64(ch.device&0x0f)<<24 | uint64(ch.lbaHigh[0])<<16 |
			uint64(ch.lbaMid[0])<<8 | uint64(ch.lbaLow[0])
		n = int(ch.seccount[0])
		if n == 0 {
			n = 256
		}
	}

	if lba+uint64(n) > d.Sectors {
		ch.abort(s, errIDNF)
		return 0, 0, false
	}
	return lba, n, true
}

// fault returns the injected error for sector lba of slot s, or zero.
func (ch *channel) fault(s int, lba uint64) uint8 {
	return ch.faults[s][lba]
}

// loadSector reads the next sector of a PIO read into the data buffer.
func (ch *channel) loadSector() {
	s := ch.xslot
	if e := ch.fault(s, ch.lba); e != 0 {
		ch.abort(s, e)
		return
	}

	b := make([]byte, sectorSize)
	if _, err := ch.disks[s].Image.ReadAt(b, int64(ch.lba)*sectorSize); err != nil {
		ch.abort(s, errUNC)
		return
	}

	ch.buf = b
	ch.pos = 0
	ch.xfer = xferRead
	ch.status[s] = stDRDY | stDSC | stDRQ
	ch.raise()
}

func (ch *channel) readData() uint16 {
	if ch.xfer != xferIdentify && ch.xfer != xferRead {
		return 0
	}

	v := binary.LittleEndian.Uint16(ch.buf[ch.pos:])
	ch.pos += 2
	if ch.pos < len(ch.buf) {
		return v
	}

	s := ch.xslot
	if ch.xfer == xferRead {
		ch.lba++
		ch.remaining--
		if ch.remaining > 0 {
			ch.loadSector()
			return v
		}
	}

	ch.xfer = xferNone
	ch.status[s] = stDRDY | stDSC
	return v
}

func (ch *channel) writeData(v uint16) {
	if ch.xfer != xferWrite {
		return
	}

	binary.LittleEndian.PutUint16(ch.buf[ch.pos:], v)
	ch.pos += 2
	if ch.pos < len(ch.buf) {
		return
	}

	s := ch.xslot
	if e := ch.fault(s, ch.lba); e != 0 {
		ch.abort(s, e)
		return
	}
	if _, err := ch.disks[s].Image.WriteAt(ch.buf, int64(ch.lba)*sectorSize); err != nil {
		ch.abort(s, errUNC)
		return
	}

	ch.lba++
	ch.remaining--
	if ch.remaining > 0 {
		ch.pos = 0
		ch.status[s] = stDRDY | stDSC | stDRQ
	} else {
		ch.xfer = xferNone
		ch.status[s] = stDRDY | stDSC
	}
	ch.raise()
}

// Flushes returns the number of cache flushes issued to the disk in slot of
// channel ch.
func (c *Controller) Flushes(ch pata.ChannelType, slot pata.Slot) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel(ch).flushes[slot&1]
}
