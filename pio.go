package pata

import (
	"encoding/binary"
)

func drqReady(s Status) bool { return s&(StatusBSY|StatusDRQ) == StatusDRQ }
func notBusy(s Status) bool  { return s&StatusBSY == 0 }

// readSectors performs the current read request by polled PIO, one sector
// at a time.  It returns once the request has completed.
func (c *Channel) readSectors(r *Request, d *Drive) {
	c.setState(StatePIOTransferring)

	// Polled transfers do not use the interrupt line
	c.outCtl(ctlNIEN)

	tf := c.newTaskFile(r, d, false, false)
	if err := c.programTaskFile(tf); err != nil {
		c.fail(Result{Err: err})
		return
	}
	c.out8(regCommand, uint8(tf.Command))
	c.delay400ns()

	for c.index() < r.Count() {
		if !c.doReadSector(r) {
			return
		}
		c.advance()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeCurrentRequest(Result{Code: ResultSuccess})
}

// doReadSector reads the sector at the current block index into the
// request's buffer.  On failure the request is completed and false is
// returned.
func (c *Channel) doReadSector(r *Request) bool {
	idx := c.index()
	if _, err := c.waitStatus(c.cfg.PollTimeout, drqReady); err != nil {
		c.fail(Result{Sectors: idx, Err: err})
		return false
	}

	off := idx * SectorSize
	if off+SectorSize > len(r.Buf) {
		c.fail(Result{Code: ResultMemoryFault, Sectors: idx})
		return false
	}

	buf := r.Buf[off : off+SectorSize]
	for i := 0; i < SectorSize; i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], c.in16(regData))
	}
	return true
}

// writeSectors performs the current write request by polled PIO, one
// sector at a time, followed by a cache flush if one was requested.  It
// returns once the request has completed.
func (c *Channel) writeSectors(r *Request, d *Drive) {
	c.setState(StatePIOTransferring)
	c.outCtl(ctlNIEN)

	tf := c.newTaskFile(r, d, true, false)
	if err := c.programTaskFile(tf); err != nil {
		c.fail(Result{Err: err})
		return
	}
	c.out8(regCommand, uint8(tf.Command))
	c.delay400ns()

	for c.index() < r.Count() {
		if !c.doWriteSector(r) {
			return
		}
		c.advance()
	}

	c.finishWrite(r, d)
}

// doWriteSector writes the sector at the current block index from the
// request's buffer and waits for the drive to accept it.  On failure the
// request is completed with the sectors written so far, and false is
// returned.
func (c *Channel) doWriteSector(r *Request) bool {
	idx := c.index()
	if _, err := c.waitStatus(c.cfg.PollTimeout, drqReady); err != nil {
		c.fail(Result{Sectors: idx, Err: err})
		return false
	}

	off := idx * SectorSize
	if off+SectorSize > len(r.Buf) {
		c.fail(Result{Code: ResultMemoryFault, Sectors: idx})
		return false
	}

	buf := r.Buf[off : off+SectorSize]
	for i := 0; i < SectorSize; i += 2 {
		c.out16(regData, binary.LittleEndian.Uint16(buf[i:]))
	}
	c.delay400ns()

	// The sector is only on the drive once BSY drops without an error
	if _, err := c.waitStatus(c.cfg.PollTimeout, notBusy); err != nil {
		c.fail(Result{Sectors: idx, Err: err})
		return false
	}
	return true
}

// flushCache performs a standalone cache flush request.
func (c *Channel) flushCache(r *Request, d *Drive) {
	c.setState(StatePIOTransferring)
	c.outCtl(ctlNIEN)

	tf := &taskFile{
		FlagSlave: d.slot == Slave,
		Command:   flushCommand(d),
	}
	if err := c.programTaskFile(tf); err != nil {
		c.fail(Result{Err: err})
		return
	}

	c.finishWrite(r, d)
}

// finishWrite flushes the drive's cache if the current request asked for
// it, then completes the request.
func (c *Channel) finishWrite(r *Request, d *Drive) {
	c.mu.Lock()
	flush := c.wantFlush
	c.flushing = flush
	c.mu.Unlock()

	if flush {
		c.out8(regCommand, uint8(flushCommand(d)))
		c.delay400ns()

		if _, err := c.waitStatus(c.cfg.PollTimeout, notBusy); err != nil {
			// The data was transferred, but may not be on the media
			c.fail(Result{Sectors: r.Count(), Err: err})
			return
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeCurrentRequest(Result{Code: ResultSuccess})
}

// flushCommand selects the cache flush opcode for d.
func flushCommand(d *Drive) Command {
	if d.id.LBA48 {
		return CommandCacheFlushExt
	}
	return CommandCacheFlush
}

// index returns the current request's block index.
func (c *Channel) index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockIndex
}

// advance moves the current request to its next block.
func (c *Channel) advance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockIndex++
}
