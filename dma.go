package pata

import "time"

// readSectorsWithDMA starts the current read request on the bus master.
// The request completes from HandleIRQ.
func (c *Channel) readSectorsWithDMA(r *Request, d *Drive) {
	c.startDMA(r, d, false)
}

// writeSectorsWithDMA stages the current write request in the DMA buffer
// and starts it on the bus master.  The request completes from HandleIRQ.
func (c *Channel) writeSectorsWithDMA(r *Request, d *Drive) {
	c.startDMA(r, d, true)
}

// startDMA programs the bus master and the drive for one transfer through
// the channel's DMA buffer page.
func (c *Channel) startDMA(r *Request, d *Drive, write bool) {
	n := r.Count() * SectorSize

	// Both pages are fully rewritten before the controller sees them, so
	// nothing from a previous request reaches this one
	if write {
		copy(c.dmaBuf, r.Buf[:n])
		clear(c.dmaBuf[n:])
	} else {
		clear(c.dmaBuf)
	}
	if err := c.prdt.Build([]Region{{Addr: c.dmaAddr, Len: n}}); err != nil {
		c.fail(Result{Err: err})
		return
	}

	// Stop the bus master, point it at the table and clear stale
	// interrupt and error bits
	c.bmOut8(bmCommand, 0)
	c.bmOut32(bmPRDT, c.prdtAddr)
	c.bmOut8(bmStatus, c.bmIn8(bmStatus)|bmStError|bmStIRQ)

	var dir uint8
	if !write {
		dir = bmCmdRead
	}
	c.bmOut8(bmCommand, dir)

	// Completion is signaled by interrupt
	c.outCtl(0)

	tf := c.newTaskFile(r, d, write, true)
	if err := c.programTaskFile(tf); err != nil {
		c.fail(Result{Err: err})
		return
	}

	c.mu.Lock()
	c.state = StateDMAInFlight
	c.dmaTimer = time.AfterFunc(c.cfg.PollTimeout, func() { c.dmaTimeout(r) })
	c.mu.Unlock()

	c.out8(regCommand, uint8(tf.Command))
	c.bmOut8(bmCommand, dir|bmCmdStart)
}
