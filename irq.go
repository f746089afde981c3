package pata

// HandleIRQ services the channel's interrupt line.  It implements
// IRQHandler.
//
// An interrupt is taken as the DMA transfer's completion only when the bus
// master reports one, and as a flush's completion only once the drive is no
// longer busy.  Anything else is left for the other devices sharing the
// line.  HandleIRQ never blocks.
func (c *Channel) HandleIRQ() {
	// Reading the status register clears the drive's INTRQ
	st := c.status()

	var bst uint8
	if c.regs.busMaster != 0 {
		bst = c.bmIn8(bmStatus)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.current
	if r == nil {
		c.ackBusMaster(bst)
		c.log.Debug("IRQ with no pending request", "status", st.String())
		return
	}
	if !c.usesDMA {
		// Polled requests do not wait for interrupts
		c.ackBusMaster(bst)
		return
	}
	if !c.flushing && bst&bmStIRQ == 0 {
		// Raised by another device sharing the line
		return
	}
	if c.flushing && st&StatusBSY != 0 {
		// The flush is still running; the interrupt belongs to another
		// device sharing the line
		return
	}
	c.ackBusMaster(bst)

	if c.flushing {
		if st.failed() {
			c.deviceError = DeviceError(c.in8(regError))
			c.abortCurrentRequest(Result{Sectors: r.Count(), Err: c.deviceError})
			return
		}
		c.completeCurrentRequest(Result{Code: ResultSuccess})
		return
	}

	// Stop the bus master before looking at the outcome
	c.bmOut8(bmCommand, 0)

	switch {
	case st.failed():
		c.deviceError = DeviceError(c.in8(regError))
		c.abortCurrentRequest(Result{Err: c.deviceError})
	case bst&(bmStError|bmStActive) != 0:
		c.abortCurrentRequest(Result{Err: ErrDMATransfer})
	case r.Op == OpWrite && c.wantFlush:
		// Data is on the drive; the flush completes on the next interrupt
		c.flushing = true
		c.out8(regCommand, uint8(flushCommand(c.drive)))
	default:
		c.deviceError = 0
		c.completeCurrentRequest(Result{Code: ResultSuccess})
	}
}

// ackBusMaster clears the bus master's interrupt and error bits.
func (c *Channel) ackBusMaster(bst uint8) {
	if c.regs.busMaster == 0 {
		return
	}
	c.bmOut8(bmStatus, bst|bmStIRQ|bmStError)
}
