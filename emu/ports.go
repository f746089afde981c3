package emu

// Port access kinds decoded from an I/O port.
const (
	accessNone = iota
	accessTaskFile
	accessControl
	accessBusMaster
)

// decode maps port to a channel and register offset.  c.mu must be held.
func (c *Controller) decode(port uint16) (*channel, int, uint16) {
	for _, ch := range c.channels {
		switch {
		case port >= ch.io && port < ch.io+8:
			return ch, accessTaskFile, port - ch.io
		case port == ch.ctl:
			return ch, accessControl, 0
		case ch.bm != 0 && port >= ch.bm && port < ch.bm+8:
			return ch, accessBusMaster, port - ch.bm
		}
	}
	return nil, accessNone, 0
}

// In8 implements pata.Ports.  Unmapped ports read as all ones.
func (c *Controller) In8(port uint16) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, kind, reg := c.decode(port)
	return c.in8Locked(ch, kind, reg)
}

// In16 implements pata.Ports.
func (c *Controller) In16(port uint16) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, kind, reg := c.decode(port)
	if kind == accessTaskFile && reg == tfData {
		return ch.readData()
	}
	if kind == accessNone {
		return 0xffff
	}

	// Narrow registers read back in the low byte
	return 0xff00 | uint16(c.in8Locked(ch, kind, reg))
}

// In32 implements pata.Ports.
func (c *Controller) In32(port uint16) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, kind, reg := c.decode(port)
	if kind == accessBusMaster && reg == bmPRDT {
		return ch.prdt
	}
	if kind == accessNone {
		return 0xffffffff
	}
	return 0xffffff00 | uint32(c.in8Locked(ch, kind, reg))
}

func (c *Controller) in8Locked(ch *channel, kind int, reg uint16) uint8 {
	switch kind {
	case accessTaskFile:
		return ch.readTaskFile(reg)
	case accessControl:
		return ch.altStatus()
	case accessBusMaster:
		return ch.readBusMaster(reg)
	}
	return 0xff
}

// Out8 implements pata.Ports.  Writes to unmapped ports are ignored.
func (c *Controller) Out8(port uint16, v uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, kind, reg := c.decode(port)
	switch kind {
	case accessTaskFile:
		ch.writeTaskFile(reg, v)
	case accessControl:
		ch.writeControl(v)
	case accessBusMaster:
		ch.writeBusMaster(reg, v)
	}
}

// Out16 implements pata.Ports.
func (c *Controller) Out16(port uint16, v uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, kind, reg := c.decode(port)
	if kind == accessTaskFile && reg == tfData {
		ch.writeData(v)
		return
	}
	if kind == accessTaskFile {
		ch.writeTaskFile(reg, uint8(v))
	}
}

// Out32 implements pata.Ports.
func (c *Controller) Out32(port uint16, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, kind, reg := c.decode(port)
	if kind == accessBusMaster && reg == bmPRDT {
		// The table must be dword aligned
		ch.prdt = v &^ 3
	}
}
