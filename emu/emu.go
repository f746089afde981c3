// Package emu implements an emulated PCI IDE controller, modeled on the
// Intel PIIX3 IDE function, for exercising package pata without hardware.
//
// A Controller exposes PCI configuration space, two channels with two drive
// slots each, a bus master DMA engine which walks physical region
// descriptor tables in emulated physical memory, and an interrupt
// controller which delivers interrupts on separate goroutines.  Faults can
// be injected per sector and into the bus master engine.
package emu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/mdlayher/pata"
)

// PCI identity reported in configuration space.
const (
	VendorIntel   = 0x8086
	DevicePIIX3   = 0x7010
	classStorage  = 0x01
	subclassIDE   = 0x01
	progIFBMaster = 0x80
	progIFNative  = 0x05 // both channels native

	cfgCommand  = 0x04
	cfgProgIF   = 0x09
	cfgSubclass = 0x0a
	cfgClass    = 0x0b
	cfgBAR0     = 0x10
	cfgIntLine  = 0x3c
	cfgIntPin   = 0x3d

	cmdBusMaster = 0x0004
)

// Port bases used for BARs.
const (
	nativeBase    = 0xc000
	busMasterBase = 0xc040

	// DefaultIRQLine is the interrupt line of a native mode controller.
	DefaultIRQLine = 11
)

var legacy = [2]struct {
	io, ctl uint16
	irq     int
}{
	{io: 0x1f0, ctl: 0x3f6, irq: 14},
	{io: 0x170, ctl: 0x376, irq: 15},
}

// ErrSlotInUse is returned when a disk is attached to an occupied slot.
var ErrSlotInUse = errors.New("drive slot in use")

// Config configures a Controller.  The zero value is a compatibility mode
// controller with a bus master.
type Config struct {
	// Native places both channels in native PCI mode, decoding their ports
	// from BAR0-3 and sharing one interrupt line.
	Native bool

	// IRQLine is the interrupt line in native mode.  Zero selects
	// DefaultIRQLine.
	IRQLine int

	// NoBusMaster removes the bus master BAR.
	NoBusMaster bool

	// MemoryPages limits the physical pages available for DMA.  Zero is
	// unlimited.
	MemoryPages int
}

// A Controller is an emulated PCI IDE controller.  Its methods are safe for
// concurrent use.
type Controller struct {
	mu       sync.Mutex
	config   [256]byte
	channels [2]*channel

	mem *Memory
	pic *PIC
}

var (
	// Compile-time interface checks
	_ pata.Ports       = &Controller{}
	_ pata.ConfigSpace = &Controller{}
)

// New creates a Controller with no disks attached.
func New(cfg *Config) *Controller {
	if cfg == nil {
		cfg = &Config{}
	}

	c := &Controller{
		mem: NewMemory(cfg.MemoryPages),
		pic: NewPIC(),
	}

	le := binary.LittleEndian
	le.PutUint16(c.config[0x00:], VendorIntel)
	le.PutUint16(c.config[0x02:], DevicePIIX3)
	c.config[cfgClass] = classStorage
	c.config[cfgSubclass] = subclassIDE

	var progIF uint8
	if !cfg.NoBusMaster {
		progIF |= progIFBMaster
		le.PutUint32(c.config[cfgBAR0+4*4:], busMasterBase|1)
	}

	for i := range c.channels {
		ch := &channel{
			ctrl:   c,
			index:  i,
			io:     legacy[i].io,
			ctl:    legacy[i].ctl,
			irq:    legacy[i].irq,
			faults: [2]map[uint64]uint8{{}, {}},
		}
		if cfg.Native {
			irq := cfg.IRQLine
			if irq == 0 {
				irq = DefaultIRQLine
			}
			base := uint16(nativeBase + 0x20*i)
			ch.io = base
			ch.ctl = base + 0x10 + 2
			ch.irq = irq
			le.PutUint32(c.config[cfgBAR0+8*i:], uint32(base)|1)
			le.PutUint32(c.config[cfgBAR0+8*i+4:], uint32(base+0x10)|1)
		}
		if !cfg.NoBusMaster {
			ch.bm = busMasterBase + 8*uint16(i)
		}
		c.channels[i] = ch
	}

	if cfg.Native {
		progIF |= progIFNative
		c.config[cfgIntLine] = uint8(c.channels[0].irq)
		c.config[cfgIntPin] = 1
	}
	c.config[cfgProgIF] = progIF

	return c
}

// Platform returns the services a pata.Channel needs to drive c.
func (c *Controller) Platform() pata.Platform {
	return pata.Platform{
		Ports: c,
		PCI:   c,
		Mem:   c.mem,
		IRQ:   c.pic,
	}
}

// Memory returns the controller's emulated physical memory.
func (c *Controller) Memory() *Memory { return c.mem }

// PIC returns the controller's interrupt controller.
func (c *Controller) PIC() *PIC { return c.pic }

// IRQ returns the interrupt line of channel ch.
func (c *Controller) IRQ(ch pata.ChannelType) int { return c.channel(ch).irq }

// Attach attaches d to slot of channel ch.
func (c *Controller) Attach(ch pata.ChannelType, slot pata.Slot, d *Disk) error {
	if slot > pata.Slave {
		return fmt.Errorf("emu: invalid slot %s", slot)
	}
	if err := d.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.channel(ch)
	if cc.disks[slot] != nil {
		return fmt.Errorf("emu: %s channel %s: %w", ch, slot, ErrSlotInUse)
	}
	cc.disks[slot] = d
	cc.status[slot] = stDRDY | stDSC
	return nil
}

// InjectFault makes every command touching sector lba of the disk in slot
// of channel ch fail with error register value errReg.
func (c *Controller) InjectFault(ch pata.ChannelType, slot pata.Slot, lba uint64, errReg uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel(ch).faults[slot][lba] = errReg
}

// ClearFaults removes every injected fault on channel ch.
func (c *Controller) ClearFaults(ch pata.ChannelType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.channel(ch)
	cc.faults = [2]map[uint64]uint8{{}, {}}
	cc.dmaFaults = 0
	cc.flushFault = [2]uint8{}
}

// InjectDMAFault makes the next n bus master transfers on channel ch end
// with the bus master error bit set.
func (c *Controller) InjectDMAFault(ch pata.ChannelType, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel(ch).dmaFaults = n
}

// InjectFlushFault makes cache flushes of the disk in slot of channel ch
// fail with error register value errReg.  Zero removes the fault.
func (c *Controller) InjectFlushFault(ch pata.ChannelType, slot pata.Slot, errReg uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel(ch).flushFault[slot] = errReg
}

// HoldDMA makes bus master transfers on channel ch wait for ReleaseDMA
// once started, or run immediately again if hold is false.
func (c *Controller) HoldDMA(ch pata.ChannelType, hold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel(ch).hold = hold
}

// ReleaseDMA runs a held bus master transfer on channel ch.  It reports
// whether a transfer was held.
func (c *Controller) ReleaseDMA(ch pata.ChannelType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.channel(ch)
	if !cc.held {
		return false
	}
	cc.held = false
	cc.runDMA()
	return true
}

// DMAHeld reports whether a bus master transfer is waiting for ReleaseDMA
// on channel ch.
func (c *Controller) DMAHeld(ch pata.ChannelType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel(ch).held
}

// RaiseIRQ asserts the interrupt line of channel ch without any command
// completing, as a device sharing the line would.
func (c *Controller) RaiseIRQ(ch pata.ChannelType) {
	c.pic.Raise(c.channel(ch).irq)
}

// Commands returns the command opcodes issued on channel ch, oldest first.
func (c *Controller) Commands(ch pata.ChannelType) []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint8(nil), c.channel(ch).history...)
}

// ResetCommands clears the command history of channel ch.
func (c *Controller) ResetCommands(ch pata.ChannelType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel(ch).history = nil
}

func (c *Controller) channel(ch pata.ChannelType) *channel {
	if int(ch) >= len(c.channels) {
		panic(fmt.Sprintf("emu: invalid channel %d", ch))
	}
	return c.channels[ch]
}

// ReadConfig implements pata.ConfigSpace.
func (c *Controller) ReadConfig(reg, width int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reg < 0 || reg+width > len(c.config) {
		return 0xffffffff
	}

	b := c.config[reg : reg+width]
	switch width {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	case 4:
		return binary.LittleEndian.Uint32(b)
	}
	return 0xffffffff
}

// WriteConfig implements pata.ConfigSpace.  Only the command register and
// interrupt line are writable.
func (c *Controller) WriteConfig(reg, width int, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case reg == cfgCommand && width == 2:
		binary.LittleEndian.PutUint16(c.config[cfgCommand:], uint16(v))
	case reg == cfgIntLine && width == 1:
		c.config[cfgIntLine] = uint8(v)
	}
}

// busMastering reports whether bus mastering is enabled.  c.mu must be held.
func (c *Controller) busMastering() bool {
	return binary.LittleEndian.Uint16(c.config[cfgCommand:])&cmdBusMaster != 0
}
