package pata

import (
	"fmt"
)

// PCI configuration space registers used to locate a channel.
const (
	pciCommand  = 0x04
	pciProgIF   = 0x09
	pciSubclass = 0x0a
	pciClass    = 0x0b
	pciBAR0     = 0x10
	pciIntLine  = 0x3c

	pciCmdIO        = 0x0001
	pciCmdBusMaster = 0x0004

	pciClassMassStorage = 0x01
	pciSubclassIDE      = 0x01

	// Programming interface bits.  A set native bit means the channel
	// decodes its ports from BARs instead of the ISA compatibility ports.
	progIFPrimaryNative   = 0x01
	progIFSecondaryNative = 0x04
	progIFBusMaster       = 0x80
)

// Compatibility mode resources for each channel.
var legacyPorts = [...]channelPorts{
	Primary:   {io: 0x1f0, control: 0x3f6, irq: 14},
	Secondary: {io: 0x170, control: 0x376, irq: 15},
}

// channelPorts are the I/O port bases and interrupt line of one channel.
type channelPorts struct {
	io        uint16
	control   uint16
	busMaster uint16 // zero when the controller cannot bus master
	irq       int
}

// resolvePorts reads the controller's configuration space to find the
// registers of channel typ.
func resolvePorts(cs ConfigSpace, typ ChannelType) (channelPorts, error) {
	class := cs.ReadConfig(pciClass, 1)
	subclass := cs.ReadConfig(pciSubclass, 1)
	if class != pciClassMassStorage || subclass != pciSubclassIDE {
		return channelPorts{}, fmt.Errorf("%w: class %#02x subclass %#02x", ErrNotIDE, class, subclass)
	}

	progIF := cs.ReadConfig(pciProgIF, 1)
	native := progIFPrimaryNative
	if typ == Secondary {
		native = progIFSecondaryNative
	}

	var p channelPorts
	if progIF&uint32(native) == 0 {
		p = legacyPorts[typ]
	} else {
		// Native mode: BAR0/1 for the primary channel, BAR2/3 for the
		// secondary.  The control BAR points at a 4 byte block whose
		// device control register is at offset 2.
		bar := 2 * int(typ)
		io, err := barPIO(cs, bar)
		if err != nil {
			return channelPorts{}, err
		}
		ctl, err := barPIO(cs, bar+1)
		if err != nil {
			return channelPorts{}, err
		}
		p = channelPorts{
			io:      io,
			control: ctl + 2,
			irq:     int(cs.ReadConfig(pciIntLine, 1)),
		}
	}

	// The bus master block is optional; eight bytes per channel.
	if bm, err := barPIO(cs, 4); err == nil && bm != 0 {
		p.busMaster = bm + 8*uint16(typ)
	}

	return p, nil
}

// barPIO returns the port base of I/O base address register barn.
func barPIO(cs ConfigSpace, barn int) (uint16, error) {
	v := cs.ReadConfig(pciBAR0+4*barn, 4)
	if v&1 == 0 {
		return 0, fmt.Errorf("%w: BAR%d = %#08x", ErrNotIOBAR, barn, v)
	}
	return uint16(v &^ 0x3), nil
}

// enableBusMastering sets the I/O space and bus master enable bits in the
// controller's command register.
func enableBusMastering(cs ConfigSpace) {
	cmd := cs.ReadConfig(pciCommand, 2)
	cs.WriteConfig(pciCommand, 2, cmd|pciCmdIO|pciCmdBusMaster)
}
