package pata

import (
	"encoding/binary"
)

// A taskFile is the set of command block register values which describe
// a single ATA command.
type taskFile struct {
	// FlagLBA48Extended selects 48-bit addressing.  The high order bytes of
	// the sector count and LBA are written first, followed by the low order
	// bytes, as required by the EXT command variants.
	FlagLBA48Extended bool

	// FlagSlave selects the slave drive on the channel.
	FlagSlave bool

	Feature uint8

	// SectorCount is the number of sectors to transfer.  The largest count
	// for a 28-bit command, 256, and for a 48-bit command, 65536, are both
	// encoded as zero.
	SectorCount int

	LBA     uint64
	Command Command
}

// A regWrite is a value written to a command block register.
type regWrite struct {
	Reg uint16
	Val uint8
}

// registers returns the command block register writes which program tf,
// in the order they must be issued.  The command register itself is not
// included; it is written once the drive reports ready.
func (tf *taskFile) registers() []regWrite {
	lba := lbaArray(tf.LBA, tf.FlagLBA48Extended)

	// Select the drive first, so the following writes are latched by the
	// right device.  28-bit commands carry LBA bits 24-27 in the low nibble.
	dev := uint8(devLBA)
	if tf.FlagSlave {
		dev |= devSlave
	}
	if !tf.FlagLBA48Extended {
		dev |= devObsolete | (lba[3] & 0x0f)
	}

	ws := make([]regWrite, 0, 11)
	ws = append(ws, regWrite{Reg: regDevice, Val: dev})

	count := uint16(tf.SectorCount)
	if tf.FlagLBA48Extended {
		// High order bytes ("previous" register contents)
		ws = append(ws,
			regWrite{Reg: regFeatures, Val: 0},
			regWrite{Reg: regSecCount, Val: uint8(count >> 8)},
			regWrite{Reg: regLBALow, Val: lba[3]},
			regWrite{Reg: regLBAMid, Val: lba[4]},
			regWrite{Reg: regLBAHigh, Val: lba[5]},
		)
	}

	return append(ws,
		regWrite{Reg: regFeatures, Val: tf.Feature},
		regWrite{Reg: regSecCount, Val: uint8(count)},
		regWrite{Reg: regLBALow, Val: lba[0]},
		regWrite{Reg: regLBAMid, Val: lba[1]},
		regWrite{Reg: regLBAHigh, Val: lba[2]},
	)
}

// lbaArray splits lba into the six byte LBA array carried by the task file,
// least significant byte first.  lba is masked to 48 or 28 bits, depending
// on is48Bit's value.
func lbaArray(lba uint64, is48Bit bool) [6]uint8 {
	if is48Bit {
		lba &= 0x0000ffffffffffff
	} else {
		lba &= 0x0fffffff
	}

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], lba)

	var a [6]uint8
	copy(a[:], b[:6])
	return a
}

// needsLBA48 reports whether a transfer of count sectors starting at lba
// can only be expressed by a 48-bit command.
func needsLBA48(lba uint64, count int) bool {
	return lba+uint64(count) > lba28Limit || count > max28BitSectors
}

// transferCommand selects the opcode for a read or write.
func transferCommand(write, dma, lba48 bool) Command {
	switch {
	case write && dma && lba48:
		return CommandWriteDMAExt
	case write && dma:
		return CommandWriteDMA
	case write && lba48:
		return CommandWritePIOExt
	case write:
		return CommandWritePIO
	case dma && lba48:
		return CommandReadDMAExt
	case dma:
		return CommandReadDMA
	case lba48:
		return CommandReadPIOExt
	}
	return CommandReadPIO
}
