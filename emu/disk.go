package emu

import (
	"encoding/binary"
	"errors"
	"io"
)

// sectorSize is the size of one emulated sector.
const sectorSize = 512

// An Image is the backing store of a Disk.
type Image interface {
	io.ReaderAt
	io.WriterAt
}

// A Disk is an emulated ATA disk.
type Disk struct {
	// Image holds the disk's sectors.
	Image Image

	// Sectors is the disk's capacity.  It must fit in 28 bits unless LBA48
	// is set.
	Sectors uint64

	Model    string
	Serial   string
	Firmware string

	// LBA48 advertises the 48-bit address feature set.
	LBA48 bool

	// NoDMA clears the DMA capability bit.  The disk still executes DMA
	// commands.
	NoDMA bool

	// ATAPI makes the disk answer IDENTIFY DEVICE with the packet device
	// signature, as an optical drive would.
	ATAPI bool
}

var errDiskSize = errors.New("emu: disk capacity exceeds 28-bit addressing")

func (d *Disk) validate() error {
	if d.ATAPI {
		return nil
	}
	if d.Image == nil {
		return errors.New("emu: disk has no image")
	}
	if !d.LBA48 && d.Sectors > 1<<28-1 {
		return errDiskSize
	}
	return nil
}

// NewMemDisk creates a Disk backed by a zeroed in-memory image of sectors
// sectors.
func NewMemDisk(sectors int) *Disk {
	return &Disk{
		Image:    make(MemImage, sectors*sectorSize),
		Sectors:  uint64(sectors),
		Model:    "EMU HARDDISK",
		Serial:   "EMU0000000001",
		Firmware: "1.0",
	}
}

// A MemImage is an in-memory Image.  Its size is fixed.
type MemImage []byte

// ReadAt implements io.ReaderAt.
func (m MemImage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (m MemImage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m)) {
		return 0, io.ErrShortWrite
	}
	n := copy(m[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// IDENTIFY DEVICE word offsets.
const (
	wCylinders = 1
	wHeads     = 3
	wSPT       = 6
	wSerial    = 10
	wFirmware  = 23
	wModel     = 27
	wCaps      = 49
	wLBA28     = 60
	wCmdSet1   = 82
	wCmdSet2   = 83
	wLBA48     = 100
)

// identify returns the disk's IDENTIFY DEVICE data block.
func (d *Disk) identify() []byte {
	var w [256]uint16

	// Fixed, non-removable ATA device
	w[0] = 0x0040

	const heads, spt = 16, 63
	cyl := d.Sectors / (heads * spt)
	if cyl > 16383 {
		cyl = 16383
	}
	w[wCylinders] = uint16(cyl)
	w[wHeads] = heads
	w[wSPT] = spt

	putString(w[wSerial:wSerial+10], d.Serial)
	putString(w[wFirmware:wFirmware+4], d.Firmware)
	putString(w[wModel:wModel+20], d.Model)

	w[wCaps] = 1 << 9
	if !d.NoDMA {
		w[wCaps] |= 1 << 8
	}

	lba28 := d.Sectors
	if lba28 > 1<<28-1 {
		lba28 = 1<<28 - 1
	}
	w[wLBA28] = uint16(lba28)
	w[wLBA28+1] = uint16(lba28 >> 16)

	// Write cache supported; word 83 valid
	w[wCmdSet1] = 1 << 5
	w[wCmdSet2] = 0x4000 | 1<<12
	if d.LBA48 {
		w[wCmdSet2] |= 1<<10 | 1<<13
		for i := 0; i < 4; i++ {
			w[wLBA48+i] = uint16(d.Sectors >> (16 * i))
		}
	}

	b := make([]byte, sectorSize)
	for i, v := range w {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

// putString stores s as an ATA string: space padded, two characters per
// word with the first in the high order byte.
func putString(w []uint16, s string) {
	b := make([]byte, len(w)*2)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	for i := range w {
		w[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
}
