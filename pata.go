// Package pata implements a Parallel ATA (IDE) channel driver.
//
// A Channel drives one of the two channels of a PCI IDE controller.  Each
// channel can have up to two drives attached: the master drive (slot 0) and
// the slave drive (slot 1).  Sector data is moved either by the controller's
// bus-mastering DMA engine, completing on interrupt, or by polled programmed
// I/O (PIO) through the data port.
//
// The driver does not touch hardware directly.  Port I/O, PCI configuration
// space, physical memory and interrupt delivery are consumed through the
// Ports, ConfigSpace, PhysMem and InterruptController interfaces, so the same
// code runs against real hardware or against the emulated controller in
// package emu.
//
// More information about the ATA register protocol for PATA can be found in
// the ATA/ATAPI-6 specification, T13/1410D.
package pata

import (
	"errors"
)

const (
	// SectorSize is the size in bytes of one ATA sector.  It is fixed for
	// addressing and transfer chunking purposes.
	SectorSize = 512

	// PageSize is the size of a page handed out by a PhysMem.
	PageSize = 4096

	// maxDMASectors is the number of sectors that fit in the channel's
	// single DMA scratch page.
	maxDMASectors = PageSize / SectorSize

	// max28BitSectors and max48BitSectors are the largest transfers that can
	// be described by a single 28-bit or 48-bit command.
	max28BitSectors = 256
	max48BitSectors = 65536

	// lba28Limit is the first LBA that cannot be addressed by a 28-bit
	// command.
	lba28Limit = 1 << 28
)

var (
	// ErrInvalidRequest is returned when a request is malformed, such as a
	// buffer which is not a positive multiple of SectorSize.
	ErrInvalidRequest = errors.New("invalid PATA request")

	// ErrOutOfRange is returned when a request addresses sectors beyond the
	// capacity or addressing mode of a drive.
	ErrOutOfRange = errors.New("request out of drive range")

	// ErrTimeout is returned when a drive does not reach an expected state
	// within a bounded wait.
	ErrTimeout = errors.New("timed out waiting for drive")

	// ErrDMATransfer is returned when the bus master reports an errored or
	// incomplete DMA transfer.
	ErrDMATransfer = errors.New("bus master DMA transfer error")

	// ErrNotIDE is returned when a PCI function is not an IDE controller.
	ErrNotIDE = errors.New("PCI function is not an IDE controller")

	// ErrNotIOBAR is returned when a base address register needed by a
	// channel does not describe an I/O port range.
	ErrNotIOBAR = errors.New("base address register is not an I/O BAR")

	// ErrNoDevice is returned when a drive slot has no drive attached.
	ErrNoDevice = errors.New("no drive attached")

	// ErrClosed is returned when a request is issued to a closed channel.
	ErrClosed = errors.New("channel closed")
)

// Ports provides access to the processor's I/O port space.
type Ports interface {
	In8(port uint16) uint8
	In16(port uint16) uint16
	In32(port uint16) uint32
	Out8(port uint16, v uint8)
	Out16(port uint16, v uint16)
	Out32(port uint16, v uint32)
}

// ConfigSpace provides access to the configuration registers of the PCI
// function implementing an IDE controller.  width is the register width in
// bytes, and must be 1, 2 or 4.
type ConfigSpace interface {
	ReadConfig(reg, width int) uint32
	WriteConfig(reg, width int, v uint32)
}

// PhysMem supplies zero-initialized pages of PageSize bytes which are
// physically addressable by a bus-mastering controller.
type PhysMem interface {
	AllocPage() (paddr uint32, page []byte, err error)
	FreePage(paddr uint32)
}

// An IRQHandler is a named device which can service an interrupt line.
type IRQHandler interface {
	// Purpose returns a short human readable description of the device.
	Purpose() string

	// HandleIRQ is invoked from interrupt context.  It must not block.
	HandleIRQ()
}

// An InterruptController routes interrupt lines to IRQHandlers.
type InterruptController interface {
	RegisterIRQ(irq int, h IRQHandler) error
	UnregisterIRQ(irq int, h IRQHandler)
	EnableIRQ(irq int)
	DisableIRQ(irq int)
}

// An EntropySource collects timing samples as a source of randomness.
type EntropySource interface {
	AddSample(sample uint64)
}
