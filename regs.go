package pata

import (
	"strings"
)

// Task file registers, as offsets from a channel's command block base.
const (
	regData     = 0x00
	regError    = 0x01 // read
	regFeatures = 0x01 // write
	regSecCount = 0x02
	regLBALow   = 0x03
	regLBAMid   = 0x04
	regLBAHigh  = 0x05
	regDevice   = 0x06
	regStatus   = 0x07 // read
	regCommand  = 0x07 // write
)

// Control block registers, as offsets from a channel's control block base.
const (
	ctlAltStatus  = 0x00 // read
	ctlDevControl = 0x00 // write

	// Device control bits.
	ctlNIEN = 0x02
	ctlSRST = 0x04
	ctlHOB  = 0x80
)

// Bus master IDE registers, as offsets from a channel's bus master base.
const (
	bmCommand = 0x00
	bmStatus  = 0x02
	bmPRDT    = 0x04

	// Bus master command bits.
	bmCmdStart = 0x01
	bmCmdRead  = 0x08 // device to memory

	// Bus master status bits.  Error and interrupt are cleared by writing
	// them back as 1.
	bmStActive = 0x01
	bmStError  = 0x02
	bmStIRQ    = 0x04
)

// Drive/head register bits.
const (
	devLBA   = 0x40
	devSlave = 0x10
	// devObsolete bits 7 and 5 are set by convention on older drives.
	devObsolete = 0xa0
)

// A Command is an ATA command opcode written to the command register.
type Command uint8

// Command values issued by a Channel.
const (
	CommandReadPIO       Command = 0x20
	CommandReadPIOExt    Command = 0x24
	CommandReadDMAExt    Command = 0x25
	CommandWritePIO      Command = 0x30
	CommandWritePIOExt   Command = 0x34
	CommandWriteDMAExt   Command = 0x35
	CommandReadDMA       Command = 0xc8
	CommandWriteDMA      Command = 0xca
	CommandCacheFlush    Command = 0xe7
	CommandCacheFlushExt Command = 0xea
	CommandIdentify      Command = 0xec
)

// String returns the mnemonic for a Command.
func (c Command) String() string {
	switch c {
	case CommandReadPIO:
		return "READ SECTORS"
	case CommandReadPIOExt:
		return "READ SECTORS EXT"
	case CommandReadDMAExt:
		return "READ DMA EXT"
	case CommandWritePIO:
		return "WRITE SECTORS"
	case CommandWritePIOExt:
		return "WRITE SECTORS EXT"
	case CommandWriteDMAExt:
		return "WRITE DMA EXT"
	case CommandReadDMA:
		return "READ DMA"
	case CommandWriteDMA:
		return "WRITE DMA"
	case CommandCacheFlush:
		return "FLUSH CACHE"
	case CommandCacheFlushExt:
		return "FLUSH CACHE EXT"
	case CommandIdentify:
		return "IDENTIFY DEVICE"
	}
	return "UNKNOWN"
}

// A Status is the value of a drive's status register.
type Status uint8

// Status register bits.
const (
	StatusErr  Status = 0x01 // error
	StatusIdx  Status = 0x02 // index, obsolete
	StatusCorr Status = 0x04 // corrected data, obsolete
	StatusDRQ  Status = 0x08 // data request ready
	StatusDSC  Status = 0x10 // drive seek complete
	StatusDF   Status = 0x20 // drive write fault
	StatusDRDY Status = 0x40 // drive ready
	StatusBSY  Status = 0x80 // busy
)

var statusNames = [...]struct {
	bit  Status
	name string
}{
	{StatusBSY, "BSY"},
	{StatusDRDY, "DRDY"},
	{StatusDF, "DF"},
	{StatusDSC, "DSC"},
	{StatusDRQ, "DRQ"},
	{StatusCorr, "CORR"},
	{StatusIdx, "IDX"},
	{StatusErr, "ERR"},
}

// String returns the names of the bits set in s, separated by '|'.
func (s Status) String() string {
	if s == 0 {
		return "0"
	}
	var names []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// failed reports whether s indicates a command error or a drive fault.
func (s Status) failed() bool {
	return s&StatusBSY == 0 && s&(StatusErr|StatusDF) != 0
}

// A DeviceError is the value of a drive's error register, captured when a
// command completes with the ERR status bit set.
type DeviceError uint8

// Error register bits.
const (
	ErrorAMNF  DeviceError = 0x01 // address mark not found
	ErrorTK0NF DeviceError = 0x02 // track 0 not found
	ErrorABRT  DeviceError = 0x04 // command aborted
	ErrorMCR   DeviceError = 0x08 // media change request
	ErrorIDNF  DeviceError = 0x10 // ID not found
	ErrorMC    DeviceError = 0x20 // media changed
	ErrorUNC   DeviceError = 0x40 // uncorrectable data error
	ErrorBBK   DeviceError = 0x80 // bad block
)

var deviceErrorNames = [...]struct {
	bit  DeviceError
	name string
}{
	{ErrorBBK, "bad block"},
	{ErrorUNC, "uncorrectable data"},
	{ErrorMC, "media changed"},
	{ErrorIDNF, "ID mark not found"},
	{ErrorMCR, "media change request"},
	{ErrorABRT, "command aborted"},
	{ErrorTK0NF, "track 0 not found"},
	{ErrorAMNF, "no address mark"},
}

// Error returns a description of the bits set in e.
func (e DeviceError) Error() string {
	if e == 0 {
		return "ATA device error"
	}
	var names []string
	for _, n := range deviceErrorNames {
		if e&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return "ATA device error: " + strings.Join(names, ", ")
}
