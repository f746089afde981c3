package aoe

import (
	"io"
)

const (
	// ataArgLen is the length of an ATAArg without its data.
	//
	// 1 byte : flags
	//   0101 0011
	//    | |   ||
	//    | |   |+-- write flag
	//    | |   +--- asynchronous flag
	//    | +------- device/head register flag
	//    +--------- extended LBA48 flag
	// 1 byte : err/feature
	// 1 byte : sector count
	// 1 byte : cmd/status
	// 6 bytes: lba, least significant byte first
	// 2 bytes: reserved
	// N bytes: data
	ataArgLen = 1 + 1 + 1 + 1 + 6 + 2

	ataFlagLBA48      = 1 << 6
	ataFlagDeviceHead = 1 << 4
	ataFlagAsync      = 1 << 1
	ataFlagWrite      = 1 << 0

	// lba48Mask and lba28Mask limit an LBA to the bits a command can carry.
	lba48Mask = 1<<48 - 1
	lba28Mask = 1<<28 - 1
)

var (
	// Compile-time interface check
	_ Arg = &ATAArg{}
)

// An ATAArg is an argument to CommandIssueATACommand, as described in
// AoEr11, Section 3.1.  It carries one ATA task file, and the sector data
// moved by it.
type ATAArg struct {
	// FlagLBA48Extended selects a 48-bit command.  FlagATADeviceHeadRegister
	// is only meaningful with FlagLBA48Extended.
	FlagLBA48Extended         bool
	FlagATADeviceHeadRegister bool

	// FlagAsynchronous allows a write to be acknowledged before it reaches
	// the media.
	FlagAsynchronous bool

	// FlagWrite indicates Data is to be written to the target.
	FlagWrite bool

	// ErrFeature is the features register in a request, and the error
	// register in a response.
	ErrFeature uint8

	// SectorCount is the number of sectors moved by the command.
	SectorCount uint8

	// CmdStatus is the command register in a request, and the status
	// register in a response.
	CmdStatus ATACmdStatus

	// LBA is the first sector addressed by the command.  Only its low 48
	// bits are carried on the wire.
	LBA uint64

	// Data is raw sector data transferred to or from the target.
	Data []byte
}

// Sector returns the LBA addressed by a, limited to 28 bits unless a is a
// 48-bit command.
func (a *ATAArg) Sector() uint64 {
	if a.FlagLBA48Extended {
		return a.LBA & lba48Mask
	}
	return a.LBA & lba28Mask
}

// MarshalBinary allocates a byte slice containing the data from an ATAArg.
//
// MarshalBinary never returns an error.
func (a *ATAArg) MarshalBinary() ([]byte, error) {
	b := make([]byte, ataArgLen+len(a.Data))

	var flags uint8
	if a.FlagLBA48Extended {
		flags |= ataFlagLBA48
	}
	if a.FlagATADeviceHeadRegister {
		flags |= ataFlagDeviceHead
	}
	if a.FlagAsynchronous {
		flags |= ataFlagAsync
	}
	if a.FlagWrite {
		flags |= ataFlagWrite
	}
	b[0] = flags
	b[1] = a.ErrFeature
	b[2] = a.SectorCount
	b[3] = uint8(a.CmdStatus)
	for i := 0; i < 6; i++ {
		b[4+i] = uint8(a.LBA >> (8 * i))
	}

	copy(b[ataArgLen:], a.Data)
	return b, nil
}

// UnmarshalBinary unmarshals a byte slice into an ATAArg.
//
// If the byte slice does not contain enough data to form a valid ATAArg,
// io.ErrUnexpectedEOF is returned.
//
// If the reserved bytes are not zero, ErrorBadArgumentParameter is returned.
func (a *ATAArg) UnmarshalBinary(b []byte) error {
	if len(b) < ataArgLen {
		return io.ErrUnexpectedEOF
	}
	if b[10] != 0 || b[11] != 0 {
		return ErrorBadArgumentParameter
	}

	a.FlagLBA48Extended = b[0]&ataFlagLBA48 != 0
	a.FlagATADeviceHeadRegister = b[0]&ataFlagDeviceHead != 0
	a.FlagAsynchronous = b[0]&ataFlagAsync != 0
	a.FlagWrite = b[0]&ataFlagWrite != 0
	a.ErrFeature = b[1]
	a.SectorCount = b[2]
	a.CmdStatus = ATACmdStatus(b[3])

	a.LBA = 0
	for i := 0; i < 6; i++ {
		a.LBA |= uint64(b[4+i]) << (8 * i)
	}

	a.Data = append([]byte(nil), b[ataArgLen:]...)
	return nil
}
