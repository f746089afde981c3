package aoe

import (
	"encoding/binary"
	"io"
)

// A ConfigCommand is a subcommand used with a ConfigArg, as described in
// AoEr11, Section 3.2.
type ConfigCommand uint8

const (
	// ConfigCommandRead reads a target's config string.
	ConfigCommandRead ConfigCommand = 0

	// ConfigCommandTest asks a target to respond only if the argument
	// string exactly matches its config string.
	ConfigCommandTest ConfigCommand = 1

	// ConfigCommandTestPrefix asks a target to respond only if the argument
	// string is a prefix of its config string.
	ConfigCommandTestPrefix ConfigCommand = 2

	// ConfigCommandSet sets a target's config string, only if it is empty.
	ConfigCommandSet ConfigCommand = 3

	// ConfigCommandForceSet sets a target's config string unconditionally.
	ConfigCommandForceSet ConfigCommand = 4
)

// maxConfigString is the longest config string allowed by AoEr11,
// Section 3.2.
const maxConfigString = 1024

var (
	// Compile-time interface check
	_ Arg = &ConfigArg{}
)

// A ConfigArg is an argument to CommandQueryConfigInformation, as described
// in AoEr11, Section 3.2.
type ConfigArg struct {
	// BufferCount is the number of requests a target will queue before
	// dropping them.
	BufferCount uint16

	FirmwareVersion uint16

	// SectorCount, if non-zero, is the most sectors a target accepts in one
	// ATA command.  Zero means 2.
	SectorCount uint8

	// Version is the AoE protocol version a target supports.
	Version uint8

	// Command must fit in 4 bits.
	Command ConfigCommand

	// StringLength must equal len(String), which is at most 1024.
	StringLength uint16
	String       []byte
}

const (
	// configArgLen is the length of a ConfigArg without its string.
	//
	// 2 bytes: buffer count
	// 2 bytes: firmware version
	// 1 byte : sector count
	// 1 byte : version + config command
	//   0001 0001
	//   ^^^^ ^^^^
	//   |       +- config command
	//   +--------- version
	// 2 bytes: config string length
	// N bytes: config string
	configArgLen = 2 + 2 + 1 + 1 + 2
)

// MarshalBinary allocates a byte slice containing the data from a ConfigArg.
//
// If c.Command does not fit in 4 bits, or c.StringLength is not the length
// of c.String or exceeds 1024, ErrorBadArgumentParameter is returned.
func (c *ConfigArg) MarshalBinary() ([]byte, error) {
	if c.Command > 0xf || int(c.StringLength) != len(c.String) || c.StringLength > maxConfigString {
		return nil, ErrorBadArgumentParameter
	}

	b := make([]byte, configArgLen, configArgLen+len(c.String))
	binary.BigEndian.PutUint16(b[0:2], c.BufferCount)
	binary.BigEndian.PutUint16(b[2:4], c.FirmwareVersion)
	b[4] = c.SectorCount
	b[5] = c.Version<<4 | uint8(c.Command)
	binary.BigEndian.PutUint16(b[6:8], c.StringLength)

	return append(b, c.String...), nil
}

// UnmarshalBinary unmarshals a byte slice into a ConfigArg.
//
// If the byte slice is too short for the argument or its config string,
// io.ErrUnexpectedEOF is returned.
//
// If the config string is longer than 1024 bytes, ErrorBadArgumentParameter
// is returned.
func (c *ConfigArg) UnmarshalBinary(b []byte) error {
	if len(b) < configArgLen {
		return io.ErrUnexpectedEOF
	}

	c.BufferCount = binary.BigEndian.Uint16(b[0:2])
	c.FirmwareVersion = binary.BigEndian.Uint16(b[2:4])
	c.SectorCount = b[4]
	c.Version = b[5] >> 4
	c.Command = ConfigCommand(b[5] & 0x0f)

	c.StringLength = binary.BigEndian.Uint16(b[6:8])
	if len(b[configArgLen:]) < int(c.StringLength) {
		return io.ErrUnexpectedEOF
	}
	if c.StringLength > maxConfigString {
		return ErrorBadArgumentParameter
	}
	c.String = append([]byte(nil), b[configArgLen:configArgLen+int(c.StringLength)]...)

	return nil
}
