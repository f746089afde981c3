package aoe

import (
	"encoding/binary"
	"io"
)

// A Header is an ATA over Ethernet header, as described in AoEr11, Section 2.
//
// A Header does not include the Ethernet header which encapsulates it
// during transport; Servers add and remove Ethernet framing as needed.
type Header struct {
	// Version must match the Version constant in this package.
	Version uint8

	// FlagResponse indicates if a message is a response to a request.
	FlagResponse bool

	// FlagError indicates if a command generated an AoE protocol error,
	// described by Error.
	FlagError bool
	Error     Error

	// Major and Minor address a target.  BroadcastMajor and BroadcastMinor
	// address every target.
	Major uint16
	Minor uint8

	Command Command

	// Tag is chosen by a client to match responses with requests.
	Tag [4]byte

	// Arg is an *ATAArg or *ConfigArg, depending on Command.
	Arg Arg
}

const (
	// headerLen is the length of a Header without its Arg.
	//
	// 1 byte : version + flags
	//   0001 1100
	//   ^^^^ ||
	//   |    |+-- error flag
	//   |    +--- response flag
	//   +-------- version
	// 1 byte : error
	// 2 bytes: major
	// 1 byte : minor
	// 1 byte : command
	// 4 bytes: tag
	// N bytes: arg
	headerLen = 1 + 1 + 2 + 1 + 1 + 4

	headerFlagResponse = 1 << 3
	headerFlagError    = 1 << 2
)

// MarshalBinary allocates a byte slice containing the data from a Header.
//
// If h.Version is not Version, ErrorUnsupportedVersion is returned.
//
// If h.Arg is nil, ErrorBadArgumentParameter is returned.
func (h *Header) MarshalBinary() ([]byte, error) {
	if h.Version != Version {
		return nil, ErrorUnsupportedVersion
	}
	if h.Arg == nil {
		return nil, ErrorBadArgumentParameter
	}

	ab, err := h.Arg.MarshalBinary()
	if err != nil {
		return nil, err
	}

	b := make([]byte, headerLen, headerLen+len(ab))

	b[0] = h.Version << 4
	if h.FlagResponse {
		b[0] |= headerFlagResponse
	}
	if h.FlagError {
		b[0] |= headerFlagError
	}
	b[1] = uint8(h.Error)
	binary.BigEndian.PutUint16(b[2:4], h.Major)
	b[4] = h.Minor
	b[5] = uint8(h.Command)
	copy(b[6:10], h.Tag[:])

	return append(b, ab...), nil
}

// UnmarshalBinary unmarshals a byte slice into a Header.
//
// If the byte slice does not contain enough data to form a valid Header,
// or its argument is malformed, io.ErrUnexpectedEOF is returned.
//
// If the version is not Version, ErrorUnsupportedVersion is returned.
//
// If the Command has no argument type in this package,
// ErrorUnrecognizedCommandCode is returned.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < headerLen {
		return io.ErrUnexpectedEOF
	}

	h.Version = b[0] >> 4
	if h.Version != Version {
		return ErrorUnsupportedVersion
	}
	h.FlagResponse = b[0]&headerFlagResponse != 0
	h.FlagError = b[0]&headerFlagError != 0
	h.Error = Error(b[1])
	h.Major = binary.BigEndian.Uint16(b[2:4])
	h.Minor = b[4]
	h.Command = Command(b[5])
	copy(h.Tag[:], b[6:10])

	var a Arg
	switch h.Command {
	case CommandIssueATACommand:
		a = new(ATAArg)
	case CommandQueryConfigInformation:
		a = new(ConfigArg)
	default:
		return ErrorUnrecognizedCommandCode
	}

	if err := a.UnmarshalBinary(b[headerLen:]); err != nil {
		return err
	}
	h.Arg = a

	return nil
}
