// Package aoe exports PATA drives as ATA over Ethernet targets, as described
// in the AoEr11 specification.
//
// Each drive is served as one target, addressed by a shelf (major) and slot
// (minor) number.  A Server answers configuration queries and ATA commands
// for all of its targets on one network interface.
//
// The AoEr11 specification can be found here:
// http://www.thebrantleycoilecompany.com/AoEr11.pdf.
package aoe

import (
	"encoding"
	"fmt"

	"github.com/mdlayher/ethernet"
)

const (
	// Version is the ATA over Ethernet protocol version used by this package.
	Version uint8 = 1

	// EtherType is the registered EtherType for ATA over Ethernet, when the
	// protocol is encapsulated in a IEEE 802.3 Ethernet frame.
	EtherType ethernet.EtherType = 0x88a2

	// BroadcastMajor and BroadcastMinor are the wildcard values for the Major
	// and Minor values in a Header.
	BroadcastMajor uint16 = 0xffff
	BroadcastMinor uint8  = 0xff
)

// ResponseSender provides an interface which allows an AoE handler to
// construct and send a Header in response to a request.
type ResponseSender interface {
	Send(*Header) (int, error)
}

// An Arg is an argument for a Command.  Different Arg implementations are
// used for different types of Commands.
type Arg interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// An Error is an ATA over Ethernet error code, as described in AoEr11,
// Section 2.4.
//
// An error code is sent from a server to a client when an error occurs
// during a request.
type Error uint8

const (
	// ErrorUnrecognizedCommandCode is returned when a server does not
	// understand the Command field in a Header.
	ErrorUnrecognizedCommandCode Error = 1

	// ErrorBadArgumentParameter is returned when an improper value exists
	// somewhere in an Arg field in a Header.
	ErrorBadArgumentParameter Error = 2

	// ErrorDeviceUnavailable is returned when a server can no longer accept
	// ATA commands.
	ErrorDeviceUnavailable Error = 3

	// ErrorConfigStringPresent is returned when a server cannot set a config
	// string, because one already exists.
	ErrorConfigStringPresent Error = 4

	// ErrorUnsupportedVersion is returned when a server does not understand
	// the Version number in a Header.
	ErrorUnsupportedVersion Error = 5

	// ErrorTargetIsReserved is returned when a command cannot be completed
	// because the target is reserved.
	ErrorTargetIsReserved Error = 6
)

var errorNames = map[Error]string{
	ErrorUnrecognizedCommandCode: "unrecognized command code",
	ErrorBadArgumentParameter:    "bad argument parameter",
	ErrorDeviceUnavailable:       "device unavailable",
	ErrorConfigStringPresent:     "config string present",
	ErrorUnsupportedVersion:      "unsupported version",
	ErrorTargetIsReserved:        "target is reserved",
}

// Error returns the description of an Error code.
func (e Error) Error() string {
	if s, ok := errorNames[e]; ok {
		return "aoe: " + s
	}
	return fmt.Sprintf("aoe: Error(%d)", uint8(e))
}

// A Command is an ATA over Ethernet command.
type Command uint8

const (
	// CommandIssueATACommand is used to issue an ATA command to an attached
	// ATA device.
	CommandIssueATACommand Command = 0

	// CommandQueryConfigInformation is used to set or retrieve configuration
	// information to or from a server.
	CommandQueryConfigInformation Command = 1

	// CommandMACMaskList and CommandReserveRelease manage a target's access
	// lists.  Servers in this package answer them with
	// ErrorUnrecognizedCommandCode.
	CommandMACMaskList    Command = 2
	CommandReserveRelease Command = 3
)

// String returns the name of a Command.
func (c Command) String() string {
	switch c {
	case CommandIssueATACommand:
		return "issue ATA command"
	case CommandQueryConfigInformation:
		return "query config information"
	case CommandMACMaskList:
		return "MAC mask list"
	case CommandReserveRelease:
		return "reserve/release"
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}
