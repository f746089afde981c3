package pata

import (
	"encoding/binary"
	"errors"
	"io"
	"strings"
)

// identifyLen is the length of an IDENTIFY DEVICE data block: 256 16-bit
// words.
const identifyLen = 256 * 2

// Word offsets and bits within IDENTIFY DEVICE data.
const (
	idGeneralConfig   = 0
	idCylinders       = 1
	idHeads           = 3
	idSectorsPerTrack = 6
	idSerial          = 10 // 10 words
	idFirmware        = 23 // 4 words
	idModel           = 27 // 20 words
	idCapabilities    = 49
	idLBA28Sectors    = 60 // 2 words
	idCommandSet2     = 83
	idLBA48Sectors    = 100 // 4 words

	idConfigNotATA = 1 << 15
	idCapDMA       = 1 << 8
	idCapLBA       = 1 << 9
	idCmdSetLBA48  = 1 << 10
)

// ErrNotATA is returned when IDENTIFY DEVICE data does not describe an ATA
// device, such as an ATAPI optical drive.
var ErrNotATA = errors.New("IDENTIFY data does not describe an ATA device")

// An Identity is the parsed IDENTIFY DEVICE data block of a drive.
type Identity struct {
	// Model, Serial and Firmware are ATA strings with padding removed.
	Model    string
	Serial   string
	Firmware string

	// Cylinders, Heads and SectorsPerTrack are the default CHS geometry
	// reported by the drive.
	Cylinders       uint16
	Heads           uint16
	SectorsPerTrack uint16

	// LBA, DMA and LBA48 indicate support for LBA addressing, DMA transfers
	// and the 48-bit address feature set.
	LBA   bool
	DMA   bool
	LBA48 bool

	// Sectors is the number of user addressable sectors.
	Sectors uint64

	words [256]uint16
}

// parseIdentity parses a 512 byte IDENTIFY DEVICE data block, stored as
// little-endian words in the order they were read from the data port.
//
// If b is not exactly 512 bytes, io.ErrUnexpectedEOF is returned.
//
// If the block describes a non-ATA device, ErrNotATA is returned.
func parseIdentity(b []byte) (*Identity, error) {
	if len(b) != identifyLen {
		return nil, io.ErrUnexpectedEOF
	}

	id := new(Identity)
	for i := range id.words {
		id.words[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	w := &id.words

	if w[idGeneralConfig]&idConfigNotATA != 0 {
		return nil, ErrNotATA
	}

	id.Serial = ataString(w[idSerial : idSerial+10])
	id.Firmware = ataString(w[idFirmware : idFirmware+4])
	id.Model = ataString(w[idModel : idModel+20])

	id.Cylinders = w[idCylinders]
	id.Heads = w[idHeads]
	id.SectorsPerTrack = w[idSectorsPerTrack]

	id.LBA = w[idCapabilities]&idCapLBA != 0
	id.DMA = w[idCapabilities]&idCapDMA != 0

	// Word 83 is only valid when bit 14 is set and bit 15 is clear
	cs2 := w[idCommandSet2]
	id.LBA48 = id.LBA && cs2&0xc000 == 0x4000 && cs2&idCmdSetLBA48 != 0

	switch {
	case id.LBA48:
		id.Sectors = uint64(w[idLBA48Sectors]) |
			uint64(w[idLBA48Sectors+1])<<16 |
			uint64(w[idLBA48Sectors+2])<<32 |
			uint64(w[idLBA48Sectors+3])<<48
	case id.LBA:
		id.Sectors = uint64(w[idLBA28Sectors]) | uint64(w[idLBA28Sectors+1])<<16
	default:
		id.Sectors = uint64(id.Cylinders) * uint64(id.Heads) * uint64(id.SectorsPerTrack)
	}

	return id, nil
}

// MarshalBinary returns the raw IDENTIFY DEVICE data block the Identity
// was parsed from.
//
// MarshalBinary never returns an error.
func (id *Identity) MarshalBinary() ([]byte, error) {
	b := make([]byte, identifyLen)
	for i, w := range id.words {
		binary.LittleEndian.PutUint16(b[i*2:], w)
	}
	return b, nil
}

// ataString decodes an ATA string field.  Each word holds two characters,
// the first in the high order byte, and the field is padded with spaces.
func ataString(words []uint16) string {
	b := make([]byte, 0, len(words)*2)
	for _, w := range words {
		b = append(b, byte(w>>8), byte(w))
	}
	return strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
}
