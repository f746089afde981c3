package aoe

import (
	"context"
	"errors"

	"github.com/mdlayher/pata"
)

// An ATACmdStatus is a value which indicates an ATA command or status.
type ATACmdStatus uint8

const (
	// ATA error register values reported to clients.
	ATAErrAbort      = 0x04
	ATAErrIDNotFound = 0x10

	// ATACmdStatus values recognized by ServeATA.
	ATACmdStatusErrStatus   ATACmdStatus = 0x01
	ATACmdStatusReadyStatus ATACmdStatus = 0x40
	ATACmdStatusCheckPower  ATACmdStatus = 0xe5
	ATACmdStatusFlush       ATACmdStatus = 0xe7
	ATACmdStatusFlushExt    ATACmdStatus = 0xea
	ATACmdStatusIdentify    ATACmdStatus = 0xec
	ATACmdStatusRead28Bit   ATACmdStatus = 0x20
	ATACmdStatusRead48Bit   ATACmdStatus = 0x24
	ATACmdStatusWrite28Bit  ATACmdStatus = 0x30
	ATACmdStatusWrite48Bit  ATACmdStatus = 0x34

	// sectorSize is the required AoE sector size, as specified in AoEr11,
	// Section 3.
	sectorSize = 512
)

// ErrInvalidATARequest is returned when a request which does not carry an
// ATA command is passed to ServeATA.
var ErrInvalidATARequest = errors.New("invalid ATA request")

// A Device is a disk which can be served over AoE.  *pata.Drive implements
// Device.
type Device interface {
	// Identify returns the device's IDENTIFY DEVICE data block.
	Identify() ([512]byte, error)

	// Sectors returns the device's capacity in sectors.
	Sectors() uint64

	ReadSectors(ctx context.Context, lba uint64, buf []byte) (int, error)
	WriteSectors(ctx context.Context, lba uint64, buf []byte, flush bool) (int, error)
	Flush(ctx context.Context) error
}

var _ Device = &pata.Drive{}

// ServeATA replies to an AoE ATA request after performing the requested
// command on d.  It handles reads, writes, cache flushes, identification
// and power mode checks.  Writes are complete on d before the reply is
// sent.
//
// ServeATA returns the number of bytes transmitted to a client, and any
// error which occurred while replying.  Failed ATA commands are reported to
// the client in the reply's status and error registers, not returned.
//
// If r.Command is not CommandIssueATACommand, or r.Arg is not a *ATAArg,
// ErrInvalidATARequest is returned.
func ServeATA(ctx context.Context, w ResponseSender, r *Header, d Device) (int, error) {
	if r.Command != CommandIssueATACommand {
		return 0, ErrInvalidATARequest
	}
	arg, ok := r.Arg.(*ATAArg)
	if !ok {
		return 0, ErrInvalidATARequest
	}

	var warg *ATAArg
	var err error

	switch arg.CmdStatus {
	case ATACmdStatusCheckPower:
		warg = &ATAArg{
			// Device is active or idle
			SectorCount: 0xff,
			CmdStatus:   ATACmdStatusReadyStatus,
		}
	case ATACmdStatusFlush, ATACmdStatusFlushExt:
		warg, err = ataFlush(ctx, d)
	case ATACmdStatusIdentify:
		warg, err = ataIdentify(arg, d)
	case ATACmdStatusRead28Bit, ATACmdStatusRead48Bit:
		warg, err = ataRead(ctx, arg, d)
	case ATACmdStatusWrite28Bit, ATACmdStatusWrite48Bit:
		warg, err = ataWrite(ctx, arg, d)
	default:
		err = errATAAbort
	}

	if err != nil {
		warg = &ATAArg{
			CmdStatus:  ATACmdStatusErrStatus,
			ErrFeature: ataError(err),
		}
	}

	// w handles Header field copying
	return w.Send(&Header{
		Arg: warg,
	})
}

var (
	// errATAAbort and errATAIDNotFound reject commands with bad parameters.
	// They are reported to clients and never returned by ServeATA.
	errATAAbort      = errors.New("ATA command aborted")
	errATAIDNotFound = errors.New("ATA sector out of range")
)

// ataError maps err to the error register value reported to a client.  A
// drive's own error register is passed through.
func ataError(err error) uint8 {
	var de pata.DeviceError
	switch {
	case errors.As(err, &de) && de != 0:
		return uint8(de)
	case errors.Is(err, errATAIDNotFound), errors.Is(err, pata.ErrOutOfRange):
		return ATAErrIDNotFound
	}
	return ATAErrAbort
}

func ataFlush(ctx context.Context, d Device) (*ATAArg, error) {
	if err := d.Flush(ctx); err != nil {
		return nil, err
	}
	return &ATAArg{CmdStatus: ATACmdStatusReadyStatus}, nil
}

func ataIdentify(r *ATAArg, d Device) (*ATAArg, error) {
	// Request must be for 1 sector (512 bytes)
	if r.SectorCount != 1 {
		return nil, errATAAbort
	}

	id, err := d.Identify()
	if err != nil {
		return nil, err
	}

	return &ATAArg{
		CmdStatus: ATACmdStatusReadyStatus,
		Data:      id[:],
	}, nil
}

// ataRange checks that the sectors addressed by r exist on d.
func ataRange(r *ATAArg, d Device) (uint64, error) {
	lba := r.Sector()
	if lba+uint64(r.SectorCount) > d.Sectors() {
		return 0, errATAIDNotFound
	}
	return lba, nil
}

func ataRead(ctx context.Context, r *ATAArg, d Device) (*ATAArg, error) {
	if r.FlagWrite {
		return nil, errATAAbort
	}
	if r.FlagLBA48Extended != (r.CmdStatus == ATACmdStatusRead48Bit) {
		return nil, errATAAbort
	}

	lba, err := ataRange(r, d)
	if err != nil {
		return nil, err
	}
	if r.SectorCount == 0 {
		return &ATAArg{CmdStatus: ATACmdStatusReadyStatus}, nil
	}

	b := make([]byte, int(r.SectorCount)*sectorSize)
	if _, err := d.ReadSectors(ctx, lba, b); err != nil {
		return nil, err
	}

	return &ATAArg{
		CmdStatus: ATACmdStatusReadyStatus,
		Data:      b,
	}, nil
}

func ataWrite(ctx context.Context, r *ATAArg, d Device) (*ATAArg, error) {
	if !r.FlagWrite {
		return nil, errATAAbort
	}
	if r.FlagLBA48Extended != (r.CmdStatus == ATACmdStatusWrite48Bit) {
		return nil, errATAAbort
	}

	// Request data and sector count must match up
	if sectors := len(r.Data) / sectorSize; sectors != int(r.SectorCount) {
		return nil, errATAAbort
	}

	lba, err := ataRange(r, d)
	if err != nil {
		return nil, err
	}
	if r.SectorCount == 0 {
		return &ATAArg{CmdStatus: ATACmdStatusReadyStatus}, nil
	}

	n := int(r.SectorCount) * sectorSize
	if _, err := d.WriteSectors(ctx, lba, r.Data[:n], false); err != nil {
		return nil, err
	}

	return &ATAArg{CmdStatus: ATACmdStatusReadyStatus}, nil
}
