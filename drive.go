package pata

import (
	"context"
	"fmt"
	"io"
)

// A Slot is a drive position on a channel.
type Slot uint8

const (
	Master Slot = iota
	Slave
)

// String returns the name of a Slot.
func (s Slot) String() string {
	switch s {
	case Master:
		return "master"
	case Slave:
		return "slave"
	}
	return fmt.Sprintf("Slot(%d)", uint8(s))
}

// Device numbers used for PATA disks: one major per channel, and a minor
// range per drive.
const (
	primaryMajor   = 3
	secondaryMajor = 22
	minorsPerDrive = 64
)

// A Drive is a disk attached to a Channel.  A Drive is created when its
// channel detects it and is never replaced; its identity and capacity are
// fixed at that point.
//
// Drive methods are safe for concurrent use.  Requests to both drives of a
// channel are serialized by the channel.
type Drive struct {
	ch   *Channel
	slot Slot
	id   *Identity

	major int
	minor int
}

var (
	// Compile-time interface checks
	_ io.ReaderAt = &Drive{}
	_ io.WriterAt = &Drive{}
)

// newDrive creates the handle for the drive in slot of c.
func newDrive(c *Channel, slot Slot, id *Identity) *Drive {
	major := primaryMajor
	if c.typ == Secondary {
		major = secondaryMajor
	}

	return &Drive{
		ch:    c,
		slot:  slot,
		id:    id,
		major: major,
		minor: int(slot) * minorsPerDrive,
	}
}

// Channel returns the channel the drive is attached to.
func (d *Drive) Channel() *Channel { return d.ch }

// Slot returns the drive's position on its channel.
func (d *Drive) Slot() Slot { return d.slot }

// Identity returns the drive's identification data.  The caller must not
// modify it.
func (d *Drive) Identity() *Identity { return d.id }

// BlockSize returns the drive's logical block size.
func (d *Drive) BlockSize() int { return SectorSize }

// Sectors returns the number of addressable sectors on the drive.
func (d *Drive) Sectors() uint64 { return d.id.Sectors }

// Size returns the drive's capacity in bytes.
func (d *Drive) Size() int64 { return int64(d.id.Sectors) * SectorSize }

// DeviceNumber returns the drive's major and minor device numbers.
func (d *Drive) DeviceNumber() (major, minor int) { return d.major, d.minor }

// Name returns the drive's conventional name: hda and hdb for the primary
// channel, hdc and hdd for the secondary.
func (d *Drive) Name() string {
	return "hd" + string(rune('a'+2*int(d.ch.typ)+int(d.slot)))
}

// Identify returns the raw IDENTIFY DEVICE data read from the drive.
func (d *Drive) Identify() ([512]byte, error) {
	var b [512]byte
	raw, err := d.id.MarshalBinary()
	if err != nil {
		return b, err
	}
	copy(b[:], raw)
	return b, nil
}

// Submit issues r to the drive, flushing the drive's write cache after a
// write when flush is set.  Submit blocks until the channel accepts r or
// ctx is done.  Once accepted, r completes through r.Done.
//
// A Request is accepted at most once.  Submitting it again fails with
// ErrInvalidRequest, unless the earlier Submit returned without accepting
// it because ctx was done or the channel was closed.
//
// Submit does not split requests.  A request larger than the channel can
// transfer at once is carried out by PIO.
func (d *Drive) Submit(ctx context.Context, r *Request, flush bool) error {
	return d.ch.startRequest(ctx, d, r, r.Op == OpWrite, flush)
}

// A RequestError reports a request which completed without success.
type RequestError struct {
	Op     Op
	LBA    uint64
	Result Result
}

// Error implements error.
func (e *RequestError) Error() string {
	return fmt.Sprintf("pata: %s at sector %d: %s after %d sectors: %v",
		e.Op, e.LBA, e.Result.Code, e.Result.Sectors, e.Result.Err)
}

// Unwrap returns the underlying device, DMA or timeout error.
func (e *RequestError) Unwrap() error { return e.Result.Err }

// ReadSectors reads len(buf) bytes starting at sector lba.  It returns the
// number of sectors read.
func (d *Drive) ReadSectors(ctx context.Context, lba uint64, buf []byte) (int, error) {
	return d.transfer(ctx, OpRead, lba, buf, false)
}

// WriteSectors writes buf starting at sector lba.  If flush is set, the
// drive's write cache is flushed once the last sector is written.  It
// returns the number of sectors written.
func (d *Drive) WriteSectors(ctx context.Context, lba uint64, buf []byte, flush bool) (int, error) {
	return d.transfer(ctx, OpWrite, lba, buf, flush)
}

// Flush flushes the drive's write cache.
func (d *Drive) Flush(ctx context.Context) error {
	r := NewRequest(OpFlush, 0, nil)
	if err := d.Submit(ctx, r, true); err != nil {
		return err
	}
	<-r.Done()

	if res := r.Result(); res.Code != ResultSuccess {
		return &RequestError{Op: OpFlush, Result: res}
	}
	return nil
}

// transfer splits an I/O into requests the channel can carry out in one
// piece, and issues them in order.  A failure stops the transfer; sectors
// completed before it are counted.
func (d *Drive) transfer(ctx context.Context, op Op, lba uint64, buf []byte, flush bool) (int, error) {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return 0, fmt.Errorf("%w: buffer length %d is not a positive multiple of %d",
			ErrInvalidRequest, len(buf), SectorSize)
	}

	var done int
	for len(buf) > 0 {
		n := min(len(buf)/SectorSize, d.maxTransfer()) * SectorSize
		last := n == len(buf)

		r := NewRequest(op, lba, buf[:n])
		if err := d.Submit(ctx, r, flush && last); err != nil {
			return done, err
		}
		// Accepted requests cannot be canceled, and own buf until done
		<-r.Done()

		res := r.Result()
		done += res.Sectors
		if res.Code != ResultSuccess {
			return done, &RequestError{Op: op, LBA: lba, Result: res}
		}

		buf = buf[n:]
		lba += uint64(n / SectorSize)
	}

	return done, nil
}

// maxTransfer returns the number of sectors per request: one DMA page when
// DMA will be used, otherwise the largest 28-bit transfer.
func (d *Drive) maxTransfer() int {
	if d.id.DMA && d.ch.DMAEnabled() {
		return maxDMASectors
	}
	return max28BitSectors
}

// ReadAt implements io.ReaderAt.  off and len(p) must be multiples of
// SectorSize.  Reads beyond the end of the drive return io.EOF.
func (d *Drive) ReadAt(p []byte, off int64) (int, error) {
	p, err := d.clamp(p, off)
	if len(p) == 0 {
		return 0, err
	}

	n, rerr := d.ReadSectors(context.Background(), uint64(off/SectorSize), p)
	if rerr != nil {
		return n * SectorSize, rerr
	}
	return n * SectorSize, err
}

// WriteAt implements io.WriterAt.  off and len(p) must be multiples of
// SectorSize.  Writes beyond the end of the drive fail with ErrOutOfRange.
func (d *Drive) WriteAt(p []byte, off int64) (int, error) {
	q, err := d.clamp(p, off)
	if err == io.EOF {
		err = ErrOutOfRange
	}
	if len(q) == 0 {
		return 0, err
	}

	n, werr := d.WriteSectors(context.Background(), uint64(off/SectorSize), q, false)
	if werr != nil {
		return n * SectorSize, werr
	}
	return n * SectorSize, err
}

// clamp checks alignment and trims p to the end of the drive, returning
// io.EOF if it had to be trimmed.
func (d *Drive) clamp(p []byte, off int64) ([]byte, error) {
	if off < 0 || off%SectorSize != 0 || len(p)%SectorSize != 0 {
		return nil, fmt.Errorf("%w: offset %d length %d not sector aligned",
			ErrInvalidRequest, off, len(p))
	}

	size := d.Size()
	if off >= size {
		return nil, io.EOF
	}
	if rem := size - off; int64(len(p)) > rem {
		return p[:rem], io.EOF
	}
	return p, nil
}
