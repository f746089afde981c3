package pata

import (
	"context"
	"fmt"
	"sync"
)

// An Op is the operation a Request performs.
type Op uint8

const (
	// OpRead reads sectors from a drive into a Request's buffer.
	OpRead Op = iota

	// OpWrite writes sectors from a Request's buffer to a drive.
	OpWrite

	// OpFlush flushes a drive's write cache.  It transfers no data.
	OpFlush
)

// String returns the name of an Op.
func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// A ResultCode is the outcome of a completed Request.
type ResultCode uint8

const (
	// ResultPending indicates a Request has not completed.
	ResultPending ResultCode = iota

	// ResultSuccess indicates every sector was transferred.
	ResultSuccess

	// ResultFailure indicates the drive or the bus master reported an
	// error.  Sectors transferred before the error are counted in
	// Result.Sectors.
	ResultFailure

	// ResultMemoryFault indicates the Request's buffer could not hold the
	// transferred data.
	ResultMemoryFault
)

// String returns the name of a ResultCode.
func (c ResultCode) String() string {
	switch c {
	case ResultPending:
		return "pending"
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultMemoryFault:
		return "memory fault"
	}
	return fmt.Sprintf("ResultCode(%d)", uint8(c))
}

// A Result reports how a Request completed.
type Result struct {
	Code ResultCode

	// Sectors is the number of sectors, from the start of the Request,
	// which were transferred before the Request completed.  A caller can
	// retry only the remainder of a failed Request.
	Sectors int

	// Err describes a failure: a DeviceError, ErrDMATransfer or ErrTimeout.
	Err error
}

// Partial reports whether a failed Request transferred some sectors.
func (r Result) Partial() bool {
	return r.Code != ResultSuccess && r.Sectors > 0
}

// A Request is an asynchronous block I/O request against one drive.
//
// A Request is submitted once.  Its buffer belongs to the channel until
// Done is closed.
type Request struct {
	// Op is the operation to perform.
	Op Op

	// LBA is the first sector of the transfer.
	LBA uint64

	// Buf holds the data to write, or receives the data read.  Its length
	// must be a positive multiple of SectorSize; it is ignored for OpFlush.
	Buf []byte

	mu       sync.Mutex
	done     chan struct{}
	result   Result
	accepted bool
}

// NewRequest creates a Request for op on the sectors starting at lba,
// transferring len(buf) bytes.
func NewRequest(op Op, lba uint64, buf []byte) *Request {
	return &Request{
		Op:   op,
		LBA:  lba,
		Buf:  buf,
		done: make(chan struct{}),
	}
}

// Count returns the number of sectors the Request transfers.
func (r *Request) Count() int {
	if r.Op == OpFlush {
		return 0
	}
	return len(r.Buf) / SectorSize
}

// validate checks that a Request is well formed.
func (r *Request) validate() error {
	if r.done == nil {
		return fmt.Errorf("%w: request not created by NewRequest", ErrInvalidRequest)
	}

	switch r.Op {
	case OpRead, OpWrite:
		if len(r.Buf) == 0 || len(r.Buf)%SectorSize != 0 {
			return fmt.Errorf("%w: buffer length %d is not a positive multiple of %d",
				ErrInvalidRequest, len(r.Buf), SectorSize)
		}
		if r.Count() > max48BitSectors {
			return fmt.Errorf("%w: %d sectors exceeds a single command", ErrInvalidRequest, r.Count())
		}
	case OpFlush:
	default:
		return fmt.Errorf("%w: unknown operation %s", ErrInvalidRequest, r.Op)
	}

	return nil
}

// claim marks r as submitted.  A Request can be submitted once; submitting
// it again, even after it completed, fails with ErrInvalidRequest.
func (r *Request) claim() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.accepted {
		return fmt.Errorf("%w: request already submitted", ErrInvalidRequest)
	}
	r.accepted = true
	return nil
}

// unclaim allows r to be submitted again after the channel turned it away.
func (r *Request) unclaim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted = false
}

// Done returns a channel which is closed when the Request completes.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result returns the Result of the Request.  Its Code is ResultPending until
// Done is closed.
func (r *Request) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Wait blocks until the Request completes or ctx is canceled.  Canceling ctx
// stops the wait only; an accepted Request always runs to completion.
func (r *Request) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.Result(), nil
	case <-ctx.Done():
		return Result{Code: ResultPending}, ctx.Err()
	}
}

// complete records res and signals completion.  It never blocks.
func (r *Request) complete(res Result) {
	r.mu.Lock()
	r.result = res
	r.mu.Unlock()
	close(r.done)
}
