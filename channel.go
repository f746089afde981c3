package pata

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrNoDMA is returned when DMA is enabled on a channel which has no bus
// master, DMA pages or interrupt line.
var ErrNoDMA = errors.New("channel cannot use DMA")

// A ChannelType identifies one of the two channels of an IDE controller.
type ChannelType uint8

const (
	Primary ChannelType = iota
	Secondary
)

// String returns the name of a ChannelType.
func (t ChannelType) String() string {
	switch t {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	}
	return fmt.Sprintf("ChannelType(%d)", uint8(t))
}

// A State is the request processing state of a Channel.
type State uint8

const (
	StateIdle State = iota
	StateDispatching
	StateDMAInFlight
	StatePIOTransferring
	StateCompleting
	StateErrorAborted
)

// String returns the name of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateDMAInFlight:
		return "DMA in flight"
	case StatePIOTransferring:
		return "PIO transferring"
	case StateCompleting:
		return "completing"
	case StateErrorAborted:
		return "error aborted"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// A Channel is one logical PATA channel of an IDE controller, with up to
// two drives attached.
//
// A Channel has at most one request in flight.  Requests are issued through
// the Drive handles returned by Master and Slave.
type Channel struct {
	typ  ChannelType
	regs channelPorts
	cfg  Config
	log  *slog.Logger

	ports Ports
	pci   ConfigSpace
	mem   PhysMem
	irqs  InterruptController

	// Exclusively owned DMA pages; nil when the channel is PIO only.
	prdtAddr uint32
	prdt     *PRDT
	dmaAddr  uint32
	dmaBuf   []byte

	// dmaCapable is cleared once the DMA pages are released.  prdt and
	// dmaBuf are only touched under the request lock.
	dmaMu      sync.Mutex
	dmaCapable bool
	dmaEnabled bool
	dmaErrors  int

	// Fixed after detection.
	master *Drive
	slave  *Drive

	// reqSem is the request lock.  It is acquired when a request is
	// accepted and released by completeCurrentRequest.
	reqSem *semaphore.Weighted

	// mu guards the current request.  It is only held for short, non
	// blocking sections, so it is safe to take from HandleIRQ.
	mu          sync.Mutex
	current     *Request
	drive       *Drive
	state       State
	blockIndex  int
	usesDMA     bool
	lba48       bool
	wantFlush   bool
	flushing    bool
	deviceError DeviceError
	started     time.Time
	dmaTimer    *time.Timer
	irqEnabled  bool
	closed      bool
}

var (
	// Compile-time interface check
	_ IRQHandler = &Channel{}
)

// NewChannel locates channel typ of the IDE controller described by p,
// identifies its drives and, unless cfg forces PIO, prepares DMA.
//
// NewChannel fails only if the channel's registers cannot be resolved.  A
// channel with no drives attached is valid.
func NewChannel(typ ChannelType, p Platform, cfg *Config) (*Channel, error) {
	if typ != Primary && typ != Secondary {
		return nil, fmt.Errorf("pata: invalid channel %s", typ)
	}

	regs, err := resolvePorts(p.PCI, typ)
	if err != nil {
		return nil, fmt.Errorf("pata: %s channel: %w", typ, err)
	}

	c := &Channel{
		typ:    typ,
		regs:   regs,
		cfg:    cfg.withDefaults(),
		ports:  p.Ports,
		pci:    p.PCI,
		mem:    p.Mem,
		irqs:   p.IRQ,
		reqSem: semaphore.NewWeighted(1),
	}
	c.log = c.cfg.Logger.With("channel", typ.String())

	c.log.Info("PATA channel",
		"io", fmt.Sprintf("%#x", regs.io),
		"control", fmt.Sprintf("%#x", regs.control),
		"busmaster", fmt.Sprintf("%#x", regs.busMaster),
		"irq", regs.irq)

	if c.irqs != nil {
		c.irqs.DisableIRQ(regs.irq)
	}

	c.initialize(c.cfg.ForcePIO)
	c.detectDisks()

	if c.irqs != nil {
		if err := c.irqs.RegisterIRQ(regs.irq, c); err != nil {
			// Without an interrupt line completions can only be polled
			c.log.Warn("cannot register IRQ, using PIO only", "irq", regs.irq, "error", err)
			c.freeDMAPages()
		} else {
			c.irqEnabled = true
			c.irqs.EnableIRQ(regs.irq)
		}
	}

	return c, nil
}

// initialize sets up bus mastering and the DMA pages, unless forcePIO is set
// or the platform cannot support DMA.
func (c *Channel) initialize(forcePIO bool) {
	if forcePIO {
		c.log.Info("requested to force PIO mode; not setting up DMA")
		return
	}
	if c.regs.busMaster == 0 || c.mem == nil || c.irqs == nil {
		c.log.Info("DMA unavailable, using PIO")
		return
	}

	enableBusMastering(c.pci)

	prdtAddr, prdtPage, err := c.mem.AllocPage()
	if err != nil {
		c.log.Warn("cannot allocate PRDT page, using PIO", "error", err)
		return
	}
	dmaAddr, dmaPage, err := c.mem.AllocPage()
	if err != nil {
		c.mem.FreePage(prdtAddr)
		c.log.Warn("cannot allocate DMA buffer page, using PIO", "error", err)
		return
	}

	c.prdtAddr, c.prdt = prdtAddr, newPRDT(prdtPage)
	c.dmaAddr, c.dmaBuf = dmaAddr, dmaPage
	c.dmaCapable = true
	c.dmaEnabled = true

	c.log.Info("bus master IDE", "prdt", fmt.Sprintf("%#x", prdtAddr), "buffer", fmt.Sprintf("%#x", dmaAddr))
}

// freeDMAPages releases the DMA pages and turns DMA off.
func (c *Channel) freeDMAPages() {
	c.dmaMu.Lock()
	c.dmaCapable = false
	c.dmaEnabled = false
	c.dmaMu.Unlock()

	if c.prdt != nil {
		c.mem.FreePage(c.prdtAddr)
		c.mem.FreePage(c.dmaAddr)
		c.prdt, c.dmaBuf = nil, nil
	}
}

// Type returns the channel's type.
func (c *Channel) Type() ChannelType { return c.typ }

// Purpose implements IRQHandler.
func (c *Channel) Purpose() string { return "PATA Channel" }

// Master returns the master drive, or nil if none was detected.
func (c *Channel) Master() *Drive { return c.master }

// Slave returns the slave drive, or nil if none was detected.
func (c *Channel) Slave() *Drive { return c.slave }

// State returns the channel's request processing state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DeviceError returns the error register captured by the most recent
// failed command, or zero.
func (c *Channel) DeviceError() DeviceError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceError
}

// DMAEnabled reports whether new requests may use DMA.
func (c *Channel) DMAEnabled() bool {
	c.dmaMu.Lock()
	defer c.dmaMu.Unlock()
	return c.dmaEnabled
}

// SetDMAEnabled turns DMA on or off for subsequent requests.  The request in
// flight, if any, is not affected.  Turning DMA on also resets the channel's
// count of consecutive DMA failures.
//
// If DMA is requested on a channel without DMA support, ErrNoDMA is returned.
func (c *Channel) SetDMAEnabled(on bool) error {
	c.dmaMu.Lock()
	defer c.dmaMu.Unlock()

	if on && !c.dmaCapable {
		return ErrNoDMA
	}
	c.dmaEnabled = on
	if on {
		c.dmaErrors = 0
	}
	return nil
}

// Close waits for the request in flight, if any, then releases the
// channel's interrupt line and DMA pages.  Requests issued after Close
// fail with ErrClosed.
//
// A DMA request whose completion interrupt never arrives is failed with
// ErrTimeout after Config.PollTimeout, so Close waits at most that long for
// it.
func (c *Channel) Close() error {
	if err := c.reqSem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer c.reqSem.Release(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.irqEnabled {
		c.irqs.DisableIRQ(c.regs.irq)
		c.irqs.UnregisterIRQ(c.regs.irq, c)
		c.irqEnabled = false
	}
	c.freeDMAPages()
	return nil
}

// detectDisks identifies the drives attached to the channel and creates a
// Drive for each.  It runs once, during NewChannel.
func (c *Channel) detectDisks() {
	ids := c.probe()
	for i, id := range ids {
		if id == nil {
			continue
		}

		d := newDrive(c, Slot(i), id)
		if d.slot == Master {
			c.master = d
		} else {
			c.slave = d
		}

		c.log.Info("disk detected",
			"slot", d.slot.String(),
			"model", id.Model,
			"chs", fmt.Sprintf("%d/%d/%d", id.Cylinders, id.Heads, id.SectorsPerTrack),
			"sectors", id.Sectors,
			"lba48", id.LBA48,
			"dma", id.DMA)
	}
}

// probe issues IDENTIFY DEVICE to both drive slots.  A slot with no ATA
// drive yields nil.  probe does not change the attached Drives.
func (c *Channel) probe() [2]*Identity {
	var ids [2]*Identity

	// Identification is polled; keep the drives from raising interrupts
	c.outCtl(ctlNIEN)
	defer c.outCtl(0)

	for i := range ids {
		id, err := c.identify(Slot(i))
		if err != nil {
			c.log.Debug("no disk detected", "slot", Slot(i).String(), "error", err)
			continue
		}
		ids[i] = id
	}

	return ids
}

// identify runs IDENTIFY DEVICE against the drive in slot.
func (c *Channel) identify(slot Slot) (*Identity, error) {
	c.out8(regDevice, devObsolete|uint8(slot)<<4)
	c.delay400ns()

	// Clear the task file before IDENTIFY, so the signature can be checked
	c.out8(regSecCount, 0)
	c.out8(regLBALow, 0)
	c.out8(regLBAMid, 0)
	c.out8(regLBAHigh, 0)
	c.out8(regCommand, uint8(CommandIdentify))
	c.delay400ns()

	// No drive drives the bus low; a floating bus reads all ones
	if st := c.status(); st == 0 || st == 0xff {
		return nil, ErrNoDevice
	}

	if _, err := c.waitStatus(c.cfg.DetectTimeout, func(s Status) bool {
		return s&StatusBSY == 0
	}); err != nil && !errors.As(err, new(DeviceError)) {
		return nil, err
	}

	// ATAPI and SATA devices abort IDENTIFY DEVICE and leave a signature
	if mid, high := c.in8(regLBAMid), c.in8(regLBAHigh); mid != 0 || high != 0 {
		return nil, fmt.Errorf("%w: signature %#02x%02x", ErrNotATA, high, mid)
	}

	if _, err := c.waitStatus(c.cfg.DetectTimeout, func(s Status) bool {
		return s&StatusDRQ != 0
	}); err != nil {
		return nil, err
	}

	b := make([]byte, identifyLen)
	for i := 0; i < identifyLen; i += 2 {
		binary.LittleEndian.PutUint16(b[i:], c.in16(regData))
	}

	return parseIdentity(b)
}

// startRequest begins request r for drive d.  It is the single entry point
// drives use to issue I/O.
//
// startRequest blocks until the channel's request lock is free or ctx is
// done; once accepted, a request cannot be canceled.  DMA requests return as
// soon as the transfer is started and complete from HandleIRQ.  PIO requests
// return once complete.  Completion is always signaled through r.
//
// Errors are returned only for requests which were not accepted.
func (c *Channel) startRequest(ctx context.Context, d *Drive, r *Request, write, flush bool) error {
	if err := r.validate(); err != nil {
		return err
	}
	if r.Op != OpFlush && write != (r.Op == OpWrite) {
		return fmt.Errorf("%w: %s request issued as write=%t", ErrInvalidRequest, r.Op, write)
	}

	count := r.Count()
	if r.LBA+uint64(count) > d.id.Sectors || r.LBA+uint64(count) < r.LBA {
		return fmt.Errorf("%w: sectors %d-%d, drive has %d",
			ErrOutOfRange, r.LBA, r.LBA+uint64(count), d.id.Sectors)
	}
	lba48 := needsLBA48(r.LBA, count)
	if lba48 && !d.id.LBA48 {
		return fmt.Errorf("%w: drive does not support 48-bit addressing", ErrOutOfRange)
	}

	if err := r.claim(); err != nil {
		return err
	}
	if err := c.reqSem.Acquire(ctx, 1); err != nil {
		r.unclaim()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.reqSem.Release(1)
		r.unclaim()
		return ErrClosed
	}
	if c.current != nil {
		c.mu.Unlock()
		panic("pata: request accepted while another request is current")
	}

	c.current = r
	c.drive = d
	c.state = StateDispatching
	c.blockIndex = 0
	c.lba48 = lba48
	c.wantFlush = flush || r.Op == OpFlush
	c.flushing = false
	c.deviceError = 0
	c.usesDMA = r.Op != OpFlush && d.id.DMA && count <= maxDMASectors && c.DMAEnabled()
	c.started = time.Now()
	usesDMA := c.usesDMA
	c.mu.Unlock()

	c.log.Debug("start request",
		"slot", d.slot.String(),
		"op", r.Op.String(),
		"lba", r.LBA,
		"count", count,
		"dma", usesDMA,
		"flush", flush)

	switch {
	case r.Op == OpFlush:
		c.flushCache(r, d)
	case usesDMA && write:
		c.writeSectorsWithDMA(r, d)
	case usesDMA:
		c.readSectorsWithDMA(r, d)
	case write:
		c.writeSectors(r, d)
	default:
		c.readSectors(r, d)
	}

	return nil
}

// setState moves the current request to state s.
func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// fail aborts the current request with res from a non-interrupt path.
func (c *Channel) fail(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortCurrentRequest(res)
}

// abortCurrentRequest records an error state and completes the current
// request with res.  c.mu must be held.
func (c *Channel) abortCurrentRequest(res Result) {
	c.state = StateErrorAborted
	if res.Code == ResultPending || res.Code == ResultSuccess {
		res.Code = ResultFailure
	}
	c.completeCurrentRequest(res)
}

// completeCurrentRequest is the single place a request leaves the channel:
// it clears the current request, releases the request lock, feeds the
// entropy source and signals the caller.  c.mu must be held.  It does not
// block, so it may run from HandleIRQ.
func (c *Channel) completeCurrentRequest(res Result) {
	r := c.current
	if r == nil {
		panic("pata: completing with no current request")
	}
	c.state = StateCompleting

	if c.dmaTimer != nil {
		c.dmaTimer.Stop()
		c.dmaTimer = nil
	}

	if c.usesDMA {
		if res.Code == ResultSuccess && r.Op == OpRead {
			n := r.Count() * SectorSize
			if len(r.Buf) < n || len(c.dmaBuf) < n {
				res = Result{Code: ResultMemoryFault}
			} else {
				copy(r.Buf, c.dmaBuf[:n])
			}
		}
		// A flush only follows a data phase which succeeded
		c.noteDMAResult(res.Code == ResultSuccess || c.flushing)
	}
	if res.Code == ResultSuccess {
		res.Sectors = r.Count()
	}

	d := c.drive
	elapsed := time.Since(c.started)

	c.current = nil
	c.drive = nil
	c.blockIndex = 0
	c.usesDMA = false
	c.lba48 = false
	c.wantFlush = false
	c.flushing = false
	c.state = StateIdle
	c.reqSem.Release(1)

	c.cfg.Entropy.AddSample(uint64(elapsed.Nanoseconds()))

	if res.Code != ResultSuccess {
		c.log.Warn("request failed",
			"slot", d.slot.String(),
			"op", r.Op.String(),
			"lba", r.LBA,
			"count", r.Count(),
			"result", res.Code.String(),
			"sectors", res.Sectors,
			"error", res.Err)
	}

	r.complete(res)
}

// dmaTimeout fails r if it is still waiting for its DMA completion
// interrupt.  It runs when the timer armed by startDMA fires.  The request
// lock is still held, so the drives can be reset before the next request.
func (c *Channel) dmaTimeout(r *Request) {
	c.mu.Lock()
	if c.current != r || !c.usesDMA {
		c.mu.Unlock()
		return
	}
	flushing, slot := c.flushing, c.drive.slot
	c.mu.Unlock()

	c.log.Warn("no DMA completion interrupt, resetting drives",
		"slot", slot.String(),
		"lba", r.LBA,
		"flushing", flushing)

	c.bmOut8(bmCommand, 0)
	c.resetDrives()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Completed while the drives were reset
	if c.current != r {
		return
	}
	c.ackBusMaster(c.bmIn8(bmStatus))

	res := Result{Err: fmt.Errorf("%w: no completion interrupt after %s", ErrTimeout, c.cfg.PollTimeout)}
	if flushing {
		res.Sectors = r.Count()
	}
	c.abortCurrentRequest(res)
}

// resetDrives pulses SRST and waits for the drives to leave the busy state.
func (c *Channel) resetDrives() {
	c.outCtl(ctlNIEN | ctlSRST)
	c.delay400ns()
	c.outCtl(ctlNIEN)
	c.delay400ns()

	if _, err := c.waitStatus(c.cfg.PollTimeout, notBusy); err != nil {
		c.log.Warn("drives still busy after reset", "error", err)
	}
	c.outCtl(0)
}

// noteDMAResult tracks consecutive DMA failures and falls back to PIO once
// the configured threshold is reached.
func (c *Channel) noteDMAResult(ok bool) {
	c.dmaMu.Lock()
	defer c.dmaMu.Unlock()

	if ok {
		c.dmaErrors = 0
		return
	}

	c.dmaErrors++
	if c.dmaEnabled && c.cfg.DMAErrorThreshold > 0 && c.dmaErrors >= c.cfg.DMAErrorThreshold {
		c.dmaEnabled = false
		c.log.Warn("disabling DMA after repeated errors, falling back to PIO", "errors", c.dmaErrors)
	}
}

// waitStatus polls the status register until ready reports true, the drive
// reports an error, or timeout elapses.  The processor is yielded between
// polls.
//
// A drive error is returned as a DeviceError, which is also recorded as the
// channel's device error.
func (c *Channel) waitStatus(timeout time.Duration, ready func(Status) bool) (Status, error) {
	deadline := time.Now().Add(timeout)
	for {
		st := c.status()
		if st.failed() {
			return st, c.captureDeviceError()
		}
		if ready(st) {
			return st, nil
		}
		if time.Now().After(deadline) {
			return st, fmt.Errorf("%w: status %s", ErrTimeout, st)
		}
		runtime.Gosched()
	}
}

// captureDeviceError reads the error register into the channel's device
// error.
func (c *Channel) captureDeviceError() DeviceError {
	e := DeviceError(c.in8(regError))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceError = e
	return e
}

// programTaskFile waits for the drive to go idle and writes tf, except for
// the command itself.
func (c *Channel) programTaskFile(tf *taskFile) error {
	if _, err := c.waitStatus(c.cfg.PollTimeout, func(s Status) bool {
		return s&StatusBSY == 0
	}); err != nil && !errors.As(err, new(DeviceError)) {
		// A stale error from a previous command is cleared by the next one
		return err
	}

	for _, w := range tf.registers() {
		c.out8(w.Reg, w.Val)
		if w.Reg == regDevice {
			c.delay400ns()
		}
	}

	_, err := c.waitStatus(c.cfg.PollTimeout, func(s Status) bool {
		return s&(StatusBSY|StatusDRDY) == StatusDRDY
	})
	if errors.As(err, new(DeviceError)) {
		// Selecting the drive does not clear ERR; the command will
		err = nil
	}
	return err
}

// newTaskFile builds the task file for the current transfer.
func (c *Channel) newTaskFile(r *Request, d *Drive, write, dma bool) *taskFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &taskFile{
		FlagLBA48Extended: c.lba48,
		FlagSlave:         d.slot == Slave,
		SectorCount:       r.Count(),
		LBA:               r.LBA,
		Command:           transferCommand(write, dma, c.lba48),
	}
}

// Register access.

func (c *Channel) in8(reg uint16) uint8       { return c.ports.In8(c.regs.io + reg) }
func (c *Channel) in16(reg uint16) uint16     { return c.ports.In16(c.regs.io + reg) }
func (c *Channel) out8(reg uint16, v uint8)   { c.ports.Out8(c.regs.io+reg, v) }
func (c *Channel) out16(reg uint16, v uint16) { c.ports.Out16(c.regs.io+reg, v) }
func (c *Channel) outCtl(v uint8)             { c.ports.Out8(c.regs.control+ctlDevControl, v) }
func (c *Channel) status() Status             { return Status(c.in8(regStatus)) }
func (c *Channel) altStatus() Status          { return Status(c.ports.In8(c.regs.control + ctlAltStatus)) }

func (c *Channel) bmIn8(reg uint16) uint8       { return c.ports.In8(c.regs.busMaster + reg) }
func (c *Channel) bmOut8(reg uint16, v uint8)   { c.ports.Out8(c.regs.busMaster+reg, v) }
func (c *Channel) bmOut32(reg uint16, v uint32) { c.ports.Out32(c.regs.busMaster+reg, v) }

// delay400ns gives a drive time to settle after it is selected, by reading
// the alternate status register four times.
func (c *Channel) delay400ns() {
	for i := 0; i < 4; i++ {
		c.altStatus()
	}
}
