package pata_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mdlayher/pata"
	"github.com/mdlayher/pata/emu"
	"golang.org/x/sync/errgroup"
)

const (
	errUNC  = 0x40
	errABRT = 0x04
)

func TestChannelDetect(t *testing.T) {
	c := emu.New(nil)
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(64))
	attach(t, c, pata.Secondary, pata.Master, &emu.Disk{ATAPI: true})
	attach(t, c, pata.Secondary, pata.Slave, emu.NewMemDisk(128))

	reg := newRegistry(t, c, nil)

	pri, sec := reg.Channel(pata.Primary), reg.Channel(pata.Secondary)
	if pri.Master() == nil || pri.Slave() != nil {
		t.Fatalf("unexpected primary drives: %v, %v", pri.Master(), pri.Slave())
	}
	if sec.Master() != nil || sec.Slave() == nil {
		t.Fatalf("unexpected secondary drives: %v, %v", sec.Master(), sec.Slave())
	}

	var tests = []struct {
		d       *pata.Drive
		name    string
		major   int
		minor   int
		sectors uint64
	}{
		{d: pri.Master(), name: "hda", major: 3, minor: 0, sectors: 64},
		{d: sec.Slave(), name: "hdd", major: 22, minor: 64, sectors: 128},
	}

	for i, tt := range tests {
		if want, got := tt.name, tt.d.Name(); want != got {
			t.Fatalf("[%02d] unexpected name: %q != %q", i, want, got)
		}
		if major, minor := tt.d.DeviceNumber(); major != tt.major || minor != tt.minor {
			t.Fatalf("[%02d] unexpected device number: %d:%d", i, major, minor)
		}
		if want, got := tt.sectors, tt.d.Sectors(); want != got {
			t.Fatalf("[%02d] unexpected sectors: %d != %d", i, want, got)
		}
		if want, got := int64(tt.sectors)*pata.SectorSize, tt.d.Size(); want != got {
			t.Fatalf("[%02d] unexpected size: %d != %d", i, want, got)
		}

		id := tt.d.Identity()
		if id.Model != "EMU HARDDISK" || !id.LBA || !id.DMA || id.LBA48 {
			t.Fatalf("[%02d] unexpected identity: %+v", i, id)
		}
	}

	if want, got := 2, len(reg.Drives()); want != got {
		t.Fatalf("unexpected number of drives: %d != %d", want, got)
	}
}

func TestChannelDetectIsRepeatable(t *testing.T) {
	c := emu.New(nil)
	attach(t, c, pata.Primary, pata.Slave, emu.NewMemDisk(32))

	reg := newRegistry(t, c, nil)
	ch := reg.Channel(pata.Primary)
	want := ch.Slave().Identity()

	for i := 0; i < 3; i++ {
		ids := ch.Probe()
		if ids[pata.Master] != nil {
			t.Fatalf("[%02d] empty master slot identified: %+v", i, ids[pata.Master])
		}
		got := ids[pata.Slave]
		if got == nil || got.Model != want.Model || got.Sectors != want.Sectors {
			t.Fatalf("[%02d] unexpected slave identity: %+v", i, got)
		}
	}

	// Drives are fixed at detection
	if ch.Master() != nil || ch.Slave().Identity() != want {
		t.Fatal("probe changed the channel's drives")
	}
}

func TestChannelDMAAndPIOTransfersMatch(t *testing.T) {
	data := pattern(20)

	var images [2]emu.MemImage
	for i, forcePIO := range []bool{false, true} {
		c := emu.New(nil)
		disk := emu.NewMemDisk(64)
		attach(t, c, pata.Primary, pata.Master, disk)

		d := newRegistry(t, c, &pata.Config{ForcePIO: forcePIO}).Channel(pata.Primary).Master()
		if want, got := !forcePIO, d.Channel().DMAEnabled(); want != got {
			t.Fatalf("[%02d] unexpected DMA state: %v != %v", i, want, got)
		}

		n, err := d.WriteSectors(context.Background(), 5, data, false)
		if err != nil {
			t.Fatalf("[%02d] failed to write: %v", i, err)
		}
		if want, got := 20, n; want != got {
			t.Fatalf("[%02d] unexpected sectors written: %d != %d", i, want, got)
		}

		buf := make([]byte, len(data))
		if _, err := d.ReadSectors(context.Background(), 5, buf); err != nil {
			t.Fatalf("[%02d] failed to read: %v", i, err)
		}
		if !bytes.Equal(data, buf) {
			t.Fatalf("[%02d] read data does not match written data", i)
		}

		cmds := c.Commands(pata.Primary)
		wantRead, wantWrite := uint8(pata.CommandReadDMA), uint8(pata.CommandWriteDMA)
		if forcePIO {
			wantRead, wantWrite = uint8(pata.CommandReadPIO), uint8(pata.CommandWritePIO)
		}
		if !bytes.Contains(cmds, []byte{wantWrite}) || !bytes.Contains(cmds, []byte{wantRead}) {
			t.Fatalf("[%02d] expected commands %#x and %#x, got: %#x", i, wantWrite, wantRead, cmds)
		}

		images[i] = disk.Image.(emu.MemImage)
	}

	if !bytes.Equal(images[0], images[1]) {
		t.Fatal("DMA and PIO transfers left different disk contents")
	}
}

func TestChannelPIOWriteErrorCountsCompletedSectors(t *testing.T) {
	c := emu.New(nil)
	disk := emu.NewMemDisk(64)
	attach(t, c, pata.Primary, pata.Master, disk)

	ch := newRegistry(t, c, &pata.Config{ForcePIO: true}).Channel(pata.Primary)
	d := ch.Master()

	// Third sector of the write
	c.InjectFault(pata.Primary, pata.Master, 12, errUNC)

	data := pattern(10)
	n, err := d.WriteSectors(context.Background(), 10, data, false)
	if want, got := 2, n; want != got {
		t.Fatalf("unexpected sectors written: %d != %d", want, got)
	}

	var rerr *pata.RequestError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RequestError, got: %v", err)
	}
	if rerr.Result.Code != pata.ResultFailure || rerr.Result.Sectors != 2 || !rerr.Result.Partial() {
		t.Fatalf("unexpected result: %+v", rerr.Result)
	}
	if !errors.Is(err, pata.ErrorUNC) {
		t.Fatalf("expected uncorrectable data error, got: %v", err)
	}
	if want, got := pata.ErrorUNC, ch.DeviceError(); want != got {
		t.Fatalf("unexpected channel device error: %v != %v", want, got)
	}

	img := disk.Image.(emu.MemImage)
	if !bytes.Equal(data[:2*pata.SectorSize], img[10*pata.SectorSize:12*pata.SectorSize]) {
		t.Fatal("sectors before the error were not written")
	}
	if !bytes.Equal(make([]byte, pata.SectorSize), img[12*pata.SectorSize:13*pata.SectorSize]) {
		t.Fatal("failed sector was written")
	}

	// The channel recovers for the next request
	c.ClearFaults(pata.Primary)
	if _, err := d.WriteSectors(context.Background(), 10, data, false); err != nil {
		t.Fatalf("failed to write after error: %v", err)
	}
	if want, got := pata.StateIdle, ch.State(); want != got {
		t.Fatalf("unexpected state: %s != %s", want, got)
	}
}

func TestChannelReadErrors(t *testing.T) {
	for _, forcePIO := range []bool{false, true} {
		c := emu.New(nil)
		attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(64))

		ch := newRegistry(t, c, &pata.Config{ForcePIO: forcePIO}).Channel(pata.Primary)
		c.InjectFault(pata.Primary, pata.Master, 3, errUNC)

		n, err := ch.Master().ReadSectors(context.Background(), 0, make([]byte, 4*pata.SectorSize))
		if !errors.Is(err, pata.ErrorUNC) {
			t.Fatalf("PIO %v: expected uncorrectable data error, got: %v", forcePIO, err)
		}

		// DMA completes or fails as a whole; PIO counts whole sectors
		want := 0
		if forcePIO {
			want = 3
		}
		if n != want {
			t.Fatalf("PIO %v: unexpected sectors read: %d != %d", forcePIO, want, n)
		}
	}
}

func TestChannelOutOfRange(t *testing.T) {
	c := emu.New(nil)
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(16))
	d := newRegistry(t, c, nil).Channel(pata.Primary).Master()

	var tests = []struct {
		desc string
		lba  uint64
		n    int
		err  error
	}{
		{desc: "past end", lba: 15, n: 2, err: pata.ErrOutOfRange},
		{desc: "beyond end", lba: 16, n: 1, err: pata.ErrOutOfRange},
		{desc: "wraps", lba: ^uint64(0), n: 1, err: pata.ErrOutOfRange},
		{desc: "empty buffer", lba: 0, n: 0, err: pata.ErrInvalidRequest},
	}

	for i, tt := range tests {
		if _, err := d.ReadSectors(context.Background(), tt.lba, make([]byte, tt.n*pata.SectorSize)); !errors.Is(err, tt.err) {
			t.Fatalf("[%02d] test %q, unexpected error: %v", i, tt.desc, err)
		}
	}

	// Rejected requests never reach the drive
	for _, cmd := range c.Commands(pata.Primary) {
		if cmd != uint8(pata.CommandIdentify) {
			t.Fatalf("unexpected command issued: %#x", cmd)
		}
	}
}

func TestChannelSpuriousIRQ(t *testing.T) {
	c := emu.New(nil)
	disk := emu.NewMemDisk(16)
	copy(disk.Image.(emu.MemImage), pattern(16))
	attach(t, c, pata.Primary, pata.Master, disk)

	ch := newRegistry(t, c, nil).Channel(pata.Primary)
	irq := c.IRQ(pata.Primary)

	// No request in flight
	c.RaiseIRQ(pata.Primary)
	c.PIC().Wait()
	if want, got := pata.StateIdle, ch.State(); want != got {
		t.Fatalf("unexpected state: %s != %s", want, got)
	}

	c.HoldDMA(pata.Primary, true)

	buf := make([]byte, 2*pata.SectorSize)
	r := pata.NewRequest(pata.OpRead, 4, buf)
	if err := ch.Master().Submit(context.Background(), r, false); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if !c.DMAHeld(pata.Primary) {
		t.Fatal("DMA transfer was not started")
	}

	before := c.PIC().Delivered(irq)
	c.RaiseIRQ(pata.Primary)
	c.PIC().Wait()
	if c.PIC().Delivered(irq) != before+1 {
		t.Fatal("spurious interrupt was not delivered")
	}

	select {
	case <-r.Done():
		t.Fatalf("request completed by spurious interrupt: %+v", r.Result())
	default:
	}
	if want, got := pata.StateDMAInFlight, ch.State(); want != got {
		t.Fatalf("unexpected state: %s != %s", want, got)
	}

	if !c.ReleaseDMA(pata.Primary) {
		t.Fatal("no DMA transfer held")
	}

	res, err := r.Wait(context.Background())
	if err != nil {
		t.Fatalf("failed to wait: %v", err)
	}
	if res.Code != pata.ResultSuccess || res.Sectors != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !bytes.Equal(pattern(16)[4*pata.SectorSize:6*pata.SectorSize], buf) {
		t.Fatal("unexpected data read")
	}
}

func TestChannelOneRequestAtATime(t *testing.T) {
	c := emu.New(nil)
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(16))
	attach(t, c, pata.Primary, pata.Slave, emu.NewMemDisk(16))

	ch := newRegistry(t, c, nil).Channel(pata.Primary)
	c.HoldDMA(pata.Primary, true)

	r1 := pata.NewRequest(pata.OpWrite, 0, pattern(1))
	if err := ch.Master().Submit(context.Background(), r1, false); err != nil {
		t.Fatalf("failed to submit first request: %v", err)
	}

	// The slave shares the channel, so its request waits for the master's
	r2 := pata.NewRequest(pata.OpRead, 0, make([]byte, pata.SectorSize))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ch.Slave().Submit(ctx, r2, false); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second request to block, got: %v", err)
	}

	errC := make(chan error, 1)
	go func() {
		errC <- ch.Slave().Submit(context.Background(), r2, false)
	}()

	// Let the second submission reach the request lock before releasing
	time.Sleep(10 * time.Millisecond)
	select {
	case <-r2.Done():
		t.Fatal("second request completed while the first was in flight")
	default:
	}

	c.ReleaseDMA(pata.Primary)
	if res, _ := r1.Wait(context.Background()); res.Code != pata.ResultSuccess {
		t.Fatalf("unexpected first result: %+v", res)
	}

	// The second request was accepted and is held in turn
	if err := <-errC; err != nil {
		t.Fatalf("failed to submit second request: %v", err)
	}
	c.HoldDMA(pata.Primary, false)
	c.ReleaseDMA(pata.Primary)

	if res, _ := r2.Wait(context.Background()); res.Code != pata.ResultSuccess {
		t.Fatalf("unexpected second result: %+v", res)
	}
}

func TestChannelDMAFallback(t *testing.T) {
	c := emu.New(nil)
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(16))

	ch := newRegistry(t, c, nil).Channel(pata.Primary)
	d := ch.Master()
	c.InjectDMAFault(pata.Primary, pata.DefaultDMAErrorThreshold)

	buf := make([]byte, pata.SectorSize)
	for i := 0; i < pata.DefaultDMAErrorThreshold; i++ {
		if !ch.DMAEnabled() {
			t.Fatalf("[%02d] DMA disabled too early", i)
		}
		if _, err := d.ReadSectors(context.Background(), 0, buf); !errors.Is(err, pata.ErrDMATransfer) {
			t.Fatalf("[%02d] expected DMA transfer error, got: %v", i, err)
		}
	}

	if ch.DMAEnabled() {
		t.Fatal("DMA still enabled after repeated errors")
	}

	c.ResetCommands(pata.Primary)
	if _, err := d.ReadSectors(context.Background(), 0, buf); err != nil {
		t.Fatalf("failed to read by PIO: %v", err)
	}
	if want, got := []byte{uint8(pata.CommandReadPIO)}, c.Commands(pata.Primary); !bytes.Equal(want, got) {
		t.Fatalf("unexpected commands: %#x != %#x", want, got)
	}

	if err := ch.SetDMAEnabled(true); err != nil {
		t.Fatalf("failed to enable DMA: %v", err)
	}
	c.ResetCommands(pata.Primary)
	if _, err := d.ReadSectors(context.Background(), 0, buf); err != nil {
		t.Fatalf("failed to read by DMA: %v", err)
	}
	if want, got := []byte{uint8(pata.CommandReadDMA)}, c.Commands(pata.Primary); !bytes.Equal(want, got) {
		t.Fatalf("unexpected commands: %#x != %#x", want, got)
	}
}

func TestChannelFlush(t *testing.T) {
	for _, forcePIO := range []bool{false, true} {
		c := emu.New(nil)
		attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(64))
		d := newRegistry(t, c, &pata.Config{ForcePIO: forcePIO}).Channel(pata.Primary).Master()

		// Only the last request of a split transfer flushes
		if _, err := d.WriteSectors(context.Background(), 0, pattern(12), true); err != nil {
			t.Fatalf("PIO %v: failed to write: %v", forcePIO, err)
		}
		if want, got := 1, c.Flushes(pata.Primary, pata.Master); want != got {
			t.Fatalf("PIO %v: unexpected flushes: %d != %d", forcePIO, want, got)
		}
		cmds := c.Commands(pata.Primary)
		if want, got := uint8(pata.CommandCacheFlush), cmds[len(cmds)-1]; want != got {
			t.Fatalf("PIO %v: unexpected last command: %#x != %#x", forcePIO, want, got)
		}

		if _, err := d.WriteSectors(context.Background(), 0, pattern(1), false); err != nil {
			t.Fatalf("PIO %v: failed to write: %v", forcePIO, err)
		}
		if err := d.Flush(context.Background()); err != nil {
			t.Fatalf("PIO %v: failed to flush: %v", forcePIO, err)
		}
		if want, got := 2, c.Flushes(pata.Primary, pata.Master); want != got {
			t.Fatalf("PIO %v: unexpected flushes: %d != %d", forcePIO, want, got)
		}

		// A failed flush reports every sector as transferred
		c.InjectFlushFault(pata.Primary, pata.Master, errABRT)
		n, err := d.WriteSectors(context.Background(), 0, pattern(4), true)
		if !errors.Is(err, pata.ErrorABRT) {
			t.Fatalf("PIO %v: expected aborted flush, got: %v", forcePIO, err)
		}
		if want, got := 4, n; want != got {
			t.Fatalf("PIO %v: unexpected sectors written: %d != %d", forcePIO, want, got)
		}
		if err := d.Flush(context.Background()); !errors.Is(err, pata.ErrorABRT) {
			t.Fatalf("PIO %v: expected aborted flush, got: %v", forcePIO, err)
		}
	}
}

func TestChannelLBA48(t *testing.T) {
	const sectors = 1<<28 + 64

	for _, forcePIO := range []bool{false, true} {
		c := emu.New(nil)
		attach(t, c, pata.Primary, pata.Master, &emu.Disk{
			Image:   newSparseImage(),
			Sectors: sectors,
			Model:   "EMU BIGDISK",
			LBA48:   true,
		})

		d := newRegistry(t, c, &pata.Config{ForcePIO: forcePIO}).Channel(pata.Primary).Master()
		if !d.Identity().LBA48 || d.Sectors() != sectors {
			t.Fatalf("PIO %v: unexpected identity: %+v", forcePIO, d.Identity())
		}

		var tests = []struct {
			desc  string
			lba   uint64
			count int
			write pata.Command
			read  pata.Command
		}{
			{
				desc:  "below the 28-bit limit",
				lba:   100,
				count: 2,
				write: pata.CommandWriteDMA,
				read:  pata.CommandReadDMA,
			},
			{
				desc:  "crossing the 28-bit limit",
				lba:   1<<28 - 2,
				count: 4,
				write: pata.CommandWriteDMAExt,
				read:  pata.CommandReadDMAExt,
			},
			{
				desc:  "end of disk",
				lba:   sectors - 8,
				count: 8,
				write: pata.CommandWriteDMAExt,
				read:  pata.CommandReadDMAExt,
			},
		}
		if forcePIO {
			tests[0].write, tests[0].read = pata.CommandWritePIO, pata.CommandReadPIO
			tests[1].write, tests[1].read = pata.CommandWritePIOExt, pata.CommandReadPIOExt
			tests[2].write, tests[2].read = pata.CommandWritePIOExt, pata.CommandReadPIOExt
		}

		for i, tt := range tests {
			c.ResetCommands(pata.Primary)
			data := pattern(tt.count)

			if _, err := d.WriteSectors(context.Background(), tt.lba, data, false); err != nil {
				t.Fatalf("PIO %v: [%02d] test %q, failed to write: %v", forcePIO, i, tt.desc, err)
			}
			buf := make([]byte, len(data))
			if _, err := d.ReadSectors(context.Background(), tt.lba, buf); err != nil {
				t.Fatalf("PIO %v: [%02d] test %q, failed to read: %v", forcePIO, i, tt.desc, err)
			}
			if !bytes.Equal(data, buf) {
				t.Fatalf("PIO %v: [%02d] test %q, data mismatch", forcePIO, i, tt.desc)
			}

			want := []byte{uint8(tt.write), uint8(tt.read)}
			if got := c.Commands(pata.Primary); !bytes.Equal(want, got) {
				t.Fatalf("PIO %v: [%02d] test %q, unexpected commands: %#x != %#x",
					forcePIO, i, tt.desc, want, got)
			}
		}
	}
}

func TestChannelLBA28DriveRejectsLargeRequests(t *testing.T) {
	c := emu.New(nil)
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(1024))
	d := newRegistry(t, c, nil).Channel(pata.Primary).Master()

	// More than 256 sectors cannot be expressed without 48-bit commands
	r := pata.NewRequest(pata.OpRead, 0, make([]byte, 300*pata.SectorSize))
	if err := d.Submit(context.Background(), r, false); !errors.Is(err, pata.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got: %v", err)
	}

	// ReadSectors splits the transfer instead
	if _, err := d.ReadSectors(context.Background(), 0, make([]byte, 300*pata.SectorSize)); err != nil {
		t.Fatalf("failed to read: %v", err)
	}
}

func TestChannelNativeMode(t *testing.T) {
	c := emu.New(&emu.Config{Native: true})
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(64))
	attach(t, c, pata.Secondary, pata.Master, emu.NewMemDisk(64))

	reg := newRegistry(t, c, nil)

	if c.IRQ(pata.Primary) != emu.DefaultIRQLine || c.IRQ(pata.Secondary) != emu.DefaultIRQLine {
		t.Fatal("channels do not share the native interrupt line")
	}
	if want, got := 2, len(c.PIC().Handlers(emu.DefaultIRQLine)); want != got {
		t.Fatalf("unexpected number of handlers: %d != %d", want, got)
	}

	// Both channels complete DMA on the shared line at once
	var g errgroup.Group
	for _, d := range reg.Drives() {
		d := d
		g.Go(func() error {
			for i := 0; i < 8; i++ {
				data := pattern(4)
				if _, err := d.WriteSectors(context.Background(), uint64(i*4), data, false); err != nil {
					return err
				}
				buf := make([]byte, len(data))
				if _, err := d.ReadSectors(context.Background(), uint64(i*4), buf); err != nil {
					return err
				}
				if !bytes.Equal(data, buf) {
					return errors.New("data mismatch on " + d.Name())
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("failed to transfer: %v", err)
	}
}

func TestChannelNoBusMaster(t *testing.T) {
	c := emu.New(&emu.Config{NoBusMaster: true})
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(16))

	ch := newRegistry(t, c, nil).Channel(pata.Primary)
	if ch.DMAEnabled() {
		t.Fatal("DMA enabled without a bus master")
	}
	if err := ch.SetDMAEnabled(true); !errors.Is(err, pata.ErrNoDMA) {
		t.Fatalf("expected ErrNoDMA, got: %v", err)
	}
	if want, got := 0, c.Memory().Allocated(); want != got {
		t.Fatalf("unexpected allocated pages: %d != %d", want, got)
	}

	if _, err := ch.Master().ReadSectors(context.Background(), 0, make([]byte, 4*pata.SectorSize)); err != nil {
		t.Fatalf("failed to read: %v", err)
	}
}

func TestChannelFlushIgnoresInterruptWhileBusy(t *testing.T) {
	c := emu.New(nil)
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(16))

	ports := &busyFlushPorts{Controller: c}
	p := c.Platform()
	p.Ports = ports

	reg, err := pata.NewRegistry(p, nil)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() {
		_ = reg.Close()
		c.PIC().Wait()
	})
	ch := reg.Channel(pata.Primary)

	c.InjectFlushFault(pata.Primary, pata.Master, errABRT)

	r := pata.NewRequest(pata.OpWrite, 0, pattern(4))
	if err := ch.Master().Submit(context.Background(), r, true); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	c.PIC().Wait()

	// The interrupt raised while the drive still reads busy is not the
	// flush completing
	if want, got := 1, ports.busyReads(); want != got {
		t.Fatalf("unexpected busy status reads: %d != %d", want, got)
	}
	select {
	case <-r.Done():
		t.Fatalf("request completed while the flush was busy: %+v", r.Result())
	default:
	}

	c.RaiseIRQ(pata.Primary)
	res, err := r.Wait(context.Background())
	if err != nil {
		t.Fatalf("failed to wait: %v", err)
	}
	if res.Code != pata.ResultFailure || res.Sectors != 4 || !errors.Is(res.Err, pata.ErrorABRT) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if want, got := 1, c.Flushes(pata.Primary, pata.Master); want != got {
		t.Fatalf("unexpected flushes: %d != %d", want, got)
	}
}

func TestChannelFlushErrorsKeepDMA(t *testing.T) {
	c := emu.New(nil)
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(16))

	ch := newRegistry(t, c, nil).Channel(pata.Primary)
	c.InjectFlushFault(pata.Primary, pata.Master, errABRT)

	for i := 0; i < pata.DefaultDMAErrorThreshold+1; i++ {
		n, err := ch.Master().WriteSectors(context.Background(), 0, pattern(2), true)
		if !errors.Is(err, pata.ErrorABRT) {
			t.Fatalf("[%02d] expected aborted flush, got: %v", i, err)
		}
		if want, got := 2, n; want != got {
			t.Fatalf("[%02d] unexpected sectors written: %d != %d", i, want, got)
		}
	}

	// The bus master never failed
	if !ch.DMAEnabled() {
		t.Fatal("DMA disabled by flush errors")
	}
}

func TestChannelDMATimeout(t *testing.T) {
	c := emu.New(nil)
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(16))

	ch := newRegistry(t, c, &pata.Config{PollTimeout: 50 * time.Millisecond}).Channel(pata.Primary)
	c.HoldDMA(pata.Primary, true)

	r := pata.NewRequest(pata.OpRead, 0, make([]byte, pata.SectorSize))
	if err := ch.Master().Submit(context.Background(), r, false); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := r.Wait(ctx)
	if err != nil {
		t.Fatalf("request never completed: %v", err)
	}
	if res.Code != pata.ResultFailure || res.Sectors != 0 || !errors.Is(res.Err, pata.ErrTimeout) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if want, got := pata.StateIdle, ch.State(); want != got {
		t.Fatalf("unexpected state: %s != %s", want, got)
	}

	// The stalled transfer was abandoned and the drives reset
	if c.DMAHeld(pata.Primary) {
		t.Fatal("DMA transfer still held after timeout")
	}
	c.HoldDMA(pata.Primary, false)

	if _, err := ch.Master().ReadSectors(context.Background(), 0, make([]byte, pata.SectorSize)); err != nil {
		t.Fatalf("failed to read after timeout: %v", err)
	}
}

func TestChannelRequestSubmittedOnce(t *testing.T) {
	for _, forcePIO := range []bool{false, true} {
		c := emu.New(nil)
		attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(16))
		d := newRegistry(t, c, &pata.Config{ForcePIO: forcePIO}).Channel(pata.Primary).Master()

		r := pata.NewRequest(pata.OpRead, 0, make([]byte, 2*pata.SectorSize))
		if err := d.Submit(context.Background(), r, false); err != nil {
			t.Fatalf("PIO %v: failed to submit: %v", forcePIO, err)
		}
		if res, _ := r.Wait(context.Background()); res.Code != pata.ResultSuccess {
			t.Fatalf("PIO %v: unexpected result: %+v", forcePIO, res)
		}

		c.ResetCommands(pata.Primary)
		if err := d.Submit(context.Background(), r, false); !errors.Is(err, pata.ErrInvalidRequest) {
			t.Fatalf("PIO %v: expected ErrInvalidRequest, got: %v", forcePIO, err)
		}
		if cmds := c.Commands(pata.Primary); len(cmds) != 0 {
			t.Fatalf("PIO %v: completed request issued again: %#x", forcePIO, cmds)
		}
		if res := r.Result(); res.Code != pata.ResultSuccess || res.Sectors != 2 {
			t.Fatalf("PIO %v: result changed: %+v", forcePIO, res)
		}
	}
}

func TestChannelSetDMAEnabledDuringClose(t *testing.T) {
	c := emu.New(nil)
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(16))
	ch := newRegistry(t, c, nil).Channel(pata.Primary)

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 100; i++ {
			if err := ch.SetDMAEnabled(i%2 == 0); err != nil && !errors.Is(err, pata.ErrNoDMA) {
				return err
			}
		}
		return nil
	})
	g.Go(ch.Close)
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := ch.SetDMAEnabled(true); !errors.Is(err, pata.ErrNoDMA) {
		t.Fatalf("expected ErrNoDMA after close, got: %v", err)
	}
	if ch.DMAEnabled() {
		t.Fatal("DMA enabled after close")
	}
}

func TestChannelClose(t *testing.T) {
	c := emu.New(nil)
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(16))

	reg := newRegistry(t, c, nil)
	if want, got := 4, c.Memory().Allocated(); want != got {
		t.Fatalf("unexpected allocated pages: %d != %d", want, got)
	}

	d := reg.Channel(pata.Primary).Master()
	if err := reg.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	if want, got := 0, c.Memory().Allocated(); want != got {
		t.Fatalf("unexpected allocated pages after close: %d != %d", want, got)
	}
	irq := c.IRQ(pata.Primary)
	if !c.PIC().Masked(irq) || len(c.PIC().Handlers(irq)) != 0 {
		t.Fatal("interrupt line still in use after close")
	}

	if _, err := d.ReadSectors(context.Background(), 0, make([]byte, pata.SectorSize)); !errors.Is(err, pata.ErrClosed) {
		t.Fatalf("expected ErrClosed, got: %v", err)
	}
}

func TestChannelEntropy(t *testing.T) {
	c := emu.New(nil)
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(16))

	pool := pata.NewEntropyPool()
	d := newRegistry(t, c, &pata.Config{Entropy: pool}).Channel(pata.Primary).Master()

	for i := 0; i < 3; i++ {
		if _, err := d.ReadSectors(context.Background(), 0, make([]byte, pata.SectorSize)); err != nil {
			t.Fatalf("failed to read: %v", err)
		}
	}

	if want, got := uint64(3), pool.Samples(); want != got {
		t.Fatalf("unexpected samples: %d != %d", want, got)
	}
}

func TestDriveReaderAtWriterAt(t *testing.T) {
	c := emu.New(nil)
	attach(t, c, pata.Primary, pata.Master, emu.NewMemDisk(8))
	d := newRegistry(t, c, nil).Channel(pata.Primary).Master()

	data := pattern(2)
	if n, err := d.WriteAt(data, 2*pata.SectorSize); err != nil || n != len(data) {
		t.Fatalf("failed to write: %d, %v", n, err)
	}

	sr := io.NewSectionReader(d, 0, d.Size())
	buf := make([]byte, len(data))
	if _, err := sr.ReadAt(buf, 2*pata.SectorSize); err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if !bytes.Equal(data, buf) {
		t.Fatal("read data does not match written data")
	}

	var tests = []struct {
		desc  string
		write bool
		off   int64
		n     int
		err   error
	}{
		{desc: "read across end", off: 7 * pata.SectorSize, n: pata.SectorSize, err: io.EOF},
		{desc: "read at end", off: 8 * pata.SectorSize, err: io.EOF},
		{desc: "write across end", write: true, off: 7 * pata.SectorSize, n: pata.SectorSize, err: pata.ErrOutOfRange},
		{desc: "write at end", write: true, off: 8 * pata.SectorSize, err: pata.ErrOutOfRange},
		{desc: "unaligned offset", off: 100, err: pata.ErrInvalidRequest},
	}

	for i, tt := range tests {
		b := make([]byte, 2*pata.SectorSize)

		var (
			n   int
			err error
		)
		if tt.write {
			n, err = d.WriteAt(b, tt.off)
		} else {
			n, err = d.ReadAt(b, tt.off)
		}

		if !errors.Is(err, tt.err) {
			t.Fatalf("[%02d] test %q, unexpected error: %v", i, tt.desc, err)
		}
		if want, got := tt.n, n; want != got {
			t.Fatalf("[%02d] test %q, unexpected length: %d != %d", i, tt.desc, want, got)
		}
	}
}

// attach attaches disk to a slot of c, failing the test on error.
func attach(t *testing.T, c *emu.Controller, ch pata.ChannelType, slot pata.Slot, disk *emu.Disk) {
	t.Helper()
	if err := c.Attach(ch, slot, disk); err != nil {
		t.Fatalf("failed to attach disk: %v", err)
	}
}

// newRegistry creates the channels of c, closing them when the test ends.
func newRegistry(t *testing.T, c *emu.Controller, cfg *pata.Config) *pata.Registry {
	t.Helper()

	reg, err := pata.NewRegistry(c.Platform(), cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() {
		_ = reg.Close()
		c.PIC().Wait()
	})
	return reg
}

// pattern returns n sectors of non-repeating data.
func pattern(n int) []byte {
	b := make([]byte, n*pata.SectorSize)
	for i := range b {
		b[i] = byte(i*7 + i/pata.SectorSize)
	}
	return b
}

// busyFlushPorts reports the drive busy on the first status read after a
// cache flush is issued on the primary channel.
type busyFlushPorts struct {
	*emu.Controller

	mu    sync.Mutex
	armed bool
	busy  int
}

const primaryStatus = 0x1f7

func (p *busyFlushPorts) Out8(port uint16, v uint8) {
	if port == primaryStatus && v == uint8(pata.CommandCacheFlush) {
		p.mu.Lock()
		p.armed = true
		p.mu.Unlock()
	}
	p.Controller.Out8(port, v)
}

func (p *busyFlushPorts) In8(port uint16) uint8 {
	p.mu.Lock()
	if port == primaryStatus && p.armed {
		p.armed = false
		p.busy++
		p.mu.Unlock()
		return uint8(pata.StatusBSY | pata.StatusDRDY)
	}
	p.mu.Unlock()

	return p.Controller.In8(port)
}

func (p *busyFlushPorts) busyReads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// sparseImage is an emu.Image which only stores written sectors.
type sparseImage struct {
	mu      sync.Mutex
	sectors map[int64][]byte
}

func newSparseImage() *sparseImage {
	return &sparseImage{sectors: make(map[int64][]byte)}
}

func (s *sparseImage) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(p); {
		sec, o := (off+int64(i))/pata.SectorSize, (off+int64(i))%pata.SectorSize
		b, ok := s.sectors[sec]
		if !ok {
			b = make([]byte, pata.SectorSize)
		}
		i += copy(p[i:], b[o:])
	}
	return len(p), nil
}

func (s *sparseImage) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(p); {
		sec, o := (off+int64(i))/pata.SectorSize, (off+int64(i))%pata.SectorSize
		b, ok := s.sectors[sec]
		if !ok {
			b = make([]byte, pata.SectorSize)
			s.sectors[sec] = b
		}
		i += copy(b[o:], p[i:])
	}
	return len(p), nil
}
