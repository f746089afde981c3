// Command pataoed exports the drives of a PATA controller as ATA over
// Ethernet targets.
//
// By default the controller is emulated, with drives backed by image files
// or memory.  With -pci, a real controller is driven in PIO mode through
// /dev/port and sysfs, which requires root privileges.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/mdlayher/pata"
	"github.com/mdlayher/pata/aoe"
	"github.com/mdlayher/pata/emu"
	"github.com/mdlayher/pata/internal/hostio"
)

var (
	ifaceFlag     = flag.String("i", "eth0", "network interface")
	shelfFlag     = flag.Uint("shelf", 0x000f, "AoE shelf (major) number")
	advertiseFlag = flag.Duration("advertise", 60*time.Second, "interval between target advertisements")
	imagesFlag    = flag.String("images", "", "comma-separated disk images for hda, hdb, hdc and hdd, emulated controller only")
	memFlag       = flag.Int("mem", 0, "if no images are given, sectors of the in-memory disk attached as hda")
	nativeFlag    = flag.Bool("native", false, "place the emulated controller in native PCI mode")
	pciFlag       = flag.String("pci", "", "PCI address of a host IDE controller, such as 0000:00:01.1")
	pioFlag       = flag.Bool("pio", false, "disable DMA")
	debugFlag     = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *debugFlag {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ifi, err := net.InterfaceByName(*ifaceFlag)
	if err != nil {
		log.Fatal(err)
	}
	if *shelfFlag >= uint(aoe.BroadcastMajor) {
		log.Fatalf("invalid shelf number: %d", *shelfFlag)
	}

	p, cleanup, err := platform()
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()

	reg, err := pata.NewRegistry(p, &pata.Config{
		ForcePIO: *pioFlag,
		Logger:   logger,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer reg.Close()

	s := &aoe.Server{
		Iface: ifi,

		AdvertiseInterval: *advertiseFlag,

		BufferCount:     0x10,
		FirmwareVersion: 0x0001,
		SectorCount:     16,

		Logger: logger,
	}

	drives := reg.Drives()
	if len(drives) == 0 {
		log.Fatal("no PATA drives detected")
	}
	for i, d := range drives {
		if err := s.Handle(uint16(*shelfFlag), uint8(i), d); err != nil {
			log.Fatal(err)
		}

		id := d.Identity()
		log.Printf("serving %s (%q, %d sectors) as AoE target %d.%d on %q",
			d.Name(), id.Model, d.Sectors(), *shelfFlag, i, ifi.Name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := s.ListenAndServe(ctx); err != nil {
		log.Fatal(err)
	}
	log.Println("exiting")
}

// platform creates the services backing the PATA controller.
func platform() (pata.Platform, func(), error) {
	if *pciFlag != "" {
		return hostPlatform(*pciFlag)
	}
	return emuPlatform()
}

func hostPlatform(addr string) (pata.Platform, func(), error) {
	ports, err := hostio.OpenPorts()
	if err != nil {
		return pata.Platform{}, nil, err
	}

	cs, err := hostio.OpenConfigSpace(addr)
	if err != nil {
		_ = ports.Close()
		return pata.Platform{}, nil, err
	}

	return hostio.Platform(ports, cs), func() {
		_ = cs.Close()
		_ = ports.Close()
	}, nil
}

func emuPlatform() (pata.Platform, func(), error) {
	c := emu.New(&emu.Config{Native: *nativeFlag})

	var files []*os.File
	cleanup := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	var disks []*emu.Disk
	if *imagesFlag != "" {
		for _, path := range strings.Split(*imagesFlag, ",") {
			f, err := os.OpenFile(path, os.O_RDWR, 0)
			if err != nil {
				cleanup()
				return pata.Platform{}, nil, err
			}
			files = append(files, f)

			fi, err := f.Stat()
			if err != nil {
				cleanup()
				return pata.Platform{}, nil, err
			}

			disks = append(disks, &emu.Disk{
				Image:    f,
				Sectors:  uint64(fi.Size()) / pata.SectorSize,
				Model:    "PATAOED " + strings.ToUpper(filepath.Base(path)),
				Serial:   fmt.Sprintf("PATAOED%04d", len(disks)),
				Firmware: "1.0",
				LBA48:    uint64(fi.Size())/pata.SectorSize >= 1<<28,
			})
		}
	} else if *memFlag > 0 {
		disks = append(disks, emu.NewMemDisk(*memFlag))
	}

	if len(disks) > 4 {
		cleanup()
		return pata.Platform{}, nil, fmt.Errorf("at most 4 disks can be attached, got %d", len(disks))
	}

	for i, d := range disks {
		ch := pata.ChannelType(i / 2)
		slot := pata.Slot(i % 2)
		if err := c.Attach(ch, slot, d); err != nil {
			cleanup()
			return pata.Platform{}, nil, err
		}
	}

	return c.Platform(), cleanup, nil
}
