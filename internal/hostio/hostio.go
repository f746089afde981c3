// Package hostio provides pata platform services backed by the host
// operating system on Linux: I/O ports through /dev/port and PCI
// configuration space through sysfs.
//
// Both require root privileges.  Neither physical memory nor interrupt
// delivery is available from user space, so channels built on a host
// platform run in PIO mode.
package hostio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mdlayher/pata"
	"golang.org/x/sys/unix"
)

var (
	_ pata.Ports       = &Ports{}
	_ pata.ConfigSpace = &ConfigSpace{}
)

// Ports accesses I/O ports through /dev/port.  Failed accesses read as all
// ones and are reported by Err.
type Ports struct {
	f *os.File

	mu  sync.Mutex
	err error
}

// OpenPorts opens /dev/port for reading and writing.
func OpenPorts() (*Ports, error) {
	f, err := os.OpenFile("/dev/port", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &Ports{f: f}, nil
}

// Close closes /dev/port.
func (p *Ports) Close() error { return p.f.Close() }

// Err returns the first error encountered by an access, if any.
func (p *Ports) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Ports) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *Ports) read(port uint16, b []byte) {
	if _, err := unix.Pread(int(p.f.Fd()), b, int64(port)); err != nil {
		for i := range b {
			b[i] = 0xff
		}
		p.setErr(fmt.Errorf("hostio: read port %#x: %w", port, err))
	}
}

func (p *Ports) write(port uint16, b []byte) {
	if _, err := unix.Pwrite(int(p.f.Fd()), b, int64(port)); err != nil {
		p.setErr(fmt.Errorf("hostio: write port %#x: %w", port, err))
	}
}

func (p *Ports) In8(port uint16) uint8 {
	var b [1]byte
	p.read(port, b[:])
	return b[0]
}

func (p *Ports) In16(port uint16) uint16 {
	var b [2]byte
	p.read(port, b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (p *Ports) In32(port uint16) uint32 {
	var b [4]byte
	p.read(port, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (p *Ports) Out8(port uint16, v uint8) {
	p.write(port, []byte{v})
}

func (p *Ports) Out16(port uint16, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	p.write(port, b[:])
}

func (p *Ports) Out32(port uint16, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.write(port, b[:])
}

// errWidth is reported for an access which is not 1, 2 or 4 bytes wide.
var errWidth = errors.New("hostio: invalid config space access width")

// ConfigSpace accesses the configuration space of one PCI function through
// its sysfs config file.  Failed reads return all ones.
type ConfigSpace struct {
	f *os.File

	mu  sync.Mutex
	err error
}

// OpenConfigSpace opens the configuration space of the PCI function at addr,
// such as "0000:00:01.1".
func OpenConfigSpace(addr string) (*ConfigSpace, error) {
	return openConfigSpace(filepath.Join("/sys/bus/pci/devices", addr, "config"))
}

func openConfigSpace(path string) (*ConfigSpace, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &ConfigSpace{f: f}, nil
}

// Close closes the config file.
func (c *ConfigSpace) Close() error { return c.f.Close() }

// Err returns the first error encountered by an access, if any.
func (c *ConfigSpace) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *ConfigSpace) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *ConfigSpace) ReadConfig(reg, width int) uint32 {
	if !validWidth(width) {
		c.setErr(errWidth)
		return 0xffffffff
	}

	var b [4]byte
	if _, err := c.f.ReadAt(b[:width], int64(reg)); err != nil {
		c.setErr(fmt.Errorf("hostio: read config %#x: %w", reg, err))
		return 0xffffffff
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (c *ConfigSpace) WriteConfig(reg, width int, v uint32) {
	if !validWidth(width) {
		c.setErr(errWidth)
		return
	}

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if _, err := c.f.WriteAt(b[:width], int64(reg)); err != nil {
		c.setErr(fmt.Errorf("hostio: write config %#x: %w", reg, err))
	}
}

func validWidth(width int) bool {
	return width == 1 || width == 2 || width == 4
}

// Platform returns a pata.Platform using ports and cs.
func Platform(ports *Ports, cs *ConfigSpace) pata.Platform {
	return pata.Platform{
		Ports: ports,
		PCI:   cs,
	}
}
