package emu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mdlayher/pata"
)

// ErrHandlerRegistered is returned when a handler is registered twice on
// the same line.
var ErrHandlerRegistered = errors.New("emu: handler already registered")

// A PIC is an emulated interrupt controller.  It implements
// pata.InterruptController.
//
// Lines start masked.  An interrupt raised on a masked line, or a line with
// no handlers, is latched and delivered when the line is enabled.  Delivery
// runs every handler of the line on a new goroutine; deliveries on one
// line are serialized.
type PIC struct {
	mu    sync.Mutex
	lines map[int]*line
	wg    sync.WaitGroup
}

type line struct {
	// deliver serializes handler invocations on the line.
	deliver sync.Mutex

	handlers  []pata.IRQHandler
	masked    bool
	pending   bool
	delivered int
}

var _ pata.InterruptController = &PIC{}

// NewPIC creates a PIC with every line masked.
func NewPIC() *PIC {
	return &PIC{lines: make(map[int]*line)}
}

// lineLocked returns line irq, creating it if needed.  p.mu must be held.
func (p *PIC) lineLocked(irq int) *line {
	l, ok := p.lines[irq]
	if !ok {
		l = &line{masked: true}
		p.lines[irq] = l
	}
	return l
}

// RegisterIRQ implements pata.InterruptController.
func (p *PIC) RegisterIRQ(irq int, h pata.IRQHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.lineLocked(irq)
	for _, hh := range l.handlers {
		if hh == h {
			return fmt.Errorf("%w: %q on IRQ %d", ErrHandlerRegistered, h.Purpose(), irq)
		}
	}
	l.handlers = append(l.handlers, h)
	return nil
}

// UnregisterIRQ implements pata.InterruptController.
func (p *PIC) UnregisterIRQ(irq int, h pata.IRQHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.lineLocked(irq)
	for i, hh := range l.handlers {
		if hh == h {
			l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
			return
		}
	}
}

// EnableIRQ implements pata.InterruptController.
func (p *PIC) EnableIRQ(irq int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.lineLocked(irq)
	l.masked = false
	if l.pending && len(l.handlers) > 0 {
		l.pending = false
		p.deliverLocked(l)
	}
}

// DisableIRQ implements pata.InterruptController.
func (p *PIC) DisableIRQ(irq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lineLocked(irq).masked = true
}

// Raise asserts line irq.
func (p *PIC) Raise(irq int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.lineLocked(irq)
	if l.masked || len(l.handlers) == 0 {
		l.pending = true
		return
	}
	p.deliverLocked(l)
}

// deliverLocked runs l's handlers on a new goroutine.  p.mu must be held.
func (p *PIC) deliverLocked(l *line) {
	hs := append([]pata.IRQHandler(nil), l.handlers...)
	l.delivered++

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		l.deliver.Lock()
		defer l.deliver.Unlock()
		for _, h := range hs {
			h.HandleIRQ()
		}
	}()
}

// Delivered returns the number of interrupts delivered on line irq.
func (p *PIC) Delivered(irq int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lineLocked(irq).delivered
}

// Masked reports whether line irq is masked.
func (p *PIC) Masked(irq int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lineLocked(irq).masked
}

// Handlers returns the purposes of the handlers registered on line irq.
func (p *PIC) Handlers(irq int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ss []string
	for _, h := range p.lineLocked(irq).handlers {
		ss = append(ss, h.Purpose())
	}
	return ss
}

// Wait blocks until every delivery started so far has returned.
func (p *PIC) Wait() {
	p.wg.Wait()
}
