package pata

import (
	"io"
	"log/slog"
	"time"
)

// Default Config values.
const (
	DefaultDMAErrorThreshold = 3
	DefaultDetectTimeout     = 1 * time.Second
	DefaultPollTimeout       = 5 * time.Second
)

// A Platform bundles the services a Channel consumes from the rest of the
// system.
type Platform struct {
	// Ports and PCI are required.
	Ports Ports
	PCI   ConfigSpace

	// Mem and IRQ are needed for DMA.  If either is nil, channels use
	// PIO only.
	Mem PhysMem
	IRQ InterruptController
}

// Config configures a Channel.  The zero value is a valid configuration.
type Config struct {
	// ForcePIO disables DMA for the lifetime of the channel.  No DMA
	// pages are allocated.
	ForcePIO bool

	// DMAErrorThreshold is the number of consecutive failed DMA requests
	// after which a channel turns DMA off and falls back to PIO.  Zero
	// selects DefaultDMAErrorThreshold; a negative value never falls back.
	DMAErrorThreshold int

	// DetectTimeout bounds each wait while identifying drives.
	DetectTimeout time.Duration

	// PollTimeout bounds each status wait during PIO transfers, and the
	// wait for a DMA request's completion interrupt.
	PollTimeout time.Duration

	// Logger receives driver log output.  If nil, output is discarded.
	Logger *slog.Logger

	// Entropy receives one disk timing sample per completed request.  If
	// nil, samples are discarded.
	Entropy EntropySource
}

// withDefaults returns a copy of c with zero values replaced by defaults.
func (c *Config) withDefaults() Config {
	var cfg Config
	if c != nil {
		cfg = *c
	}

	if cfg.DMAErrorThreshold == 0 {
		cfg.DMAErrorThreshold = DefaultDMAErrorThreshold
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = DefaultDetectTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Entropy == nil {
		cfg.Entropy = discardEntropy{}
	}

	return cfg
}

type discardEntropy struct{}

func (discardEntropy) AddSample(uint64) {}
