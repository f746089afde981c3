package aoe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/raw"
)

// ErrTargetExists is returned when a target address is registered twice.
var ErrTargetExists = errors.New("AoE target already registered")

// A Server serves one or more AoE targets on a network interface.
//
// Requests are handled one at a time, in the order they are received.
type Server struct {
	// Iface is the interface the Server listens and advertises on.
	Iface *net.Interface

	// AdvertiseInterval is the interval between broadcast advertisements of
	// each target.  If zero, targets are advertised once, when serving
	// starts.
	AdvertiseInterval time.Duration

	// BufferCount, FirmwareVersion and SectorCount are reported in every
	// target's configuration.
	BufferCount     uint16
	FirmwareVersion uint16
	SectorCount     uint8

	// Logger receives server log output.  If nil, output is discarded.
	Logger *slog.Logger

	mu      sync.Mutex
	targets []*target
	p       net.PacketConn
}

// A target is one served Device.
type target struct {
	major  uint16
	minor  uint8
	dev    Device
	config []byte // guarded by Server.mu
}

// Handle registers d as the target at major and minor.  Handle must be
// called before serving starts.
func (s *Server) Handle(major uint16, minor uint8, d Device) error {
	if major == BroadcastMajor || minor == BroadcastMinor {
		return fmt.Errorf("aoe: target %d.%d: %w", major, minor, ErrorBadArgumentParameter)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.targets {
		if t.major == major && t.minor == minor {
			return fmt.Errorf("aoe: target %d.%d: %w", major, minor, ErrTargetExists)
		}
	}
	s.targets = append(s.targets, &target{major: major, minor: minor, dev: d})
	return nil
}

// ListenAndServe listens for AoE frames on s.Iface and serves them until
// ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	p, err := raw.ListenPacket(s.Iface, uint16(EtherType), nil)
	if err != nil {
		return err
	}

	return s.Serve(ctx, p)
}

// Serve serves AoE frames read from p until ctx is canceled or p is
// closed.  Serve closes p before returning.
func (s *Server) Serve(ctx context.Context, p net.PacketConn) error {
	s.mu.Lock()
	s.p = p
	s.mu.Unlock()
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		// Unblock ReadFrom on cancelation
		<-ctx.Done()
		_ = p.Close()
	}()
	go s.advertiseLoop(ctx)

	buf := make([]byte, 9000)
	for {
		n, addr, err := p.ReadFrom(buf)
		if err != nil {
			// Treat EOF and cancelation as an exit signal
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}

			return err
		}

		ra, ok := addr.(*raw.Addr)
		if !ok {
			continue
		}
		s.serve(ctx, ra, buf[:n])
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

func (s *Server) advertiseLoop(ctx context.Context) {
	var tick <-chan time.Time
	if s.AdvertiseInterval > 0 {
		t := time.NewTicker(s.AdvertiseInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		for _, t := range s.snapshot() {
			if _, err := s.send(s.configHeader(t), ethernet.Broadcast); err != nil {
				if ctx.Err() == nil {
					s.logger().Warn("failed to advertise AoE target",
						"major", t.major, "minor", t.minor, "error", err)
				}
				return
			}
		}

		if tick == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick:
		}
	}
}

func (s *Server) snapshot() []*target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*target(nil), s.targets...)
}

// configHeader builds an unsolicited configuration response for t.
func (s *Server) configHeader(t *target) *Header {
	return &Header{
		Version:      Version,
		FlagResponse: true,
		Major:        t.major,
		Minor:        t.minor,
		Command:      CommandQueryConfigInformation,
		Arg:          s.configArg(t),
	}
}

func (s *Server) configArg(t *target) *ConfigArg {
	s.mu.Lock()
	config := append([]byte(nil), t.config...)
	s.mu.Unlock()

	return &ConfigArg{
		BufferCount:     s.BufferCount,
		FirmwareVersion: s.FirmwareVersion,
		SectorCount:     s.SectorCount,
		Version:         Version,
		Command:         ConfigCommandRead,
		StringLength:    uint16(len(config)),
		String:          config,
	}
}

func (s *Server) send(h *Header, dst net.HardwareAddr) (int, error) {
	hb, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	f := &ethernet.Frame{
		Destination: dst,
		Source:      s.Iface.HardwareAddr,
		EtherType:   EtherType,
		Payload:     hb,
	}

	fb, err := f.MarshalBinary()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	p := s.p
	s.mu.Unlock()

	return p.WriteTo(fb, &raw.Addr{
		HardwareAddr: dst,
	})
}

// serve handles a single frame received from addr.
func (s *Server) serve(ctx context.Context, addr *raw.Addr, b []byte) {
	log := s.logger()

	f := new(ethernet.Frame)
	if err := f.UnmarshalBinary(b); err != nil {
		log.Debug("dropping malformed frame", "source", addr.HardwareAddr.String(), "error", err)
		return
	}
	if f.EtherType != EtherType {
		return
	}

	h := new(Header)
	perr := h.UnmarshalBinary(f.Payload)
	if len(f.Payload) < headerLen || h.FlagResponse {
		return
	}

	for _, t := range s.snapshot() {
		if !t.matches(h) {
			continue
		}

		w := &response{
			s:      s,
			remote: addr.HardwareAddr,
			t:      t,
			r:      h,
		}

		var (
			aerr Error
			err  error
		)
		switch {
		case errors.As(perr, &aerr):
			// Report protocol errors to addressed targets only
			if h.Major != BroadcastMajor && h.Minor != BroadcastMinor {
				_, err = w.sendError(aerr)
			}
		case perr != nil:
			log.Debug("dropping malformed AoE request", "source", addr.HardwareAddr.String(), "error", perr)
			return
		case h.Command == CommandQueryConfigInformation:
			_, err = s.serveConfig(w, t, h.Arg.(*ConfigArg))
		case h.Command == CommandIssueATACommand:
			_, err = ServeATA(ctx, w, h, t.dev)
		}

		if err != nil {
			log.Warn("failed to serve AoE request",
				"source", addr.HardwareAddr.String(),
				"major", t.major,
				"minor", t.minor,
				"command", h.Command.String(),
				"error", err)
		}
	}
}

// matches reports whether h is addressed to t.
func (t *target) matches(h *Header) bool {
	return (h.Major == BroadcastMajor || h.Major == t.major) &&
		(h.Minor == BroadcastMinor || h.Minor == t.minor)
}

// serveConfig answers a config query for t, as described in AoEr11,
// Section 3.2.
func (s *Server) serveConfig(w *response, t *target, arg *ConfigArg) (int, error) {
	s.mu.Lock()
	switch arg.Command {
	case ConfigCommandRead:
	case ConfigCommandTest:
		if !bytes.Equal(arg.String, t.config) {
			s.mu.Unlock()
			return 0, nil
		}
	case ConfigCommandTestPrefix:
		if !bytes.HasPrefix(t.config, arg.String) {
			s.mu.Unlock()
			return 0, nil
		}
	case ConfigCommandSet:
		if len(t.config) > 0 && !bytes.Equal(arg.String, t.config) {
			s.mu.Unlock()
			return w.sendError(ErrorConfigStringPresent)
		}
		t.config = append([]byte(nil), arg.String...)
	case ConfigCommandForceSet:
		t.config = append([]byte(nil), arg.String...)
	default:
		s.mu.Unlock()
		return w.sendError(ErrorBadArgumentParameter)
	}
	s.mu.Unlock()

	return w.Send(&Header{Arg: s.configArg(t)})
}

// response implements ResponseSender for one target's reply to a request.
type response struct {
	s      *Server
	remote net.HardwareAddr
	t      *target
	r      *Header
}

// Send marshals h as a response to the request, and sends it to the
// requesting client.
func (w *response) Send(h *Header) (int, error) {
	// Outgoing traffic is always a response
	h.Version = Version
	h.FlagResponse = true
	h.Major = w.t.major
	h.Minor = w.t.minor
	h.Command = w.r.Command
	h.Tag = w.r.Tag

	return w.s.send(h, w.remote)
}

// sendError replies with AoE error e.
func (w *response) sendError(e Error) (int, error) {
	return w.Send(&Header{
		FlagError: true,
		Error:     e,
		Arg:       emptyArg{},
	})
}

// emptyArg is the argument of an error response.
type emptyArg struct{}

func (emptyArg) MarshalBinary() ([]byte, error) { return nil, nil }
func (emptyArg) UnmarshalBinary([]byte) error   { return nil }
