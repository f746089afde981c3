package pata

import (
	"errors"

	"golang.org/x/sync/errgroup"
)

// A Registry owns the channels of one IDE controller.  It is created once,
// when the controller is attached, and closed at shutdown.
type Registry struct {
	channels [2]*Channel
}

// NewRegistry creates both channels of the controller described by p and
// detects their drives.  The channels are probed concurrently.
//
// If either channel cannot be created, NewRegistry closes the other and
// returns the error.
func NewRegistry(p Platform, cfg *Config) (*Registry, error) {
	var r Registry

	var g errgroup.Group
	for _, typ := range []ChannelType{Primary, Secondary} {
		typ := typ
		g.Go(func() error {
			c, err := NewChannel(typ, p, cfg)
			if err != nil {
				return err
			}
			r.channels[typ] = c
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		_ = r.Close()
		return nil, err
	}

	return &r, nil
}

// Channel returns the channel of type typ.
func (r *Registry) Channel(typ ChannelType) *Channel {
	if int(typ) >= len(r.channels) {
		return nil
	}
	return r.channels[typ]
}

// Drives returns every detected drive, in hda, hdb, hdc, hdd order.
func (r *Registry) Drives() []*Drive {
	var ds []*Drive
	for _, c := range r.channels {
		if c == nil {
			continue
		}
		if d := c.Master(); d != nil {
			ds = append(ds, d)
		}
		if d := c.Slave(); d != nil {
			ds = append(ds, d)
		}
	}
	return ds
}

// Close closes every channel.
func (r *Registry) Close() error {
	var errs []error
	for _, c := range r.channels {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
