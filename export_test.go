package pata

import "context"

// Probe re-runs drive identification on c.  It does not change the
// channel's drives.
func (c *Channel) Probe() [2]*Identity {
	if err := c.reqSem.Acquire(context.Background(), 1); err != nil {
		panic(err)
	}
	defer c.reqSem.Release(1)
	return c.probe()
}
