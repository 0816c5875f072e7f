// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package conduit

import (
	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/shm"
	"github.com/creachadair/conduit/shm/broker"
	"github.com/creachadair/conduit/status"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// listenSHM creates a shared-memory region and starts a broker that hands
// read-only access to it to each subscriber. It returns a definition naming
// the broker.
func (c *Channel) listenSHM() (chandef.Def, error) {
	size := c.settings.Shm.regionSize()
	region, err := shm.Create(size)
	if err != nil {
		return chandef.Def{}, err
	}
	meta := shm.NewMetadata(shm.ReadOnly, region.Size())
	blob := meta.Encode()

	b := broker.New(c.lp)
	bdef, err := b.Setup(func(d *broker.Data) error {
		// Subscribers only get the read-only descriptor, as their primary.
		_, d.Handle = region.Handles()
		d.Blob = blob
		return nil
	})
	if err != nil {
		region.Close()
		return chandef.Def{}, err
	}
	c.impl, c.broker = regionImpl{region}, b
	c.log.Info("shared memory ready", zap.Stringer("region", meta), zap.Stringer("broker", bdef))
	return chandef.SHMDef(bdef), nil
}

// connectSHM waits for the broker named by def, and maps the region it
// hands over.
func (c *Channel) connectSHM(ep chandef.SHMEndpoint, done func(error)) {
	b := broker.New(c.lp)
	c.broker = b
	b.WaitForBroker(ep.Broker, func(d broker.Data, err error) {
		if err != nil {
			done(err)
			return
		}
		// Map the read-only descriptor when the publisher sends both.
		fd := d.Handle
		if d.ReadOnlyHandle >= 0 {
			unix.Close(fd)
			fd = d.ReadOnlyHandle
		}
		meta, err := shm.DecodeMetadata(d.Blob)
		if err != nil || fd < 0 {
			if fd >= 0 {
				unix.Close(fd)
			}
			if err == nil {
				err = status.DataLossf("broker sent no region handle")
			}
			done(err)
			return
		}
		region, err := shm.Open(fd, meta.Size, meta.Mode)
		if err != nil {
			done(err)
			return
		}
		c.impl = regionImpl{region}
		c.log.Debug("mapped shared memory", zap.Stringer("region", meta))
		done(nil)
	})
}
