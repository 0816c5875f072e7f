// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package conduit

import (
	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/socket"
)

func (c *Channel) connectUDS(ep chandef.UDSEndpoint, done func(error)) {
	cli := socket.NewUDSClient(c.lp)
	c.impl = cli
	cli.Connect(ep, done)
}

func (c *Channel) listenUDS() (chandef.Def, error) {
	srv := socket.NewUDSServer(c.lp)
	def, err := srv.BindAndListen()
	if err != nil {
		return chandef.Def{}, err
	}
	c.impl = srv
	return def, nil
}
