// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package conduit

import (
	"net/netip"

	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/socket"
)

func (c *Channel) connectUDP(group netip.AddrPort, done func(error)) {
	cli := socket.NewUDPClient(c.lp)
	c.impl = cli
	cli.Connect(group, done)
}

func (c *Channel) listenUDP() (chandef.Def, error) {
	srv := socket.NewUDPServer(c.lp)
	def, err := srv.Bind()
	if err != nil {
		return chandef.Def{}, err
	}
	c.impl = srv
	return def, nil
}
