// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package conduit

import (
	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/socket"
)

func (c *Channel) connectWS(ep chandef.IPEndpoint, done func(error)) {
	cli := socket.NewWSClient(c.lp, c.settings.WS.options())
	c.impl = cli
	cli.Connect(ep, done)
}

func (c *Channel) listenWS() (chandef.Def, error) {
	srv := socket.NewWSServer(c.lp, c.settings.WS.options())
	srv.Host = c.settings.Host
	def, err := srv.Listen()
	if err != nil {
		return chandef.Def{}, err
	}
	c.impl = srv
	return def, nil
}
