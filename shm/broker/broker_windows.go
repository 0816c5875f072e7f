// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/Microsoft/go-winio"
	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/loop"
	"github.com/creachadair/conduit/status"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// New returns the broker for the current platform, running on lp.
func New(lp *loop.Loop) Broker { return NewPipe(lp) }

// Pipe is a [Broker] that sends the blob over a named pipe. Handles are not
// transferred; the blob names the file mapping to open.
//
// The pipe may have any number of instances, but a single goroutine accepts
// and serves them, finishing each exchange before accepting the next. So at
// most one fill is in flight, as with the POSIX broker.
type Pipe struct {
	lp  *loop.Loop
	log *zap.Logger
	g   *taskgroup.Group

	μ      sync.Mutex
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPipe constructs a broker running on lp.
func NewPipe(lp *loop.Loop) *Pipe {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipe{
		lp:     lp,
		log:    zap.L().Named("broker"),
		g:      taskgroup.New(nil),
		ctx:    ctx,
		cancel: cancel,
	}
}

func pipeName() string {
	var tag [8]byte
	rand.Read(tag[:])
	return fmt.Sprintf(`\\.\pipe\conduit-%d-%s`, windows.GetCurrentProcessId(), hex.EncodeToString(tag[:]))
}

// Setup implements part of the [Broker] interface. The fill function is
// called on the loop for each subscriber.
func (b *Pipe) Setup(fill FillFunc) (chandef.Def, error) {
	b.μ.Lock()
	defer b.μ.Unlock()
	if b.ln != nil {
		return chandef.Def{}, status.InvalidArgumentf("broker is already set up")
	}
	name := pipeName()
	ln, err := winio.ListenPipe(name, &winio.PipeConfig{MessageMode: true})
	if err != nil {
		return chandef.Def{}, status.Unavailablef("broker setup: %v", err)
	}
	b.ln = ln
	b.g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if errors.Is(err, winio.ErrPipeListenerClosed) || errors.Is(err, net.ErrClosed) {
				return nil
			} else if err != nil {
				b.log.Warn("accept failed", zap.Error(err))
				continue
			}
			b.serve(conn, fill)
		}
	})
	return chandef.UDSDef(name, false), nil
}

func (b *Pipe) serve(conn net.Conn, fill FillFunc) {
	defer conn.Close()
	d := noData
	ch := make(chan error, 1)
	if !b.lp.Post(func() { ch <- fill(&d) }) {
		return
	}
	var ferr error
	select {
	case ferr = <-ch:
	case <-b.ctx.Done():
		return
	}
	if ferr != nil {
		b.log.Warn("fill failed", zap.Error(ferr))
		return
	} else if !checkBlob(b.log, d) {
		return
	}
	if _, err := conn.Write(d.Blob); err != nil {
		b.log.Warn("send failed", zap.Error(err))
	}
}

var noData = Data{Handle: -1, ReadOnlyHandle: -1}

// WaitForBroker implements part of the [Broker] interface.
func (b *Pipe) WaitForBroker(def chandef.Def, done func(Data, error)) {
	ep, err := brokerEndpoint(def)
	if err != nil {
		done(noData, err)
		return
	}
	b.g.Go(func() error {
		data, err := b.receive(ep.SocketPath)
		b.lp.Post(func() {
			if b.ctx.Err() == nil {
				done(data, err)
			}
		})
		return nil
	})
}

func (b *Pipe) receive(name string) (Data, error) {
	conn, err := winio.DialPipeContext(b.ctx, name)
	if err != nil {
		return noData, status.Unavailablef("connect to broker: %v", err)
	}
	defer conn.Close()
	buf := make([]byte, MaxBlobSize)
	n, err := conn.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return noData, status.Unavailablef("receive from broker: %v", err)
	} else if n == 0 {
		return noData, status.DataLossf("broker sent no data")
	}
	data := noData
	data.Blob = buf[:n]
	return data, nil
}

// Close implements part of the [Broker] interface.
func (b *Pipe) Close() error {
	b.cancel()
	b.μ.Lock()
	var err error
	if b.ln != nil {
		err = b.ln.Close()
	}
	b.μ.Unlock()
	b.g.Wait()
	return err
}
