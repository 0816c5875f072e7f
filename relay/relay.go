// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package relay adapts conduit channels to blocking calls, for use by
// ordinary goroutines that do not run on a loop.
//
// A [Conn] sends and receives whole messages. Use [New] to wrap a connected
// [conduit.Channel], [IO] to frame messages on a reader and a writer, or
// [Direct] to construct an in-memory pair for testing. [Serve] runs a handler
// for each connection admitted by an [Accepter].
package relay

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"

	"github.com/creachadair/conduit"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// A Conn sends and receives messages. Send and Recv may be called
// concurrently with each other, but each must be called by at most one
// goroutine at a time.
type Conn interface {
	// Send sends msg to the peer. The caller may reuse msg once Send returns.
	Send(ctx context.Context, msg []byte) error

	// Recv blocks until a message is available from the peer or ctx ends.
	// After the peer closes, Recv reports an error satisfying
	// errors.Is(err, net.ErrClosed) or errors.Is(err, io.EOF).
	Recv(ctx context.Context) ([]byte, error)

	// Close closes the connection. Blocked calls to Send and Recv fail.
	Close() error
}

// Direct constructs a connected pair of in-memory connections. Messages sent
// to A are received by B and vice versa.
func Direct() (A, B Conn) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	A = direct{out: a2b, in: b2a}
	B = direct{out: b2a, in: a2b}
	return
}

type direct struct {
	out chan<- []byte
	in  <-chan []byte
}

func (d direct) Send(ctx context.Context, msg []byte) (err error) {
	defer safeClose(&err)
	select {
	case d.out <- append([]byte(nil), msg...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d direct) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-d.in:
		if !ok {
			return nil, net.ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.out)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a connection that receives framed messages from r and sends
// them to wc. Messages larger than maxSize are rejected by Recv; if maxSize
// is zero there is no limit.
//
// The context arguments of Send and Recv are not consulted once an
// operation begins; close wc to interrupt a blocked call.
func IO(r io.Reader, wc io.WriteCloser, maxSize int) IOConn {
	return IOConn{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc, max: maxSize}
}

// An IOConn sends and receives framed messages on a reader and a writer.
type IOConn struct {
	r   *bufio.Reader
	w   *bufio.Writer
	c   io.Closer
	max int
}

// Send implements a method of the [Conn] interface.
func (c IOConn) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := conduit.WriteMessage(c.w, msg); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [Conn] interface.
func (c IOConn) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return conduit.ReadMessage(c.r, c.max)
}

// Close implements a method of the [Conn] interface.
func (c IOConn) Close() error { return c.c.Close() }

// An Accepter admits connections from clients.
type Accepter interface {
	// Accept blocks until a client connects or ctx ends. When the accepter is
	// closed, Accept reports an error satisfying errors.Is(err, net.ErrClosed).
	Accept(context.Context) (Conn, error)
}

// A Handler serves a single connection. The connection is closed when the
// handler returns.
type Handler func(context.Context, Conn) error

// Serve accepts connections from acc and runs handle for each one in a
// goroutine. Serve continues until acc closes or ctx ends.
//
// When ctx terminates, the contexts of all running handlers end. When acc
// closes, Serve waits for running handlers to exit before returning.
// Handler errors are logged, and do not stop the server.
func Serve(ctx context.Context, acc Accepter, handle Handler) error {
	log := zap.L().Named("relay")
	g := taskgroup.New(nil)
	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			defer conn.Close()
			if err := handle(ctx, conn); err != nil && !isClosed(err) {
				log.Warn("handler failed", zap.Error(err))
			}
			return nil
		})
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled)
}

// NetAccepter adapts a net.Listener to the Accepter interface. Each accepted
// connection is framed with [IO], with messages limited to maxSize bytes.
func NetAccepter(lst net.Listener, maxSize int) Accepter {
	return netAccepter{Listener: lst, max: maxSize}
}

type netAccepter struct {
	net.Listener
	max int
}

func (n netAccepter) Accept(ctx context.Context) (Conn, error) {
	// A net.Listener does not obey a context, so close the listener if ctx
	// ends. The ok channel releases the watcher when we return first.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return IO(conn, conn, n.max), nil
}
