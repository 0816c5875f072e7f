// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package broker

import (
	"sync"

	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/loop"
	"github.com/creachadair/conduit/socket"
	"github.com/creachadair/conduit/status"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// New returns the broker for the current platform, running on lp.
func New(lp *loop.Loop) Broker { return NewPOSIX(lp) }

// POSIX is a [Broker] that passes descriptors over a Unix-domain socket.
//
// The publisher side accepts one connection at a time, sends the data with a
// single sendmsg, closes the connection, and waits for the next subscriber.
// The subscriber side receives the data with a blocking recvmsg on a helper
// goroutine, and delivers it to the loop.
type POSIX struct {
	lp  *loop.Loop
	log *zap.Logger
	g   *taskgroup.Group

	// Auth, if set, is checked against the credentials of each subscriber.
	Auth socket.AuthFunc

	srv    *socket.UDSServer
	fill   FillFunc
	closed bool

	μ       sync.Mutex
	waiting mapset.Set[int] // descriptors blocked in recvmsg
}

// NewPOSIX constructs a broker running on lp.
func NewPOSIX(lp *loop.Loop) *POSIX {
	return &POSIX{
		lp:      lp,
		log:     zap.L().Named("broker"),
		g:       taskgroup.New(nil),
		waiting: mapset.New[int](),
	}
}

// Setup implements part of the [Broker] interface.
func (b *POSIX) Setup(fill FillFunc) (chandef.Def, error) {
	if b.srv != nil {
		return chandef.Def{}, status.InvalidArgumentf("broker is already set up")
	}
	srv := socket.NewUDSServer(b.lp)
	def, err := srv.BindAndListen()
	if err != nil {
		return chandef.Def{}, status.Unavailablef("broker setup: %v", err)
	}
	b.srv, b.fill = srv, fill
	b.accept()
	return def, nil
}

func (b *POSIX) accept() { b.srv.AcceptOnceIntercept(b.onAccept, b.Auth) }

func (b *POSIX) onAccept(conn *socket.StreamConn, err error) {
	if b.srv == nil {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err == nil {
		b.send(conn)
	} else if !status.Is(err, status.PermissionDenied) {
		b.log.Error("broker stopped", zap.Error(err))
		return
	}
	b.accept()
}

// send sends the data for one subscriber over conn, and closes it.
func (b *POSIX) send(conn *socket.StreamConn) {
	fd := conn.Detach()
	defer unix.Close(fd)

	d := Data{Handle: -1, ReadOnlyHandle: -1}
	if err := b.fill(&d); err != nil {
		b.log.Warn("fill failed", zap.Error(err))
		return
	} else if !checkBlob(b.log, d) || len(d.Blob) == 0 {
		return
	}
	// Handles travel in order, so a read-only handle needs a primary.
	var fds []int
	if d.Handle >= 0 {
		fds = append(fds, d.Handle)
		if d.ReadOnlyHandle >= 0 {
			fds = append(fds, d.ReadOnlyHandle)
		}
	} else if d.ReadOnlyHandle >= 0 {
		b.log.Warn("read-only handle without a primary handle")
		return
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		b.log.Warn("set blocking mode failed", zap.Error(err))
		return
	}
	if err := unix.Sendmsg(fd, d.Blob, unix.UnixRights(fds...), nil, 0); err != nil {
		b.log.Warn("send failed", zap.Error(err))
		return
	}
	b.log.Debug("sent handles", zap.Int("blob", len(d.Blob)), zap.Int("fds", len(fds)))
}

// WaitForBroker implements part of the [Broker] interface.
func (b *POSIX) WaitForBroker(def chandef.Def, done func(Data, error)) {
	ep, err := brokerEndpoint(def)
	if err != nil {
		done(noData, err)
		return
	}
	cli := socket.NewUDSClient(b.lp)
	cli.Connect(ep, func(err error) {
		if err != nil {
			cli.Close()
			done(noData, status.Unavailablef("connect to broker: %v", err))
			return
		}
		fd := cli.Detach()
		b.μ.Lock()
		b.waiting.Add(fd)
		b.μ.Unlock()

		b.g.Go(func() error {
			data, err := receive(fd)

			b.μ.Lock()
			b.waiting.Remove(fd)
			unix.Close(fd)
			b.μ.Unlock()

			if !b.lp.Post(func() {
				if b.closed {
					data.closeHandles()
					return
				}
				done(data, err)
			}) {
				data.closeHandles()
			}
			return nil
		})
	})
}

var noData = Data{Handle: -1, ReadOnlyHandle: -1}

// receive reads one exchange from fd, blocking until it arrives.
func receive(fd int) (Data, error) {
	if err := unix.SetNonblock(fd, false); err != nil {
		return noData, status.Unavailablef("set blocking mode: %v", err)
	}
	buf := make([]byte, MaxBlobSize)
	oob := make([]byte, unix.CmsgSpace(2*4))
	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return noData, status.Unavailablef("receive from broker: %v", err)
	}

	data := noData
	var fds []int
	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return noData, status.DataLossf("invalid control message: %v", err)
		}
		for _, m := range msgs {
			if rights, err := unix.ParseUnixRights(&m); err == nil {
				fds = append(fds, rights...)
			}
		}
	}
	for i, h := range fds {
		unix.CloseOnExec(h)
		switch i {
		case 0:
			data.Handle = h
		case 1:
			data.ReadOnlyHandle = h
		default:
			unix.Close(h)
		}
	}
	if n == 0 {
		data.closeHandles()
		return noData, status.DataLossf("broker sent no data")
	}
	data.Blob = buf[:n]
	return data, nil
}

// closeHandles closes the descriptors held by d.
func (d Data) closeHandles() {
	for _, h := range []int{d.Handle, d.ReadOnlyHandle} {
		if h >= 0 {
			unix.Close(h)
		}
	}
}

// Close implements part of the [Broker] interface.
func (b *POSIX) Close() error {
	b.closed = true
	var err error
	if b.srv != nil {
		err = b.srv.Close()
		b.srv = nil
	}
	b.μ.Lock()
	for _, fd := range b.waiting.Slice() {
		unix.Shutdown(fd, unix.SHUT_RDWR)
	}
	b.μ.Unlock()
	b.g.Wait()
	return err
}
