// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"

	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/loop"
	"github.com/creachadair/conduit/status"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSOptions are the settings of a WebSocket client or server.
type WSOptions struct {
	// PermessageDeflate enables the permessage-deflate extension.
	PermessageDeflate bool

	// ServerMaxWindowBits is the server_max_window_bits parameter offered with
	// permessage-deflate. The compressor uses its own window size, so the
	// value is recorded but not negotiated.
	ServerMaxWindowBits int
}

// A WSConn is one WebSocket connection. Each Write sends one binary message,
// and each Read receives one message.
//
// The blocking calls of the underlying connection run on helper goroutines,
// which post their results back to the loop.
type WSConn struct {
	base
	conn   *websocket.Conn
	client bool
	epoch  uint64
	open   bool

	reading bool
	wdone   CompletionFunc
}

func newWSConn(lp *loop.Loop, conn *websocket.Conn, client bool, opts WSOptions) *WSConn {
	if opts.PermessageDeflate {
		conn.EnableWriteCompression(true)
	}
	return &WSConn{base: newBase(lp, "ws"), conn: conn, client: client, open: true}
}

// Transport implements part of the [Socket] interface.
func (c *WSConn) Transport() Transport { return WS }

// IsClient implements part of the [Socket] interface.
func (c *WSConn) IsClient() bool { return c.client }

// IsServer implements part of the [Socket] interface.
func (c *WSConn) IsServer() bool { return false }

// IsConnected implements part of the [Socket] interface.
func (c *WSConn) IsConnected() bool { return c.open }

// Read implements part of the [StreamSocket] interface. It receives one
// message into a prefix of buf. A message longer than buf is reported as
// Aborted. Read never completes synchronously.
func (c *WSConn) Read(buf []byte, done CompletionFunc) (int, error) {
	if err := c.ReadMessage(func(msg []byte, err error) {
		if err == nil && len(msg) > len(buf) {
			err = status.Abortedf("message of %d bytes exceeds buffer of %d", len(msg), len(buf))
		}
		done(copy(buf, msg), err)
	}); err != nil {
		return 0, err
	}
	return 0, ErrPending
}

// ReadMessage receives one message and delivers it to done on the loop.
func (c *WSConn) ReadMessage(done func([]byte, error)) error {
	if !c.open {
		return ErrNotConnected
	} else if c.reading {
		panic("socket: read already pending")
	}
	c.reading = true
	epoch := c.epoch
	taskgroup.Go(func() error {
		_, msg, err := c.conn.ReadMessage()
		c.lp.Post(func() {
			if c.epoch != epoch {
				return
			}
			c.reading = false
			if err != nil {
				err = c.fail(err)
			}
			done(msg, err)
		})
		return nil
	})
	return nil
}

// Write implements part of the [StreamSocket] interface. It sends all of buf
// as one binary message. Write never completes synchronously.
func (c *WSConn) Write(buf []byte, done CompletionFunc) (int, error) {
	if c.wdone != nil {
		panic("socket: write already pending")
	} else if !c.open {
		return 0, ErrNotConnected
	}
	c.wdone = done
	msg := append([]byte(nil), buf...)
	epoch := c.epoch
	taskgroup.Go(func() error {
		err := c.conn.WriteMessage(websocket.BinaryMessage, msg)
		c.lp.Post(func() {
			if c.epoch != epoch {
				return
			}
			done := c.wdone
			c.wdone = nil
			if err != nil {
				done(0, c.fail(err))
			} else {
				done(len(msg), nil)
			}
		})
		return nil
	})
	return 0, ErrPending
}

// fail translates an error from the connection, closing c if the connection
// is no longer usable.
func (c *WSConn) fail(err error) error {
	c.log.Debug("connection failed", zap.Error(err))
	c.Close()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return status.WithCode(status.NetworkError, CodeConnectionClosed, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrConnectionReset
	}
	return status.WithCode(status.NetworkError, CodeFailed, err)
}

// WriteAsync implements part of the [Socket] interface.
func (c *WSConn) WriteAsync(buf []byte, done Callback) { WriteRepeating(c, buf, done) }

// ReadAsync implements part of the [Socket] interface. It receives one
// message into a prefix of buf.
func (c *WSConn) ReadAsync(buf []byte, done Callback) {
	if _, err := c.Read(buf, func(_ int, err error) { done(err) }); !errors.Is(err, ErrPending) {
		done(err)
	}
}

// Close implements part of the [Socket] interface.
func (c *WSConn) Close() error {
	if !c.open {
		return nil
	}
	c.open = false
	c.epoch++
	c.reading, c.wdone = false, nil
	return c.conn.Close()
}

// A WSClient is a connecting WebSocket socket.
type WSClient struct {
	*WSConn
	lp     *loop.Loop
	opts   WSOptions
	cancel context.CancelFunc
}

// NewWSClient constructs an unconnected WebSocket client on lp. A nil opts
// uses default settings.
func NewWSClient(lp *loop.Loop, opts *WSOptions) *WSClient {
	c := &WSClient{lp: lp}
	if opts != nil {
		c.opts = *opts
	}
	return c
}

// IsConnected implements part of the [Socket] interface.
func (c *WSClient) IsConnected() bool { return c.WSConn != nil && c.WSConn.IsConnected() }

// Transport implements part of the [Socket] interface.
func (c *WSClient) Transport() Transport { return WS }

// IsClient implements part of the [Socket] interface.
func (c *WSClient) IsClient() bool { return true }

// Connect dials the WebSocket server at ep and calls done with the result.
func (c *WSClient) Connect(ep chandef.IPEndpoint, done Callback) {
	if c.cancel != nil {
		panic("socket: connect already pending")
	}
	ap, err := ep.AddrPort()
	if err != nil {
		done(status.WithCode(status.NetworkError, CodeAddressInvalid, err))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	d := &websocket.Dialer{EnableCompression: c.opts.PermessageDeflate}
	url := fmt.Sprintf("ws://%s/", ap)
	taskgroup.Go(func() error {
		conn, _, err := d.DialContext(ctx, url, nil)
		if !c.lp.Post(func() {
			if ctx.Err() != nil {
				if conn != nil {
					conn.Close()
				}
				return
			}
			c.cancel = nil
			cancel()
			if err != nil {
				done(status.WithCode(status.NetworkError, CodeConnectionFailed, err))
				return
			}
			c.WSConn = newWSConn(c.lp, conn, true, c.opts)
			done(nil)
		}) && conn != nil {
			conn.Close()
		}
		return nil
	})
}

// WriteAsync implements part of the [Socket] interface.
func (c *WSClient) WriteAsync(buf []byte, done Callback) {
	if c.WSConn == nil {
		done(ErrNotConnected)
		return
	}
	c.WSConn.WriteAsync(buf, done)
}

// ReadAsync implements part of the [Socket] interface.
func (c *WSClient) ReadAsync(buf []byte, done Callback) {
	if c.WSConn == nil {
		done(ErrNotConnected)
		return
	}
	c.WSConn.ReadAsync(buf, done)
}

// Close implements part of the [Socket] interface. A pending connect is
// abandoned without calling its callback.
func (c *WSClient) Close() error {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.WSConn != nil {
		return c.WSConn.Close()
	}
	return nil
}

// A WSServer is a listening WebSocket socket. Each upgraded connection
// becomes a member of the server.
type WSServer struct {
	base
	opts    WSOptions
	members *Broadcaster

	// Host, if valid, is the address advertised by Listen.
	Host netip.Addr

	srv      *http.Server
	g        *taskgroup.Group
	onAccept func(error)
	open     bool
}

// NewWSServer constructs a WebSocket server on lp. A nil opts uses default
// settings.
func NewWSServer(lp *loop.Loop, opts *WSOptions) *WSServer {
	s := &WSServer{base: newBase(lp, "ws-server"), members: NewBroadcaster()}
	if opts != nil {
		s.opts = *opts
	}
	return s
}

// Transport implements part of the [Socket] interface.
func (s *WSServer) Transport() Transport { return WS }

// IsClient implements part of the [Socket] interface.
func (s *WSServer) IsClient() bool { return false }

// IsServer implements part of the [Socket] interface.
func (s *WSServer) IsServer() bool { return true }

// IsConnected reports whether any member of s is connected.
func (s *WSServer) IsConnected() bool { return s.members.AnyConnected() }

// Members returns the broadcaster holding the accepted connections.
func (s *WSServer) Members() *Broadcaster { return s.members }

// Listen starts serving on a random free port and returns the definition
// clients use to connect.
func (s *WSServer) Listen() (chandef.Def, error) {
	if s.open {
		return chandef.Def{}, status.InvalidArgumentf("server is already listening")
	}
	ln, err := net.Listen("tcp4", "0.0.0.0:0")
	if err != nil {
		return chandef.Def{}, status.WithCode(status.NetworkError, CodeAddressInUse, err)
	}
	up := &websocket.Upgrader{
		EnableCompression: s.opts.PermessageDeflate,
		CheckOrigin:       func(*http.Request) bool { return true },
	}
	if s.opts.PermessageDeflate {
		s.log.Debug("permessage-deflate enabled", zap.Int("serverMaxWindowBits", s.opts.ServerMaxWindowBits))
	}
	s.srv = &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			s.lp.Post(func() { s.accepted(nil, err) })
			return
		}
		if !s.lp.Post(func() { s.accepted(conn, nil) }) {
			conn.Close()
		}
	})}
	s.open = true
	s.g = taskgroup.New(nil)
	s.g.Go(func() error {
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	host := s.Host
	if !host.IsValid() {
		host = HostIPv4()
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	def := chandef.WSDef(host.String(), port)
	s.log.Info("listening", zap.Stringer("def", def))
	return def, nil
}

func (s *WSServer) accepted(conn *websocket.Conn, err error) {
	if !s.open {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		if s.onAccept != nil {
			s.onAccept(status.WithCode(status.NetworkError, CodeFailed, err))
		}
		return
	}
	s.members.Add(newWSConn(s.lp, conn, false, s.opts))
	if s.onAccept != nil {
		s.onAccept(nil)
	}
}

// AcceptLoop calls onAccept with the result of each upgrade, until s is
// closed. Successfully upgraded connections are added to the member set of
// s.
func (s *WSServer) AcceptLoop(onAccept func(error)) {
	if s.onAccept != nil {
		panic("socket: accept already pending")
	}
	s.onAccept = onAccept
}

// WriteAsync broadcasts buf as one message to every member of s.
func (s *WSServer) WriteAsync(buf []byte, done Callback) { s.members.Broadcast(buf, done) }

// ReadAsync is not supported by a server socket; read from a member instead.
func (s *WSServer) ReadAsync(buf []byte, done Callback) {
	done(status.Unimplementedf("read from a ws server socket"))
}

// Close stops the server and closes every member.
func (s *WSServer) Close() error {
	if !s.open {
		return nil
	}
	s.open = false
	s.onAccept = nil
	err := s.srv.Close()
	s.members.CloseAll()
	if werr := s.g.Wait(); err == nil {
		err = werr
	}
	return err
}
