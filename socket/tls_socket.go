// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"time"

	"github.com/creachadair/conduit/loop"
	"github.com/creachadair/conduit/status"
	"go.uber.org/zap"
)

// DefaultHandshakeTimeout is the handshake timeout of a [TLSServer] whose
// context does not set one.
const DefaultHandshakeTimeout = 10 * time.Second

var errHandshakeTimeout = errors.New("handshake timed out")

type tlsState byte

const (
	stateNone tlsState = iota
	stateHandshake
	stateHandshakeComplete
)

// tlsConn is the state machine shared by the client and server sides of a
// TLS session. It drives an [Engine] over a [Bridge] to the transport, and
// receives the readiness notifications of the bridge as its delegate.
type tlsConn struct {
	base
	transport StreamSocket
	bridge    *Bridge
	engine    Engine
	server    bool

	next      tlsState
	completed bool
	epoch     uint64 // advanced by Close; stale completions compare unequal

	hsDone        Callback
	cancelTimeout func() bool

	rbuf           []byte
	rdone          CompletionFunc
	pendingReadErr error

	wbuf  []byte
	wdone CompletionFunc
}

func newTLSConn(lp *loop.Loop, name string, transport StreamSocket, server bool) *tlsConn {
	c := &tlsConn{base: newBase(lp, name), transport: transport, server: server}
	c.bridge = NewBridge(lp, transport, c)
	return c
}

// Transport implements part of the [Socket] interface.
func (c *tlsConn) Transport() Transport { return TLS }

// IsConnected implements part of the [Socket] interface. A TLS session is
// connected once its handshake has completed, for as long as its transport
// remains connected.
func (c *tlsConn) IsConnected() bool { return c.completed && c.transport.IsConnected() }

// Underlying returns the transport socket of c.
func (c *tlsConn) Underlying() StreamSocket { return c.transport }

func (c *tlsConn) startHandshake(done Callback) {
	if c.hsDone != nil {
		panic("socket: handshake already pending")
	}
	c.next = stateHandshake
	err := c.doHandshakeLoop()
	if errors.Is(err, ErrPending) {
		c.hsDone = done
		return
	}
	c.stopTimeout()
	done(err)
}

func (c *tlsConn) doHandshakeLoop() error {
	for {
		state := c.next
		c.next = stateNone
		var err error
		switch state {
		case stateHandshake:
			err = c.doHandshake()
		case stateHandshakeComplete:
			err = c.doHandshakeComplete()
		default:
			panic("socket: unexpected handshake state")
		}
		if errors.Is(err, ErrPending) || c.next == stateNone {
			return err
		}
	}
}

func (c *tlsConn) doHandshake() error {
	err := c.engine.Handshake()
	if isEngineBlocked(err) {
		c.next = stateHandshake
		return ErrPending
	} else if err != nil {
		err = mapTLSError(err, c.engine.CertificateRequested())
		c.log.Error("handshake failed", zap.Bool("server", c.server), zap.Error(err))
		return err
	}
	if c.server {
		c.completed = true
	} else {
		c.next = stateHandshakeComplete
	}
	return nil
}

func (c *tlsConn) doHandshakeComplete() error {
	c.completed = true
	c.log.Debug("handshake complete")
	return nil
}

func (c *tlsConn) onHandshakeIOComplete() {
	err := c.doHandshakeLoop()
	if errors.Is(err, ErrPending) {
		return
	}
	c.stopTimeout()
	if done := c.hsDone; done != nil {
		c.hsDone = nil
		done(err)
	}
}

func (c *tlsConn) stopTimeout() {
	if c.cancelTimeout != nil {
		c.cancelTimeout()
		c.cancelTimeout = nil
	}
}

// Read implements part of the [StreamSocket] interface.
func (c *tlsConn) Read(buf []byte, done CompletionFunc) (int, error) {
	if c.rdone != nil {
		panic("socket: read already pending")
	} else if !c.completed {
		return 0, ErrNotConnected
	}
	n, err := c.doPayloadRead(buf)
	if errors.Is(err, ErrPending) {
		c.rbuf, c.rdone = buf, done
	}
	return n, err
}

// doPayloadRead reads as much decrypted data as the engine can deliver
// without waiting. An error that follows a partial read is held back and
// reported by the next read.
func (c *tlsConn) doPayloadRead(buf []byte) (int, error) {
	if err := c.pendingReadErr; err != nil {
		c.pendingReadErr = nil
		return c.readResult(err)
	}
	var total int
	var err error
	for total < len(buf) {
		n, rerr := c.engine.Read(buf[total:])
		total += n
		if rerr != nil {
			err = rerr
			break
		} else if n == 0 || !c.engine.Buffered() {
			break
		}
	}
	if total > 0 {
		if err != nil && !isEngineBlocked(err) {
			c.pendingReadErr = err
		}
		return total, nil
	}
	if isEngineBlocked(err) {
		return 0, ErrPending
	}
	return c.readResult(err)
}

// readResult translates a terminal read error from the engine. Both an
// orderly and an unclean close of the transport are reported as end of
// stream.
func (c *tlsConn) readResult(err error) (int, error) {
	switch {
	case err == nil:
		return 0, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, ErrConnectionClosed):
		return 0, nil
	}
	return 0, mapTLSError(err, c.engine.CertificateRequested())
}

// Write implements part of the [StreamSocket] interface.
func (c *tlsConn) Write(buf []byte, done CompletionFunc) (int, error) {
	if c.wdone != nil {
		panic("socket: write already pending")
	} else if !c.completed {
		return 0, ErrNotConnected
	}
	n, err := c.doPayloadWrite(buf)
	if errors.Is(err, ErrPending) {
		c.wbuf, c.wdone = buf, done
	}
	return n, err
}

func (c *tlsConn) doPayloadWrite(buf []byte) (int, error) {
	n, err := c.engine.Write(buf)
	if isEngineBlocked(err) {
		return 0, ErrPending
	} else if err != nil {
		return 0, mapTLSError(err, c.engine.CertificateRequested())
	}
	return n, nil
}

// WriteAsync implements part of the [Socket] interface.
func (c *tlsConn) WriteAsync(buf []byte, done Callback) { WriteRepeating(c, buf, done) }

// ReadAsync implements part of the [Socket] interface.
func (c *tlsConn) ReadAsync(buf []byte, done Callback) { ReadRepeating(c, buf, done) }

// OnReadReady implements part of the [BridgeDelegate] interface.
func (c *tlsConn) OnReadReady() { c.retryAllOperations() }

// OnWriteReady implements part of the [BridgeDelegate] interface.
func (c *tlsConn) OnWriteReady() { c.retryAllOperations() }

// retryAllOperations re-drives every operation that is waiting on the engine.
// A callback may close c, after which nothing further is attempted.
func (c *tlsConn) retryAllOperations() {
	epoch := c.epoch
	if c.next == stateHandshake {
		c.onHandshakeIOComplete()
	}
	if c.epoch != epoch {
		return
	}
	if c.rdone != nil {
		n, err := c.doPayloadRead(c.rbuf)
		if !errors.Is(err, ErrPending) {
			done := c.rdone
			c.rbuf, c.rdone = nil, nil
			done(n, err)
		}
	}
	if c.epoch != epoch {
		return
	}
	if c.wdone != nil {
		n, err := c.doPayloadWrite(c.wbuf)
		if !errors.Is(err, ErrPending) {
			done := c.wdone
			c.wbuf, c.wdone = nil, nil
			done(n, err)
		}
	}
}

// Close implements part of the [Socket] interface. Completions that arrive
// after Close are discarded.
func (c *tlsConn) Close() error {
	c.epoch++
	c.stopTimeout()
	c.hsDone, c.rdone, c.wdone = nil, nil, nil
	c.rbuf, c.wbuf = nil, nil
	c.next, c.completed = stateNone, false
	if c.engine != nil {
		c.engine.Close()
	}
	c.bridge.Close()
	return c.transport.Close()
}

// ClientOptions are the settings of a [TLSClient].
type ClientOptions struct {
	// Config is the base TLS configuration. If nil, a default configuration
	// is used.
	Config *tls.Config

	// Verify, if set, is an additional check of the certificate chain of the
	// server, run after the standard verification.
	Verify VerifyFunc
}

// A TLSClient is the client side of a TLS session over a connected stream
// socket.
type TLSClient struct {
	*tlsConn
}

// NewTLSClient constructs a TLS client over transport, which must be
// connected and belong to lp. The client takes ownership of transport.
func NewTLSClient(lp *loop.Loop, transport StreamSocket, opts *ClientOptions) *TLSClient {
	var o ClientOptions
	if opts != nil {
		o = *opts
	}
	c := newTLSConn(lp, "tls-client", transport, false)
	c.engine = newClientEngine(c.bridge, o.Config, o.Verify)
	return &TLSClient{tlsConn: c}
}

// IsClient implements part of the [Socket] interface.
func (c *TLSClient) IsClient() bool { return true }

// IsServer implements part of the [Socket] interface.
func (c *TLSClient) IsServer() bool { return false }

// Connect performs the client handshake and calls done with its result.
func (c *TLSClient) Connect(done Callback) { c.startHandshake(done) }

// A ServerContext holds the settings shared by the server sides of TLS
// sessions. Exactly one of PrivateKey and Sign must be set.
type ServerContext struct {
	// Certificate is the DER-encoded certificate chain of the server, leaf
	// first.
	Certificate [][]byte

	// PrivateKey is the private key of the leaf certificate.
	PrivateKey crypto.Signer

	// Sign computes signatures with the private key of the leaf certificate.
	// It is used when the key is not directly available.
	Sign SignFunc

	// Config is the base TLS configuration. If nil, a default configuration
	// is used.
	Config *tls.Config

	// Verify, if set, requires and checks a client certificate.
	Verify VerifyFunc

	// HandshakeTimeout bounds the duration of a server handshake. If zero,
	// DefaultHandshakeTimeout is used.
	HandshakeTimeout time.Duration
}

// NewServer constructs the server side of a TLS session over transport,
// which must be connected and belong to lp. The server takes ownership of
// transport.
func (sc *ServerContext) NewServer(lp *loop.Loop, transport StreamSocket) (*TLSServer, error) {
	if len(sc.Certificate) == 0 {
		return nil, status.InvalidArgumentf("no server certificate")
	} else if (sc.PrivateKey == nil) == (sc.Sign == nil) {
		return nil, status.InvalidArgumentf("exactly one of a private key or a signer is required")
	}
	leaf, err := x509.ParseCertificate(sc.Certificate[0])
	if err != nil {
		return nil, status.InvalidArgumentf("invalid server certificate: %v", err)
	}

	c := newTLSConn(lp, "tls-server", transport, true)
	e := newCryptoEngine(c.bridge)

	var key crypto.Signer = sc.PrivateKey
	if key == nil {
		key = &asyncKey{pub: leaf.PublicKey, sign: sc.Sign, engine: e}
	}
	var cfg *tls.Config
	if sc.Config != nil {
		cfg = sc.Config.Clone()
	} else {
		cfg = new(tls.Config)
	}
	cfg.Certificates = []tls.Certificate{{Certificate: sc.Certificate, PrivateKey: key, Leaf: leaf}}
	if sc.Verify != nil && cfg.ClientAuth == tls.NoClientCert {
		cfg.ClientAuth = tls.RequireAnyClientCert
	}
	e.wrapVerify(cfg, sc.Verify)
	e.conn = tls.Server(c.bridge, cfg)
	c.engine = e

	timeout := sc.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return &TLSServer{tlsConn: c, timeout: timeout}, nil
}

// A TLSServer is the server side of a TLS session over an accepted stream
// socket.
type TLSServer struct {
	*tlsConn
	timeout time.Duration
}

// IsClient implements part of the [Socket] interface.
func (s *TLSServer) IsClient() bool { return false }

// IsServer implements part of the [Socket] interface.
func (s *TLSServer) IsServer() bool { return true }

// Handshake performs the server handshake and calls done with its result.
// If the handshake does not finish within the timeout of the context, done
// reports a NetworkError and s is closed.
func (s *TLSServer) Handshake(done Callback) {
	epoch := s.epoch
	s.cancelTimeout = s.lp.PostDelayed(s.timeout, func() {
		if s.epoch != epoch || s.hsDone == nil {
			return
		}
		done := s.hsDone
		s.hsDone = nil
		s.cancelTimeout = nil
		s.log.Error("handshake failed", zap.Duration("timeout", s.timeout), zap.Error(errHandshakeTimeout))
		s.Close()
		done(status.WithCode(status.NetworkError, CodeTimedOut, errHandshakeTimeout))
	})
	s.startHandshake(done)
}
