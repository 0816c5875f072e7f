// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

const (
	// maxPlaintextChunk bounds the data accepted by one engine write, and the
	// size of one engine read from the TLS connection.
	maxPlaintextChunk = 16 << 10

	// maxPlaintextBuffer bounds decrypted data held for the socket to read.
	// The reader pauses while this much is buffered.
	maxPlaintextBuffer = 64 << 10
)

// A SignFunc computes a signature of digest with a private key. It may
// complete asynchronously: done must be called exactly once, from any
// goroutine, with the signature or an error. Until done is called, the
// handshake reports [ErrPrivateKeyPending].
type SignFunc func(digest []byte, opts crypto.SignerOpts, done func(sig []byte, err error))

// A VerifyFunc verifies the certificate chain presented by a peer. It may
// complete asynchronously: done must be called exactly once, from any
// goroutine. Until done is called, the handshake reports
// [ErrCertVerifyPending].
type VerifyFunc func(rawCerts [][]byte, done func(error))

// cryptoEngine is an [Engine] backed by crypto/tls. The blocking operations
// of the TLS connection run on helper goroutines over a [Bridge], and their
// progress is reported to the socket through the bridge notifications.
type cryptoEngine struct {
	bridge *Bridge
	conn   *tls.Conn
	ctx    context.Context
	cancel context.CancelFunc

	certRequested atomic.Bool
	keyPending    atomic.Bool
	verifyPending atomic.Bool

	μ         sync.Mutex
	more      *sync.Cond // signals the reader that buffer space is free
	hsStarted bool
	hsDone    bool
	hsErr     error
	plain     []byte // decrypted data not yet read
	readErr   error  // terminal error from the reader
	writing   bool   // a write is in progress
	writeErr  error  // sticky error from a failed write
	closed    bool
}

func newCryptoEngine(b *Bridge) *cryptoEngine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &cryptoEngine{bridge: b, ctx: ctx, cancel: cancel}
	e.more = sync.NewCond(&e.μ)
	return e
}

// newClientEngine returns an engine for the client side of a connection.
// A nil cfg uses the default configuration.
func newClientEngine(b *Bridge, cfg *tls.Config, verify VerifyFunc) *cryptoEngine {
	e := newCryptoEngine(b)
	e.conn = tls.Client(b, e.wrapClientConfig(cfg, verify))
	return e
}

// wrapClientConfig returns a copy of cfg that records certificate requests
// in e, and routes certificate verification through verify if it is set.
func (e *cryptoEngine) wrapClientConfig(cfg *tls.Config, verify VerifyFunc) *tls.Config {
	if cfg == nil {
		cfg = new(tls.Config)
	} else {
		cfg = cfg.Clone()
	}
	getCert, certs := cfg.GetClientCertificate, cfg.Certificates
	cfg.GetClientCertificate = func(cri *tls.CertificateRequestInfo) (*tls.Certificate, error) {
		e.certRequested.Store(true)
		if getCert != nil {
			return getCert(cri)
		}
		for i := range certs {
			if cri.SupportsCertificate(&certs[i]) == nil {
				return &certs[i], nil
			}
		}
		return new(tls.Certificate), nil
	}
	e.wrapVerify(cfg, verify)
	return cfg
}

func (e *cryptoEngine) wrapVerify(cfg *tls.Config, verify VerifyFunc) {
	if verify == nil {
		return
	}
	base := cfg.VerifyPeerCertificate
	cfg.VerifyPeerCertificate = func(raw [][]byte, chains [][]*x509.Certificate) error {
		if base != nil {
			if err := base(raw, chains); err != nil {
				return err
			}
		}
		ch := make(chan error, 1)
		e.verifyPending.Store(true)
		defer e.verifyPending.Store(false)
		e.bridge.NotifyReadReady()
		verify(raw, func(err error) { ch <- err; e.bridge.NotifyReadReady() })
		select {
		case err := <-ch:
			return err
		case <-e.ctx.Done():
			return net.ErrClosed
		}
	}
}

// Handshake implements part of the [Engine] interface.
func (e *cryptoEngine) Handshake() error {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.closed {
		return net.ErrClosed
	}
	if !e.hsStarted {
		e.hsStarted = true
		go e.runHandshake()
	}
	if e.hsDone {
		return e.hsErr
	}
	if e.keyPending.Load() {
		return ErrPrivateKeyPending
	} else if e.verifyPending.Load() {
		return ErrCertVerifyPending
	}
	return ErrWantIO
}

func (e *cryptoEngine) runHandshake() {
	err := e.conn.HandshakeContext(e.ctx)
	e.μ.Lock()
	e.hsDone, e.hsErr = true, err
	closed := e.closed
	e.μ.Unlock()
	if err == nil && !closed {
		go e.runReader()
	}
	e.bridge.NotifyReadReady()
}

func (e *cryptoEngine) runReader() {
	buf := make([]byte, maxPlaintextChunk)
	for {
		n, err := e.conn.Read(buf)
		e.μ.Lock()
		e.plain = append(e.plain, buf[:n]...)
		if err != nil {
			e.readErr = err
		}
		for err == nil && len(e.plain) >= maxPlaintextBuffer && !e.closed {
			e.more.Wait()
		}
		stop := err != nil || e.closed
		e.μ.Unlock()

		e.bridge.NotifyReadReady()
		if stop {
			return
		}
	}
}

// Read implements part of the [Engine] interface.
func (e *cryptoEngine) Read(buf []byte) (int, error) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if len(e.plain) > 0 {
		n := copy(buf, e.plain)
		e.plain = e.plain[n:]
		if len(e.plain) < maxPlaintextBuffer {
			e.more.Signal()
		}
		return n, nil
	}
	if e.readErr != nil {
		return 0, e.readErr
	}
	if e.closed {
		return 0, net.ErrClosed
	}
	return 0, ErrWantIO
}

// Write implements part of the [Engine] interface.
func (e *cryptoEngine) Write(buf []byte) (int, error) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.writeErr != nil {
		return 0, e.writeErr
	} else if e.closed {
		return 0, net.ErrClosed
	} else if e.writing {
		return 0, ErrWantIO
	}
	chunk := append([]byte(nil), buf[:min(len(buf), maxPlaintextChunk)]...)
	e.writing = true
	go func() {
		_, err := e.conn.Write(chunk)
		e.μ.Lock()
		e.writing = false
		if err != nil && e.writeErr == nil {
			e.writeErr = err
		}
		e.μ.Unlock()
		e.bridge.NotifyWriteReady()
	}()
	return len(chunk), nil
}

// Buffered implements part of the [Engine] interface.
func (e *cryptoEngine) Buffered() bool {
	e.μ.Lock()
	defer e.μ.Unlock()
	return len(e.plain) > 0
}

// CertificateRequested implements part of the [Engine] interface.
func (e *cryptoEngine) CertificateRequested() bool { return e.certRequested.Load() }

// Close implements part of the [Engine] interface. It detaches the bridge,
// which unblocks the helper goroutines, and then closes the TLS connection
// in the background.
func (e *cryptoEngine) Close() error {
	e.μ.Lock()
	if e.closed {
		e.μ.Unlock()
		return nil
	}
	e.closed = true
	e.more.Broadcast()
	e.μ.Unlock()

	e.bridge.Close()
	e.cancel()
	go e.conn.Close()
	return nil
}

// asyncKey is a private key whose signing operation is delegated to a
// [SignFunc]. Decryption is not supported.
type asyncKey struct {
	pub    crypto.PublicKey
	sign   SignFunc
	engine *cryptoEngine
}

func (k *asyncKey) Public() crypto.PublicKey { return k.pub }

func (k *asyncKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	type result struct {
		sig []byte
		err error
	}
	ch := make(chan result, 1)
	e := k.engine
	e.keyPending.Store(true)
	defer e.keyPending.Store(false)
	e.bridge.NotifyReadReady()
	k.sign(digest, opts, func(sig []byte, err error) {
		ch <- result{sig, err}
		e.bridge.NotifyReadReady()
	})
	select {
	case r := <-ch:
		return r.sig, r.err
	case <-e.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (k *asyncKey) Decrypt(io.Reader, []byte, crypto.DecrypterOpts) ([]byte, error) {
	return nil, errors.New("tls: decryption with the server key is not supported")
}
