// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package conduit_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"expvar"
	"math/big"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/conduit"
	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/loop"
	"github.com/creachadair/conduit/socket"
	"github.com/creachadair/conduit/status"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func startLoop(t *testing.T) (*loop.Loop, func()) {
	t.Helper()
	lp, err := loop.New()
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	return lp, lp.Start(t.Context())
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for a result")
	}
	panic("unreachable")
}

func testSettings() conduit.Settings {
	s := conduit.DefaultSettings()
	s.Host = loopback
	return s
}

func newChannel(t *testing.T, lp *loop.Loop, typ chandef.Type, s conduit.Settings) *conduit.Channel {
	t.Helper()
	ch, err := conduit.NewChannel(lp, typ, s)
	if err != nil {
		t.Fatalf("NewChannel(%v): unexpected error: %v", typ, err)
	}
	return ch
}

func listen(t *testing.T, lp *loop.Loop, ch *conduit.Channel) chandef.Def {
	t.Helper()
	var def chandef.Def
	var err error
	lp.Do(func() { def, err = ch.Listen() })
	if err != nil {
		t.Fatalf("Listen: unexpected error: %v", err)
	}
	return def
}

func connect(t *testing.T, lp *loop.Loop, ch *conduit.Channel, def chandef.Def) error {
	t.Helper()
	done := make(chan error, 1)
	lp.Do(func() { ch.Connect(def, func(err error) { done <- err }) })
	return waitFor(t, done)
}

func send(t *testing.T, lp *loop.Loop, ch *conduit.Channel, msg string) error {
	t.Helper()
	done := make(chan error, 1)
	lp.Do(func() { ch.Send([]byte(msg), func(err error) { done <- err }) })
	return waitFor(t, done)
}

type message struct {
	data string
	err  error
}

func receive(t *testing.T, lp *loop.Loop, ch *conduit.Channel) message {
	t.Helper()
	done := make(chan message, 1)
	lp.Do(func() {
		ch.Receive(func(data []byte, err error) { done <- message{string(data), err} })
	})
	return waitFor(t, done)
}

// pair is a stream server, a client connected to it, and the channel the
// server accepted for that client.
type pair struct {
	lp            *loop.Loop
	srv, acc, cli *conduit.Channel
}

func (p pair) close() {
	p.lp.Do(func() {
		p.cli.Close()
		if p.acc != nil {
			p.acc.Close()
		}
		p.srv.Close()
	})
}

func newPair(t *testing.T, lp *loop.Loop, typ chandef.Type, s conduit.Settings) pair {
	t.Helper()
	p := pair{lp: lp, srv: newChannel(t, lp, typ, s), cli: newChannel(t, lp, typ, s)}
	def := listen(t, lp, p.srv)

	type accept struct {
		ch  *conduit.Channel
		err error
	}
	accepted := make(chan accept, 1)
	lp.Do(func() {
		p.srv.AcceptOnceIntercept(func(ch *conduit.Channel, err error) { accepted <- accept{ch, err} })
	})
	if err := connect(t, lp, p.cli, def); err != nil {
		p.close()
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	acc := waitFor(t, accepted)
	if acc.err != nil {
		p.close()
		t.Fatalf("AcceptOnceIntercept: unexpected error: %v", acc.err)
	}
	p.acc = acc.ch
	return p
}

// exchange checks that messages pass in both directions between a and b.
func exchange(t *testing.T, lp *loop.Loop, a, b *conduit.Channel) {
	t.Helper()
	for _, msg := range []string{"hello", "", strings.Repeat("abc", 300)} {
		if err := send(t, lp, a, msg); err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		if got := receive(t, lp, b); got.err != nil || got.data != msg {
			t.Errorf("Receive: got (%d bytes, %v), want (%d bytes, nil)", len(got.data), got.err, len(msg))
		}
		a, b = b, a
	}
}

func TestNewChannel(t *testing.T) {
	lp, stop := startLoop(t)
	defer stop()

	for _, typ := range []chandef.Type{chandef.TCP, chandef.UDP, chandef.UDS, chandef.SHM, chandef.WS} {
		ch := newChannel(t, lp, typ, conduit.DefaultSettings())
		if got := ch.Type(); got != typ {
			t.Errorf("NewChannel(%v): type is %v", typ, got)
		}
		if ch.IsConnected() || ch.HasReceivers() {
			t.Errorf("NewChannel(%v): unexpectedly connected", typ)
		}
	}
	if ch, err := conduit.NewChannel(lp, chandef.Invalid, conduit.Settings{}); !status.Is(err, status.InvalidArgument) {
		t.Errorf("NewChannel(Invalid): got (%v, %v), want InvalidArgument", ch, err)
	}
}

func TestUDPBufferClamp(t *testing.T) {
	lp, stop := startLoop(t)
	defer stop()

	ch := newChannel(t, lp, chandef.UDP, conduit.Settings{})
	lp.Do(func() {
		for _, n := range []int{1 << 20, 1 << 17, 1 << 20} {
			ch.SetSendBufferSize(n)
			ch.SetReceiveBufferSize(n)
			if got := ch.SendBufferSize(); got != conduit.MaxDatagramSize {
				t.Errorf("SetSendBufferSize(%d): size is %d, want %d", n, got, conduit.MaxDatagramSize)
			}
			if got := ch.ReceiveBufferSize(); got != conduit.MaxDatagramSize {
				t.Errorf("SetReceiveBufferSize(%d): size is %d, want %d", n, got, conduit.MaxDatagramSize)
			}
		}
	})
}

func TestNotConnected(t *testing.T) {
	lp, stop := startLoop(t)
	defer stop()

	ch := newChannel(t, lp, chandef.TCP, conduit.Settings{})
	if err := send(t, lp, ch, "hello"); !errors.Is(err, socket.ErrNotConnected) {
		t.Errorf("Send: got %v, want %v", err, socket.ErrNotConnected)
	}
	if got := receive(t, lp, ch); !errors.Is(got.err, socket.ErrNotConnected) {
		t.Errorf("Receive: got %v, want %v", got.err, socket.ErrNotConnected)
	}
	if err := connect(t, lp, ch, chandef.UDSDef("x", false)); !status.Is(err, status.InvalidArgument) {
		t.Errorf("Connect to UDS def: got %v, want InvalidArgument", err)
	}
}

func TestTCPChannel(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	p := newPair(t, lp, chandef.TCP, testSettings())
	defer p.close()

	sent := tcpCounter(t, "messages_sent")
	exchange(t, lp, p.cli, p.acc)
	if got := tcpCounter(t, "messages_sent"); got <= sent {
		t.Errorf("TCP messages_sent: got %d, want > %d", got, sent)
	}
	lp.Do(func() {
		if !p.cli.IsConnected() || !p.acc.IsConnected() {
			t.Errorf("Connected: client %v, accepted %v; want both", p.cli.IsConnected(), p.acc.IsConnected())
		}
		if p.srv.HasReceivers() {
			t.Error("Server has receivers after an intercepted accept")
		}
	})
}

func tcpCounter(t *testing.T, name string) int64 {
	t.Helper()
	m, ok := conduit.Metrics().Get("tcp").(*expvar.Map)
	if !ok {
		t.Fatal("No TCP metrics")
	}
	v, ok := m.Get(name).(*expvar.Int)
	if !ok {
		t.Fatalf("No TCP metric %q", name)
	}
	return v.Value()
}

func TestTCPBroadcast(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	srv := newChannel(t, lp, chandef.TCP, testSettings())
	def := listen(t, lp, srv)

	accepted := make(chan error, 2)
	lp.Do(func() { srv.AcceptLoop(func(err error) { accepted <- err }) })

	var clis []*conduit.Channel
	defer func() {
		lp.Do(func() {
			for _, c := range clis {
				c.Close()
			}
			srv.Close()
		})
	}()
	for range 2 {
		cli := newChannel(t, lp, chandef.TCP, testSettings())
		clis = append(clis, cli)
		if err := connect(t, lp, cli, def); err != nil {
			t.Fatalf("Connect: unexpected error: %v", err)
		}
		if err := waitFor(t, accepted); err != nil {
			t.Fatalf("Accept: unexpected error: %v", err)
		}
	}
	lp.Do(func() {
		if !srv.HasReceivers() {
			t.Error("Server has no receivers")
		}
	})

	if err := send(t, lp, srv, "to everyone"); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	for i, cli := range clis {
		if got := receive(t, lp, cli); got.err != nil || got.data != "to everyone" {
			t.Errorf("Client %d: got %+v, want %q", i+1, got, "to everyone")
		}
	}
	if got := receive(t, lp, srv); !status.Is(got.err, status.Unimplemented) {
		t.Errorf("Receive on server: got %v, want Unimplemented", got.err)
	}
}

func TestBuffers(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	p := newPair(t, lp, chandef.TCP, testSettings())
	defer p.close()

	long := strings.Repeat("x", 100)
	lp.Do(func() {
		p.cli.SetSendBufferSize(32)
		p.acc.SetReceiveBufferSize(64)
	})
	if err := send(t, lp, p.cli, long); !status.Is(err, status.Aborted) {
		t.Errorf("Send to fixed buffer: got %v, want Aborted", err)
	}

	lp.Do(func() { p.cli.SetDynamicSendBuffer(true) })
	if err := send(t, lp, p.cli, "short"); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if got := receive(t, lp, p.acc); got.err != nil || got.data != "short" {
		t.Errorf("Receive: got %+v, want %q", got, "short")
	}

	if err := send(t, lp, p.cli, long); err != nil {
		t.Errorf("Send to dynamic buffer: unexpected error: %v", err)
	}
	lp.Do(func() {
		if got := p.cli.SendBufferSize(); got < conduit.HeaderSize+len(long) {
			t.Errorf("Send buffer did not grow: size is %d", got)
		}
	})
	if got := receive(t, lp, p.acc); !status.Is(got.err, status.Aborted) {
		t.Errorf("Receive to fixed buffer: got %+v, want Aborted", got)
	}
}

func TestDynamicReceive(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	s := testSettings()
	s.DynamicBuffers = true
	p := newPair(t, lp, chandef.UDS, s)
	defer p.close()

	msg := strings.Repeat("0123456789", 500)
	if err := send(t, lp, p.cli, msg); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if got := receive(t, lp, p.acc); got.err != nil || got.data != msg {
		t.Errorf("Receive: got (%d bytes, %v), want %d bytes", len(got.data), got.err, len(msg))
	}
	lp.Do(func() {
		if got := p.acc.ReceiveBufferSize(); got < len(msg) {
			t.Errorf("Receive buffer did not grow: size is %d", got)
		}
	})
}

func TestMessageLimit(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	s := testSettings()
	s.DynamicBuffers = true
	s.MaxMessageSize = 1024
	p := newPair(t, lp, chandef.UDS, s)
	defer p.close()

	if err := send(t, lp, p.cli, strings.Repeat("x", 1000)); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if got := receive(t, lp, p.acc); got.err != nil || len(got.data) != 1000 {
		t.Errorf("Receive: got (%d bytes, %v), want 1000 bytes", len(got.data), got.err)
	}

	// The header of an oversized message is rejected before the buffer grows.
	if err := send(t, lp, p.cli, strings.Repeat("y", 2000)); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if got := receive(t, lp, p.acc); !status.Is(got.err, status.OutOfRange) {
		t.Errorf("Receive: got (%d bytes, %v), want OutOfRange", len(got.data), got.err)
	}
	lp.Do(func() {
		if got := p.acc.ReceiveBufferSize(); got >= 2000 {
			t.Errorf("Receive buffer grew to %d bytes", got)
		}
	})
}

func TestReceivePending(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	p := newPair(t, lp, chandef.UDS, testSettings())
	defer p.close()

	var panicked bool
	lp.Do(func() {
		defer func() { panicked = recover() != nil }()
		p.cli.Receive(func([]byte, error) {})
		p.cli.Receive(func([]byte, error) {})
	})
	if !panicked {
		t.Error("Second receive did not panic")
	}
}

func TestUDSAuth(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	s := testSettings()
	s.UDS.AuthFunc = func(socket.Credentials) bool { return false }
	srv := newChannel(t, lp, chandef.UDS, s)
	cli := newChannel(t, lp, chandef.UDS, s)
	defer lp.Do(func() { cli.Close(); srv.Close() })
	def := listen(t, lp, srv)

	accepted := make(chan error, 1)
	lp.Do(func() { srv.AcceptLoop(func(err error) { accepted <- err }) })
	if err := connect(t, lp, cli, def); err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	if err := waitFor(t, accepted); !status.Is(err, status.PermissionDenied) {
		t.Errorf("Accept: got %v, want PermissionDenied", err)
	}
	lp.Do(func() {
		if srv.HasReceivers() {
			t.Error("Server admitted a rejected peer")
		}
	})
}

func TestSHMChannel(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	s := testSettings()
	s.Shm.RegionSize = 4096
	srv := newChannel(t, lp, chandef.SHM, s)
	cli := newChannel(t, lp, chandef.SHM, s)
	defer lp.Do(func() { cli.Close(); srv.Close() })

	def := listen(t, lp, srv)
	if def.Type != chandef.SHM || def.SHM == nil {
		t.Fatalf("Listen: got %v, want an shm def", def)
	}
	if err := connect(t, lp, cli, def); err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}

	if err := send(t, lp, srv, "shared"); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if got := receive(t, lp, cli); got.err != nil || got.data != "shared" {
		t.Errorf("Receive: got %+v, want %q", got, "shared")
	}
	if got := receive(t, lp, cli); !status.Is(got.err, status.Unavailable) {
		t.Errorf("Receive without a new message: got %+v, want Unavailable", got)
	}
	if err := send(t, lp, cli, "nope"); !status.Is(err, status.PermissionDenied) {
		t.Errorf("Send on reader: got %v, want PermissionDenied", err)
	}

	lp.Do(func() {
		srv.SetDynamicSendBuffer(true)
		srv.SetSendBufferSize(1 << 20)
		if got := srv.SendBufferSize(); got != 4096 {
			t.Errorf("SetSendBufferSize: size is %d, want 4096", got)
		}
	})
	if err := send(t, lp, srv, strings.Repeat("x", 4096)); !status.Is(err, status.Aborted) {
		t.Errorf("Send oversized: got %v, want Aborted", err)
	}
}

func TestWSChannel(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	s := testSettings()
	s.WS.PermessageDeflateEnabled = true
	srv := newChannel(t, lp, chandef.WS, s)
	cli := newChannel(t, lp, chandef.WS, s)
	defer lp.Do(func() { cli.Close(); srv.Close() })

	def := listen(t, lp, srv)
	accepted := make(chan error, 1)
	lp.Do(func() { srv.AcceptLoop(func(err error) { accepted <- err }) })
	if err := connect(t, lp, cli, def); err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	if err := waitFor(t, accepted); err != nil {
		t.Fatalf("Accept: unexpected error: %v", err)
	}

	for _, msg := range []string{"one", strings.Repeat("two", 1000)} {
		lp.Do(func() { srv.SetDynamicSendBuffer(true); cli.SetDynamicReceiveBuffer(true) })
		if err := send(t, lp, srv, msg); err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		if got := receive(t, lp, cli); got.err != nil || got.data != msg {
			t.Errorf("Receive: got (%d bytes, %v), want %d bytes", len(got.data), got.err, len(msg))
		}
	}
}

func testCertificate(t *testing.T) ([]byte, crypto.Signer) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "conduit test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return der, key
}

func TestTLSChannel(t *testing.T) {
	der, key := testCertificate(t)
	roots := x509.NewCertPool()
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	roots.AddCert(cert)

	tests := []struct {
		name string
		ctx  *socket.ServerContext
	}{
		{"StaticKey", &socket.ServerContext{Certificate: [][]byte{der}, PrivateKey: key}},
		{"AsyncSigner", &socket.ServerContext{
			Certificate: [][]byte{der},
			Sign: func(digest []byte, opts crypto.SignerOpts, done func([]byte, error)) {
				go func() { done(key.Sign(rand.Reader, digest, opts)) }()
			},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			defer leaktest.Check(t)()
			lp, stop := startLoop(t)
			defer stop()

			s := testSettings()
			s.TCP = conduit.TCPSettings{
				UseTLS:           true,
				TLSServerContext: tc.ctx,
				TLSClientConfig: &socket.ClientOptions{
					Config: &tls.Config{RootCAs: roots},
				},
			}
			p := newPair(t, lp, chandef.TCP, s)
			defer p.close()

			lp.Do(func() {
				if got, want := p.cli.Impl().(socket.Socket).Transport(), socket.TLS; got != want {
					t.Errorf("Client transport: got %v, want %v", got, want)
				}
			})
			exchange(t, lp, p.cli, p.acc)
		})
	}
}

func TestTLSUntrusted(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	der, key := testCertificate(t)
	s := testSettings()
	s.TCP = conduit.TCPSettings{
		UseTLS:           true,
		TLSServerContext: &socket.ServerContext{Certificate: [][]byte{der}, PrivateKey: key},
		TLSClientConfig: &socket.ClientOptions{
			Config: &tls.Config{RootCAs: x509.NewCertPool()},
		},
	}
	srv := newChannel(t, lp, chandef.TCP, s)
	cli := newChannel(t, lp, chandef.TCP, s)
	defer lp.Do(func() { cli.Close(); srv.Close() })
	def := listen(t, lp, srv)

	accepted := make(chan error, 1)
	lp.Do(func() { srv.AcceptLoop(func(err error) { accepted <- err }) })

	err := connect(t, lp, cli, def)
	if got, want := status.CodeOf(err), socket.CodeCertAuthorityInvalid; got != want {
		t.Errorf("Connect: got %v (%q), want %q", err, got, want)
	}
	lp.Do(func() {
		if cli.IsConnected() {
			t.Error("Client is connected after a failed handshake")
		}
	})
	if err := waitFor(t, accepted); err == nil {
		t.Error("Accept: unexpectedly succeeded")
	}
}

func TestMessageInterop(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	srv := newChannel(t, lp, chandef.TCP, testSettings())
	def := listen(t, lp, srv)
	accepted := make(chan *conduit.Channel, 1)
	lp.Do(func() {
		srv.AcceptOnceIntercept(func(ch *conduit.Channel, err error) {
			if err != nil {
				t.Errorf("Accept: unexpected error: %v", err)
			}
			accepted <- ch
		})
	})
	conn, err := net.Dial("tcp", def.IP.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	acc := waitFor(t, accepted)
	defer lp.Do(func() {
		if acc != nil {
			acc.Close()
		}
		srv.Close()
	})
	if acc == nil {
		t.FailNow()
	}

	if _, err := conduit.WriteMessage(conn, []byte("from a plain client")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if got := receive(t, lp, acc); got.err != nil || got.data != "from a plain client" {
		t.Errorf("Receive: got %+v", got)
	}
	if err := send(t, lp, acc, "to a plain client"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := conduit.ReadMessage(conn, 0)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if diff := cmp.Diff("to a plain client", string(got)); diff != "" {
		t.Errorf("ReadMessage (-want, +got):\n%s", diff)
	}
}
