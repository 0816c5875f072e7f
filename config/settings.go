// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package config

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/netip"
	"os"

	"github.com/creachadair/conduit"
	"github.com/creachadair/conduit/socket"
)

// Settings builds channel settings from c. If TLS is enabled and a
// certificate is configured, the certificate and key files are loaded.
func (c *Config) Settings() (conduit.Settings, error) {
	s := conduit.DefaultSettings()
	s.DynamicBuffers = c.Net.DynamicBuffers
	s.MaxMessageSize = c.Net.MaxMessageSize
	if c.Net.Host != "" {
		host, err := netip.ParseAddr(c.Net.Host)
		if err != nil {
			return s, fmt.Errorf("net.host: %w", err)
		}
		s.Host = host
	}

	s.WS.PermessageDeflateEnabled = c.WS.PermessageDeflate
	if c.WS.ServerMaxWindowBits > 0 {
		s.WS.ServerMaxWindowBits = c.WS.ServerMaxWindowBits
	}
	if c.Shm.RegionSize > 0 {
		s.Shm.RegionSize = c.Shm.RegionSize
	}

	if !c.TLS.Enable {
		return s, nil
	}
	s.TCP.UseTLS = true
	if c.TLS.CertFile != "" {
		sc, err := c.TLS.serverContext()
		if err != nil {
			return s, err
		}
		s.TCP.TLSServerContext = sc
	}
	opts, err := c.TLS.clientOptions()
	if err != nil {
		return s, err
	}
	s.TCP.TLSClientConfig = opts
	return s, nil
}

func (t TLSConfig) serverContext() (*socket.ServerContext, error) {
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls certificate: %w", err)
	}
	key, ok := cert.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("tls key %q does not support signing", t.KeyFile)
	}
	return &socket.ServerContext{
		Certificate:      cert.Certificate,
		PrivateKey:       key,
		HandshakeTimeout: t.HandshakeTimeout,
	}, nil
}

func (t TLSConfig) clientOptions() (*socket.ClientOptions, error) {
	cfg := &tls.Config{
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read tls roots: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %q", t.CAFile)
		}
		cfg.RootCAs = roots
	}
	return &socket.ClientOptions{Config: cfg}, nil
}
