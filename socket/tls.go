// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"

	"github.com/creachadair/conduit/status"
)

// An Engine is a TLS protocol engine driven by a TLS socket. Its methods are
// called only from the loop that owns the socket, and never block.
//
// When an operation cannot make progress, the engine reports one of the
// sentinel errors [ErrWantIO], [ErrPrivateKeyPending], or
// [ErrCertVerifyPending], and later signals readiness through the [Bridge]
// it was constructed with.
type Engine interface {
	// Handshake advances the handshake. It reports nil once the handshake
	// has completed successfully.
	Handshake() error

	// Read reads decrypted application data into buf.
	Read(buf []byte) (int, error)

	// Write encrypts and sends a prefix of buf, reporting how many bytes of
	// buf were consumed.
	Write(buf []byte) (int, error)

	// Buffered reports whether decrypted data is available to Read without
	// waiting for the transport.
	Buffered() bool

	// CertificateRequested reports whether the peer requested a client
	// certificate during the handshake.
	CertificateRequested() bool

	// Close releases the resources of the engine.
	Close() error
}

var (
	// ErrWantIO is reported by an engine that is waiting for transport I/O.
	ErrWantIO = errors.New("tls: waiting for transport")

	// ErrPrivateKeyPending is reported by an engine that is waiting for an
	// asynchronous private key operation.
	ErrPrivateKeyPending = errors.New("tls: private key operation pending")

	// ErrCertVerifyPending is reported by an engine that is waiting for an
	// asynchronous certificate verification.
	ErrCertVerifyPending = errors.New("tls: certificate verification pending")
)

// isEngineBlocked reports whether err is one of the engine sentinels that
// means "try again later".
func isEngineBlocked(err error) bool {
	return errors.Is(err, ErrWantIO) || errors.Is(err, ErrPrivateKeyPending) || errors.Is(err, ErrCertVerifyPending)
}

// TLS result codes.
const (
	CodeBadClientAuthCert    = "ERR_BAD_SSL_CLIENT_AUTH_CERT"
	CodeVersionOrCipher      = "ERR_SSL_VERSION_OR_CIPHER_MISMATCH"
	CodeDecryptErrorAlert    = "ERR_SSL_DECRYPT_ERROR_ALERT"
	CodeBadRecordMACAlert    = "ERR_SSL_BAD_RECORD_MAC_ALERT"
	CodeDecompressionAlert   = "ERR_SSL_DECOMPRESSION_FAILURE_ALERT"
	CodeUnrecognizedName     = "ERR_SSL_UNRECOGNIZED_NAME_ALERT"
	CodeSSLProtocolError     = "ERR_SSL_PROTOCOL_ERROR"
	CodeCertAuthorityInvalid = "ERR_CERT_AUTHORITY_INVALID"
	CodeCertDateInvalid      = "ERR_CERT_DATE_INVALID"
	CodeCertNameInvalid      = "ERR_CERT_COMMON_NAME_INVALID"
	CodeCertInvalid          = "ERR_CERT_INVALID"
)

// Alert numbers from RFC 8446 section 6.
const (
	alertBadRecordMAC         = 20
	alertDecompressionFailure = 30
	alertHandshakeFailure     = 40
	alertBadCertificate       = 42
	alertUnsupportedCert      = 43
	alertCertificateRevoked   = 44
	alertCertificateExpired   = 45
	alertCertificateUnknown   = 46
	alertUnknownCA            = 48
	alertAccessDenied         = 49
	alertDecryptError         = 51
	alertProtocolVersion      = 70
	alertInsufficientSecurity = 71
	alertUnrecognizedName     = 112
	alertCertificateRequired  = 116
)

var alertCodes = map[uint8]string{
	alertBadCertificate:       CodeBadClientAuthCert,
	alertUnsupportedCert:      CodeBadClientAuthCert,
	alertCertificateRevoked:   CodeBadClientAuthCert,
	alertCertificateExpired:   CodeBadClientAuthCert,
	alertCertificateUnknown:   CodeBadClientAuthCert,
	alertUnknownCA:            CodeBadClientAuthCert,
	alertAccessDenied:         CodeBadClientAuthCert,
	alertCertificateRequired:  CodeBadClientAuthCert,
	alertProtocolVersion:      CodeVersionOrCipher,
	alertInsufficientSecurity: CodeVersionOrCipher,
	alertHandshakeFailure:     CodeVersionOrCipher,
	alertDecryptError:         CodeDecryptErrorAlert,
	alertBadRecordMAC:         CodeBadRecordMACAlert,
	alertDecompressionFailure: CodeDecompressionAlert,
	alertUnrecognizedName:     CodeUnrecognizedName,
}

// alertOf reports the TLS alert carried by err, whether sent by the peer or
// generated locally.
func alertOf(err error) (uint8, bool) {
	var local tls.AlertError
	if errors.As(err, &local) {
		return uint8(local), true
	}
	// Alerts received from the peer are reported as a *net.OpError with the
	// operation "remote error", wrapping an unexported alert type whose text
	// matches the text of the corresponding AlertError.
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "remote error" && op.Err != nil {
		text := op.Err.Error()
		for a := range alertCodes {
			if tls.AlertError(a).Error() == text {
				return a, true
			}
		}
	}
	return 0, false
}

// mapTLSError translates a handshake or record-layer failure into a
// NetworkError result. If certRequested is false, an access-denied alert is
// reported as a generic protocol error, since the peer cannot have rejected
// a client certificate it never asked for.
func mapTLSError(err error, certRequested bool) error {
	if err == nil {
		return nil
	}
	var se *status.Error
	if errors.As(err, &se) {
		return err
	}
	if a, ok := alertOf(err); ok {
		if a == alertAccessDenied && !certRequested {
			return status.WithCode(status.NetworkError, CodeSSLProtocolError, err)
		}
		if code, ok := alertCodes[a]; ok {
			return status.WithCode(status.NetworkError, code, err)
		}
		return status.WithCode(status.NetworkError, CodeSSLProtocolError, err)
	}

	var unknownCA x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	switch {
	case errors.As(err, &unknownCA):
		return status.WithCode(status.NetworkError, CodeCertAuthorityInvalid, err)
	case errors.As(err, &hostname):
		return status.WithCode(status.NetworkError, CodeCertNameInvalid, err)
	case errors.As(err, &invalid):
		if invalid.Reason == x509.Expired {
			return status.WithCode(status.NetworkError, CodeCertDateInvalid, err)
		}
		return status.WithCode(status.NetworkError, CodeCertInvalid, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return status.WithCode(status.NetworkError, CodeTimedOut, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return status.WithCode(status.NetworkError, CodeTimedOut, err)
	}
	return status.WithCode(status.NetworkError, CodeSSLProtocolError, err)
}
