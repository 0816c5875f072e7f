// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package broker passes the handles of a shared-memory region from the
// process that created it to the processes that read it.
//
// The publisher calls [Broker.Setup] with a function that fills in the
// [Data] to send, and advertises the returned def. Each subscriber calls
// [Broker.WaitForBroker] with that def, and receives one copy of the data.
//
// On Unix the exchange runs over a Unix-domain socket, and the handles are
// passed as descriptors in an SCM_RIGHTS control message. On Windows it runs
// over a named pipe, and the blob names the file mapping.
package broker

import (
	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/status"
	"go.uber.org/zap"
)

// MaxBlobSize is the largest blob a broker exchange can carry.
const MaxBlobSize = 1 << 10

// Data is the payload of one broker exchange. Handles not in use are -1.
// A ReadOnlyHandle is only passed along with a Handle.
type Data struct {
	Handle         int
	ReadOnlyHandle int
	Blob           []byte
}

// A FillFunc populates the data sent to one subscriber. The handles in d
// remain owned by the caller of Setup.
type FillFunc func(d *Data) error

// A Broker exchanges region handles between processes.
type Broker interface {
	// Setup starts serving subscribers, and returns the def they connect to.
	// A failure to start is reported as Unavailable.
	Setup(fill FillFunc) (chandef.Def, error)

	// WaitForBroker connects to the broker at def and calls done with the
	// data it sends. An exchange that delivers no blob is DataLoss. The
	// handles of a successful result are owned by the caller.
	WaitForBroker(def chandef.Def, done func(Data, error))

	// Close stops serving, and abandons pending exchanges.
	Close() error
}

// brokerEndpoint returns the broker endpoint of def, which may be either an
// SHM def or the broker def itself.
func brokerEndpoint(def chandef.Def) (chandef.UDSEndpoint, error) {
	if def.Type == chandef.SHM && def.SHM != nil {
		def = def.SHM.Broker
	}
	if def.Type != chandef.UDS || def.UDS == nil {
		return chandef.UDSEndpoint{}, status.InvalidArgumentf("invalid broker def %v", def)
	}
	return *def.UDS, nil
}

// checkBlob reports whether d carries a blob that can be sent, logging the
// reason if it cannot.
func checkBlob(log *zap.Logger, d Data) bool {
	if len(d.Blob) > MaxBlobSize {
		log.Error("blob too large", zap.Int("size", len(d.Blob)), zap.Int("max", MaxBlobSize))
		return false
	}
	return true
}
