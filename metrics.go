// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package conduit

import (
	"expvar"

	"github.com/creachadair/conduit/chandef"
)

// channelMetrics record channel activity counters for one channel type.
type channelMetrics struct {
	msgSent       expvar.Int
	msgSendErr    expvar.Int
	bytesSent     expvar.Int // payload bytes, excluding headers
	msgRecv       expvar.Int
	msgRecvErr    expvar.Int
	bytesRecv     expvar.Int
	connected     expvar.Int
	connectFailed expvar.Int
	accepted      expvar.Int
	acceptFailed  expvar.Int

	emap *expvar.Map
}

var (
	rootMetrics = new(expvar.Map)
	typeMetrics = make(map[chandef.Type]*channelMetrics)
)

func init() {
	for _, t := range []chandef.Type{chandef.TCP, chandef.UDP, chandef.UDS, chandef.SHM, chandef.WS} {
		m := newChannelMetrics()
		typeMetrics[t] = m
		rootMetrics.Set(t.String(), m.emap)
	}
}

func newChannelMetrics() *channelMetrics {
	cm := &channelMetrics{emap: new(expvar.Map)}
	cm.emap.Set("messages_sent", &cm.msgSent)
	cm.emap.Set("messages_sent_failed", &cm.msgSendErr)
	cm.emap.Set("bytes_sent", &cm.bytesSent)
	cm.emap.Set("messages_received", &cm.msgRecv)
	cm.emap.Set("messages_received_failed", &cm.msgRecvErr)
	cm.emap.Set("bytes_received", &cm.bytesRecv)
	cm.emap.Set("connects", &cm.connected)
	cm.emap.Set("connects_failed", &cm.connectFailed)
	cm.emap.Set("accepts", &cm.accepted)
	cm.emap.Set("accepts_failed", &cm.acceptFailed)
	return cm
}

func metricsFor(t chandef.Type) *channelMetrics { return typeMetrics[t] }

func (m *channelMetrics) sent(n int, err error) {
	if err != nil {
		m.msgSendErr.Add(1)
		return
	}
	m.msgSent.Add(1)
	m.bytesSent.Add(int64(n))
}

func (m *channelMetrics) received(n int, err error) {
	if err != nil {
		m.msgRecvErr.Add(1)
		return
	}
	m.msgRecv.Add(1)
	m.bytesRecv.Add(int64(n))
}

// Metrics returns the activity counters of all channels in the process,
// keyed by channel type. It is safe for the caller to add additional metrics
// to the map, or to publish it with [expvar.Publish].
func Metrics() *expvar.Map { return rootMetrics }
