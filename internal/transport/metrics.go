package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Per-stream packet counters.
	webrtcStreamPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "webrtc",
		Name:      "stream_packets_total",
		Help:      "RTP packets sent per stream",
	}, []string{"stream_id"})

	webrtcStreamBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "webrtc",
		Name:      "stream_bytes_total",
		Help:      "RTP payload bytes sent per stream",
	}, []string{"stream_id"})

	webrtcWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "webrtc",
		Name:      "write_errors_total",
		Help:      "RTP packets a track failed to write",
	}, []string{"stream_id"})

	// RTCP counters.
	webrtcRTCPPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "webrtc",
		Name:      "rtcp_packets_total",
		Help:      "Total RTCP packets received from WebRTC peers",
	}, []string{"stream_id"})

	webrtcStreamNACKs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "webrtc",
		Name:      "stream_nacks_total",
		Help:      "NACKed packets per stream (indicates packet loss)",
	}, []string{"stream_id"})

	webrtcStreamPLIs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "webrtc",
		Name:      "stream_plis_total",
		Help:      "PLI requests per stream",
	}, []string{"stream_id"})

	webrtcStreamFIRs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "webrtc",
		Name:      "stream_firs_total",
		Help:      "FIR requests per stream",
	}, []string{"stream_id"})

	webrtcREMBBitrate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hwencode",
		Subsystem: "webrtc",
		Name:      "remb_bitrate_kbps",
		Help:      "Last receiver estimated maximum bitrate",
	}, []string{"stream_id"})

	// Connection gauges.
	webrtcActivePeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hwencode",
		Subsystem: "webrtc",
		Name:      "active_peers",
		Help:      "Number of currently active WebRTC peer connections",
	}, []string{"stream_id"})
)

// IncrementRTCPPackets records RTCP packets received.
func IncrementRTCPPackets(streamID string) {
	webrtcRTCPPackets.WithLabelValues(streamID).Inc()
}

// IncrementNACKs records NACKed packets.
func IncrementNACKs(streamID string, count int) {
	webrtcStreamNACKs.WithLabelValues(streamID).Add(float64(count))
}

// IncrementPLIs records PLI requests received.
func IncrementPLIs(streamID string) {
	webrtcStreamPLIs.WithLabelValues(streamID).Inc()
}

// IncrementFIRs records FIR requests received.
func IncrementFIRs(streamID string) {
	webrtcStreamFIRs.WithLabelValues(streamID).Inc()
}

// SetREMBBitrate records the latest receiver estimate.
func SetREMBBitrate(streamID string, kbps int) {
	webrtcREMBBitrate.WithLabelValues(streamID).Set(float64(kbps))
}

// IncrementPacketsSent records packets and bytes sent for a stream.
func IncrementPacketsSent(streamID string, packets, bytes int) {
	webrtcStreamPackets.WithLabelValues(streamID).Add(float64(packets))
	webrtcStreamBytes.WithLabelValues(streamID).Add(float64(bytes))
}

// IncrementWriteErrors records failed track writes.
func IncrementWriteErrors(streamID string) {
	webrtcWriteErrors.WithLabelValues(streamID).Inc()
}

// SetActivePeers sets the current number of active peers.
func SetActivePeers(streamID string, count int) {
	webrtcActivePeers.WithLabelValues(streamID).Set(float64(count))
}
