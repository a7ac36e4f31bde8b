package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Session counters
	SuccessfulAuths atomic.Int64 // successful authentication attempts
	FailedAuths     atomic.Int64 // rejected authentication attempts
	Timeouts        atomic.Int64 // sessions reaped for keepalive silence

	// Datagram counters
	PacketsIn      atomic.Int64 // total datagrams received
	PacketsDropped atomic.Int64 // dropped (malformed, unknown session, failed open)

	// Voice counters
	VoicePacketsIn  atomic.Int64 // audio frames received
	VoicePacketsOut atomic.Int64 // audio frames forwarded
	VoiceBytesIn    atomic.Int64
	VoiceBytesOut   atomic.Int64
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	SuccessfulAuths int64 `json:"successful_auths"`
	FailedAuths     int64 `json:"failed_auths"`
	Timeouts        int64 `json:"timeouts"`

	PacketsIn      int64 `json:"packets_in"`
	PacketsDropped int64 `json:"packets_dropped"`

	VoicePacketsIn  int64 `json:"voice_packets_in"`
	VoicePacketsOut int64 `json:"voice_packets_out"`
	VoiceBytesIn    int64 `json:"voice_bytes_in"`
	VoiceBytesOut   int64 `json:"voice_bytes_out"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:          uptime.Truncate(time.Second).String(),
		UptimeSeconds:   int64(uptime.Seconds()),
		SuccessfulAuths: m.SuccessfulAuths.Load(),
		FailedAuths:     m.FailedAuths.Load(),
		Timeouts:        m.Timeouts.Load(),
		PacketsIn:       m.PacketsIn.Load(),
		PacketsDropped:  m.PacketsDropped.Load(),
		VoicePacketsIn:  m.VoicePacketsIn.Load(),
		VoicePacketsOut: m.VoicePacketsOut.Load(),
		VoiceBytesIn:    m.VoiceBytesIn.Load(),
		VoiceBytesOut:   m.VoiceBytesOut.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"auths", s.SuccessfulAuths,
		"failed_auths", s.FailedAuths,
		"timeouts", s.Timeouts,
		"pkts_in", s.PacketsIn,
		"pkts_dropped", s.PacketsDropped,
		"voice_in", s.VoicePacketsIn,
		"voice_out", s.VoicePacketsOut,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
