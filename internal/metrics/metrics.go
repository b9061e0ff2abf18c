// Package metrics collects process-level relay counters for periodic logging
// and the health endpoints.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// maxResponseSamples bounds the rolling response-time window.
const maxResponseSamples = 1000

// Collector is a thread-safe bundle of relay counters.
type Collector struct {
	mu sync.Mutex

	start             time.Time
	connectionsTotal  uint64
	connectionsActive int64
	emailsSent        uint64
	emailsFailed      uint64
	bytesProcessed    uint64
	responseTimes     []time.Duration
	errorsByType      map[string]uint64
}

// NewCollector creates a Collector with the uptime clock started.
func NewCollector() *Collector {
	return &Collector{
		start:        time.Now(),
		errorsByType: make(map[string]uint64),
	}
}

// ConnectionOpened records an accepted connection.
func (c *Collector) ConnectionOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionsTotal++
	c.connectionsActive++
}

// ConnectionClosed records a finished session.
func (c *Collector) ConnectionClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectionsActive > 0 {
		c.connectionsActive--
	}
}

// EmailSent records a successful relay of the given payload size.
func (c *Collector) EmailSent(bytes int64, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emailsSent++
	c.bytesProcessed += uint64(bytes)
	if len(c.responseTimes) >= maxResponseSamples {
		c.responseTimes = c.responseTimes[1:]
	}
	c.responseTimes = append(c.responseTimes, elapsed)
}

// EmailFailed records a failed relay attempt of the given error kind.
func (c *Collector) EmailFailed(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emailsFailed++
	c.errorsByType[kind]++
}

// Snapshot is a point-in-time, JSON-serializable view of the counters.
type Snapshot struct {
	ConnectionsTotal      uint64            `json:"connections_total"`
	ConnectionsActive     int64             `json:"connections_active"`
	EmailsSentTotal       uint64            `json:"emails_sent_total"`
	EmailsFailedTotal     uint64            `json:"emails_failed_total"`
	BytesProcessedTotal   uint64            `json:"bytes_processed_total"`
	ErrorsByType          map[string]uint64 `json:"errors_by_type,omitempty"`
	UptimeSeconds         int64             `json:"uptime_seconds"`
	AverageResponseTimeMs int64             `json:"average_response_time_ms"`
	SuccessRatePercent    float64           `json:"success_rate_percent"`
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	errs := make(map[string]uint64, len(c.errorsByType))
	for k, v := range c.errorsByType {
		errs[k] = v
	}

	return Snapshot{
		ConnectionsTotal:      c.connectionsTotal,
		ConnectionsActive:     c.connectionsActive,
		EmailsSentTotal:       c.emailsSent,
		EmailsFailedTotal:     c.emailsFailed,
		BytesProcessedTotal:   c.bytesProcessed,
		ErrorsByType:          errs,
		UptimeSeconds:         int64(time.Since(c.start).Seconds()),
		AverageResponseTimeMs: c.averageResponseLocked().Milliseconds(),
		SuccessRatePercent:    c.successRateLocked() * 100,
	}
}

// averageResponseLocked computes the mean of the rolling response-time
// window. The caller must hold c.mu.
func (c *Collector) averageResponseLocked() time.Duration {
	if len(c.responseTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range c.responseTimes {
		total += d
	}
	return total / time.Duration(len(c.responseTimes))
}

// successRateLocked returns the fraction of sends that succeeded, or 1 when
// nothing has been attempted. The caller must hold c.mu.
func (c *Collector) successRateLocked() float64 {
	total := c.emailsSent + c.emailsFailed
	if total == 0 {
		return 1.0
	}
	return float64(c.emailsSent) / float64(total)
}

// LogSummary emits the current counters at INFO level.
func (c *Collector) LogSummary() {
	snap := c.Snapshot()
	slog.Info("relay metrics",
		"connections_total", snap.ConnectionsTotal,
		"connections_active", snap.ConnectionsActive,
		"emails_sent", snap.EmailsSentTotal,
		"emails_failed", snap.EmailsFailedTotal,
		"bytes_processed", snap.BytesProcessedTotal,
		"avg_response_time_ms", snap.AverageResponseTimeMs,
		"success_rate_percent", snap.SuccessRatePercent,
		"uptime_seconds", snap.UptimeSeconds,
	)
	if len(snap.ErrorsByType) > 0 {
		slog.Warn("relay error breakdown", "errors_by_type", snap.ErrorsByType)
	}
}

// StartLogger periodically logs the counters until the context is cancelled.
func StartLogger(ctx context.Context, c *Collector, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.LogSummary()
			}
		}
	}()
}
