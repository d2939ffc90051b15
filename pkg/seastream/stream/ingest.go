package stream

import (
	"encoding/json"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/seastream/pkg/seastream/signalk"
)

// ingest processes one text frame: count it, decode it, parse it, route
// notifications, update the source/timestamp/value maps, and schedule a
// coalesced flush.
func (c *Coordinator) ingest(data []byte) {
	now := time.Now()

	c.mu.Lock()
	c.stats.Messages++
	c.stats.LastMessage = now
	if c.stats.FirstMessageAt.IsZero() {
		c.stats.FirstMessageAt = now
	}
	c.mu.Unlock()
	c.addMetric(c.messagesMetric, 1)

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		c.mu.Lock()
		c.stats.ParseErrors++
		c.mu.Unlock()
		c.addMetric(c.parseErrorsMetric, 1)

		if c.limiter.Allow("decode") {
			c.logger.Warn("Discarding undecodable frame", zap.Error(err))
		}
		return
	}

	result := signalk.ParseDelta(doc, c.accepted)

	// Notifications never enter the value cache.
	for _, n := range result.Notifications {
		delete(result.Values, n.Path)
		c.handleNotification(n, now)
	}

	c.mu.Lock()
	for path, source := range result.Sources {
		if c.sources[path] != source {
			c.sources[path] = source
		}
	}
	for path, value := range result.Values {
		if strings.HasPrefix(path, signalk.NotificationPrefix) {
			continue
		}
		c.values[path] = value
		c.timestamps[path] = now
	}
	dirty := len(result.Values) > 0
	c.mu.Unlock()

	if dirty {
		c.scheduleFlush()
	}
}

// scheduleFlush arms the coalescing timer. Updates arriving while a flush
// is pending are absorbed into that flush.
func (c *Coordinator) scheduleFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flushPending || c.stopped {
		return
	}

	c.flushPending = true
	c.flushTimer = time.AfterFunc(c.coalesceWindow, c.publishSnapshot)
}

// flushNow cancels any pending coalescing timer and publishes immediately.
func (c *Coordinator) flushNow() {
	c.mu.Lock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.mu.Unlock()

	c.publishSnapshot()
}

// publishSnapshot hands a clone of the latest-value cache to the snapshot
// consumer. Nothing is published after Stop.
func (c *Coordinator) publishSnapshot() {
	c.mu.Lock()
	c.flushPending = false
	if c.stopped || c.onSnapshot == nil {
		c.mu.Unlock()
		return
	}
	snapshot := maps.Clone(c.values)
	fn := c.onSnapshot
	c.mu.Unlock()

	fn(snapshot)
}
