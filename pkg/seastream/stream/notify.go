package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tsarna/seastream/pkg/seastream/signalk"
)

// notificationDedupWindow suppresses repeats of an unchanged,
// untimestamped notification within this window.
const notificationDedupWindow = 5 * time.Second

// dedupEntry remembers the last accepted notification per path.
type dedupEntry struct {
	signature     string
	wireTimestamp string
	seenAt        time.Time
}

// handleNotification runs the dedup pipeline and fans an accepted
// notification out to every registered listener.
func (c *Coordinator) handleNotification(n signalk.Notification, now time.Time) {
	if !c.cfg.EnableNotifications {
		return
	}
	if !strings.HasPrefix(n.Path, signalk.NotificationPrefix) {
		return
	}
	if !c.notificationAllowed(n.Path) {
		return
	}

	sig := notificationSignature(n)

	c.mu.Lock()
	if prior, seen := c.notifySeen[n.Path]; seen && sig == prior.signature {
		// Wire-level duplicate: same timestamp, same content.
		if n.Timestamp != "" && n.Timestamp == prior.wireTimestamp {
			c.mu.Unlock()
			return
		}
		// Untimestamped repeat inside the short window.
		if n.Timestamp == "" && now.Sub(prior.seenAt) < notificationDedupWindow {
			c.mu.Unlock()
			return
		}
	}

	c.notifySeen[n.Path] = dedupEntry{
		signature:     sig,
		wireTimestamp: n.Timestamp,
		seenAt:        now,
	}

	c.stats.Notifications++
	if c.stats.FirstNotificationAt.IsZero() {
		c.stats.FirstNotificationAt = now
	}
	c.stats.LastNotification = now

	n.VesselID = c.cfg.VesselID
	n.VesselName = c.cfg.VesselName
	n.ReceivedAt = now

	listeners := make([]NotificationListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	c.addMetric(c.notificationsMetric, 1)

	for _, listener := range listeners {
		listener.OnNotification(n)
	}
}

// notificationAllowed applies the optional allow-list; an empty list
// dispatches everything.
func (c *Coordinator) notificationAllowed(path string) bool {
	if len(c.cfg.NotificationPaths) == 0 {
		return true
	}
	for _, prefix := range c.cfg.NotificationPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// notificationSignature canonicalizes the fields that make two
// notifications "the same" for dedup purposes.
func notificationSignature(n signalk.Notification) string {
	return strings.Join([]string{
		n.State,
		n.Message,
		strings.Join(n.Method, ","),
		n.Source,
		canonicalValue(n.Value),
	}, "\x1f")
}

// canonicalValue encodes a value stably: sorted-key JSON for objects and
// arrays, falling back to the plain textual form when encoding fails.
// Trying JSON first keeps signatures stable across re-encodings.
func canonicalValue(v any) string {
	if v == nil {
		return "null"
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", v)
}
