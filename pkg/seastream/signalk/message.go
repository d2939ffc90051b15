// Package signalk contains the wire-level types and pure functions for the
// Signal K delta protocol: delta parsing, subscription message construction,
// context matching, and unit conversions.
package signalk

import "time"

// Subscription format and policy values understood by Signal K servers.
const (
	FormatDelta = "delta"
	FormatFull  = "full"

	PolicyInstant = "instant"
	PolicyIdeal   = "ideal"
	PolicyFixed   = "fixed"
)

// DefaultPeriodMillis is the subscription period used when a path does not
// specify its own cadence.
const DefaultPeriodMillis = 5000

// SelfContext is the context identifying the vessel the server itself
// represents.
const SelfContext = "vessels.self"

// NotificationPrefix marks paths that carry alarm/notification payloads
// rather than telemetry values.
const NotificationPrefix = "notifications."

// SubscribeMessage is the client-to-server subscription request, sent as a
// single text frame after connecting to the delta stream.
type SubscribeMessage struct {
	Context   string              `json:"context"`
	Subscribe []SubscriptionEntry `json:"subscribe"`
}

// SubscriptionEntry requests updates for one path at a given cadence.
type SubscriptionEntry struct {
	Path      string `json:"path"`
	Period    int    `json:"period"`
	MinPeriod int    `json:"minPeriod"`
	Format    string `json:"format"`
	Policy    string `json:"policy"`
}

// PathSpec is the caller-side description of a desired subscription. Zero
// PeriodMillis means "use the default"; zero MinPeriodMillis means "same as
// the effective period".
type PathSpec struct {
	Path            string
	PeriodMillis    int
	MinPeriodMillis int
}

// Notification is a normalized alarm record extracted from a delta. The
// parser fills the wire-derived fields; the streaming coordinator stamps
// VesselID, VesselName and ReceivedAt before fanning the record out to
// listeners.
type Notification struct {
	Path       string    `json:"path"`
	Value      any       `json:"value"`
	State      string    `json:"state,omitempty"`
	Message    string    `json:"message,omitempty"`
	Method     []string  `json:"method,omitempty"`
	Timestamp  string    `json:"timestamp,omitempty"`
	Source     string    `json:"source,omitempty"`
	VesselID   string    `json:"vesselId,omitempty"`
	VesselName string    `json:"vesselName,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}
