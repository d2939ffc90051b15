package stream

import (
	"math"
	"time"
)

// ConnState is the connection lifecycle state of the coordinator. Within a
// single attempt it only moves forward: Disconnected -> Connecting ->
// Subscribing -> Connected. On loss the loop re-enters through
// Reconnecting; Stop makes Disconnected terminal.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateSubscribing
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// disconnectReason classifies why a connected session ended. The supervision
// loop dispatches on it instead of using errors for control flow.
type disconnectReason int

const (
	reasonTransport disconnectReason = iota
	reasonInactivity
	reasonPeerClose
	reasonProtocolError
	reasonAuthFailure
	reasonShutdown
)

// Stats are the coordinator's health counters. Counts are cumulative for
// the life of the coordinator; the First*/Last* instants feed rate
// calculation and staleness decisions.
type Stats struct {
	Messages            int64     `json:"messages"`
	ParseErrors         int64     `json:"parseErrors"`
	Reconnects          int64     `json:"reconnects"`
	Notifications       int64     `json:"notifications"`
	FirstMessageAt      time.Time `json:"firstMessageAt"`
	FirstNotificationAt time.Time `json:"firstNotificationAt"`
	LastMessage         time.Time `json:"lastMessage"`
	LastNotification    time.Time `json:"lastNotification"`
}

// maxErrorLen bounds error strings surfaced to consumers.
const maxErrorLen = 200

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// ratePerHour converts a cumulative count and its first-sample instant into
// an hourly rate rounded to two decimals. It returns nil before the first
// sample and when no wall-clock time has elapsed.
func ratePerHour(count int64, first, now time.Time) *float64 {
	if first.IsZero() {
		return nil
	}
	elapsed := now.Sub(first).Seconds()
	if elapsed <= 0 {
		return nil
	}
	rate := math.Round(float64(count)/(elapsed/3600)*100) / 100
	return &rate
}
