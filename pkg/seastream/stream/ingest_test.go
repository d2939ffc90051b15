package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsarna/seastream/pkg/seastream/signalk"
)

// collectingListener records every notification it receives.
type collectingListener struct {
	mu            sync.Mutex
	notifications []signalk.Notification
}

func (l *collectingListener) OnNotification(n signalk.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifications = append(l.notifications, n)
}

func (l *collectingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.notifications)
}

func buildTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	c, err := NewCoordinator().
		WithConfig(cfg).
		WithCoalesceWindow(30 * time.Millisecond).
		Build()
	require.NoError(t, err)
	return c
}

const anchorAlarmFrame = `{"context":"vessels.self",
	"updates":[{"$source":"anchorwatch","timestamp":"2026-01-03T22:34:57.853Z",
	  "values":[{"path":"notifications.navigation.anchor",
	    "value":{"state":"alert","message":"Anchor Alarm","method":["sound"]},
	    "timestamp":"2026-01-03T22:34:57.853Z"}]}]}`

func TestIngest(t *testing.T) {
	t.Run("single value update", func(t *testing.T) {
		c := buildTestCoordinator(t, Config{})

		c.ingest([]byte(`{"context":"vessels.self",
			"updates":[{"values":[{"path":"navigation.speedOverGround","value":1.2}]}]}`))

		assert.Equal(t, int64(1), c.Stats().Messages)
		v, ok := c.Value("navigation.speedOverGround")
		require.True(t, ok)
		assert.Equal(t, 1.2, v)
		assert.False(t, c.LastMessage().IsZero())
		assert.False(t, c.Stats().FirstMessageAt.IsZero())
	})

	t.Run("coalesced snapshot published after the window", func(t *testing.T) {
		snapshots := make(chan map[string]any, 4)
		c, err := NewCoordinator().
			WithConfig(Config{Host: "localhost"}).
			WithCoalesceWindow(30 * time.Millisecond).
			WithSnapshotFunc(func(values map[string]any) { snapshots <- values }).
			Build()
		require.NoError(t, err)

		c.ingest([]byte(`{"updates":[{"values":[{"path":"a.b","value":1}]}]}`))
		c.ingest([]byte(`{"updates":[{"values":[{"path":"a.b","value":2}]}]}`))

		select {
		case snapshot := <-snapshots:
			assert.Equal(t, map[string]any{"a.b": float64(2)}, snapshot)
		case <-time.After(2 * time.Second):
			t.Fatal("no snapshot published")
		}

		// Both frames were absorbed into one flush.
		select {
		case <-snapshots:
			t.Fatal("second snapshot published for a coalesced window")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("invalid JSON counts a parse error", func(t *testing.T) {
		c := buildTestCoordinator(t, Config{})

		c.ingest([]byte(`{not json`))
		c.ingest([]byte(`{still not json`))

		stats := c.Stats()
		assert.Equal(t, int64(2), stats.Messages)
		assert.Equal(t, int64(2), stats.ParseErrors)
		assert.Empty(t, c.Values())
	})

	t.Run("source updates recorded", func(t *testing.T) {
		c := buildTestCoordinator(t, Config{})

		c.ingest([]byte(`{"updates":[{"$source":"gps0",
			"values":[{"path":"navigation.position","value":{"latitude":60.1,"longitude":24.9}}]}]}`))

		assert.Equal(t, "gps0", c.Sources()["navigation.position"])
		assert.Contains(t, c.Timestamps(), "navigation.position")
	})

	t.Run("cache never holds notification paths", func(t *testing.T) {
		c := buildTestCoordinator(t, Config{EnableNotifications: true})

		c.ingest([]byte(anchorAlarmFrame))

		for path := range c.Values() {
			assert.NotContains(t, path, "notifications.")
		}
	})
}

func TestNotificationPipeline(t *testing.T) {
	t.Run("identical timestamped notification dispatched once", func(t *testing.T) {
		c := buildTestCoordinator(t, Config{EnableNotifications: true, VesselID: "urn:mrn:x", VesselName: "Ardea"})
		listener := &collectingListener{}
		c.AddNotificationListener(listener)

		c.ingest([]byte(anchorAlarmFrame))
		c.ingest([]byte(anchorAlarmFrame))

		assert.Equal(t, 1, listener.count())
		assert.Equal(t, int64(1), c.Stats().Notifications)

		listener.mu.Lock()
		n := listener.notifications[0]
		listener.mu.Unlock()
		assert.Equal(t, "alert", n.State)
		assert.Equal(t, "Anchor Alarm", n.Message)
		assert.Equal(t, "urn:mrn:x", n.VesselID)
		assert.Equal(t, "Ardea", n.VesselName)
		assert.False(t, n.ReceivedAt.IsZero())
	})

	t.Run("changed content is dispatched again", func(t *testing.T) {
		c := buildTestCoordinator(t, Config{EnableNotifications: true})
		listener := &collectingListener{}
		c.AddNotificationListener(listener)

		frame := `{"updates":[{"values":[{"path":"notifications.mob",
			"value":{"state":"%s","message":"m"},"timestamp":"2026-01-03T10:00:00Z"}]}]}`
		c.ingest([]byte(fmt.Sprintf(frame, "alert")))
		c.ingest([]byte(fmt.Sprintf(frame, "normal")))

		assert.Equal(t, 2, listener.count())
	})

	t.Run("untimestamped repeat suppressed within the short window", func(t *testing.T) {
		c := buildTestCoordinator(t, Config{EnableNotifications: true})
		listener := &collectingListener{}
		c.AddNotificationListener(listener)

		frame := []byte(`{"updates":[{"values":[{"path":"notifications.engine",
			"value":{"state":"warn","message":"hot"}}]}]}`)
		c.ingest(frame)
		c.ingest(frame)
		assert.Equal(t, 1, listener.count())

		// Age the cache entry past the window; the repeat is accepted.
		c.mu.Lock()
		entry := c.notifySeen["notifications.engine"]
		entry.seenAt = entry.seenAt.Add(-6 * time.Second)
		c.notifySeen["notifications.engine"] = entry
		c.mu.Unlock()

		c.ingest(frame)
		assert.Equal(t, 2, listener.count())
	})

	t.Run("disabled notifications are not dispatched", func(t *testing.T) {
		c := buildTestCoordinator(t, Config{EnableNotifications: false})
		listener := &collectingListener{}
		c.AddNotificationListener(listener)

		c.ingest([]byte(anchorAlarmFrame))

		assert.Equal(t, 0, listener.count())
		assert.Equal(t, int64(0), c.Stats().Notifications)
	})

	t.Run("allow-list filters by prefix", func(t *testing.T) {
		c := buildTestCoordinator(t, Config{
			EnableNotifications: true,
			NotificationPaths:   []string{"notifications.navigation."},
		})
		listener := &collectingListener{}
		c.AddNotificationListener(listener)

		c.ingest([]byte(anchorAlarmFrame))
		c.ingest([]byte(`{"updates":[{"values":[{"path":"notifications.engine",
			"value":{"state":"warn"}}]}]}`))

		assert.Equal(t, 1, listener.count())
	})

	t.Run("removed listener stops receiving", func(t *testing.T) {
		c := buildTestCoordinator(t, Config{EnableNotifications: true})
		listener := &collectingListener{}
		handle := c.AddNotificationListener(listener)

		c.ingest([]byte(anchorAlarmFrame))
		assert.Equal(t, 1, listener.count())

		handle.Remove()
		handle.Remove() // idempotent

		c.ingest([]byte(`{"updates":[{"values":[{"path":"notifications.other",
			"value":{"state":"alarm"}}]}]}`))
		assert.Equal(t, 1, listener.count())
	})
}

func TestRates(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	t.Run("nil before first sample", func(t *testing.T) {
		assert.Nil(t, ratePerHour(0, time.Time{}, now))
	})

	t.Run("nil when no time elapsed", func(t *testing.T) {
		assert.Nil(t, ratePerHour(5, now, now))
		assert.Nil(t, ratePerHour(5, now.Add(time.Minute), now))
	})

	t.Run("rounded to two decimals", func(t *testing.T) {
		rate := ratePerHour(2, now.Add(-time.Hour), now)
		require.NotNil(t, rate)
		assert.Equal(t, 2.0, *rate)

		rate = ratePerHour(1, now.Add(-1234*time.Second), now)
		require.NotNil(t, rate)
		assert.Equal(t, 2.92, *rate)
	})
}

func TestSpecSetsEqual(t *testing.T) {
	a := []signalk.PathSpec{{Path: "a.b", PeriodMillis: 1000}, {Path: "c.d"}}

	t.Run("order ignored", func(t *testing.T) {
		b := []signalk.PathSpec{{Path: "c.d"}, {Path: "a.b", PeriodMillis: 1000}}
		assert.True(t, specSetsEqual(a, b))
	})

	t.Run("duplicates collapse", func(t *testing.T) {
		b := []signalk.PathSpec{{Path: "a.b", PeriodMillis: 1000}, {Path: "c.d"}, {Path: "a.b"}}
		assert.True(t, specSetsEqual(a, b))
	})

	t.Run("period changes matter", func(t *testing.T) {
		b := []signalk.PathSpec{{Path: "a.b", PeriodMillis: 2000}, {Path: "c.d"}}
		assert.False(t, specSetsEqual(a, b))
	})

	t.Run("explicit default period equals omitted", func(t *testing.T) {
		b := []signalk.PathSpec{{Path: "a.b", PeriodMillis: 1000}, {Path: "c.d", PeriodMillis: signalk.DefaultPeriodMillis}}
		assert.True(t, specSetsEqual(a, b))
	})
}
