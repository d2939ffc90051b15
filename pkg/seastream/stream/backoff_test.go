package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func zeroJitter() time.Duration { return 0 }

func TestBackoffSchedule(t *testing.T) {
	t.Run("doubles and saturates at the cap", func(t *testing.T) {
		b := NewBackoff()
		b.jitter = zeroJitter

		want := []time.Duration{
			1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
			16 * time.Second, 30 * time.Second, 30 * time.Second,
		}
		for i, expected := range want {
			assert.Equal(t, expected, b.Next(), "delay %d", i)
			assert.Equal(t, expected, b.Last())
		}
	})

	t.Run("reset returns to the initial delay", func(t *testing.T) {
		b := NewBackoff()
		b.jitter = zeroJitter

		b.Next()
		b.Next()
		b.Next()
		b.Reset()
		assert.Equal(t, 1*time.Second, b.Next())
	})

	t.Run("jitter stays within a second", func(t *testing.T) {
		b := NewBackoff()
		for i := 0; i < 50; i++ {
			d := b.Next()
			pre := b.Last()
			assert.GreaterOrEqual(t, d, pre)
			assert.Less(t, d, pre+1*time.Second)
			b.Reset()
		}
	})
}

func TestLogLimiter(t *testing.T) {
	l := newLogLimiter(time.Hour)

	assert.True(t, l.Allow("decode"))
	assert.False(t, l.Allow("decode"))
	assert.True(t, l.Allow("other"))

	l.last["decode"] = time.Now().Add(-2 * time.Hour)
	assert.True(t, l.Allow("decode"))
}
