package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManagerTransitions(t *testing.T) {
	t.Run("initial state without token", func(t *testing.T) {
		m := NewManager("")
		assert.Equal(t, StateNone, m.State())
		assert.Empty(t, m.Token())
	})

	t.Run("initial state with configured token", func(t *testing.T) {
		m := NewManager("tok")
		assert.Equal(t, StateGranted, m.State())
		assert.Equal(t, "tok", m.Token())
	})

	t.Run("non-empty token grants", func(t *testing.T) {
		m := NewManager("")
		m.UpdateToken("tok")
		assert.Equal(t, StateGranted, m.State())
	})

	t.Run("empty token clears grant", func(t *testing.T) {
		m := NewManager("tok")
		m.UpdateToken("")
		assert.Equal(t, StateNone, m.State())
		assert.Empty(t, m.Token())
	})

	t.Run("clearing token while failed stays failed", func(t *testing.T) {
		m := NewManager("tok")
		m.MarkFailure("401 at handshake")
		m.UpdateToken("")
		assert.Equal(t, StateFailed, m.State())
	})

	t.Run("failure from any state", func(t *testing.T) {
		for _, setup := range []func(*Manager){
			func(m *Manager) {},
			func(m *Manager) { m.UpdateToken("tok") },
			func(m *Manager) { m.MarkAccessRequestActive() },
			func(m *Manager) { m.MarkFailure("earlier") },
		} {
			m := NewManager("")
			setup(m)
			m.MarkFailure("boom")
			assert.Equal(t, StateFailed, m.State())
			assert.Equal(t, "boom", m.Summary().LastError)
		}
	})

	t.Run("success requires a token", func(t *testing.T) {
		m := NewManager("")
		m.MarkFailure("boom")
		m.MarkSuccess()
		assert.Equal(t, StateFailed, m.State())

		m.UpdateToken("tok") // stored, but failed state persists
		assert.Equal(t, StateFailed, m.State())
		m.MarkSuccess()
		assert.Equal(t, StateGranted, m.State())
		assert.Empty(t, m.Summary().LastError)
		assert.False(t, m.Summary().LastSuccess.IsZero())
	})

	t.Run("success from pending", func(t *testing.T) {
		m := NewManager("")
		m.MarkAccessRequestActive()
		assert.Equal(t, StatePending, m.State())
		assert.True(t, m.Summary().RequestActive)

		m.UpdateToken("tok")
		m.MarkSuccess()
		assert.Equal(t, StateGranted, m.State())
		assert.False(t, m.Summary().RequestActive)
	})

	t.Run("success from none is a no-op", func(t *testing.T) {
		m := NewManager("")
		m.MarkSuccess()
		assert.Equal(t, StateNone, m.State())
	})

	t.Run("errors truncated to 200 characters", func(t *testing.T) {
		m := NewManager("")
		m.MarkFailure(strings.Repeat("x", 500))
		assert.Len(t, m.Summary().LastError, 200)
	})

	t.Run("summary is a consistent snapshot", func(t *testing.T) {
		m := NewManager("tok")
		s := m.Summary()
		assert.Equal(t, StateGranted, s.State)
		assert.True(t, s.HasToken)
		assert.False(t, s.RequestActive)
	})
}
