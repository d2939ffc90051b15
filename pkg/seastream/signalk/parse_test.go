package signalk

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestContextAccepted(t *testing.T) {
	tests := []struct {
		name     string
		accepted []string
		incoming string
		want     bool
	}{
		{"absent incoming always accepted", []string{"vessels.self"}, "", true},
		{"empty accepted set accepts all", nil, "vessels.whatever", true},
		{"empty expected accepts all", []string{""}, "vessels.whatever", true},
		{"exact match", []string{"vessels.self"}, "vessels.self", true},
		{"wildcard prefix", []string{"vessels.*"}, "vessels.urn:mrn:imo:mmsi:230099999", true},
		{"wildcard prefix miss", []string{"vessels.*"}, "atons.urn:x", false},
		{"mmsi substring", []string{"mmsi:230099999"}, "vessels.urn:mrn:imo:mmsi:230099999", true},
		{"mmsi substring miss", []string{"mmsi:230099999"}, "vessels.urn:mrn:imo:mmsi:111111111", false},
		{"urn exact", []string{"urn:mrn:imo:mmsi:230099999"}, "urn:mrn:imo:mmsi:230099999", true},
		{"urn with vessels prefix", []string{"urn:mrn:imo:mmsi:230099999"}, "vessels.urn:mrn:imo:mmsi:230099999", true},
		{"mrn with vessels prefix", []string{"mrn:x:y"}, "vessels.mrn:x:y", true},
		{"self matches vessels.urn", []string{"vessels.self"}, "vessels.urn:mrn:signalk:uuid:1234", true},
		{"self does not match other prefix", []string{"vessels.self"}, "atons.urn:x", false},
		{"no rule matches", []string{"vessels.other"}, "vessels.someone", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContextAccepted(tt.accepted, tt.incoming))
		})
	}
}

func TestParseDelta(t *testing.T) {
	accepted := []string{"vessels.self"}

	t.Run("single value update", func(t *testing.T) {
		doc := decode(t, `{"context":"vessels.self",
			"updates":[{"values":[{"path":"navigation.speedOverGround","value":1.2}]}]}`)

		result := ParseDelta(doc, accepted)
		assert.Equal(t, map[string]any{"navigation.speedOverGround": 1.2}, result.Values)
		assert.Empty(t, result.Sources)
		assert.Empty(t, result.Notifications)
	})

	t.Run("non-matching context yields empty result", func(t *testing.T) {
		doc := decode(t, `{"context":"vessels.someoneElse",
			"updates":[{"values":[{"path":"navigation.speedOverGround","value":1.2}]}]}`)

		result := ParseDelta(doc, accepted)
		assert.Empty(t, result.Values)
		assert.Empty(t, result.Sources)
		assert.Empty(t, result.Notifications)
	})

	t.Run("absent context is accepted", func(t *testing.T) {
		doc := decode(t, `{"updates":[{"values":[{"path":"environment.depth.belowTransducer","value":4.5}]}]}`)

		result := ParseDelta(doc, accepted)
		assert.Equal(t, map[string]any{"environment.depth.belowTransducer": 4.5}, result.Values)
	})

	t.Run("null value still counts as present", func(t *testing.T) {
		doc := decode(t, `{"context":"vessels.self",
			"updates":[{"values":[{"path":"navigation.state","value":null}]}]}`)

		result := ParseDelta(doc, accepted)
		require.Contains(t, result.Values, "navigation.state")
		assert.Nil(t, result.Values["navigation.state"])
	})

	t.Run("missing value field skips entry", func(t *testing.T) {
		doc := decode(t, `{"context":"vessels.self",
			"updates":[{"values":[{"path":"navigation.state"},
			                      {"path":"navigation.speedOverGround","value":2.5}]}]}`)

		result := ParseDelta(doc, accepted)
		assert.Equal(t, map[string]any{"navigation.speedOverGround": 2.5}, result.Values)
	})

	t.Run("entry source wins over update source", func(t *testing.T) {
		doc := decode(t, `{"context":"vessels.self",
			"updates":[{"$source":"outer.gps",
			            "values":[{"path":"a.b","value":1,"$source":"inner.gps"},
			                      {"path":"c.d","value":2}]}]}`)

		result := ParseDelta(doc, accepted)
		assert.Equal(t, "inner.gps", result.Sources["a.b"])
		assert.Equal(t, "outer.gps", result.Sources["c.d"])
	})

	t.Run("structural anomalies are skipped not fatal", func(t *testing.T) {
		doc := decode(t, `{"context":"vessels.self",
			"updates":[
				"not an object",
				{"values":"not an array"},
				{"values":[42, {"value":1}, {"path":"ok.path","value":7}]}
			]}`)

		result := ParseDelta(doc, accepted)
		assert.Equal(t, map[string]any{"ok.path": float64(7)}, result.Values)
	})

	t.Run("updates not an array yields empty", func(t *testing.T) {
		doc := decode(t, `{"context":"vessels.self","updates":{"oops":true}}`)
		result := ParseDelta(doc, accepted)
		assert.Empty(t, result.Values)
	})

	t.Run("non-object message yields empty", func(t *testing.T) {
		result := ParseDelta("just a string", accepted)
		assert.Empty(t, result.Values)
		assert.Empty(t, result.Notifications)
	})

	t.Run("notifications never appear in values", func(t *testing.T) {
		doc := decode(t, `{"context":"vessels.self",
			"updates":[{"$source":"anchorwatch","timestamp":"2026-01-03T22:34:57.853Z",
			            "values":[
			              {"path":"notifications.navigation.anchor",
			               "value":{"state":"alert","message":"Anchor Alarm","method":["sound","visual"]}},
			              {"path":"navigation.position","value":{"latitude":60.1,"longitude":24.9}}
			            ]}]}`)

		result := ParseDelta(doc, accepted)
		assert.NotContains(t, result.Values, "notifications.navigation.anchor")
		assert.Contains(t, result.Values, "navigation.position")

		require.Len(t, result.Notifications, 1)
		n := result.Notifications[0]
		assert.Equal(t, "notifications.navigation.anchor", n.Path)
		assert.Equal(t, "alert", n.State)
		assert.Equal(t, "Anchor Alarm", n.Message)
		assert.Equal(t, []string{"sound", "visual"}, n.Method)
		assert.Equal(t, "anchorwatch", n.Source)
		assert.Equal(t, "2026-01-03T22:34:57.853Z", n.Timestamp)
	})

	t.Run("scalar notification value keeps flat fields empty", func(t *testing.T) {
		doc := decode(t, `{"context":"vessels.self",
			"updates":[{"values":[{"path":"notifications.mob","value":"help"}]}]}`)

		result := ParseDelta(doc, accepted)
		require.Len(t, result.Notifications, 1)
		assert.Equal(t, "help", result.Notifications[0].Value)
		assert.Empty(t, result.Notifications[0].State)
	})

	t.Run("multiple updates processed in order", func(t *testing.T) {
		doc := decode(t, `{"context":"vessels.self",
			"updates":[
				{"values":[{"path":"a.b","value":1}]},
				{"values":[{"path":"a.b","value":2}]}
			]}`)

		result := ParseDelta(doc, accepted)
		assert.Equal(t, float64(2), result.Values["a.b"])
	})
}
