package signalk

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSubscribe(t *testing.T) {
	t.Run("canonical message shape", func(t *testing.T) {
		msg := BuildSubscribe("vessels.self", []PathSpec{
			{Path: "navigation.speedOverGround", PeriodMillis: 1000},
		})

		data, err := json.Marshal(msg)
		require.NoError(t, err)
		assert.JSONEq(t,
			`{"context":"vessels.self","subscribe":[
				{"path":"navigation.speedOverGround","period":1000,
				 "minPeriod":1000,"format":"delta","policy":"ideal"}]}`,
			string(data))
	})

	t.Run("paths deduplicated first wins", func(t *testing.T) {
		msg := BuildSubscribe("vessels.self", []PathSpec{
			{Path: "a.b", PeriodMillis: 1000},
			{Path: "c.d", PeriodMillis: 2000},
			{Path: "a.b", PeriodMillis: 9999},
		})

		require.Len(t, msg.Subscribe, 2)
		assert.Equal(t, "a.b", msg.Subscribe[0].Path)
		assert.Equal(t, 1000, msg.Subscribe[0].Period)
		assert.Equal(t, "c.d", msg.Subscribe[1].Path)
	})

	t.Run("blanks and comments dropped", func(t *testing.T) {
		msg := BuildSubscribe("vessels.self", []PathSpec{
			{Path: ""},
			{Path: "   "},
			{Path: "# a comment"},
			{Path: "navigation.position"},
		})

		require.Len(t, msg.Subscribe, 1)
		assert.Equal(t, "navigation.position", msg.Subscribe[0].Path)
	})

	t.Run("defaults applied", func(t *testing.T) {
		msg := BuildSubscribe("vessels.self", []PathSpec{{Path: "a.b"}})

		require.Len(t, msg.Subscribe, 1)
		entry := msg.Subscribe[0]
		assert.Equal(t, DefaultPeriodMillis, entry.Period)
		assert.Equal(t, DefaultPeriodMillis, entry.MinPeriod)
		assert.Equal(t, FormatDelta, entry.Format)
		assert.Equal(t, PolicyIdeal, entry.Policy)
	})

	t.Run("minPeriod defaults to effective period", func(t *testing.T) {
		msg := BuildSubscribe("vessels.self", []PathSpec{{Path: "a.b", PeriodMillis: 250}})
		assert.Equal(t, 250, msg.Subscribe[0].MinPeriod)
	})

	t.Run("insertion order preserved", func(t *testing.T) {
		specs := []PathSpec{
			{Path: "z.z"}, {Path: "a.a"}, {Path: "m.m"},
		}
		msg := BuildSubscribe("vessels.self", specs)

		var got []string
		for _, entry := range msg.Subscribe {
			got = append(got, entry.Path)
		}
		assert.Equal(t, []string{"z.z", "a.a", "m.m"}, got)
	})
}

func TestParsePathsFile(t *testing.T) {
	t.Run("paths with and without periods", func(t *testing.T) {
		specs, err := ParsePathsFile(strings.NewReader(`
# navigation essentials
navigation.speedOverGround=1000
navigation.position

environment.wind.speedApparent = 2000
`))
		require.NoError(t, err)
		assert.Equal(t, []PathSpec{
			{Path: "navigation.speedOverGround", PeriodMillis: 1000},
			{Path: "navigation.position"},
			{Path: "environment.wind.speedApparent", PeriodMillis: 2000},
		}, specs)
	})

	t.Run("bad period is an error", func(t *testing.T) {
		_, err := ParsePathsFile(strings.NewReader("a.b=fast\n"))
		assert.Error(t, err)
	})
}
