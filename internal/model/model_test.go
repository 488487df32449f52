package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributionVariants(t *testing.T) {
	var zero Attribution
	assert.Equal(t, AttrNone, zero.Kind())
	_, ok := zero.FeatureID()
	assert.False(t, ok)

	a := Attributed("f-1")
	id, ok := a.FeatureID()
	assert.True(t, ok)
	assert.Equal(t, "f-1", id)

	u := Unattributed()
	assert.Equal(t, AttrSessionWork, u.Kind())
	_, ok = u.FeatureID()
	assert.False(t, ok, "session work must not look like a real feature id")
}

func TestAttributionJSON(t *testing.T) {
	data, err := json.Marshal(Attributed("f-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"feature","featureId":"f-1"}`, string(data))

	data, err = json.Marshal(Unattributed())
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"session_work","featureId":null}`, string(data))

	var back Attribution
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"feature","featureId":"f-2"}`), &back))
	assert.Equal(t, Attributed("f-2"), back)

	assert.Error(t, json.Unmarshal([]byte(`{"kind":"feature"}`), &back))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	tests := []struct {
		in   string
		want *time.Time
	}{
		{"2025-03-04T05:06:07Z", &want},
		{"2025-03-04T05:06:07Z[UTC]", &want},
		{"2025-03-04T06:06:07+01:00[Europe/Paris]", &want},
		{"2025-03-04 05:06:07", &want},
		{"not a time", nil},
		{"", nil},
		{"[UTC]", nil},
	}
	for _, tt := range tests {
		got := ParseTimestamp(tt.in)
		if tt.want == nil {
			assert.Nil(t, got, tt.in)
			continue
		}
		require.NotNil(t, got, tt.in)
		assert.True(t, tt.want.Equal(*got), tt.in)
	}
}

func TestFormatTimestampSortsLexically(t *testing.T) {
	a := time.Date(2025, 1, 1, 0, 0, 0, 100, time.UTC)
	b := time.Date(2025, 1, 1, 0, 0, 0, 2000, time.UTC)
	assert.Less(t, FormatTimestamp(a), FormatTimestamp(b))

	parsed := ParseTimestamp(FormatTimestamp(b))
	require.NotNil(t, parsed)
	assert.True(t, b.Equal(*parsed))
}

func TestCleanProjectPath(t *testing.T) {
	p, ok := CleanProjectPath("/work/app/../app/")
	assert.True(t, ok)
	assert.Equal(t, "/work/app", p)

	_, ok = CleanProjectPath("relative/path")
	assert.False(t, ok)
	_, ok = CleanProjectPath("")
	assert.False(t, ok)
}

func TestEnums(t *testing.T) {
	assert.True(t, CategoryMeta.Valid())
	assert.False(t, Category("misc").Valid())
	assert.True(t, AgentFileWatch.Valid())
	assert.False(t, SourceAgent("cursor").Valid())
	assert.True(t, EventProgress.Valid())
	assert.True(t, EventError.IsActivity())
	assert.False(t, EventSessionStart.IsActivity())
}
