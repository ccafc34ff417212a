package log

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stderr) })
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: "info"},
		{in: "debug", want: "debug"},
		{in: "WARNING", want: "warn"},
		{in: "trace", want: "trace"},
		{in: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			err := SetLogLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, GetLogLevel())
		})
	}
	require.NoError(t, SetLogLevel("info"))
}

func TestLogWithFieldsIncludesComponent(t *testing.T) {
	buf := captureLogs(t)

	LogInfoWithFields("broker", "Flow started", map[string]any{
		"flow_id": "abc",
	})

	out := buf.String()
	assert.Contains(t, out, "component=broker")
	assert.Contains(t, out, "flow_id=abc")
	assert.Contains(t, out, "Flow started")
}

func TestTraceSuppressedAboveTraceLevel(t *testing.T) {
	buf := captureLogs(t)
	require.NoError(t, SetLogLevel("debug"))
	t.Cleanup(func() { _ = SetLogLevel("info") })
	buf.Reset()

	LogTrace("hidden %d", 1)
	assert.NotContains(t, buf.String(), "hidden")

	require.NoError(t, SetLogLevel("trace"))
	buf.Reset()
	LogTraceWithFields("broker", "visible", nil)
	assert.Contains(t, buf.String(), "level=TRACE")
}
