package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{"warning", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"", INFO},
		{"nonsense", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(INFO, true)
	l.SetOutput(&buf)

	l.WithComponent("worker").Info("batch done", Fields{"job_id": "abc", "batch": 2})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "batch done", entry["msg"])
	assert.Equal(t, "worker", entry["component"])
	assert.Equal(t, "abc", entry["job_id"])
	assert.Equal(t, float64(2), entry["batch"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WARN, false)
	l.SetOutput(&buf)

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(INFO, false)
	parent.SetOutput(&buf)

	_ = parent.WithField("job_id", "x")
	parent.Info("plain")
	assert.False(t, strings.Contains(buf.String(), "job_id"))
}

func TestFileLogger(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLogger(dir, "server", INFO, true)
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "server.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), `"component":"server"`)
}
