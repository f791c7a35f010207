package telemetry

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		level   string
		message string
	}{
		{name: "empty", input: "", level: "INFO", message: ""},
		{name: "bracketed", input: "[ERROR] apply failed", level: "ERROR", message: "apply failed"},
		{name: "colon", input: "WARN: destroy retried", level: "WARN", message: "destroy retried"},
		{name: "leading word", input: "DEBUG stage outcome recorded", level: "DEBUG", message: "stage outcome recorded"},
		{name: "plain", input: "suite complete", level: "INFO", message: "suite complete"},
		{name: "non-level bracket", input: "[run_42] started", level: "INFO", message: "[run_42] started"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, message := parseLevel(tt.input)
			assert.Equal(t, tt.level, level)
			assert.Equal(t, tt.message, message)
		})
	}
}

func TestJSONLogWriter(t *testing.T) {
	var buf bytes.Buffer
	w := newJSONLogWriter("tfbench", &buf)

	_, err := w.Write([]byte("[INFO] pipeline started\n"))
	require.NoError(t, err)

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "tfbench", entry["service"])
	assert.Equal(t, "pipeline started", entry["msg"])
	assert.NotEmpty(t, entry["ts"])
}
