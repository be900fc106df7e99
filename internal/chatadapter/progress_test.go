package chatadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatProgress_RecognizedStatusesGetCleanLabel(t *testing.T) {
	assert.Contains(t, formatProgress("thinking", "", 0), "thinking (started")
	assert.Contains(t, formatProgress("responding", "", 0), "responding (started")
	assert.Contains(t, formatProgress("tool_use", "search_code", 0), "tool_use: search_code (started")
}

func TestFormatProgress_UnrecognizedStatusFallsBackToHourglassForm(t *testing.T) {
	assert.Contains(t, formatProgress("running", "", 0), "⏳ running (started")
	assert.Contains(t, formatProgress("running", "compiling", 0), "⏳ running: compiling (started")
}
