package logger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func testEntry(msg string) zapcore.Entry {
	return zapcore.Entry{
		Level:   zapcore.InfoLevel,
		Time:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Message: msg,
	}
}

func TestEncodeEntryPrefixesSeverityTag(t *testing.T) {
	enc := newConsoleEncoder(time.RFC3339, false)
	buf, err := enc.EncodeEntry(testEntry("vpc/1/eu-west-1 Starting to create"), nil)
	require.NoError(t, err)
	defer buf.Free()

	line := buf.String()
	assert.True(t, len(line) > 0 && line[0] == '[', "the severity tag leads the line")
	assert.Contains(t, line, "[INFO]")
	assert.Contains(t, line, "vpc/1/eu-west-1 Starting to create")
	assert.Contains(t, line, "2026-03-01T12:00:00Z")
}

func TestEncodeEntrySeverityOverrideField(t *testing.T) {
	enc := newConsoleEncoder(time.RFC3339, false)
	fields := []zapcore.Field{zap.String(tagOverrideKey, "SUCCESS")}
	buf, err := enc.EncodeEntry(testEntry("vpc/1/eu-west-1 Completed"), fields)
	require.NoError(t, err)
	defer buf.Free()

	line := buf.String()
	assert.Contains(t, line, "[SUCCESS]")
	assert.NotContains(t, line, "[INFO]")
	// The override is presentation only and must not render as a field.
	assert.NotContains(t, line, tagOverrideKey)
}

func TestEncodeEntryKeepsOtherFields(t *testing.T) {
	enc := newConsoleEncoder(time.RFC3339, false)
	fields := []zapcore.Field{
		zap.String(tagOverrideKey, "SUCCESS"),
		zap.String("module", "vpc"),
	}
	buf, err := enc.EncodeEntry(testEntry("Completed"), fields)
	require.NoError(t, err)
	defer buf.Free()

	assert.Contains(t, buf.String(), "vpc")
}

func TestEncodeEntryColor(t *testing.T) {
	enc := newConsoleEncoder(time.RFC3339, true)
	fields := []zapcore.Field{zap.String(tagOverrideKey, "SUCCESS")}
	buf, err := enc.EncodeEntry(testEntry("Completed"), fields)
	require.NoError(t, err)
	defer buf.Free()
	assert.Contains(t, buf.String(), colorGreen+"[SUCCESS]"+colorReset)

	plain, err := enc.EncodeEntry(testEntry("routine line"), nil)
	require.NoError(t, err)
	defer plain.Free()
	assert.NotContains(t, plain.String(), colorReset, "INFO lines stay uncolored even in color mode")
}

func TestTagColorMapping(t *testing.T) {
	assert.Equal(t, colorGreen, tagColor("SUCCESS"))
	assert.Equal(t, colorYellow, tagColor("WARN"))
	assert.Equal(t, colorRed, tagColor("ERROR"))
	assert.Equal(t, colorRed, tagColor("FAIL"))
	assert.Equal(t, colorMagenta, tagColor("DEBUG"))
	assert.Equal(t, "", tagColor("INFO"))
}

func TestCloneIsIndependent(t *testing.T) {
	enc := newConsoleEncoder(time.RFC3339, false)
	clone := enc.Clone()
	clone.AddString("worker", "3")

	buf, err := enc.EncodeEntry(testEntry("no context"), nil)
	require.NoError(t, err)
	defer buf.Free()
	assert.NotContains(t, buf.String(), "worker", "fields added to a clone must not leak back")

	cloned, err := clone.EncodeEntry(testEntry("with context"), nil)
	require.NoError(t, err)
	defer cloned.Free()
	assert.Contains(t, cloned.String(), "worker")
}
