package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// tagOverrideKey is the field carrying a severity tag override. Successf
// and Failf attach it so the console prints [SUCCESS] or [FAIL] instead of
// the zap level the event travels on; the encoder strips the field before
// rendering the rest of the line.
const tagOverrideKey = "severity"

// ANSI escape sequences for the severity tag colors.
const (
	colorReset   = "\x1b[0m"
	colorRed     = "\x1b[31m"
	colorGreen   = "\x1b[32m"
	colorYellow  = "\x1b[33m"
	colorMagenta = "\x1b[35m"
)

// tagColor returns the escape sequence for a severity tag, or "" for tags
// printed uncolored.
func tagColor(tag string) string {
	switch tag {
	case "SUCCESS":
		return colorGreen
	case "WARN":
		return colorYellow
	case "ERROR", "FAIL", "FATAL":
		return colorRed
	case "DEBUG":
		return colorMagenta
	default:
		return ""
	}
}

var consoleBufPool = buffer.NewPool()

// consoleEncoder renders one line per event: a colored severity tag, then
// the timestamp, message and structured fields. Rendering of everything
// after the tag is delegated to zap's console encoder so With-context
// (step keys, module names) keeps its standard formatting.
type consoleEncoder struct {
	zapcore.Encoder
	color bool
}

func newConsoleEncoder(timestampFormat string, color bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout(timestampFormat)
	cfg.TimeKey = "time"
	cfg.MessageKey = "msg"
	// The severity tag is this encoder's job, not the delegate's.
	cfg.LevelKey = ""
	return &consoleEncoder{Encoder: zapcore.NewConsoleEncoder(cfg), color: color}
}

func (e *consoleEncoder) Clone() zapcore.Encoder {
	return &consoleEncoder{Encoder: e.Encoder.Clone(), color: e.color}
}

func (e *consoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	tag := strings.ToUpper(entry.Level.String())
	// Copied, not compacted in place: with both sinks enabled the same
	// fields slice is handed to each core in turn.
	kept := make([]zapcore.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == tagOverrideKey && f.Type == zapcore.StringType {
			tag = f.String
			continue
		}
		kept = append(kept, f)
	}

	rest, err := e.Encoder.EncodeEntry(entry, kept)
	if err != nil {
		return nil, err
	}
	defer rest.Free()

	line := consoleBufPool.Get()
	color := ""
	if e.color {
		color = tagColor(tag)
	}
	if color != "" {
		line.AppendString(color)
	}
	line.AppendString("[" + tag + "]")
	if color != "" {
		line.AppendString(colorReset)
	}
	line.AppendString(" ")
	line.AppendString(rest.String())
	return line, nil
}
