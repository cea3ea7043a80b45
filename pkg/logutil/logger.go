package logutil

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

const (
	attrMethod = "method"
)

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

const (
	colorBlueIntense      = 12
	colorRedIntense       = 9
	colorLightBlueIntense = 14
	colorIndigoIntense    = 13
	colorGreenIntense     = 10
	colorWhiteIntense     = 15
)

const defaultBufferSize = 1024

var (
	level  = new(slog.LevelVar)
	buffer = NewRingBuffer(defaultBufferSize)
)

func WithMethod(logger *slog.Logger, method string) *slog.Logger {
	return logger.With(attrMethod, method)
}

// Buffer returns the in-memory log buffer fed by the default logger.
func Buffer() *RingBuffer {
	return buffer
}

// SetLevel changes the minimum level of the default logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel accepts the level names exposed on /log.
func ParseLevel(s string) (slog.Level, bool) {
	switch s {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

func LevelName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return "trace"
	case l < LevelInfo:
		return "debug"
	case l < LevelWarning:
		return "info"
	case l < LevelError:
		return "warning"
	default:
		return "error"
	}
}

func NewHandler(w io.Writer) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.LevelKey {
				level := attr.Value.Any().(slog.Level)
				switch {
				case level < LevelDebug:
					attr.Value = slog.StringValue("TRACE")
				}
			}

			if attr.Key == attrMethod {
				switch attr.Value.String() {
				case http.MethodConnect:
					return attr
				case http.MethodGet:
					return tint.Attr(colorBlueIntense, attr)
				case http.MethodDelete:
					return tint.Attr(colorRedIntense, attr)
				case http.MethodPost:
					return tint.Attr(colorLightBlueIntense, attr)
				case http.MethodPatch:
					return tint.Attr(colorIndigoIntense, attr)
				case http.MethodPut:
					return tint.Attr(colorGreenIntense, attr)
				case http.MethodTrace:
					return tint.Attr(colorWhiteIntense, attr)
				}
			}
			return attr
		},
	})
}

func init() {
	level.Set(LevelInfo)
	slog.SetDefault(slog.New(
		NewFanout(NewHandler(os.Stderr), buffer.Handler(level)),
	))
}
