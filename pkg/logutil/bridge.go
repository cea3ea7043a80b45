package logutil

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-kit/log"
)

type gokitWrapper struct {
	logger *slog.Logger
}

// NewGoKitLogger adapts a slog.Logger for libraries that expect a go-kit logger,
// such as the dskit modules manager.
func NewGoKitLogger(logger *slog.Logger) log.Logger {
	return &gokitWrapper{logger: logger}
}

func (g *gokitWrapper) Log(keyvals ...any) error {
	lvl := LevelDebug
	msg := ""
	args := make([]any, 0, len(keyvals))
	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		switch key {
		case "level":
			switch fmt.Sprint(keyvals[i+1]) {
			case "error":
				lvl = LevelError
			case "warn":
				lvl = LevelWarning
			case "info":
				lvl = LevelInfo
			}
		case "msg":
			msg = fmt.Sprint(keyvals[i+1])
		default:
			args = append(args, key, keyvals[i+1])
		}
	}
	g.logger.Log(context.Background(), lvl, msg, args...)
	return nil
}
