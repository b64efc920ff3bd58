package channel

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogWALogger routes whatsmeow's logger interface into slog so library
// output shares the process log sink. Records below minLevel are dropped.
type slogWALogger struct {
	logger   *slog.Logger
	module   string
	minLevel slog.Level
}

var _ waLog.Logger = (*slogWALogger)(nil)

func newWALogger(logger *slog.Logger, module string, minLevel slog.Level) waLog.Logger {
	return &slogWALogger{
		logger:   logger,
		module:   module,
		minLevel: minLevel,
	}
}

func (l *slogWALogger) log(level slog.Level, msg string, args []interface{}) {
	if level < l.minLevel {
		return
	}
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, fmt.Sprintf(msg, args...), "module", l.module)
}

func (l *slogWALogger) Debugf(msg string, args ...interface{}) { l.log(slog.LevelDebug, msg, args) }
func (l *slogWALogger) Infof(msg string, args ...interface{}) { l.log(slog.LevelInfo, msg, args) }
func (l *slogWALogger) Warnf(msg string, args ...interface{}) { l.log(slog.LevelWarn, msg, args) }
func (l *slogWALogger) Errorf(msg string, args ...interface{}) { l.log(slog.LevelError, msg, args) }

func (l *slogWALogger) Sub(module string) waLog.Logger {
	return &slogWALogger{
		logger:   l.logger,
		module:   l.module + "/" + module,
		minLevel: l.minLevel,
	}
}
