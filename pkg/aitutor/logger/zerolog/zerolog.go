package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// Logger implements aitutor.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new zerolog logger adapter.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...aitutor.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...aitutor.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...aitutor.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...aitutor.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []aitutor.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			event = event.AnErr(f.Key, v)
		case aitutor.Feature:
			event = event.Str(f.Key, string(v))
		case aitutor.ErrorCode:
			event = event.Str(f.Key, string(v))
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}
