// Package logging provides the zerolog-backed cronweb.Logger implementation
// shared by every component (Storage, LogSink, Trigger, Worker, Controller).
package logging

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// ZeroLogger adapts zerolog.Logger to the cronweb.Logger interface.
type ZeroLogger struct {
	logger zerolog.Logger
}

// New creates a ZeroLogger writing structured JSON to stderr with a timestamp
// field, the same construction pkg/engine.DefaultLogger uses.
func New() *ZeroLogger {
	return &ZeroLogger{logger: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// NewWithComponent returns a ZeroLogger that tags every event with a
// "component" field, so multiplexed Trigger/Worker/Storage/Controller logs
// stay distinguishable in aggregate.
func NewWithComponent(component string) *ZeroLogger {
	return &ZeroLogger{logger: zerolog.New(os.Stderr).With().Timestamp().Str("component", component).Logger()}
}

func (l *ZeroLogger) log(event *zerolog.Event, msg string, keysAndValues ...interface{}) {
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		if i+1 < len(keysAndValues) {
			event.Interface(key, keysAndValues[i+1])
		} else {
			event.Interface(key, nil)
		}
	}
	event.Msg(msg)
}

func (l *ZeroLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(l.logger.Debug(), msg, keysAndValues...)
}

func (l *ZeroLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log(l.logger.Info(), msg, keysAndValues...)
}

func (l *ZeroLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(l.logger.Warn(), msg, keysAndValues...)
}

func (l *ZeroLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log(l.logger.Error(), msg, keysAndValues...)
}
