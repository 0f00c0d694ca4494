// Package logging builds the zerolog loggers used across the module and
// adapts them to pion's LoggerFactory.
package logging

import (
	"fmt"
	"io"
	"strings"

	pionlog "github.com/pion/logging"
	"github.com/rs/zerolog"
)

// New returns a console logger writing to w at the given level.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// ParseLevel accepts zerolog level names. An empty string means info.
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// Component derives a logger tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// PionFactory routes pion's internal logging into l.
func PionFactory(l zerolog.Logger) pionlog.LoggerFactory {
	return &pionFactory{base: l}
}

type pionFactory struct {
	base zerolog.Logger
}

func (f *pionFactory) NewLogger(scope string) pionlog.LeveledLogger {
	return &pionLogger{l: f.base.With().Str("component", "pion").Str("scope", scope).Logger()}
}

type pionLogger struct {
	l zerolog.Logger
}

func (p *pionLogger) Trace(msg string)                          { p.l.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.l.Trace().Msgf(format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.l.Debug().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.l.Debug().Msgf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.l.Info().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.l.Info().Msgf(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.l.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.l.Warn().Msgf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.l.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.l.Error().Msgf(format, args...) }
