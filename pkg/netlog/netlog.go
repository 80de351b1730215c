// Package netlog defines the logging collaborator used throughout the
// host state machine, STUN probe and hole puncher, plus a logrus-backed
// reference sink.
package netlog

import "github.com/sirupsen/logrus"

// Log levels, matching the original's bare integer convention: 0 is
// user-visible, 1 is a warning, 2 is debug-only wire chatter.
const (
	LevelUser    = 0
	LevelWarning = 1
	LevelDebug   = 2
)

// Sink is the external collaborator every component logs through.
type Sink interface {
	Log(level int, format string, args ...interface{})
}

// LogrusSink adapts Sink onto a *logrus.Logger.
type LogrusSink struct {
	logger *logrus.Logger
}

// NewLogrusSink builds a LogrusSink with logrus's text formatter and
// full timestamps, the texture the teacher's declared but unused
// sirupsen/logrus dependency was meant for.
func NewLogrusSink() *LogrusSink {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &LogrusSink{logger: logger}
}

func (s *LogrusSink) Log(level int, format string, args ...interface{}) {
	switch level {
	case LevelUser:
		s.logger.Infof(format, args...)
	case LevelWarning:
		s.logger.Warnf(format, args...)
	default:
		s.logger.Debugf(format, args...)
	}
}

// Nop discards every log call. Useful as a default when no Sink is wired.
type Nop struct{}

func (Nop) Log(int, string, ...interface{}) {}
