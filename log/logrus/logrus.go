// Package logrus adapts sirupsen/logrus to tiercache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/tiercache"
)

var _ tiercache.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New tags every record with component=tiercache.
func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "tiercache")}
}

func (l Logger) Debug(msg string, f tiercache.Fields) { l.entry(logrus.DebugLevel, f).Debug(msg) }
func (l Logger) Info(msg string, f tiercache.Fields)  { l.entry(logrus.InfoLevel, f).Info(msg) }
func (l Logger) Warn(msg string, f tiercache.Fields)  { l.entry(logrus.WarnLevel, f).Warn(msg) }
func (l Logger) Error(msg string, f tiercache.Fields) { l.entry(logrus.ErrorLevel, f).Error(msg) }

// entry skips field allocation when the level is off.
func (l Logger) entry(lvl logrus.Level, f tiercache.Fields) *logrus.Entry {
	if len(f) == 0 || !l.E.Logger.IsLevelEnabled(lvl) {
		return l.E
	}
	lf := make(logrus.Fields, len(f))
	for k, v := range f {
		if v != nil {
			lf[k] = v
		}
	}
	return l.E.WithFields(lf)
}
