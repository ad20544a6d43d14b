// Package zap adapts go.uber.org/zap to tiercache.Logger.
package zap

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/tiercache"
)

var _ tiercache.Logger = Logger{}

type Logger struct{ L *zap.Logger }

// New names the logger "tiercache" so cache records are easy to filter.
func New(l *zap.Logger) Logger { return Logger{L: l.Named("tiercache")} }

func (z Logger) Debug(msg string, f tiercache.Fields) { z.write(zapcore.DebugLevel, msg, f) }
func (z Logger) Info(msg string, f tiercache.Fields)  { z.write(zapcore.InfoLevel, msg, f) }
func (z Logger) Warn(msg string, f tiercache.Fields)  { z.write(zapcore.WarnLevel, msg, f) }
func (z Logger) Error(msg string, f tiercache.Fields) { z.write(zapcore.ErrorLevel, msg, f) }

func (z Logger) write(lvl zapcore.Level, msg string, f tiercache.Fields) {
	ce := z.L.Check(lvl, msg)
	if ce == nil {
		return
	}
	ce.Write(fields(f)...)
}

func fields(f tiercache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		switch x := v.(type) {
		case nil:
		case string:
			out = append(out, zap.String(k, x))
		case int:
			out = append(out, zap.Int(k, x))
		case bool:
			out = append(out, zap.Bool(k, x))
		case error:
			out = append(out, zap.NamedError(k, x))
		default:
			out = append(out, zap.Any(k, x))
		}
	}
	return out
}
