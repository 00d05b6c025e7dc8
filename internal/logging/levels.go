package logging

import (
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits one step below Debug. It is used for per-candidate routing
// scores and other output that is almost always filtered in production.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name. "trace" is accepted in addition to the
// zap level names.
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
