package webhook

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// logCore is a zapcore.Core that publishes every entry it logs to a
// LogBroadcaster, so GET /webhook/stream clients tail the same
// structured log lines the worker already writes to its own output —
// wired into the logger via zapcore.NewTee alongside the primary core,
// never in place of it.
type logCore struct {
	broadcaster *LogBroadcaster
	encoder     zapcore.Encoder
	level       zapcore.LevelEnabler
}

// NewLogCore builds a zapcore.Core suitable for zapcore.NewTee. level
// should match the worker's configured log level so the stream shows
// exactly what the primary core would have written at that level.
func NewLogCore(broadcaster *LogBroadcaster, level zapcore.LevelEnabler) zapcore.Core {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		NameKey:        "logger",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	return &logCore{
		broadcaster: broadcaster,
		encoder:     zapcore.NewJSONEncoder(encoderCfg),
		level:       level,
	}
}

func (c *logCore) Enabled(lvl zapcore.Level) bool { return c.level.Enabled(lvl) }

func (c *logCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &logCore{broadcaster: c.broadcaster, encoder: c.encoder.Clone(), level: c.level}
	for _, f := range fields {
		f.AddTo(clone.encoder)
	}
	return clone
}

func (c *logCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *logCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.encoder.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := strings.TrimRight(buf.String(), "\n")
	buf.Free()
	c.broadcaster.Publish(line)
	return nil
}

func (c *logCore) Sync() error { return nil }
