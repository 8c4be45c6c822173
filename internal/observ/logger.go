package observ

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Production emits JSON with ISO8601
// timestamps and samples repeated debug and info lines; every other
// environment gets the colored console encoder. An unparsable level falls
// back to info.
func NewLogger(env, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	opts := []zap.Option{zap.Fields(
		zap.String("service", "admitflow"),
		zap.String("env", env),
	)}
	if env == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Sampling = nil
		opts = append(opts, zap.WrapCore(sampleBelowWarn))
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build(opts...)
}

// sampleBelowWarn keeps the first 100 identical debug/info lines per second
// and every 100th after that. Warn and above are the payment audit trail
// and always pass.
func sampleBelowWarn(core zapcore.Core) zapcore.Core {
	sampled := zapcore.NewSamplerWithOptions(core, time.Second, 100, 100)
	return zapcore.NewTee(
		levelRange{Core: sampled, enab: zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l < zapcore.WarnLevel })},
		levelRange{Core: core, enab: zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.WarnLevel })},
	)
}

// levelRange restricts a core to the levels enab accepts.
type levelRange struct {
	zapcore.Core
	enab zapcore.LevelEnabler
}

func (c levelRange) Enabled(l zapcore.Level) bool {
	return c.enab.Enabled(l) && c.Core.Enabled(l)
}

func (c levelRange) With(fields []zapcore.Field) zapcore.Core {
	return levelRange{Core: c.Core.With(fields), enab: c.enab}
}

func (c levelRange) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.enab.Enabled(ent.Level) {
		return ce
	}
	return c.Core.Check(ent, ce)
}
