// Package log wraps zap with the small Fields builder the rest of the
// module uses to record structured events.
package log

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// ZapConfig configures the package logger. Loaded from YAML through the
// config package, or constructed directly for tests.
type ZapConfig struct {
	Level         string `mapstructure:"level" json:"level" yaml:"level"`
	Prefix        string `mapstructure:"prefix" json:"prefix" yaml:"prefix"`
	Format        string `mapstructure:"format" json:"format" yaml:"format"`
	Director      string `mapstructure:"director" json:"director" yaml:"director"`
	EncodeLevel   string `mapstructure:"encode-level" json:"encode-level" yaml:"encode-level"`
	StacktraceKey string `mapstructure:"stacktrace-key" json:"stacktrace-key" yaml:"stacktrace-key"`
	MaxAge        int    `mapstructure:"max-age" json:"max-age" yaml:"max-age"`
	ShowLine      bool   `mapstructure:"show-line" json:"show-line" yaml:"show-line"`
	LogInConsole  bool   `mapstructure:"log-in-console" json:"log-in-console" yaml:"log-in-console"`
}

// Init builds the package logger from cfg. Safe to call more than once;
// the most recent call wins.
func Init(cfg *ZapConfig) {
	cores := make([]zapcore.Core, 0, 7)
	for level := cfg.parseLevel(); level <= zapcore.FatalLevel; level++ {
		cores = append(cores, cfg.core(level))
	}
	l := zap.New(zapcore.NewTee(cores...))
	if cfg.ShowLine {
		l = l.WithOptions(zap.AddCaller())
	}
	logger = l
}

func (z *ZapConfig) parseLevel() zapcore.Level {
	switch strings.ToLower(z.Level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "panic":
		return zapcore.PanicLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.DebugLevel
	}
}

func (z *ZapConfig) encodeLevel() zapcore.LevelEncoder {
	switch z.EncodeLevel {
	case "LowercaseColorLevelEncoder":
		return zapcore.LowercaseColorLevelEncoder
	case "CapitalLevelEncoder":
		return zapcore.CapitalLevelEncoder
	case "CapitalColorLevelEncoder":
		return zapcore.CapitalColorLevelEncoder
	default:
		return zapcore.LowercaseLevelEncoder
	}
}

func (z *ZapConfig) encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:     "message",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  z.StacktraceKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    z.encodeLevel(),
		EncodeTime:     z.timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.FullCallerEncoder,
	}
}

func (z *ZapConfig) timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(z.Prefix + t.Format("2006/01/02 - 15:04:05.000"))
}

func (z *ZapConfig) encoder() zapcore.Encoder {
	if z.Format == "json" {
		return zapcore.NewJSONEncoder(z.encoderConfig())
	}
	return zapcore.NewConsoleEncoder(z.encoderConfig())
}

func (z *ZapConfig) core(level zapcore.Level) zapcore.Core {
	writer, err := getWriteSyncer(level.String(), z)
	if err != nil {
		writer = zapcore.AddSync(zapcore.Lock(zapcore.AddSync(&discard{})))
	}
	enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l == level })
	return zapcore.NewCore(z.encoder(), writer, enabler)
}

type discard struct{}

func (*discard) Write(p []byte) (int, error) { return len(p), nil }

func l() *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

// Fields accumulates structured fields before a single Record call,
// matching the builder shape the rest of the module calls against.
type Fields struct {
	level  zapcore.Level
	fields []zapcore.Field
}

func newFields(level zapcore.Level) *Fields {
	return &Fields{level: level}
}

func Debug() *Fields { return newFields(zapcore.DebugLevel) }
func Info() *Fields  { return newFields(zapcore.InfoLevel) }
func Warn() *Fields  { return newFields(zapcore.WarnLevel) }
func Error() *Fields { return newFields(zapcore.ErrorLevel) }

func (f *Fields) Str(key, val string) *Fields {
	f.fields = append(f.fields, zap.String(key, val))
	return f
}

func (f *Fields) Int64(key string, val int64) *Fields {
	f.fields = append(f.fields, zap.Int64(key, val))
	return f
}

func (f *Fields) Err(key string, err error) *Fields {
	if err == nil {
		return f
	}
	f.fields = append(f.fields, zap.NamedError(key, err))
	return f
}

// Record emits the accumulated fields at msg under the level the builder
// was created with.
func (f *Fields) Record(msg string) {
	switch f.level {
	case zapcore.DebugLevel:
		l().Debug(msg, f.fields...)
	case zapcore.InfoLevel:
		l().Info(msg, f.fields...)
	case zapcore.WarnLevel:
		l().Warn(msg, f.fields...)
	case zapcore.ErrorLevel:
		l().Error(msg, f.fields...)
	}
}
