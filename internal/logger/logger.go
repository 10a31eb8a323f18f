package logger

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 日志接口
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Fatal(msg string, fields ...zap.Field)

	// 工具方法
	With(fields ...zap.Field) Logger // 创建子 Logger
	Sync() error                     // 刷新缓冲区
	SetLevel(level Level)            // 动态调整级别
	Level() Level                    // 获取当前级别
}

// logger 日志实现
type logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
	cur   atomic.Value // 存储 Level
}

// New 创建 Logger
func New(config *Config) (Logger, error) {
	if config == nil {
		config = &Config{}
	}
	config.setDefaults()

	encoder := buildEncoder(config)

	writers, err := buildWriters(config)
	if err != nil {
		return nil, err
	}
	if len(writers) == 0 {
		return nil, fmt.Errorf("no output configured")
	}

	atomicLevel := zap.NewAtomicLevelAt(config.Level.toZapLevel())
	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), atomicLevel)

	opts := []zap.Option{}
	if config.EnableCaller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if config.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	l := &logger{
		zap:   zap.New(core, opts...),
		level: atomicLevel,
	}
	l.cur.Store(config.Level)

	return l, nil
}

// buildEncoder 创建 Encoder
func buildEncoder(config *Config) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	if config.Format == ConsoleFormat {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// buildWriters 创建 WriteSyncer 列表
func buildWriters(config *Config) ([]zapcore.WriteSyncer, error) {
	writers := make([]zapcore.WriteSyncer, 0, 2)

	if config.Console {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	if config.File != "" {
		if config.Rotate != nil {
			// 使用 lumberjack 轮转
			writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
				Filename:   config.File,
				MaxSize:    config.Rotate.MaxSize,
				MaxBackups: config.Rotate.MaxBackups,
				MaxAge:     config.Rotate.MaxAge,
				Compress:   config.Rotate.Compress,
			}))
		} else {
			f, err := os.OpenFile(config.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file: %w", err)
			}
			writers = append(writers, zapcore.AddSync(f))
		}
	}

	return writers, nil
}

func (l *logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// With 创建子 Logger
func (l *logger) With(fields ...zap.Field) Logger {
	child := &logger{
		zap:   l.zap.With(fields...),
		level: l.level,
	}
	child.cur.Store(l.Level())
	return child
}

// Sync 刷新缓冲区
func (l *logger) Sync() error {
	return l.zap.Sync()
}

// SetLevel 动态调整级别
func (l *logger) SetLevel(level Level) {
	l.level.SetLevel(level.toZapLevel())
	l.cur.Store(level)
}

// Level 获取当前级别
func (l *logger) Level() Level {
	if v, ok := l.cur.Load().(Level); ok {
		return v
	}
	return InfoLevel
}

// Nop 创建空 Logger（测试用）
func Nop() Logger {
	l := &logger{
		zap:   zap.NewNop(),
		level: zap.NewAtomicLevel(),
	}
	l.cur.Store(InfoLevel)
	return l
}
