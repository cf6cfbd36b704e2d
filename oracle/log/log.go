package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timeFormat = "[01-02|15:04:05.000]"

var (
	mu    sync.RWMutex
	sugar *zap.SugaredLogger
)

// Options controls where and how verbosely the daemon logs.
type Options struct {
	Level       string // DEBUG, INFO, WARN, ERROR (zap levels)
	File        string
	MaxFileSize int // megabytes
	Console     bool
}

func init() {
	sugar = newSugared(defaultOptions())
}

func defaultOptions() Options {
	return Options{Level: "INFO", Console: true}
}

// InitLogger resets the logger to console-only output at info level.
func InitLogger() {
	set(newSugared(defaultOptions()))
}

// ResetLogger applies opts. A relative log file is placed under <home>/logs.
func ResetLogger(home string, opts Options) error {
	if opts.File != "" && !filepath.IsAbs(opts.File) {
		dir := filepath.Join(home, "logs")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
		opts.File = filepath.Join(dir, opts.File)
	}

	set(newSugared(opts))
	if opts.File != "" {
		Infof("From now on, logs are also written to %s", opts.File)
	}
	return nil
}

func set(s *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	sugar = s
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func newSugared(opts Options) *zap.SugaredLogger {
	atom := zap.NewAtomicLevel()

	var cores []zapcore.Core
	if opts.Console {
		cores = append(cores, consoleCore(atom))
	}
	if opts.File != "" {
		cores = append(cores, fileCore(opts, atom))
	}

	logger := zap.New(
		zapcore.NewTee(cores...),
		zap.AddStacktrace(zap.ErrorLevel),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
	)
	sug := logger.Sugar()

	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		sug.Errorf("Wrong log level %q, using INFO", opts.Level)
		level = zapcore.InfoLevel
	}
	atom.SetLevel(level)

	return sug
}

func fileCore(opts Options, atom zap.AtomicLevel) zapcore.Core {
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename: opts.File,
		MaxSize:  opts.MaxFileSize,
	})

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeFormat)

	return zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), w, atom)
}

type noSyncWriter struct {
	io.Writer
}

func (noSyncWriter) Sync() error { return nil }

func consoleCore(atom zap.AtomicLevel) zapcore.Core {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeFormat)

	return zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), noSyncWriter{os.Stdout}, atom)
}

// Sync flushes buffered file output.
func Sync() {
	_ = get().Sync()
}

func Debugf(format string, v ...any) {
	get().Debugf(format, v...)
}

func Infof(format string, v ...any) {
	get().Infof(format, v...)
}

func Warnf(format string, v ...any) {
	get().Warnf(format, v...)
}

func Errorf(format string, v ...any) {
	get().Errorf(format, v...)
}

func Fatalf(format string, v ...any) {
	s := get()
	_ = s.Sync()
	s.Fatalf(format, v...)
}

// Leveled adapts the logger to the key/value interface used by retryablehttp.
func Leveled() LeveledLogger {
	return LeveledLogger{}
}

type LeveledLogger struct{}

func (LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	get().Errorw(msg, keysAndValues...)
}

func (LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	get().Warnw(msg, keysAndValues...)
}

func (LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	get().Debugw(msg, keysAndValues...)
}

func (LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	get().Debugw(msg, keysAndValues...)
}
