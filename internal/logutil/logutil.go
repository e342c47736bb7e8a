// Package logutil builds the zap loggers used by the binaries.
package logutil

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogMaxSize = 100 // MB

// FileConfig enables rotated file output.
type FileConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxDays    int    `mapstructure:"max_days"`
}

// Config describes a logger.
type Config struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"` // json | console
	File   FileConfig `mapstructure:"file"`
}

// New builds a logger from cfg. Output goes to the configured file when one
// is set and to stderr otherwise.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, errors.Wrapf(err, "log level %q", cfg.Level)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch cfg.Format {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, errors.Newf("unknown log format %q", cfg.Format)
	}

	var out zapcore.WriteSyncer
	if cfg.File.Filename != "" {
		lj, err := initFileLog(cfg.File)
		if err != nil {
			return nil, err
		}
		out = zapcore.AddSync(lj)
	} else {
		out = zapcore.Lock(os.Stderr)
	}

	return zap.New(zapcore.NewCore(enc, out, level), zap.AddCaller()), nil
}

// initFileLog sets up lumberjack rotation for cfg.
func initFileLog(cfg FileConfig) (*lumberjack.Logger, error) {
	if st, err := os.Stat(cfg.Filename); err == nil && st.IsDir() {
		return nil, errors.Newf("can't use directory %s as log file name", cfg.Filename)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0o755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = defaultLogMaxSize
	}

	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		LocalTime:  true,
	}, nil
}
