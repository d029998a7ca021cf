package logging

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

type Config struct {
	Level      string
	Format     string
	File       string
	WithCaller bool
}

// AddFlags registers the logging flags on a command's persistent flag set.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	fs.String("log-format", FormatAuto, "Log format (auto, text, json)")
	fs.String("log-file", "", "Also write logs to this file, rotated")
	fs.Bool("with-caller", false, "Log caller information")
	fs.Bool("verbose", false, "Shorthand for --log-level debug")
}

func ConfigFromViper(v *viper.Viper) *Config {
	level := v.GetString("log-level")
	if v.GetBool("verbose") && level != "trace" {
		level = "debug"
	}
	return &Config{
		Level:      level,
		Format:     v.GetString("log-format"),
		File:       v.GetString("log-file"),
		WithCaller: v.GetBool("with-caller"),
	}
}

// InitLogger configures the global zerolog logger. The auto format writes
// human-readable output to a terminal and json everywhere else.
func InitLogger(cfg *Config) error {
	w, err := newWriter(cfg, os.Stderr)
	if err != nil {
		return err
	}

	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.WithCaller {
		logger = logger.With().Caller().Logger()
	}
	log.Logger = logger

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func newWriter(cfg *Config, stderr *os.File) (io.Writer, error) {
	var w io.Writer
	switch cfg.Format {
	case FormatText:
		w = zerolog.ConsoleWriter{Out: stderr}
	case FormatJSON:
		w = stderr
	case FormatAuto, "":
		if isatty.IsTerminal(stderr.Fd()) || isatty.IsCygwinTerminal(stderr.Fd()) {
			w = zerolog.ConsoleWriter{Out: stderr}
		} else {
			w = stderr
		}
	default:
		return nil, errors.Errorf("unknown log format %q", cfg.Format)
	}

	if cfg.File != "" {
		w = io.MultiWriter(w, zerolog.ConsoleWriter{
			NoColor: true,
			Out: &lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			},
		})
	}
	return w, nil
}

func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.NoLevel, errors.Errorf("unknown log level %q", s)
	}
}
