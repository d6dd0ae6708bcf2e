package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogWriter куда писать логи: файл с ротацией или stderr.
// Файл нужно закрыть при завершении, если он есть.
func (c *Config) LogWriter() (io.Writer, io.Closer) {
	if c.Log.File == "" {
		return os.Stderr, nil
	}
	file := &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
	}
	return file, file
}

// Logger создает логгер по секции log: console для терминала, json
// для остального
func (c *Config) Logger() zerolog.Logger {
	out, _ := c.LogWriter()
	return c.LoggerTo(out)
}

// LoggerTo логгер секции log с заданным выводом
func (c *Config) LoggerTo(out io.Writer) zerolog.Logger {
	if c.Log.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: c.Log.File != ""}
	}
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
