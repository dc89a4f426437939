package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// globalLog writes JSON to stderr until InitLog runs.
var globalLog = zerolog.New(os.Stderr).With().Timestamp().Logger()

func InitLog(level string, dev bool) {
	InitLogTo(os.Stdout, level, dev)
}

func InitLogTo(w io.Writer, level string, dev bool) {
	out := w
	if dev {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	lvl := zerolog.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(lvl)
	globalLog = zerolog.New(out).
		With().
		Timestamp().
		Str("service", "psst").
		Logger().
		Hook(contentGuard{})
	log.Logger = globalLog
}
func Debug() *zerolog.Event { return globalLog.Debug() }
func Info() *zerolog.Event  { return globalLog.Info() }
func Warn() *zerolog.Event  { return globalLog.Warn() }
func Error() *zerolog.Event { return globalLog.Error() }
func Fatal() *zerolog.Event { return globalLog.Fatal() }
func GetLogger() zerolog.Logger {
	return globalLog
}

// contentGuard tags error-level events so alerting can key on them.
type contentGuard struct{}

func (h contentGuard) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level >= zerolog.ErrorLevel {
		e.Bool("alert", true)
	}
}
