// Package log provides structured, colored logging for the metachain node.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the system.
var (
	Chain      zerolog.Logger
	Authorship zerolog.Logger
	Bridge     zerolog.Logger
	Lifecycle  zerolog.Logger
	P2P        zerolog.Logger
	RPC        zerolog.Logger
	Mempool    zerolog.Logger
)

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init initializes the logger with the given configuration.
// When file is non-empty, logs are written to both the console (colored or
// JSON depending on jsonOutput) and the file (always JSON).
func Init(level string, jsonOutput bool, file string) error {
	var console io.Writer = os.Stdout
	if !jsonOutput {
		console = consoleWriter(os.Stdout)
	}

	out := console
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		out = zerolog.MultiLevelWriter(console, f)
	}

	Logger = zerolog.New(out).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
	initComponentLoggers()
	return nil
}

// NewConsoleLogger creates a console logger. Colors are disabled when w
// is not a terminal.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(consoleWriter(w)).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !term.IsTerminal(int(f.Fd()))
	}
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
		NoColor:    noColor,
	}
}

// parseLevel converts a string level to zerolog.Level, defaulting to info.
func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func initComponentLoggers() {
	Chain = WithComponent("chain")
	Authorship = WithComponent("authorship")
	Bridge = WithComponent("bridge")
	Lifecycle = WithComponent("lifecycle")
	P2P = WithComponent("p2p")
	RPC = WithComponent("rpc")
	Mempool = WithComponent("mempool")
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Info logs an info message.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Warn logs a warning message.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Error logs an error message.
func Error() *zerolog.Event {
	return Logger.Error()
}

// Benchmark returns a func that logs the time elapsed since the call at debug level.
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("benchmark")
	}
}
