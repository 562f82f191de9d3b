package log

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Reduced buffer size - we only need the first line which is typically ~25 bytes.
	minStackBufSize = 32
	// Minimum expected stack trace length for valid goroutine info.
	minStackTraceLen = 12
	// Number of characters to skip: "goroutine " (10 chars).
	goroutinePrefixLen = 10

	FormatConsole = "console"
	FormatJSON    = "json"
)

var (
	Logger        zerolog.Logger
	goroutinePool sync.Pool // Pool for reusing small stack buffers
)

func init() {
	goroutinePool.New = func() interface{} {
		return make([]byte, minStackBufSize)
	}

	Logger = build(consoleWriter(os.Stderr), zerolog.InfoLevel)
	log.Logger = Logger
}

// getGoroutineIDOptimized extracts the goroutine ID from the first line of the stack.
func getGoroutineIDOptimized() string {
	bufInterface := goroutinePool.Get()
	buf, ok := bufInterface.([]byte)
	if !ok {
		return "unknown"
	}
	defer goroutinePool.Put(buf) //nolint:staticcheck // buf is a slice, this is the correct usage

	stackLen := runtime.Stack(buf, false)
	if stackLen < minStackTraceLen {
		return "unknown"
	}

	// Fast parse: "goroutine 123 [running]:".
	idx := goroutinePrefixLen
	if idx >= stackLen {
		return "unknown"
	}

	start := idx
	for idx < stackLen && buf[idx] >= '0' && buf[idx] <= '9' {
		idx++
	}

	if idx > start {
		return string(buf[start:idx])
	}
	return "unknown"
}

func consoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
	}
}

func build(out io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger().
		Hook(zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
			e.Str("goid", getGoroutineIDOptimized())
		}))
}

// Configure replaces the global logger using the given level name and output format.
// An empty level keeps info, an empty format keeps console output.
func Configure(levelName, format string, out io.Writer) error {
	level := zerolog.InfoLevel
	if levelName != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(levelName))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", levelName, err)
		}
		level = parsed
	}

	if out == nil {
		out = os.Stderr
	}

	switch strings.ToLower(format) {
	case "", FormatConsole:
		out = consoleWriter(out)
	case FormatJSON:
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	Logger = build(out, level)
	log.Logger = Logger
	return nil
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Info logs an info message with goroutine ID.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Error logs an error message with goroutine ID.
func Error() *zerolog.Event {
	return Logger.Error()
}

// Warn logs a warning message with goroutine ID.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Debug logs a debug message with goroutine ID.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Fatal logs a fatal message with goroutine ID and exits.
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}
