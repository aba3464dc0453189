// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package acct

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/decred/slog"
)

// Level constants.
const (
	LevelTrace    = slog.LevelTrace
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelWarn     = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.LevelCritical
	LevelOff      = slog.LevelOff

	// DefaultLogLevel is the default logging level used when a subsystem has
	// no explicitly configured level.
	DefaultLogLevel = LevelInfo
)

// Every constructor will accept a Logger. All logging should take place
// through the provided logger.
type Logger = slog.Logger

// Disabled is a Logger that will never output anything.
var Disabled Logger = slog.Disabled

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses the debug level string into a new *LoggerMaker. The
// debugLevel string can specify a single verbosity for the entire system:
// "trace", "debug", "info", "warn", "error", "critical", "off". Or
// comma-separated subsystem=level pairs may follow an optional default level,
// e.g. "info,TRACKER=trace,NET=debug".
func NewLoggerMaker(writer io.Writer, debugLevel string, utc bool) (*LoggerMaker, error) {
	var opts []slog.BackendOption
	if utc {
		opts = append(opts, slog.WithFlags(slog.LUTC))
	}
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer, opts...),
		Levels:       make(map[string]slog.Level),
		DefaultLevel: DefaultLogLevel,
	}

	for _, kv := range strings.Split(debugLevel, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		if !strings.Contains(kv, "=") {
			lvl, ok := slog.LevelFromString(kv)
			if !ok {
				return nil, fmt.Errorf("unknown log level %q", kv)
			}
			lm.DefaultLevel = lvl
			continue
		}
		fields := strings.Split(kv, "=")
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed subsystem level specification %q", kv)
		}
		subsysID, logLevel := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
		lvl, ok := slog.LevelFromString(logLevel)
		if !ok {
			return nil, fmt.Errorf("unknown log level %q for subsystem %s", logLevel, subsysID)
		}
		lm.Levels[subsysID] = lvl
	}

	return lm, nil
}

// SetLevelsFromMap sets levels for any subsystem not already set explicitly.
func (lm *LoggerMaker) SetLevelsFromMap(lvls map[string]slog.Level) {
	for name, lvl := range lvls {
		if _, found := lm.Levels[name]; !found {
			lm.Levels[name] = lvl
		}
	}
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	// Use the parent logger's log level, if set.
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the subsystem's
// configured level, or the DefaultLevel, is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl, ok := lm.Levels[name]
	if !ok {
		lvl = lm.DefaultLevel
	}
	if len(level) > 0 {
		lvl = level[0]
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// StdOutLogger creates a Logger with the provided name with lvl as the log
// level and prints to standard out.
func StdOutLogger(name string, lvl slog.Level) Logger {
	l := slog.NewBackend(os.Stdout).Logger(name)
	l.SetLevel(lvl)
	return l
}
