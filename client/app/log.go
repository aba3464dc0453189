// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"decred.org/acctracker/acct"
	"decred.org/acctracker/acct/ws"
	"decred.org/acctracker/client/db/bolt"
	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

const (
	maxLogRolls = 16
	// logRollKB is the size a log file reaches before it is rolled.
	logRollKB = 32 * 1024
)

// packageLoggers are the packages with package-level loggers, by subsystem.
var packageLoggers = map[string]func(acct.Logger){
	"DB": bolt.UseLogger,
	"WS": ws.UseLogger,
}

// defaultLogLevelMap are levels for subsystems that are not set explicitly.
// The websocket plumbing is noisy at debug.
var defaultLogLevelMap = map[string]slog.Level{"WS": slog.LevelInfo}

// InitLogging creates a rotating log file at logFilename, with roll files in
// the same directory, and returns a LoggerMaker writing to it and optionally to
// stdout. The package-level loggers are set. The returned function closes the
// log file and should be called on shutdown.
func InitLogging(logFilename, lvl string, stdout bool, utc bool) (lm *acct.LoggerMaker, closeFn func()) {
	fail := func(format string, a ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", a...)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(logFilename), 0700); err != nil {
		fail("failed to create log directory: %v", err)
	}
	logRotator, err := rotator.New(logFilename, logRollKB, false, maxLogRolls)
	if err != nil {
		fail("failed to create file rotator: %v", err)
	}
	var w io.Writer = logRotator
	if stdout {
		w = io.MultiWriter(logRotator, os.Stdout)
	} else {
		fmt.Println("Logging to", logFilename)
	}
	lm, err = acct.NewLoggerMaker(w, lvl, utc)
	if err != nil {
		logRotator.Close()
		fail("failed to create custom logger: %v", err)
	}
	lm.SetLevelsFromMap(defaultLogLevelMap)
	for subsys, useLogger := range packageLoggers {
		useLogger(lm.NewLogger(subsys))
	}
	return lm, func() {
		logRotator.Close()
	}
}
