// Package monitoring holds the process-wide diagnostic log sink shared by the
// link, playback and catalog packages.
package monitoring

import (
	"fmt"
	"log"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests mute it; the CLI leaves it on stderr.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Component returns a printf-style logger that tags every line with
// "[name]" and forwards to whatever Logf is current at call time.
func Component(name string) func(format string, v ...interface{}) {
	prefix := fmt.Sprintf("[%s] ", name)
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
