// Package logging wraps the standard logger with a subsystem prefix
// and a debug gate. Hot paths (embedding cache traffic, fallback
// probes) log at Debug so routine runs stay quiet; set ENGRAM_DEBUG=1
// to see them.
package logging

import (
	"log"
	"os"
)

var debugEnabled = os.Getenv("ENGRAM_DEBUG") != ""

// Info logs a message with a [subsystem] prefix.
func Info(subsystem, format string, args ...any) {
	log.Printf("["+subsystem+"] "+format, args...)
}

// Debug logs only when ENGRAM_DEBUG is set.
func Debug(subsystem, format string, args ...any) {
	if debugEnabled {
		log.Printf("["+subsystem+"] "+format, args...)
	}
}
