// Package pqilog is a thin logging façade over the standard library's log
// package, matching the corpus's own choice of plain log.Printf/log.Fatalf
// at the CLI boundary rather than a structured-logging library -- nothing
// in the example pack imports one, so this rewrite does not introduce one
// either.
package pqilog

import (
	"fmt"
	"log"
	"os"

	"github.com/davecgh/go-spew/spew"
)

// Logger prefixes every line with a device instance tag, the one thing a
// multi-instance emulator needs beyond log.Printf that the stdlib package
// doesn't give for free.
type Logger struct {
	l *log.Logger
}

// New builds a Logger tagged with the given instance number, writing to
// os.Stderr with the standard date/time prefix.
func New(instance uint32) *Logger {
	prefix := fmt.Sprintf("pqiemu[%d] ", instance)
	return &Logger{l: log.New(os.Stderr, prefix, log.LstdFlags)}
}

// Norm logs a normal operational message.
func (g *Logger) Norm(format string, args ...any) {
	g.l.Printf(format, args...)
}

// Err logs an error condition; callers decide whether it is fatal.
func (g *Logger) Err(format string, args ...any) {
	g.l.Printf("error: "+format, args...)
}

// Dbg logs a debug-level message, gated by caller; this package does no
// level filtering of its own, matching the corpus's unconditional
// log.Printf usage.
func (g *Logger) Dbg(format string, args ...any) {
	g.l.Printf("debug: "+format, args...)
}

// Dump logs a spew dump of v under label, at debug level. Used for decoded
// IU and SGL structures that are too shaped for a single-line Dbg message --
// a one-off copy of a value from a register map or wire buffer is far more
// legible as a spew.Sdump than as a %+v line.
func (g *Logger) Dump(label string, v any) {
	g.l.Printf("debug: %s:\n%s", label, spew.Sdump(v))
}
