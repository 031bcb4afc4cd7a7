// Package logging builds the named loggers of a refinement process.
package logging

import (
	"fmt"
	"io"
	"log"

	"cryorefine/internal/models"
)

// Loggers groups the per-concern loggers of one process. Err is never
// silenced.
type Loggers struct {
	Sys   *log.Logger
	Init  *log.Logger
	Round *log.Logger
	Reco  *log.Logger
	Comm  *log.Logger
	Err   *log.Logger
}

// Tag is the prefix of a hemisphere's messages.
func Tag(h models.Hemisphere) string {
	return fmt.Sprintf("[%s]", h)
}

// MasterTag prefixes messages of the world master.
const MasterTag = "[M]"

// New creates loggers writing to w with the given tag. With enabled unset
// every logger except Err discards its output.
func New(w io.Writer, tag string, enabled bool) *Loggers {
	out := w
	if !enabled {
		out = io.Discard
	}
	named := func(dst io.Writer, name string) *log.Logger {
		return log.New(dst, fmt.Sprintf("%s %-5s ", tag, name), log.LstdFlags|log.Lmsgprefix)
	}
	return &Loggers{
		Sys:   named(out, "SYS"),
		Init:  named(out, "INIT"),
		Round: named(out, "ROUND"),
		Reco:  named(out, "RECO"),
		Comm:  named(out, "COMM"),
		Err:   named(w, "ERROR"),
	}
}

// Discard returns loggers that drop everything.
func Discard() *Loggers {
	return New(io.Discard, "", false)
}
