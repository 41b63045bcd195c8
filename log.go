package hlbtree

import (
	"os"

	"github.com/rs/zerolog"
)

// defaultLogger is the package-wide structured logger. The reference implementation logs
// with bare fmt.Println ("dirty pages flushed", etc.); this module follows
// the wider pack's convention (zerolog, as used for e.g. erigon/tempo/
// dittofs/pgscv in the retrieved corpus) of structured, leveled, field-
// carrying log lines instead, since the events logged here (a dirty page
// failed to write back, a merge after Remove emptied a leaf did not
// complete, a flush or restore finished) want queryable fields (pid, tree,
// count) rather than prose.
var defaultLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
	With().Timestamp().Logger().Level(zerolog.WarnLevel)

// SetLogLevel adjusts the package logger's verbosity; lowering it to Debug
// also shows the dirty-page count logged on every flush.
func SetLogLevel(level zerolog.Level) {
	defaultLogger = defaultLogger.Level(level)
}
