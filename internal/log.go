package internal

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	loggerOnce sync.Once
	logger     zerolog.Logger
)

// Logger returns the estimator's shared structured logger. It is
// initialised lazily so the package has no import-time side effects,
// matching the teacher's preference for explicit construction over
// package-level init magic.
func Logger() zerolog.Logger {
	loggerOnce.Do(func() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Str("component", "vio-estimator").Logger()
	})
	return logger
}
