package kestrel

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Every package-level logger in this module (interceptor, trampoline,
// internal/codeslab, internal/codeseg) is obtained via
// logrus.WithField(...), which binds to logrus's global standard
// logger rather than a package-private instance — so redirecting that
// one shared logger here reaches every subpackage at once, matching
// SPEC_FULL.md §4.9's "redirected by kestrel.SetLogOutput/SetLogLevel
// at the root package, not each subpackage reaching into global logrus
// state directly."
func init() {
	logrus.SetOutput(io.Discard)
}

// SetLogOutput redirects every subpackage's logger (interceptor,
// trampoline, internal/codeslab, internal/codeseg) to w. The default is
// io.Discard — kestrel stays silent until a caller opts in.
func SetLogOutput(w io.Writer) {
	logrus.SetOutput(w)
}

// SetLogLevel sets the minimum logged severity across every subpackage's
// logger, e.g. logrus.DebugLevel for verbose trampoline-build tracing.
func SetLogLevel(level logrus.Level) {
	logrus.SetLevel(level)
}
