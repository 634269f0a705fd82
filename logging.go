package meshportal

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger so every component of the mesh logs with the
// same structured fields (component, plus any added via With such as
// portal_key); the message itself is a plain, often formatted, string. The protocol's
// error taxonomy has two loud levels, FATAL and SEVERE; FATAL maps to zerolog's
// Error level (FATAL here never means os.Exit — a bad frame or a portal
// write failure is fatal to that portal, not to the process) and SEVERE
// also maps to Error with a "severe" marker field, since zerolog has no
// level between Warn and Error and both levels are "log loudly, then
// drop and carry on".
type Logger struct {
	zl zerolog.Logger
}

// NewLogger builds a Logger writing to w (os.Stderr if nil) tagged with
// component, e.g. "muxer", "host-portal", "guest-portal", "handshake".
func NewLogger(w io.Writer, component string) Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	return Logger{zl: zl}
}

// With returns a copy of the logger scoped to an additional field, e.g. a
// portal key or exchange id. It mirrors zerolog's own With()/Str() chaining
// so call sites read the same way they would against the raw library.
func (l Logger) With(key, value string) Logger {
	return Logger{zl: l.zl.With().Str(key, value).Logger()}
}

// Info logs a routine event.
func (l Logger) Info(msg string) { l.zl.Info().Msg(msg) }

// Fatal logs a FATAL-level protocol/transport event. It never
// terminates the process — the caller is responsible for tearing down the
// affected portal.
func (l Logger) Fatal(msg string) { l.zl.Error().Bool("fatal", true).Msg(msg) }

// Severe logs a SEVERE-level event, e.g. a response with no matching exchange.
func (l Logger) Severe(msg string) { l.zl.Error().Bool("severe", true).Msg(msg) }

// Warn logs a recoverable anomaly, e.g. an overwritten muxer key.
func (l Logger) Warn(msg string) { l.zl.Warn().Msg(msg) }

// Err logs msg along with the error that caused it.
func (l Logger) Err(err error, msg string) { l.zl.Error().Err(err).Msg(msg) }
