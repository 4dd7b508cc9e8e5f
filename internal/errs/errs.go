// Package errs defines the typed failure kinds used across the attribution
// engine (spec §7). Each kind is a sentinel that auxiliary streams wrap their
// underlying cause with, so callers can classify a failure with errors.Is
// without parsing strings.
package errs

import "errors"

var (
	// ErrCaptureOpenFailed means a single capture interface could not be
	// opened. Fatal for that interface only; other interfaces continue.
	ErrCaptureOpenFailed = errors.New("capture: open failed")

	// ErrCaptureDecodeMalformed means a frame could not be decoded and was
	// dropped.
	ErrCaptureDecodeMalformed = errors.New("capture: malformed frame")

	// ErrNetstatInvocationFailed means the netstat-equivalent subprocess
	// failed to run or exited non-zero; the prior socket index is retained.
	ErrNetstatInvocationFailed = errors.New("sockindex: netstat invocation failed")

	// ErrNetstatParseMalformed means a single netstat row could not be
	// parsed; the row is skipped.
	ErrNetstatParseMalformed = errors.New("sockindex: malformed row")

	// ErrProcessEnumFailed means process enumeration failed; the prior
	// process index is retained.
	ErrProcessEnumFailed = errors.New("procindex: enumeration failed")

	// ErrGeoLookupFailed means an upstream geolocation lookup failed; a
	// negative result is cached and packet processing is unaffected.
	ErrGeoLookupFailed = errors.New("geo: lookup failed")

	// ErrUnsupportedPlatform is returned from socket index construction on
	// an unhandled GOOS. Unlike the other kinds, this is allowed to
	// propagate out of construction rather than being swallowed.
	ErrUnsupportedPlatform = errors.New("sockindex: unsupported platform")

	// ErrNoInterfacesCaptured means every capture interface failed to open.
	// Per spec §7 this is the only user-visible failure, surfaced to the
	// caller's sink as zero traffic rather than as an exception.
	ErrNoInterfacesCaptured = errors.New("capture: no interfaces captured")
)
