package protocol

import "errors"

// Framing violations. The stream decoder recovers from these locally by
// resynchronizing; they surface through logs and Violation.Err.
var (
	ErrBadStartMagic     = errors.New("protocol: bad start-message magic")
	ErrZeroHeaderLength  = errors.New("protocol: zero header length")
	ErrZeroContentLength = errors.New("protocol: zero content length")
	ErrBadSeparator      = errors.New("protocol: bad start-content separator")
)

// Body errors. These cover a well-delimited frame whose header or content
// cannot be decoded, and packets that cannot be built.
var (
	ErrMalformedBody   = errors.New("protocol: malformed body")
	ErrHeaderTooLarge  = errors.New("protocol: header too large")
	ErrContentTooLarge = errors.New("protocol: content too large")
)
