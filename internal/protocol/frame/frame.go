package frame

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// HeaderLenSize is the width of the big-endian header length field.
	HeaderLenSize = 2
	// ContentLenSize is the width of the big-endian content length field.
	ContentLenSize = 4

	MaxHeaderLen  = 1<<16 - 1
	MaxContentLen = 1<<32 - 1
)

var (
	startMessage   = [...]byte{0xFF, 0x00, 0xF1, 0x01, 0x5F, 0xAC}
	startContent   = [...]byte{0xFF, 0x00, 0xF1, 0x02, 0x6F, 0xAD}
	startStreaming = [...]byte{0xFF, 0x00, 0xF1, 0x03, 0xAF, 0xAE}
)

var ErrInvalidFormat = errors.New("frame: invalid format")

// Format is the wire contract shared by the packet encoder and the stream
// decoder. Values are immutable; accessors hand out copies.
//
// Layout:
//
//	StartMessage | header len (2, BE) | content len (4, BE) | header | StartContent | content
type Format struct {
	startMessage   []byte
	startContent   []byte
	startStreaming []byte
}

// Default returns the production format.
func Default() Format {
	return Format{
		startMessage:   startMessage[:],
		startContent:   startContent[:],
		startStreaming: startStreaming[:],
	}
}

// New builds a format from custom magics. StartStreaming is optional.
func New(startMessage, startContent, startStreaming []byte) (Format, error) {
	f := Format{
		startMessage:   bytes.Clone(startMessage),
		startContent:   bytes.Clone(startContent),
		startStreaming: bytes.Clone(startStreaming),
	}
	if err := f.Validate(); err != nil {
		return Format{}, err
	}
	return f, nil
}

// Validate checks that the magics can delimit frames unambiguously.
func (f Format) Validate() error {
	if len(f.startMessage) == 0 {
		return fmt.Errorf("%w: empty start-message magic", ErrInvalidFormat)
	}
	if len(f.startContent) != len(f.startMessage) {
		return fmt.Errorf("%w: magic widths differ (%d != %d)", ErrInvalidFormat, len(f.startMessage), len(f.startContent))
	}
	if bytes.Equal(f.startMessage, f.startContent) {
		return fmt.Errorf("%w: start-message and start-content magics are equal", ErrInvalidFormat)
	}
	if isPalindrome(f.startMessage) || isPalindrome(f.startContent) {
		return fmt.Errorf("%w: palindromic magic", ErrInvalidFormat)
	}
	if len(f.startStreaming) > 0 {
		if len(f.startStreaming) != len(f.startMessage) {
			return fmt.Errorf("%w: streaming magic width differs", ErrInvalidFormat)
		}
		if bytes.Equal(f.startStreaming, f.startMessage) || bytes.Equal(f.startStreaming, f.startContent) {
			return fmt.Errorf("%w: streaming magic collides", ErrInvalidFormat)
		}
	}
	return nil
}

func isPalindrome(b []byte) bool {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		if b[i] != b[j] {
			return false
		}
	}
	return true
}

func (f Format) StartMessage() []byte { return bytes.Clone(f.startMessage) }
func (f Format) StartContent() []byte { return bytes.Clone(f.startContent) }

// StartStreaming is reserved for a multi-frame streaming mode. Nothing in
// this module emits or consumes it.
func (f Format) StartStreaming() []byte { return bytes.Clone(f.startStreaming) }

// MagicLen is the width of each magic sequence.
func (f Format) MagicLen() int { return len(f.startMessage) }

// HeaderLenOffset is where the 2-byte header length begins.
func (f Format) HeaderLenOffset() int { return len(f.startMessage) }

// ContentLenOffset is where the 4-byte content length begins.
func (f Format) ContentLenOffset() int { return len(f.startMessage) + HeaderLenSize }

// HeaderOffset is where header bytes begin.
func (f Format) HeaderOffset() int { return len(f.startMessage) + HeaderLenSize + ContentLenSize }

// SeparatorOffset is where StartContent begins for a header of headerLen bytes.
func (f Format) SeparatorOffset(headerLen int) int { return f.HeaderOffset() + headerLen }

// ContentOffset is where content bytes begin for a header of headerLen bytes.
func (f Format) ContentOffset(headerLen int) int {
	return f.SeparatorOffset(headerLen) + len(f.startContent)
}

// FrameSize is the total wire size of one frame.
func (f Format) FrameSize(headerLen, contentLen int) int {
	return f.ContentOffset(headerLen) + contentLen
}

// MatchStartMessage reports whether b agrees with StartMessage over
// min(len(b), MagicLen()) bytes, and whether the whole magic was compared.
func (f Format) MatchStartMessage(b []byte) (match bool, complete bool) {
	n := min(len(b), len(f.startMessage))
	return bytes.Equal(b[:n], f.startMessage[:n]), n == len(f.startMessage)
}

// IsStartContent reports whether b is exactly StartContent.
func (f Format) IsStartContent(b []byte) bool {
	return bytes.Equal(b, f.startContent)
}
