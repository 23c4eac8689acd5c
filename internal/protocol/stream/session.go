package stream

import (
	"bytes"
	"encoding/binary"

	"github.com/danmuck/crisscross/internal/protocol"
	"github.com/danmuck/crisscross/internal/protocol/frame"
)

// Session is the parsing progress of one connection. The zero value is the
// initial state. A length of 0 means its field has not been received yet.
type Session struct {
	Buffer     []byte
	Started    bool
	HeaderLen  uint16
	ContentLen uint32
}

// Pending is the number of buffered bytes not yet consumed by a frame.
func (s Session) Pending() int { return len(s.Buffer) }

// Clone returns a copy that shares no memory with s.
func (s Session) Clone() Session {
	s.Buffer = bytes.Clone(s.Buffer)
	return s
}

// Frame is one delimited frame, before header and content are decoded.
type Frame struct {
	Header  []byte
	Content []byte
}

// Reason names a framing violation.
type Reason string

const (
	ReasonBadStartMagic     Reason = "bad_start_magic"
	ReasonZeroHeaderLength  Reason = "zero_header_length"
	ReasonZeroContentLength Reason = "zero_content_length"
	ReasonBadSeparator      Reason = "bad_content_separator"
)

var reasonErrs = map[Reason]error{
	ReasonBadStartMagic:     protocol.ErrBadStartMagic,
	ReasonZeroHeaderLength:  protocol.ErrZeroHeaderLength,
	ReasonZeroContentLength: protocol.ErrZeroContentLength,
	ReasonBadSeparator:      protocol.ErrBadSeparator,
}

// Violation records one resync: why it happened and every byte it dropped.
type Violation struct {
	Reason    Reason
	Discarded []byte
}

// Err maps the reason onto its protocol sentinel.
func (v Violation) Err() error {
	return reasonErrs[v.Reason]
}

// Result is the outcome of feeding one fragment. Frames are in wire order.
// Violations holds at most one entry, and it follows every frame.
type Result struct {
	Session    Session
	Frames     []Frame
	Violations []Violation
}

type outcome int

const (
	waiting outcome = iota
	delivered
	violated
)

// Advance appends fragment to the session buffer and extracts every frame
// that is now complete. Any framing violation drops the whole buffer and
// returns the session to its zero value; no later start magic is searched
// for.
//
// s.Buffer may be appended to in place, so callers must use the returned
// session and drop s.
func Advance(f frame.Format, s Session, fragment []byte) Result {
	s.Buffer = append(s.Buffer, fragment...)
	var res Result
	for {
		next, out, fr, v := step(f, s)
		s = next
		switch out {
		case delivered:
			res.Frames = append(res.Frames, fr)
			continue
		case violated:
			res.Violations = append(res.Violations, v)
		}
		break
	}
	res.Session = s
	return res
}

func step(f frame.Format, s Session) (Session, outcome, Frame, Violation) {
	buf := s.Buffer

	if !s.Started {
		match, complete := f.MatchStartMessage(buf)
		if !match {
			return resync(s, ReasonBadStartMagic)
		}
		if !complete {
			return s, waiting, Frame{}, Violation{}
		}
		s.Started = true
	}

	if s.HeaderLen == 0 && len(buf) >= f.ContentLenOffset() {
		s.HeaderLen = binary.BigEndian.Uint16(buf[f.HeaderLenOffset():])
		if s.HeaderLen == 0 {
			return resync(s, ReasonZeroHeaderLength)
		}
	}

	if s.ContentLen == 0 && len(buf) >= f.HeaderOffset() {
		s.ContentLen = binary.BigEndian.Uint32(buf[f.ContentLenOffset():])
		if s.ContentLen == 0 {
			return resync(s, ReasonZeroContentLength)
		}
	}

	if s.HeaderLen == 0 || s.ContentLen == 0 {
		return s, waiting, Frame{}, Violation{}
	}

	headerLen := int(s.HeaderLen)
	sep := f.SeparatorOffset(headerLen)
	if len(buf) < sep+f.MagicLen() {
		return s, waiting, Frame{}, Violation{}
	}
	if !f.IsStartContent(buf[sep : sep+f.MagicLen()]) {
		return resync(s, ReasonBadSeparator)
	}

	// compare in uint64 so a content length near 2^32 cannot overflow int
	contentStart := f.ContentOffset(headerLen)
	if uint64(len(buf)-contentStart) < uint64(s.ContentLen) {
		return s, waiting, Frame{}, Violation{}
	}
	end := contentStart + int(s.ContentLen)

	fr := Frame{
		Header:  bytes.Clone(buf[f.HeaderOffset():sep]),
		Content: bytes.Clone(buf[contentStart:end]),
	}
	var next Session
	if rest := buf[end:]; len(rest) > 0 {
		next.Buffer = bytes.Clone(rest)
	}
	return next, delivered, fr, Violation{}
}

func resync(s Session, reason Reason) (Session, outcome, Frame, Violation) {
	return Session{}, violated, Frame{}, Violation{Reason: reason, Discarded: s.Buffer}
}
