package stream

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/crisscross/internal/protocol"
	"github.com/danmuck/crisscross/internal/protocol/frame"
	"github.com/danmuck/crisscross/internal/protocol/value"
)

const DefaultReadSize = 32 * 1024

var ErrNoHandler = errors.New("stream: decoder requires a handler")

// Message is one fully reconstructed frame. Header is always a map.
type Message struct {
	Header  value.Value
	Content value.Value
	// Conn is the source the frame arrived on; a net.Conn when served by
	// the transport package, nil when fed directly.
	Conn io.Reader
}

// Handler is invoked synchronously once per decoded message. Slow handlers
// stall the connection they belong to.
type Handler func(Message)

// Recorder observes decoder activity. observability.ProtocolRecorder is the
// prometheus implementation.
type Recorder interface {
	FrameDecoded(headerBytes, contentBytes int)
	Resync(reason string, discarded int)
	MalformedBody(part string)
}

type nopRecorder struct{}

func (nopRecorder) FrameDecoded(int, int) {}
func (nopRecorder) Resync(string, int) {}
func (nopRecorder) MalformedBody(string) {}

type Option func(*Decoder)

func WithFormat(f frame.Format) Option {
	return func(d *Decoder) { d.format = f }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Decoder) { d.log = l }
}

func WithRecorder(r Recorder) Option {
	return func(d *Decoder) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithReadSize sets the chunk size Serve reads with.
func WithReadSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.readSize = n
		}
	}
}

// Decoder reconstructs messages from one connection's byte stream. It owns
// exactly one Session and is not safe for concurrent use.
type Decoder struct {
	src      io.Reader
	handler  Handler
	format   frame.Format
	log      zerolog.Logger
	recorder Recorder
	readSize int
	session  Session
}

// NewDecoder fails before touching src when handler is nil or the format is
// invalid.
func NewDecoder(src io.Reader, handler Handler, opts ...Option) (*Decoder, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	d := &Decoder{
		src:      src,
		handler:  handler,
		format:   frame.Default(),
		log:      log.With().Str("component", "stream").Logger(),
		recorder: nopRecorder{},
		readSize: DefaultReadSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.format.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Feed processes one fragment and returns how many messages reached the
// handler. Advance stops at the first violation, so every frame in res
// precedes it on the wire and is delivered before the resync is reported.
func (d *Decoder) Feed(fragment []byte) int {
	res := Advance(d.format, d.session, fragment)
	d.session = res.Session

	delivered := 0
	for _, fr := range res.Frames {
		msg, err := d.decodeFrame(fr)
		if err != nil {
			d.log.Error().
				Err(err).
				Int("header_len", len(fr.Header)).
				Int("content_len", len(fr.Content)).
				Msg("dropping frame with undecodable body")
			continue
		}
		d.handler(msg)
		d.recorder.FrameDecoded(len(fr.Header), len(fr.Content))
		delivered++
	}

	for _, v := range res.Violations {
		d.log.Warn().
			Err(v.Err()).
			Str("reason", string(v.Reason)).
			Int("discarded", len(v.Discarded)).
			Str("bytes", base64.StdEncoding.EncodeToString(v.Discarded)).
			Msg("stream reset: message damaged")
		d.recorder.Resync(string(v.Reason), len(v.Discarded))
	}
	return delivered
}

func (d *Decoder) decodeFrame(fr Frame) (Message, error) {
	header, err := value.Decode(fr.Header)
	if err != nil {
		d.recorder.MalformedBody("header")
		return Message{}, fmt.Errorf("%w: header: %w", protocol.ErrMalformedBody, err)
	}
	if !header.IsMap() {
		d.recorder.MalformedBody("header")
		return Message{}, fmt.Errorf("%w: header is %s, want map", protocol.ErrMalformedBody, header.Kind())
	}
	content, err := value.Decode(fr.Content)
	if err != nil {
		d.recorder.MalformedBody("content")
		return Message{}, fmt.Errorf("%w: content: %w", protocol.ErrMalformedBody, err)
	}
	return Message{Header: header, Content: content, Conn: d.src}, nil
}

// Serve reads src until EOF, feeding every chunk. EOF returns nil; bytes of
// an unfinished frame are dropped.
func (d *Decoder) Serve() error {
	if d.src == nil {
		return fmt.Errorf("stream: serve: nil source")
	}
	buf := make([]byte, d.readSize)
	for {
		n, err := d.src.Read(buf)
		if n > 0 {
			d.Feed(buf[:n])
		}
		if err == nil {
			continue
		}
		if pending := d.session.Pending(); pending > 0 {
			d.log.Debug().Int("pending", pending).Msg("source closed with unfinished frame")
		}
		d.session = Session{}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("stream: read: %w", err)
	}
}

// Session returns a copy of the current parsing state.
func (d *Decoder) Session() Session {
	return d.session.Clone()
}
