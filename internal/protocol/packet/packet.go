package packet

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/crisscross/internal/protocol"
	"github.com/danmuck/crisscross/internal/protocol/frame"
	"github.com/danmuck/crisscross/internal/protocol/value"
)

// Header fields injected into every packet.
const (
	PacketIDKey = "xxh__packetid"
	SendTimeKey = "xxh__sendtime"
)

const idBytes = 8

// Packet is one encoded frame, ready to be written verbatim.
type Packet struct {
	Bytes []byte
	ID    string
}

// Recorder observes encoder activity.
type Recorder interface {
	PacketEncoded(headerBytes, contentBytes int)
	EncodeFailed(stage string)
}

type nopRecorder struct{}

func (nopRecorder) PacketEncoded(int, int) {}
func (nopRecorder) EncodeFailed(string) {}

type Option func(*Encoder)

func WithFormat(f frame.Format) Option {
	return func(e *Encoder) { e.format = f }
}

// WithClock overrides the send timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Encoder) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRandom overrides the packet id entropy source.
func WithRandom(r io.Reader) Option {
	return func(e *Encoder) {
		if r != nil {
			e.random = r
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Encoder) {
		if r != nil {
			e.recorder = r
		}
	}
}

// Encoder builds frames. It holds no mutable state and is safe for
// concurrent use as long as the configured random source is.
type Encoder struct {
	format   frame.Format
	now      func() time.Time
	random   io.Reader
	recorder Recorder
}

func NewEncoder(opts ...Option) (*Encoder, error) {
	e := &Encoder{
		format:   frame.Default(),
		now:      time.Now,
		random:   rand.Reader,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.format.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

var defaultEncoder = &Encoder{
	format:   frame.Default(),
	now:      time.Now,
	random:   rand.Reader,
	recorder: nopRecorder{},
}

// Encode builds a packet with the default format.
func Encode(header, content value.Value) (Packet, error) {
	return defaultEncoder.Encode(header, content)
}

// Encode serializes content once, injects the packet id and send time into
// a copy of header, and lays both out in one exact-size buffer. A header
// that is not a map is replaced by an empty map; absent content becomes "".
func (e *Encoder) Encode(header, content value.Value) (Packet, error) {
	if content.IsAbsent() {
		content = value.String("")
	}
	contentBytes, err := value.Encode(content)
	if err != nil {
		e.recorder.EncodeFailed("content")
		return Packet{}, fmt.Errorf("packet: encode content: %w", err)
	}

	id, err := e.newID()
	if err != nil {
		e.recorder.EncodeFailed("id")
		return Packet{}, err
	}

	if !header.IsMap() {
		header = value.Map(nil)
	}
	header = header.
		With(PacketIDKey, value.String(id)).
		With(SendTimeKey, value.Number(float64(e.now().UnixMilli())))
	headerBytes, err := value.Encode(header)
	if err != nil {
		e.recorder.EncodeFailed("header")
		return Packet{}, fmt.Errorf("packet: encode header: %w", err)
	}

	if len(headerBytes) > frame.MaxHeaderLen {
		e.recorder.EncodeFailed("header")
		return Packet{}, fmt.Errorf("%w: %d bytes", protocol.ErrHeaderTooLarge, len(headerBytes))
	}
	if uint64(len(contentBytes)) > frame.MaxContentLen {
		e.recorder.EncodeFailed("content")
		return Packet{}, fmt.Errorf("%w: %d bytes", protocol.ErrContentTooLarge, len(contentBytes))
	}

	f := e.format
	buf := make([]byte, f.FrameSize(len(headerBytes), len(contentBytes)))
	idx := copy(buf, f.StartMessage())
	binary.BigEndian.PutUint16(buf[idx:], uint16(len(headerBytes)))
	idx += frame.HeaderLenSize
	binary.BigEndian.PutUint32(buf[idx:], uint32(len(contentBytes)))
	idx += frame.ContentLenSize
	idx += copy(buf[idx:], headerBytes)
	idx += copy(buf[idx:], f.StartContent())
	copy(buf[idx:], contentBytes)

	e.recorder.PacketEncoded(len(headerBytes), len(contentBytes))
	return Packet{Bytes: buf, ID: id}, nil
}

func (e *Encoder) newID() (string, error) {
	raw := make([]byte, idBytes)
	if _, err := io.ReadFull(e.random, raw); err != nil {
		return "", fmt.Errorf("packet: generate id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
