package stream

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/rs/zerolog"

	"github.com/danmuck/crisscross/internal/protocol/frame"
	"github.com/danmuck/crisscross/internal/protocol/packet"
	"github.com/danmuck/crisscross/internal/protocol/value"
	"github.com/danmuck/crisscross/internal/testutil/testlog"
)

type countingRecorder struct {
	decoded   int
	resyncs   map[string]int
	discarded int
	malformed []string
	events    []string
}

func (r *countingRecorder) FrameDecoded(int, int) {
	r.decoded++
	r.events = append(r.events, "frame")
}

func (r *countingRecorder) Resync(reason string, discarded int) {
	r.events = append(r.events, "resync:"+reason)
	if r.resyncs == nil {
		r.resyncs = make(map[string]int)
	}
	r.resyncs[reason]++
	r.discarded += discarded
}

func (r *countingRecorder) MalformedBody(part string) { r.malformed = append(r.malformed, part) }

func collect(t *testing.T, src io.Reader, opts ...Option) (*Decoder, *[]Message) {
	t.Helper()
	var got []Message
	d, err := NewDecoder(src, func(m Message) { got = append(got, m) }, opts...)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	return d, &got
}

func TestNewDecoderRequiresHandler(t *testing.T) {
	testlog.Start(t)
	src := &bytes.Buffer{}
	src.WriteString("untouched")
	_, err := NewDecoder(src, nil)
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
	if src.String() != "untouched" {
		t.Fatalf("source consumed before failing")
	}
}

func TestNewDecoderRejectsInvalidFormat(t *testing.T) {
	testlog.Start(t)
	_, err := NewDecoder(nil, func(Message) {}, WithFormat(frame.Format{}))
	if !errors.Is(err, frame.ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestDecoderRoundTrip(t *testing.T) {
	testlog.Start(t)
	header := value.MustFrom(map[string]any{"route": "chat.send", "room": 7})
	content := value.MustFrom(map[string]any{"text": "héllo", "tags": []any{"a", true, nil}})
	pkt, err := packet.Encode(header, content)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	d, got := collect(t, nil)
	if n := d.Feed(pkt.Bytes); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	msg := (*got)[0]
	if !msg.Content.Equal(content) {
		t.Fatalf("content=%s want=%s", msg.Content, content)
	}
	id, ok := msg.Header.Get(packet.PacketIDKey)
	if !ok || !id.Equal(value.String(pkt.ID)) {
		t.Fatalf("packet id missing or wrong: %s", msg.Header)
	}
	if _, ok := msg.Header.Get(packet.SendTimeKey); !ok {
		t.Fatalf("send time missing: %s", msg.Header)
	}
	if !msg.Header.Without(packet.PacketIDKey, packet.SendTimeKey).Equal(header) {
		t.Fatalf("header=%s want=%s plus metadata", msg.Header, header)
	}
	if msg.Conn != nil {
		t.Fatalf("directly fed messages carry no connection")
	}
}

func TestDecoderServeOneByteReader(t *testing.T) {
	testlog.Start(t)
	var wire bytes.Buffer
	for i := 0; i < 3; i++ {
		pkt, err := packet.Encode(value.Value{}, value.Number(float64(i)))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		wire.Write(pkt.Bytes)
	}
	src := iotest.OneByteReader(&wire)
	d, got := collect(t, src)
	if err := d.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if len(*got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(*got))
	}
	for i, msg := range *got {
		if !msg.Content.Equal(value.Number(float64(i))) {
			t.Fatalf("message %d content=%s", i, msg.Content)
		}
		if msg.Conn != src {
			t.Fatalf("message %d missing connection reference", i)
		}
	}
	if d.Session().Pending() != 0 {
		t.Fatalf("leftover bytes after serve")
	}
}

func TestDecoderServeReturnsReadError(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("boom")
	d, _ := collect(t, iotest.ErrReader(boom))
	if err := d.Serve(); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped read error, got %v", err)
	}
}

func TestDecoderServeDropsUnfinishedFrame(t *testing.T) {
	testlog.Start(t)
	pkt, err := packet.Encode(value.Value{}, value.String("cut"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d, got := collect(t, bytes.NewReader(pkt.Bytes[:len(pkt.Bytes)-1]))
	if err := d.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if len(*got) != 0 {
		t.Fatalf("partial frame delivered")
	}
	if d.Session().Pending() != 0 {
		t.Fatalf("session should be cleared at EOF")
	}
}

func TestDecoderLogsResyncWithDiscardedBytes(t *testing.T) {
	testlog.Start(t)
	var logs bytes.Buffer
	rec := &countingRecorder{}
	d, got := collect(t, nil, WithLogger(zerolog.New(&logs)), WithRecorder(rec))

	garbage := []byte("garbage!")
	d.Feed(garbage)
	pkt, err := packet.Encode(value.Value{}, value.String("after"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d.Feed(pkt.Bytes)

	if len(*got) != 1 {
		t.Fatalf("expected recovery, got %d messages", len(*got))
	}
	out := logs.String()
	if !strings.Contains(out, base64.StdEncoding.EncodeToString(garbage)) {
		t.Fatalf("diagnostic missing discarded bytes: %s", out)
	}
	if !strings.Contains(out, string(ReasonBadStartMagic)) {
		t.Fatalf("diagnostic missing reason: %s", out)
	}
	if rec.resyncs[string(ReasonBadStartMagic)] != 1 || rec.discarded != len(garbage) {
		t.Fatalf("unexpected resync counters: %+v", rec)
	}
	if rec.decoded != 1 {
		t.Fatalf("unexpected decoded count: %d", rec.decoded)
	}
}

func buildRawFrame(header, content string) []byte {
	f := frame.Default()
	buf := make([]byte, 0, f.FrameSize(len(header), len(content)))
	buf = append(buf, f.StartMessage()...)
	buf = append(buf, byte(len(header)>>8), byte(len(header)))
	buf = append(buf, byte(len(content)>>24), byte(len(content)>>16), byte(len(content)>>8), byte(len(content)))
	buf = append(buf, header...)
	buf = append(buf, f.StartContent()...)
	buf = append(buf, content...)
	return buf
}

func TestDecoderDropsUndecodableBodyKeepsNext(t *testing.T) {
	testlog.Start(t)
	rec := &countingRecorder{}
	d, got := collect(t, nil, WithLogger(zerolog.Nop()), WithRecorder(rec))

	var wire []byte
	wire = append(wire, buildRawFrame(`{"ok":1}`, `not json`)...)
	wire = append(wire, buildRawFrame(`[1,2]`, `1`)...)
	wire = append(wire, buildRawFrame(`{"ok":2}`, `"fine"`)...)

	if n := d.Feed(wire); n != 1 {
		t.Fatalf("expected only the valid frame delivered, got %d", n)
	}
	if !(*got)[0].Content.Equal(value.String("fine")) {
		t.Fatalf("unexpected content: %s", (*got)[0].Content)
	}
	if len(rec.malformed) != 2 || rec.malformed[0] != "content" || rec.malformed[1] != "header" {
		t.Fatalf("unexpected malformed parts: %v", rec.malformed)
	}
	if len(rec.resyncs) != 0 {
		t.Fatalf("undecodable bodies must not resync: %v", rec.resyncs)
	}
}

func TestDecoderZeroLengthNeverReachesHandler(t *testing.T) {
	testlog.Start(t)
	d, got := collect(t, nil, WithLogger(zerolog.Nop()))
	pkt, err := packet.Encode(value.Value{}, value.String("x"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	wire := bytes.Clone(pkt.Bytes)
	f := frame.Default()
	wire[f.HeaderLenOffset()] = 0
	wire[f.HeaderLenOffset()+1] = 0
	d.Feed(wire)
	if len(*got) != 0 {
		t.Fatalf("zero-length frame reached handler")
	}
	if d.Session().Pending() != 0 || d.Session().Started {
		t.Fatalf("session not reset: %+v", d.Session())
	}
}

func TestDecoderReportsInWireOrder(t *testing.T) {
	testlog.Start(t)
	var logs bytes.Buffer
	rec := &countingRecorder{}
	d, err := NewDecoder(nil, func(m Message) {
		rec.events = append(rec.events, "handler")
		logs.WriteString("handled\n")
	}, WithLogger(zerolog.New(&logs)), WithRecorder(rec))
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}

	pkt, err := packet.Encode(value.Value{}, value.String("first"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	chunk := append(bytes.Clone(pkt.Bytes), "garbage!"...)
	if n := d.Feed(chunk); n != 1 {
		t.Fatalf("expected the leading frame delivered, got %d", n)
	}

	want := []string{"handler", "frame", "resync:" + string(ReasonBadStartMagic)}
	if strings.Join(rec.events, ",") != strings.Join(want, ",") {
		t.Fatalf("events=%v want %v", rec.events, want)
	}
	out := logs.String()
	handled := strings.Index(out, "handled")
	reset := strings.Index(out, "stream reset")
	if handled < 0 || reset < 0 || handled > reset {
		t.Fatalf("resync logged before the message that preceded it: %s", out)
	}
}
