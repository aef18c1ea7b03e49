package wire

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/poolrouter/poolrouter/internal/poolerr"
)

// loopback wraps a bytes.Buffer with an io.Closer so it satisfies
// io.ReadWriteCloser for the Codec.
type loopback struct {
	*bytes.Buffer
}

func (loopback) Close() error { return nil }

func TestWriteThenReadMessage(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewCodec(loopback{buf})

	if err := c.WriteAndFlush('Q', []byte("SELECT 1\x00")); err != nil {
		t.Fatalf("WriteAndFlush: %v", err)
	}

	m, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m.Kind != 'Q' {
		t.Fatalf("Kind = %c, want Q", m.Kind)
	}
	if string(m.Payload) != "SELECT 1\x00" {
		t.Fatalf("Payload = %q", m.Payload)
	}
}

func TestPushback(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewCodec(loopback{buf})

	first := Message{Kind: 'P', Payload: []byte("first")}
	second := Message{Kind: 'B', Payload: []byte("second")}

	// Push in order first, second -> LIFO pop order is second, first.
	c.Push(first)
	c.Push(second)

	m1, err := c.ReadMessage()
	if err != nil || m1.Kind != 'B' {
		t.Fatalf("expected pushed 'B' first, got %+v err=%v", m1, err)
	}
	m2, err := c.ReadMessage()
	if err != nil || m2.Kind != 'P' {
		t.Fatalf("expected pushed 'P' second, got %+v err=%v", m2, err)
	}
}

func TestPeekKindDoesNotConsume(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewCodec(loopback{buf})
	if err := c.WriteAndFlush('Z', []byte{'I'}); err != nil {
		t.Fatal(err)
	}

	k, err := c.PeekKind()
	if err != nil || k != 'Z' {
		t.Fatalf("PeekKind = %c, err=%v", k, err)
	}
	m, err := c.ReadMessage()
	if err != nil || m.Kind != 'Z' {
		t.Fatalf("ReadMessage after peek = %+v, err=%v", m, err)
	}
}

func TestShortReadIsProtocolViolation(t *testing.T) {
	buf := bytes.NewBuffer([]byte{'Q', 0, 0, 0, 10}) // declares 6 more bytes, supplies 0
	c := NewCodec(loopback{buf})
	_, err := c.ReadMessage()
	if err == nil {
		t.Fatal("expected error on short read")
	}
	if k, _ := poolerr.KindOf(err); k != poolerr.KindProtocolViolation {
		t.Fatalf("short read error kind = %v, want ProtocolViolation", k)
	}
}

func TestConnectionLostOnEOF(t *testing.T) {
	r, w := net.Pipe()
	c := NewCodec(struct {
		io.Reader
		io.Writer
		io.Closer
	}{r, w, r})
	w.Close()
	_, err := c.ReadMessage()
	if err == nil {
		t.Fatal("expected error on closed pipe")
	}
}

func TestReadString(t *testing.T) {
	data := []byte("user\x00postgres\x00")
	s, n, ok := ReadString(data, 0)
	if !ok || s != "user" || n != 5 {
		t.Fatalf("ReadString = %q, %d, %v", s, n, ok)
	}
	s2, n2, ok2 := ReadString(data, n)
	if !ok2 || s2 != "postgres" || n2 != 9 {
		t.Fatalf("ReadString second = %q, %d, %v", s2, n2, ok2)
	}
}

func TestSplitMessagesRoundTrip(t *testing.T) {
	var stream []byte
	stream = append(stream, EncodeMessage('T', []byte{0, 1})...)
	stream = append(stream, EncodeMessage('D', []byte("row"))...)
	stream = append(stream, EncodeMessage('C', []byte("SELECT 1\x00"))...)

	msgs, err := SplitMessages(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("split %d messages, want 3", len(msgs))
	}
	want := []byte{'T', 'D', 'C'}
	for i, m := range msgs {
		if m.Kind != want[i] {
			t.Fatalf("message %d kind = %q, want %q", i, m.Kind, want[i])
		}
	}
	if string(msgs[1].Payload) != "row" {
		t.Fatalf("payload = %q", msgs[1].Payload)
	}
}

func TestSplitMessagesRejectsTruncation(t *testing.T) {
	stream := EncodeMessage('D', []byte("row"))
	if _, err := SplitMessages(stream[:len(stream)-1]); err == nil {
		t.Fatal("truncated stream must fail")
	}
	if _, err := SplitMessages([]byte{'D', 0, 0}); err == nil {
		t.Fatal("short header must fail")
	}
}
