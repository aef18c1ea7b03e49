// Package wire implements the framed read/write layer over one PostgreSQL
// v3 wire-protocol connection (spec.md §4.1, C1). It never speaks SQL — it
// only knows how to read and write typed, length-prefixed messages, and it
// supports pushing a frame back onto the read path (a LIFO pushback stack),
// which the extended-query engine's lazy re-Parse and the query cache's
// result injection both depend on.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/poolrouter/poolrouter/internal/poolerr"
)

// Message is one typed, length-prefixed protocol frame. Kind is 0 for the
// untyped startup/SSLRequest/CancelRequest frames (v3 messages before
// authentication carry no leading kind byte).
type Message struct {
	Kind    byte
	Payload []byte
}

// Codec reads and writes framed messages over one connection, maintaining a
// pushback stack so higher layers can "unread" a frame for re-parsing.
type Codec struct {
	r    *bufio.Reader
	w    *bufio.Writer
	conn io.Closer

	pushed []Message // LIFO stack
}

// NewCodec wraps rw (expected to also implement io.Closer, e.g. net.Conn).
func NewCodec(rw io.ReadWriteCloser) *Codec {
	return &Codec{
		r:    bufio.NewReader(rw),
		w:    bufio.NewWriter(rw),
		conn: rw,
	}
}

// Push puts a message back onto the read stack; the next ReadMessage call
// returns it (in LIFO order) without touching the underlying connection.
func (c *Codec) Push(m Message) {
	c.pushed = append(c.pushed, m)
}

// ReadMessage reads one typed message: a one-byte kind, a four-byte
// big-endian length L (inclusive of itself), and L-4 bytes of payload. If a
// message was previously pushed back, it is returned instead and the
// connection is not touched.
//
// Fails with ProtocolViolation on an invalid length or a payload cut off
// before its declared length, or ConnectionLost (wrapped io.EOF) on peer
// close before a frame starts.
func (c *Codec) ReadMessage() (Message, error) {
	if n := len(c.pushed); n > 0 {
		m := c.pushed[n-1]
		c.pushed = c.pushed[:n-1]
		return m, nil
	}
	return c.readMessageTyped()
}

func (c *Codec) readMessageTyped() (Message, error) {
	kind, err := c.r.ReadByte()
	if err != nil {
		return Message{}, connErr(err)
	}
	payload, err := c.readLenPrefixed()
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: kind, Payload: payload}, nil
}

// ReadUntyped reads a length-prefixed frame with no leading kind byte (used
// for the startup packet, SSLRequest, and CancelRequest, none of which carry
// a type byte in the v3 protocol).
func (c *Codec) ReadUntyped() ([]byte, error) {
	return c.readLenPrefixed()
}

func (c *Codec) readLenPrefixed() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return nil, connErr(err)
	}
	l := int(binary.BigEndian.Uint32(lenBuf[:]))
	if l < 4 {
		return nil, poolerr.New(poolerr.KindProtocolViolation, fmt.Sprintf("invalid message length %d", l))
	}
	payload := make([]byte, l-4)
	if len(payload) > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, poolerr.Wrap(poolerr.KindProtocolViolation, "short read", err)
			}
			return nil, connErr(err)
		}
	}
	return payload, nil
}

// PeekKind returns the next kind byte without consuming it, blocking until a
// byte is available. If a message is sitting on the pushback stack, its
// Kind is returned without any I/O.
func (c *Codec) PeekKind() (byte, error) {
	if n := len(c.pushed); n > 0 {
		return c.pushed[n-1].Kind, nil
	}
	b, err := c.r.Peek(1)
	if err != nil {
		return 0, connErr(err)
	}
	return b[0], nil
}

// ReadString reads a NUL-terminated string from data starting at offset off,
// returning the decoded string, its byte length including the terminator,
// and whether the terminator was found.
func ReadString(data []byte, off int) (s string, consumed int, ok bool) {
	for i := off; i < len(data); i++ {
		if data[i] == 0 {
			return string(data[off:i]), i - off + 1, true
		}
	}
	return "", 0, false
}

// WriteMessage writes kind (if non-zero) followed by the big-endian length
// and payload. It does not flush; call Flush or WriteAndFlush.
func (c *Codec) WriteMessage(kind byte, payload []byte) error {
	if kind != 0 {
		if err := c.w.WriteByte(kind); err != nil {
			return connErr(err)
		}
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+4))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return connErr(err)
	}
	if len(payload) > 0 {
		if _, err := c.w.Write(payload); err != nil {
			return connErr(err)
		}
	}
	return nil
}

// Flush forces any buffered writes to the underlying connection.
func (c *Codec) Flush() error {
	if err := c.w.Flush(); err != nil {
		return connErr(err)
	}
	return nil
}

// WriteAndFlush writes one message and immediately flushes it.
func (c *Codec) WriteAndFlush(kind byte, payload []byte) error {
	if err := c.WriteMessage(kind, payload); err != nil {
		return err
	}
	return c.Flush()
}

// Close closes the underlying connection.
func (c *Codec) Close() error { return c.conn.Close() }

func connErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return poolerr.Wrap(poolerr.KindBackendDown, "connection lost", err)
	}
	return poolerr.Wrap(poolerr.KindProtocolViolation, "short read", err)
}

// Encode helpers shared by both auth directions and the extended-query
// engine; kept here rather than in every caller because the wire codec is
// the natural owner of "how a message is laid out on the wire".

// EncodeErrorResponse builds the payload for an 'E' ErrorResponse message:
// a sequence of (fieldtype byte, NUL-terminated string) pairs terminated by
// a NUL byte.
func EncodeErrorResponse(fields map[byte]string) []byte {
	var buf []byte
	// Deterministic order matters for tests comparing byte-identical traces;
	// emit severity, code, message, detail, hint in that fixed order when
	// present, then any others.
	order := []byte{'S', 'V', 'C', 'M', 'D', 'H'}
	seen := make(map[byte]bool, len(order))
	for _, k := range order {
		if v, ok := fields[k]; ok {
			buf = append(buf, k)
			buf = append(buf, v...)
			buf = append(buf, 0)
			seen[k] = true
		}
	}
	for k, v := range fields {
		if seen[k] {
			continue
		}
		buf = append(buf, k)
		buf = append(buf, v...)
		buf = append(buf, 0)
	}
	buf = append(buf, 0)
	return buf
}

// SplitMessages decodes a concatenation of typed frames (as stored by the
// query cache) back into Messages. The cache's result-injection path pushes
// these onto a backend codec so the extended-query engine sees them as if
// the backend had replied.
func SplitMessages(data []byte) ([]Message, error) {
	var msgs []Message
	off := 0
	for off < len(data) {
		if off+5 > len(data) {
			return nil, poolerr.New(poolerr.KindProtocolViolation, "truncated frame in message stream")
		}
		kind := data[off]
		l := int(binary.BigEndian.Uint32(data[off+1 : off+5]))
		if l < 4 || off+1+l > len(data) {
			return nil, poolerr.New(poolerr.KindProtocolViolation, "invalid frame length in message stream")
		}
		payload := make([]byte, l-4)
		copy(payload, data[off+5:off+1+l])
		msgs = append(msgs, Message{Kind: kind, Payload: payload})
		off += 1 + l
	}
	return msgs, nil
}

// EncodeMessage renders one typed frame as bytes, the inverse of
// SplitMessages.
func EncodeMessage(kind byte, payload []byte) []byte {
	out := make([]byte, 1+4+len(payload))
	out[0] = kind
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)+4))
	copy(out[5:], payload)
	return out
}

// DecodeCString reads one NUL-terminated field out of data starting at off.
func DecodeCString(data []byte, off int) (string, int) {
	s, n, ok := ReadString(data, off)
	if !ok {
		return string(data[off:]), len(data) - off
	}
	return s, n
}
