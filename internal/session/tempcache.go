package session

// TempCache is the per-statement buffer accumulating backend response
// messages for a cache-safe SELECT before the result is committed to the
// shared query cache (spec.md §4.9, "temp query cache"). It stores the
// concatenation of the original wire messages the client receives, so a
// later cache hit can replay identical bytes.
type TempCache struct {
	buf      []byte
	limit    int
	exceeded bool
}

// NewTempCache returns a buffer that refuses to grow past limit bytes.
func NewTempCache(limit int) *TempCache {
	return &TempCache{limit: limit}
}

// Append adds one complete wire message (kind byte + length + payload as
// sent to the client). Once the limit is exceeded the buffer discards its
// contents and latches Exceeded; further appends are no-ops.
func (t *TempCache) Append(msg []byte) {
	if t.exceeded {
		return
	}
	if len(t.buf)+len(msg) > t.limit {
		t.exceeded = true
		t.buf = nil
		return
	}
	t.buf = append(t.buf, msg...)
}

// Exceeded reports whether the buffer overflowed and was discarded.
func (t *TempCache) Exceeded() bool { return t.exceeded }

// Bytes returns the accumulated message bytes, or nil if exceeded.
func (t *TempCache) Bytes() []byte { return t.buf }

// Len returns the accumulated byte count.
func (t *TempCache) Len() int { return len(t.buf) }
