package cache

import (
	"encoding/binary"
	"time"
)

// Block layout (spec.md §4.9): each block begins with a header, followed by
// an array of item pointers growing upward, and item bodies growing
// downward from the block end. All references are offsets, never pointers,
// so the segment is position-independent across processes.
//
//	header:   flags(1) numItems(2) freeBytes(2) bodyTail(2) pad(1)
//	itemPtr:  queryHash(16) nextBlock(4) nextItem(2) offset(2) flags(1) pad(3)
//	itemBody: timestamp(8) ttl(8) totalLength(4) data...
const (
	blockHeaderSize  = 8
	itemPtrSize      = 28
	itemBodyOverhead = 20

	blockFlagInUse = 1 << 0
	itemFlagLive   = 1 << 0
)

// segment is the single shared-memory-shaped block store: one flat byte
// array sized blockSize × numBlocks at construction, indexed positionally.
type segment struct {
	data      []byte
	blockSize int
	numBlocks int

	// fsmm is the free-space management map: one byte per block, the
	// block's free-byte count divided by (blockSize/256) — 32-byte
	// resolution at the default 8192-byte block size, preserved exactly.
	fsmm []byte
}

func newSegment(blockSize, numBlocks int) *segment {
	s := &segment{
		data:      make([]byte, blockSize*numBlocks),
		blockSize: blockSize,
		numBlocks: numBlocks,
		fsmm:      make([]byte, numBlocks),
	}
	for b := 0; b < numBlocks; b++ {
		s.initBlock(b)
	}
	return s
}

func (s *segment) block(b int) []byte {
	return s.data[b*s.blockSize : (b+1)*s.blockSize]
}

// initBlock resets block b to empty: no items, bodies start at the block
// end, all bytes past the header free.
func (s *segment) initBlock(b int) {
	blk := s.block(b)
	for i := range blk[:blockHeaderSize] {
		blk[i] = 0
	}
	blk[0] = blockFlagInUse
	s.setNumItems(b, 0)
	s.setBodyTail(b, uint16(s.blockSize))
	s.setFreeBytes(b, uint16(s.blockSize-blockHeaderSize))
}

func (s *segment) numItems(b int) int {
	return int(binary.BigEndian.Uint16(s.block(b)[1:3]))
}

func (s *segment) setNumItems(b, n int) {
	binary.BigEndian.PutUint16(s.block(b)[1:3], uint16(n))
}

func (s *segment) freeBytes(b int) int {
	return int(binary.BigEndian.Uint16(s.block(b)[3:5]))
}

func (s *segment) setFreeBytes(b int, n uint16) {
	binary.BigEndian.PutUint16(s.block(b)[3:5], n)
	s.fsmm[b] = s.encodeFreeSpace(int(n))
}

func (s *segment) bodyTail(b int) int {
	return int(binary.BigEndian.Uint16(s.block(b)[5:7]))
}

func (s *segment) setBodyTail(b int, off uint16) {
	binary.BigEndian.PutUint16(s.block(b)[5:7], off)
}

// encodeFreeSpace rounds a free-byte count down to FSMM resolution:
// free / (blockSize/256), one byte per block.
func (s *segment) encodeFreeSpace(free int) byte {
	granule := s.blockSize / 256
	if granule == 0 {
		granule = 1
	}
	enc := free / granule
	if enc > 255 {
		enc = 255
	}
	return byte(enc)
}

// itemPtrOffset returns the byte offset of item i's pointer within its
// block.
func itemPtrOffset(i int) int {
	return blockHeaderSize + i*itemPtrSize
}

type itemPtr struct {
	hash      Key
	nextBlock uint32
	nextItem  uint16
	offset    uint16
	flags     byte
}

func (s *segment) readItemPtr(b, i int) itemPtr {
	blk := s.block(b)
	off := itemPtrOffset(i)
	var p itemPtr
	copy(p.hash[:], blk[off:off+16])
	p.nextBlock = binary.BigEndian.Uint32(blk[off+16 : off+20])
	p.nextItem = binary.BigEndian.Uint16(blk[off+20 : off+22])
	p.offset = binary.BigEndian.Uint16(blk[off+22 : off+24])
	p.flags = blk[off+24]
	return p
}

func (s *segment) writeItemPtr(b, i int, p itemPtr) {
	blk := s.block(b)
	off := itemPtrOffset(i)
	copy(blk[off:off+16], p.hash[:])
	binary.BigEndian.PutUint32(blk[off+16:off+20], p.nextBlock)
	binary.BigEndian.PutUint16(blk[off+20:off+22], p.nextItem)
	binary.BigEndian.PutUint16(blk[off+22:off+24], p.offset)
	blk[off+24] = p.flags
}

// itemSpace returns the total bytes one item of the given data length
// consumes: its pointer slot plus its body.
func itemSpace(dataLen int) int {
	return itemPtrSize + itemBodyOverhead + dataLen
}

// addItem appends one item to block b: the pointer slot grows the array
// upward, the body is placed below the current body tail. The caller must
// have verified freeBytes(b) >= itemSpace(len(data)).
func (s *segment) addItem(b int, hash Key, ttl time.Duration, now time.Time, data []byte) (itemid int) {
	blk := s.block(b)
	n := s.numItems(b)

	bodyLen := itemBodyOverhead + len(data)
	bodyOff := s.bodyTail(b) - bodyLen
	binary.BigEndian.PutUint64(blk[bodyOff:bodyOff+8], uint64(now.Unix()))
	binary.BigEndian.PutUint64(blk[bodyOff+8:bodyOff+16], uint64(ttl/time.Second))
	binary.BigEndian.PutUint32(blk[bodyOff+16:bodyOff+20], uint32(len(data)))
	copy(blk[bodyOff+20:], data)

	s.writeItemPtr(b, n, itemPtr{hash: hash, offset: uint16(bodyOff), flags: itemFlagLive})
	s.setNumItems(b, n+1)
	s.setBodyTail(b, uint16(bodyOff))
	s.setFreeBytes(b, uint16(s.freeBytes(b)-itemSpace(len(data))))
	return n
}

// item reads item i of block b: its stored data plus expiry metadata.
// ok is false for a deleted slot or a corrupt offset.
func (s *segment) item(b, i int) (data []byte, storedAt time.Time, ttl time.Duration, ok bool) {
	if i >= s.numItems(b) {
		return nil, time.Time{}, 0, false
	}
	p := s.readItemPtr(b, i)
	if p.flags&itemFlagLive == 0 {
		return nil, time.Time{}, 0, false
	}
	blk := s.block(b)
	off := int(p.offset)
	if off+itemBodyOverhead > len(blk) {
		return nil, time.Time{}, 0, false
	}
	ts := int64(binary.BigEndian.Uint64(blk[off : off+8]))
	ttlSec := int64(binary.BigEndian.Uint64(blk[off+8 : off+16]))
	length := int(binary.BigEndian.Uint32(blk[off+16 : off+20]))
	if off+itemBodyOverhead+length > len(blk) {
		return nil, time.Time{}, 0, false
	}
	out := make([]byte, length)
	copy(out, blk[off+20:off+20+length])
	return out, time.Unix(ts, 0), time.Duration(ttlSec) * time.Second, true
}

// deleteItem marks item i of block b dead. Space is reclaimed only when the
// block empties or is evicted wholesale; when the last live item dies the
// block is re-initialized.
func (s *segment) deleteItem(b, i int) {
	if i >= s.numItems(b) {
		return
	}
	p := s.readItemPtr(b, i)
	if p.flags&itemFlagLive == 0 {
		return
	}
	p.flags &^= itemFlagLive
	s.writeItemPtr(b, i, p)

	for j := 0; j < s.numItems(b); j++ {
		if s.readItemPtr(b, j).flags&itemFlagLive != 0 {
			return
		}
	}
	s.initBlock(b)
}

// findBlock scans the FSMM for a block whose encoded free space satisfies
// need, then verifies the actual free bytes (the encoding rounds down, so a
// passing encoded value can still be short). Returns -1 when no block fits.
func (s *segment) findBlock(need int) int {
	encNeed := s.encodeFreeSpace(need)
	for b := 0; b < s.numBlocks; b++ {
		if s.fsmm[b] >= encNeed && s.freeBytes(b) >= need {
			return b
		}
	}
	return -1
}
