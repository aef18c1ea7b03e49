package cache

import "encoding/binary"

// hashIndex is a closed-addressing chained hash table over cache entries,
// sized to the next power of two ≥ max entries. Chains are built from
// element-arena indices rather than pointers, keeping the structure
// position-independent across processes (spec.md §4.9, §9). Free elements
// form a singly-linked freelist threaded through the same next field.
type hashIndex struct {
	buckets  []int32 // head element index per bucket, -1 when empty
	elements []hashElement
	freeHead int32
	used     int
}

type hashElement struct {
	hash    Key
	blockid uint32
	itemid  uint16
	next    int32 // chain or freelist link; -1 terminates
}

// nextPow2 returns the smallest power of two ≥ n.
func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func newHashIndex(maxEntries int) *hashIndex {
	size := nextPow2(maxEntries)
	h := &hashIndex{
		buckets:  make([]int32, size),
		elements: make([]hashElement, maxEntries),
		freeHead: 0,
	}
	for i := range h.buckets {
		h.buckets[i] = -1
	}
	for i := range h.elements {
		h.elements[i].next = int32(i + 1)
	}
	h.elements[len(h.elements)-1].next = -1
	return h
}

// bucketOf hashes a fingerprint to its bucket: the top 8 hex characters of
// the md5, i.e. its first four bytes, masked to the table size.
func (h *hashIndex) bucketOf(k Key) int {
	return int(binary.BigEndian.Uint32(k[:4])) & (len(h.buckets) - 1)
}

// Lookup returns the (blockid, itemid) stored for k.
func (h *hashIndex) Lookup(k Key) (blockid uint32, itemid uint16, ok bool) {
	for e := h.buckets[h.bucketOf(k)]; e >= 0; e = h.elements[e].next {
		if h.elements[e].hash == k {
			return h.elements[e].blockid, h.elements[e].itemid, true
		}
	}
	return 0, 0, false
}

// Insert maps k to (blockid, itemid), replacing any existing mapping.
// Returns false when the element arena is full.
func (h *hashIndex) Insert(k Key, blockid uint32, itemid uint16) bool {
	b := h.bucketOf(k)
	for e := h.buckets[b]; e >= 0; e = h.elements[e].next {
		if h.elements[e].hash == k {
			h.elements[e].blockid = blockid
			h.elements[e].itemid = itemid
			return true
		}
	}

	e := h.freeHead
	if e < 0 {
		return false
	}
	h.freeHead = h.elements[e].next
	h.elements[e] = hashElement{hash: k, blockid: blockid, itemid: itemid, next: h.buckets[b]}
	h.buckets[b] = e
	h.used++
	return true
}

// Delete removes k's mapping, returning the element to the freelist.
func (h *hashIndex) Delete(k Key) bool {
	b := h.bucketOf(k)
	prev := int32(-1)
	for e := h.buckets[b]; e >= 0; e = h.elements[e].next {
		if h.elements[e].hash == k {
			if prev < 0 {
				h.buckets[b] = h.elements[e].next
			} else {
				h.elements[prev].next = h.elements[e].next
			}
			h.elements[e] = hashElement{next: h.freeHead}
			h.freeHead = e
			h.used--
			return true
		}
		prev = e
	}
	return false
}

// DeleteByLocation removes every mapping pointing into block blockid;
// used when a whole block is evicted.
func (h *hashIndex) DeleteByLocation(blockid uint32) int {
	removed := 0
	for b := range h.buckets {
		prev := int32(-1)
		e := h.buckets[b]
		for e >= 0 {
			next := h.elements[e].next
			if h.elements[e].blockid == blockid {
				if prev < 0 {
					h.buckets[b] = next
				} else {
					h.elements[prev].next = next
				}
				h.elements[e] = hashElement{next: h.freeHead}
				h.freeHead = e
				h.used--
				removed++
			} else {
				prev = e
			}
			e = next
		}
	}
	return removed
}

// Len returns the number of live entries.
func (h *hashIndex) Len() int { return h.used }
