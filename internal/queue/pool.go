package queue

import "sync"

// BufferPool hands out bounce buffers for transfers whose scatter/gather
// list cannot be passed to the store as is: gathered writes, scattered
// reads and the payload of remote frames. Sizes are bucketed by powers of
// four from 4KB to 1MB. Larger transfers are allocated directly.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.

// Buffer size thresholds
const (
	size4k   = 4 * 1024
	size16k  = 16 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
	size1m   = 1024 * 1024
)

var bucketSizes = [...]int{size4k, size16k, size64k, size256k, size1m}

// globalPool is the shared buffer pool for all runners and connections.
var globalPool [len(bucketSizes)]sync.Pool

func init() {
	for i, size := range bucketSizes {
		size := size
		globalPool[i].New = func() any { b := make([]byte, size); return &b }
	}
}

func bucketFor(size int) int {
	for i, bs := range bucketSizes {
		if size <= bs {
			return i
		}
	}
	return -1
}

// GetBuffer returns a buffer of exactly size bytes, pooled when size is at
// most 1MB. Caller must call PutBuffer when done. The contents are not
// cleared.
func GetBuffer(size int) []byte {
	i := bucketFor(size)
	if i < 0 {
		return make([]byte, size)
	}
	return (*globalPool[i].Get().(*[]byte))[:size]
}

// PutBuffer returns a buffer to the pool.
// The buffer's capacity determines which pool it goes to.
func PutBuffer(buf []byte) {
	c := cap(buf)
	i := bucketFor(c)
	// Buffers with non-standard capacity are not returned to pool
	if i < 0 || bucketSizes[i] != c {
		return
	}
	buf = buf[:c]
	globalPool[i].Put(&buf)
}

// Gather copies segs into one pooled buffer of total bytes. Segments past
// total are ignored.
func Gather(segs [][]byte, total int) []byte {
	buf := GetBuffer(total)
	off := 0
	for _, seg := range segs {
		if off >= total {
			break
		}
		off += copy(buf[off:], seg)
	}
	return buf
}

// Scatter copies buf into segs in order and returns the bytes copied
func Scatter(segs [][]byte, buf []byte) int {
	off := 0
	for _, seg := range segs {
		if off >= len(buf) {
			break
		}
		off += copy(seg, buf[off:])
	}
	return off
}
