// Package backend provides storage implementations and the asynchronous
// backends that drive them for vscsi logical units.
package backend

import (
	"errors"
	"io"
	"sync"

	"github.com/ehrlich-b/go-vscsi"
)

// shardSize is the size of each memory shard (64KB).
// Provides good parallelism for 4K random I/O while keeping lock overhead reasonable.
const shardSize = 64 * 1024

var errBeyondEnd = errors.New("backend: write beyond end of storage")

// Memory provides RAM-based storage. Locking is sharded so that workers
// touching different 64KB regions proceed in parallel.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory creates memory storage of the specified size
func NewMemory(size int64) *Memory {
	numShards := (size + shardSize - 1) / shardSize
	if numShards == 0 {
		numShards = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	if length <= 0 {
		length = 1
	}
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) rlock(off, length int64) func() {
	start, end := m.shardRange(off, length)
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	return func() {
		for i := start; i <= end; i++ {
			m.shards[i].RUnlock()
		}
	}
}

func (m *Memory) lock(off, length int64) func() {
	start, end := m.shardRange(off, length)
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	return func() {
		for i := start; i <= end; i++ {
			m.shards[i].Unlock()
		}
	}
}

// ReadAt implements the Storage interface. Reads past the end are short
// and return io.EOF.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("backend: negative offset")
	}
	if off >= m.size {
		return 0, io.EOF
	}

	want := len(p)
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}

	unlock := m.rlock(off, int64(len(p)))
	n := copy(p, m.data[off:off+int64(len(p))])
	unlock()

	if n < want {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the Storage interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= m.size {
		return 0, errBeyondEnd
	}

	want := len(p)
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
	}

	unlock := m.lock(off, int64(len(p)))
	n := copy(m.data[off:off+int64(len(p))], p)
	unlock()

	if n < want {
		return n, errBeyondEnd
	}
	return n, nil
}

// ReadVAt implements the VectorStorage interface. The whole list is read
// under one lock so a concurrent write is seen entirely or not at all.
func (m *Memory) ReadVAt(segs [][]byte, off int64) (int, error) {
	total := segmentsLen(segs)
	if off < 0 || off >= m.size {
		return 0, io.EOF
	}

	unlock := m.rlock(off, total)
	defer unlock()

	n := 0
	for _, seg := range segs {
		pos := off + int64(n)
		if pos >= m.size {
			break
		}
		n += copy(seg, m.data[pos:])
	}
	if int64(n) < total {
		return n, io.EOF
	}
	return n, nil
}

// WriteVAt implements the VectorStorage interface
func (m *Memory) WriteVAt(segs [][]byte, off int64) (int, error) {
	total := segmentsLen(segs)
	if off < 0 || off+total > m.size {
		return 0, errBeyondEnd
	}

	unlock := m.lock(off, total)
	defer unlock()

	n := 0
	for _, seg := range segs {
		n += copy(m.data[off+int64(n):], seg)
	}
	return n, nil
}

// Size implements the Storage interface
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements the Storage interface
func (m *Memory) Close() error {
	unlock := m.lock(0, m.size)
	defer unlock()

	// Clear the data to help with GC
	m.data = nil
	m.size = 0
	return nil
}

// Flush implements the Storage interface
func (m *Memory) Flush() error {
	// Memory storage doesn't need flushing
	return nil
}

// Discard implements the DiscardStorage interface
func (m *Memory) Discard(offset, length int64) error {
	if offset < 0 || offset >= m.size || length <= 0 {
		return nil
	}

	end := offset + length
	if end > m.size {
		end = m.size
	}

	unlock := m.lock(offset, end-offset)
	clear(m.data[offset:end])
	unlock()
	return nil
}

// Sync implements the SyncStorage interface
func (m *Memory) Sync() error {
	return nil
}

// SyncRange implements the SyncStorage interface
func (m *Memory) SyncRange(offset, length int64) error {
	return nil
}

// Stats implements the StatStorage interface
func (m *Memory) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"allocated": len(m.data),
		"shards":    len(m.shards),
	}
}

func segmentsLen(segs [][]byte) int64 {
	var n int64
	for _, seg := range segs {
		n += int64(len(seg))
	}
	return n
}

// Compile-time interface checks
var (
	_ vscsi.Storage        = (*Memory)(nil)
	_ vscsi.DiscardStorage = (*Memory)(nil)
	_ vscsi.SyncStorage    = (*Memory)(nil)
	_ vscsi.StatStorage    = (*Memory)(nil)
	_ vscsi.VectorStorage  = (*Memory)(nil)
)
