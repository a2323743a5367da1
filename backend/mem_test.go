package backend

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemory(t *testing.T) {
	mem := NewMemory(1024)

	assert.Equal(t, int64(1024), mem.Size())
	assert.Len(t, mem.data, 1024)
	assert.Len(t, mem.shards, 1)

	assert.Len(t, NewMemory(3*shardSize+1).shards, 4)
	assert.Len(t, NewMemory(0).shards, 1)
}

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	testData := []byte("Hello, vscsi!")
	n, err := mem.WriteAt(testData, 0)
	require.NoError(t, err)
	assert.Equal(t, len(testData), n)

	readBuf := make([]byte, len(testData))
	n, err = mem.ReadAt(readBuf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(testData), n)
	assert.Equal(t, testData, readBuf)
}

func TestMemoryBoundaryConditions(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	// Read crossing the end is short
	buf := make([]byte, 50)
	n, err := mem.ReadAt(buf, 80)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 20, n)

	n, err = mem.ReadAt(buf, 100)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)

	// Write crossing the end is short and fails
	n, err = mem.WriteAt([]byte("test"), 98)
	assert.Error(t, err)
	assert.Equal(t, 2, n)

	_, err = mem.WriteAt([]byte("test"), 101)
	assert.Error(t, err)

	_, err = mem.ReadAt(buf, -1)
	assert.Error(t, err)
}

func TestMemoryCrossShard(t *testing.T) {
	mem := NewMemory(4 * shardSize)
	defer mem.Close()

	data := make([]byte, shardSize+100)
	for i := range data {
		data[i] = byte(i % 251)
	}
	_, err := mem.WriteAt(data, shardSize-50)
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = mem.ReadAt(got, shardSize-50)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestMemoryVector(t *testing.T) {
	mem := NewMemory(4096)
	defer mem.Close()

	n, err := mem.WriteVAt([][]byte{[]byte("abc"), []byte("defg")}, 10)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	segs := [][]byte{make([]byte, 2), make([]byte, 5)}
	n, err = mem.ReadVAt(segs, 10)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "ab", string(segs[0]))
	assert.Equal(t, "cdefg", string(segs[1]))

	// Vectored writes are all or nothing at the end of the store
	_, err = mem.WriteVAt([][]byte{make([]byte, 8)}, 4090)
	assert.Error(t, err)

	n, err = mem.ReadVAt([][]byte{make([]byte, 4), make([]byte, 4)}, 4092)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 4, n)
}

func TestMemoryDiscard(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	testData := []byte("Hello, World!")
	_, err := mem.WriteAt(testData, 0)
	require.NoError(t, err)

	require.NoError(t, mem.Discard(0, 5))
	require.NoError(t, mem.Discard(90, 50), "discard past the end is clipped")
	require.NoError(t, mem.Discard(200, 5))

	readBuf := make([]byte, len(testData))
	_, err = mem.ReadAt(readBuf, 0)
	require.NoError(t, err)

	assert.Equal(t, make([]byte, 5), readBuf[:5])
	assert.Equal(t, testData[5:], readBuf[5:])
}

func TestMemoryConcurrentAccess(t *testing.T) {
	mem := NewMemory(16 * shardSize)
	defer mem.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			buf := make([]byte, 4096)
			for i := range buf {
				buf[i] = byte(w)
			}
			off := int64(w) * 2 * shardSize
			for i := 0; i < 50; i++ {
				_, _ = mem.WriteAt(buf, off)
				_, _ = mem.ReadAt(make([]byte, 4096), off)
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < 8; w++ {
		got := make([]byte, 1)
		_, err := mem.ReadAt(got, int64(w)*2*shardSize+4095)
		require.NoError(t, err)
		assert.Equal(t, byte(w), got[0])
	}
}

func TestMemoryStats(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	stats := mem.Stats()
	assert.Equal(t, "memory", stats["type"])
	assert.Equal(t, int64(1024), stats["size"])
	assert.Equal(t, 1024, stats["allocated"])
}

func BenchmarkMemoryRead(b *testing.B) {
	mem := NewMemory(1024 * 1024) // 1MB
	defer mem.Close()

	buf := make([]byte, 4096) // 4KB reads

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1024*1024 - 4096)
		mem.ReadAt(buf, offset)
	}
}

func BenchmarkMemoryWrite(b *testing.B) {
	mem := NewMemory(1024 * 1024) // 1MB
	defer mem.Close()

	buf := make([]byte, 4096) // 4KB writes
	for i := range buf {
		buf[i] = byte(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1024*1024 - 4096)
		mem.WriteAt(buf, offset)
	}
}
