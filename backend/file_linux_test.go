//go:build linux

package backend

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-vscsi"
	"github.com/ehrlich-b/go-vscsi/internal/logging"
	"github.com/ehrlich-b/go-vscsi/internal/scsi"
)

func newTestFile(t *testing.T, size int64) *File {
	t.Helper()
	f, err := OpenFile(filepath.Join(t.TempDir(), "disk.img"), FileOptions{Size: size, Create: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFileOpen(t *testing.T) {
	f := newTestFile(t, 1<<20)
	assert.Equal(t, int64(1<<20), f.Size())
	assert.Positive(t, f.Fd())

	st, err := os.Stat(f.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), st.Size())

	stats := f.Stats()
	assert.Equal(t, "file", stats["type"])
	assert.Equal(t, false, stats["read_only"])
}

func TestFileOpenMissing(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing.img"), FileOptions{})
	assert.ErrorIs(t, err, unix.ENOENT)
}

func TestFileReadWrite(t *testing.T) {
	f := newTestFile(t, 64*1024)

	data := bytes.Repeat([]byte("0123456789abcdef"), 64)
	n, err := f.WriteAt(data, 4096)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	got := make([]byte, len(data))
	n, err = f.ReadAt(got, 4096)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)

	// Past the end
	n, err = f.ReadAt(make([]byte, 100), 64*1024-50)
	assert.Equal(t, 50, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileVectored(t *testing.T) {
	f := newTestFile(t, 64*1024)

	segs := [][]byte{
		bytes.Repeat([]byte{1}, 100),
		{},
		bytes.Repeat([]byte{2}, 412),
		bytes.Repeat([]byte{3}, 512),
	}
	n, err := f.WriteVAt(segs, 8192)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)

	out := [][]byte{make([]byte, 512), make([]byte, 512)}
	n, err = f.ReadVAt(out, 8192)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.Equal(t, append(bytes.Repeat([]byte{1}, 100), bytes.Repeat([]byte{2}, 412)...), out[0])
	assert.Equal(t, bytes.Repeat([]byte{3}, 512), out[1])
}

func TestAdvance(t *testing.T) {
	segs := [][]byte{[]byte("abc"), []byte("defg"), []byte("h")}

	assert.Equal(t, segs, advance(segs, 0))
	assert.Equal(t, [][]byte{[]byte("defg"), []byte("h")}, advance(segs, 3))
	assert.Equal(t, [][]byte{[]byte("fg"), []byte("h")}, advance(segs, 5))
	assert.Empty(t, advance(segs, 8))
	assert.Equal(t, []byte("abc"), segs[0], "input list is not modified")
}

func TestFileDiscard(t *testing.T) {
	f := newTestFile(t, 256*1024)

	data := bytes.Repeat([]byte{0xEE}, 128*1024)
	_, err := f.WriteAt(data, 0)
	require.NoError(t, err)

	require.NoError(t, f.Discard(4096, 64*1024))
	require.NoError(t, f.Discard(0, 0))

	got := make([]byte, 128*1024)
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data[:4096], got[:4096])
	assert.Equal(t, make([]byte, 64*1024), got[4096:4096+64*1024])
	assert.Equal(t, data[4096+64*1024:], got[4096+64*1024:])
	assert.Equal(t, int64(256*1024), f.Size())

	// Both paths leave zeros behind
	f.noPunch.Store(true)
	_, err = f.WriteAt(data[:8192], 0)
	require.NoError(t, err)
	require.NoError(t, f.Discard(0, 8192))
	_, err = f.ReadAt(got[:8192], 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8192), got[:8192])
}

func TestFileSync(t *testing.T) {
	f := newTestFile(t, 64*1024)
	_, err := f.WriteAt([]byte("sync"), 0)
	require.NoError(t, err)

	assert.NoError(t, f.Flush())
	assert.NoError(t, f.Sync())
	assert.NoError(t, f.SyncRange(0, 4096))
}

func TestFileReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))

	f, err := OpenFile(path, FileOptions{ReadOnly: true})
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("x"), 0)
	assert.ErrorIs(t, err, unix.EROFS)
	assert.ErrorIs(t, f.Discard(0, 512), unix.EROFS)

	_, err = OpenFile(path, FileOptions{ReadOnly: true, Size: 8192})
	assert.Error(t, err)
}

func TestFileClose(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "c.img"), FileOptions{Size: 4096, Create: true})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}

func TestAsyncFileEngine(t *testing.T) {
	f := newTestFile(t, 1<<20)
	a, err := NewAsync(f, AsyncConfig{Workers: 2, Logger: logging.Nop()})
	require.NoError(t, err)
	e := newEngine(t, a)

	payload := bytes.Repeat([]byte{0x42}, 4096)
	w := vscsi.NewRequest(1, payload[:2048], payload[2048:])
	require.NoError(t, e.lun.EnqueueTransfer(w, vscsi.DirWrite, 0, 4096))
	assert.Equal(t, scsi.StatusGood, e.wait(t).Status)

	require.NoError(t, e.lun.EnqueueFlush(vscsi.NewRequest(2)))
	assert.Equal(t, scsi.StatusGood, e.wait(t).Status)

	r := vscsi.NewRequest(3, make([]byte, 1000), make([]byte, 3096))
	require.NoError(t, e.lun.EnqueueTransfer(r, vscsi.DirRead, 0, 4096))
	assert.Equal(t, scsi.StatusGood, e.wait(t).Status)
	assert.Equal(t, payload[:1000], r.Segments[0])
	assert.Equal(t, payload[1000:], r.Segments[1])

	require.NoError(t, a.Close())
}
