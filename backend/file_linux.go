//go:build linux

package backend

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-vscsi"
)

// FileOptions configures OpenFile
type FileOptions struct {
	// Size grows the file to this many bytes if it is smaller. Zero keeps
	// the current size.
	Size int64

	ReadOnly bool

	// Create creates the file if it does not exist
	Create bool
}

// File is storage on a host file or block device, accessed with positioned
// system calls so that any number of workers can share the descriptor.
type File struct {
	fd       int
	path     string
	size     int64
	readOnly bool

	noPunch atomic.Bool // hole punching failed with EOPNOTSUPP
	closed  atomic.Bool
}

// OpenFile opens path as storage
func OpenFile(path string, opts FileOptions) (*File, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.ReadOnly {
		flags = unix.O_RDONLY | unix.O_CLOEXEC
	}
	if opts.Create {
		flags |= unix.O_CREAT
	}

	fd, err := unix.Open(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("backend: stat %s: %w", path, err)
	}
	size := st.Size
	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		if size, err = blockDeviceSize(fd); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("backend: size of %s: %w", path, err)
		}
	}

	if opts.Size > size {
		if opts.ReadOnly {
			unix.Close(fd)
			return nil, fmt.Errorf("backend: %s is %d bytes, cannot grow read-only file to %d", path, size, opts.Size)
		}
		if err := unix.Ftruncate(fd, opts.Size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("backend: truncate %s: %w", path, err)
		}
		size = opts.Size
	}

	return &File{fd: fd, path: path, size: size, readOnly: opts.ReadOnly}, nil
}

func blockDeviceSize(fd int) (int64, error) {
	size, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
	if err != nil {
		return 0, err
	}
	return int64(size), nil
}

// Fd returns the file descriptor
func (f *File) Fd() int {
	return f.fd
}

// Path returns the path the file was opened with
func (f *File) Path() string {
	return f.path
}

// ReadAt implements the Storage interface. A read past the end of the file
// is short and returns io.EOF.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for len(p) > 0 {
		m, err := unix.Pread(f.fd, p, off)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.EOF
		}
		n += m
		p = p[m:]
		off += int64(m)
	}
	return n, nil
}

// WriteAt implements the Storage interface
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, unix.EROFS
	}
	n := 0
	for len(p) > 0 {
		m, err := unix.Pwrite(f.fd, p, off)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.ErrShortWrite
		}
		n += m
		p = p[m:]
		off += int64(m)
	}
	return n, nil
}

// ReadVAt implements the VectorStorage interface with preadv
func (f *File) ReadVAt(segs [][]byte, off int64) (int, error) {
	n := 0
	for len(segs) > 0 {
		m, err := unix.Preadv(f.fd, segs, off)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.EOF
		}
		n += m
		off += int64(m)
		segs = advance(segs, m)
	}
	return n, nil
}

// WriteVAt implements the VectorStorage interface with pwritev
func (f *File) WriteVAt(segs [][]byte, off int64) (int, error) {
	if f.readOnly {
		return 0, unix.EROFS
	}
	n := 0
	for len(segs) > 0 {
		m, err := unix.Pwritev(f.fd, segs, off)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.ErrShortWrite
		}
		n += m
		off += int64(m)
		segs = advance(segs, m)
	}
	return n, nil
}

// advance drops the first n bytes of segs
func advance(segs [][]byte, n int) [][]byte {
	for len(segs) > 0 && n >= len(segs[0]) {
		n -= len(segs[0])
		segs = segs[1:]
	}
	if len(segs) > 0 && n > 0 {
		rest := make([][]byte, len(segs))
		copy(rest, segs)
		rest[0] = rest[0][n:]
		segs = rest
	}
	return segs
}

// Size implements the Storage interface
func (f *File) Size() int64 {
	return f.size
}

// Flush implements the Storage interface with fdatasync
func (f *File) Flush() error {
	return unix.Fdatasync(f.fd)
}

// Sync implements the SyncStorage interface
func (f *File) Sync() error {
	return unix.Fsync(f.fd)
}

// SyncRange implements the SyncStorage interface
func (f *File) SyncRange(offset, length int64) error {
	err := unix.SyncFileRange(f.fd, offset, length,
		unix.SYNC_FILE_RANGE_WAIT_BEFORE|unix.SYNC_FILE_RANGE_WRITE|unix.SYNC_FILE_RANGE_WAIT_AFTER)
	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.ESPIPE) {
		return f.Flush()
	}
	return err
}

// Discard implements the DiscardStorage interface. It punches a hole and
// falls back to writing zeros where the filesystem cannot.
func (f *File) Discard(offset, length int64) error {
	if f.readOnly {
		return unix.EROFS
	}
	if length <= 0 {
		return nil
	}
	if !f.noPunch.Load() {
		err := unix.Fallocate(f.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EOPNOTSUPP) {
			return err
		}
		f.noPunch.Store(true)
	}
	return f.writeZeros(offset, length)
}

var zeroBlock [64 * 1024]byte

func (f *File) writeZeros(offset, length int64) error {
	for length > 0 {
		chunk := int64(len(zeroBlock))
		if length < chunk {
			chunk = length
		}
		if _, err := f.WriteAt(zeroBlock[:chunk], offset); err != nil {
			return err
		}
		offset += chunk
		length -= chunk
	}
	return nil
}

// Close implements the Storage interface
func (f *File) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(f.fd)
}

// Stats implements the StatStorage interface
func (f *File) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":       "file",
		"path":       f.path,
		"size":       f.size,
		"read_only":  f.readOnly,
		"punch_hole": !f.noPunch.Load(),
	}
}

var (
	_ vscsi.Storage        = (*File)(nil)
	_ vscsi.DiscardStorage = (*File)(nil)
	_ vscsi.SyncStorage    = (*File)(nil)
	_ vscsi.StatStorage    = (*File)(nil)
	_ vscsi.VectorStorage  = (*File)(nil)
)
