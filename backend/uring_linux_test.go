//go:build linux

package backend

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-vscsi"
	"github.com/ehrlich-b/go-vscsi/internal/logging"
	"github.com/ehrlich-b/go-vscsi/internal/scsi"
)

// newTestUring skips when the kernel or sandbox refuses io_uring
func newTestUring(t *testing.T, size int64, entries uint32) (*Uring, *File) {
	t.Helper()
	f := newTestFile(t, size)
	u, err := NewUring(f, UringConfig{Entries: entries, Logger: logging.Nop()})
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() { _ = u.Close() })
	return u, f
}

func TestUringReadWrite(t *testing.T) {
	u, f := newTestUring(t, 1<<20, 16)
	e := newEngine(t, u)

	payload := bytes.Repeat([]byte("uring"), 1000)[:4096]
	w := vscsi.NewRequest(1, payload[:512], payload[512:])
	require.NoError(t, e.lun.EnqueueTransfer(w, vscsi.DirWrite, 8192, 4096))
	assert.Equal(t, scsi.StatusGood, e.wait(t).Status)

	require.NoError(t, e.lun.EnqueueFlush(vscsi.NewRequest(2)))
	assert.Equal(t, scsi.StatusGood, e.wait(t).Status)

	got := make([]byte, 4096)
	_, err := f.ReadAt(got, 8192)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	r := vscsi.NewRequest(3, make([]byte, 4000), make([]byte, 96))
	require.NoError(t, e.lun.EnqueueTransfer(r, vscsi.DirRead, 8192, 4096))
	assert.Equal(t, scsi.StatusGood, e.wait(t).Status)
	assert.Equal(t, payload[:4000], r.Segments[0])
	assert.Equal(t, payload[4000:], r.Segments[1])

	require.NoError(t, e.lun.EnqueueUnmap(vscsi.NewRequest(4), []vscsi.Range{{Offset: 8192, Length: 4096}}))
	assert.Equal(t, scsi.StatusGood, e.wait(t).Status)
	_, err = f.ReadAt(got, 8192)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4096), got)

	assert.Zero(t, e.lun.OutstandingCount())
	assert.Zero(t, u.Inflight())
	stats := u.Stats()
	assert.Equal(t, "uring", stats["type"])
	assert.Equal(t, uint64(4), stats["completed"])
}

func TestUringRejectsOutOfRange(t *testing.T) {
	u, _ := newTestUring(t, 4096, 8)
	e := newEngine(t, u)

	err := e.lun.EnqueueTransfer(vscsi.NewRequest(1, make([]byte, 1024)), vscsi.DirWrite, 3584, 1024)
	assert.ErrorIs(t, err, vscsi.ErrInvalidParameters)
	assert.Zero(t, e.lun.OutstandingCount())
}

func TestUringRejectsHugeTransfer(t *testing.T) {
	// Sparse, so the range check passes and the length limit is what fails
	u, _ := newTestUring(t, 3<<30, 8)
	e := newEngine(t, u)

	err := e.lun.EnqueueTransfer(vscsi.NewRequest(1, make([]byte, 512)), vscsi.DirRead, 0, 1<<31)
	require.ErrorIs(t, err, vscsi.ErrInvalidParameters)
	assert.Contains(t, err.Error(), "ring limit")
	assert.Zero(t, e.lun.OutstandingCount())
	assert.Zero(t, u.Inflight())
}

func TestRetrySubmit(t *testing.T) {
	tests := []struct {
		name  string
		errs  []error
		want  error
		calls int
	}{
		{"ok", nil, nil, 1},
		{"interrupted", []error{unix.EINTR, unix.EBUSY, unix.EAGAIN}, nil, 4},
		{"fatal", []error{unix.EBADF}, unix.EBADF, 1},
		{"always busy", repeatErr(unix.EBUSY, submitAttempts+4), unix.EBUSY, submitAttempts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retrySubmit(func() error {
				calls++
				if calls <= len(tt.errs) {
					return tt.errs[calls-1]
				}
				return nil
			})
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tt.want), "got %v", err)
			}
			assert.Equal(t, tt.calls, calls)
		})
	}
}

func repeatErr(err error, n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	return errs
}

func TestUringManyInflight(t *testing.T) {
	u, _ := newTestUring(t, 1<<20, 32)
	e := newEngine(t, u)

	for i := 0; i < 32; i++ {
		buf := bytes.Repeat([]byte{byte(i)}, 512)
		require.NoError(t, e.lun.EnqueueTransfer(vscsi.NewRequest(uint64(i), buf), vscsi.DirWrite, uint64(i)*512, 512))
	}
	for i := 0; i < 32; i++ {
		assert.Equal(t, scsi.StatusGood, e.wait(t).Status)
	}
	assert.Zero(t, e.lun.OutstandingCount())
}

func TestUringClose(t *testing.T) {
	u, _ := newTestUring(t, 64*1024, 8)
	e := newEngine(t, u)

	require.NoError(t, e.lun.EnqueueFlush(vscsi.NewRequest(1)))
	require.NoError(t, u.Close())
	// Close waits for accepted requests
	assert.Zero(t, e.lun.OutstandingCount())
	assert.Equal(t, scsi.StatusGood, e.wait(t).Status)

	err := e.lun.EnqueueFlush(vscsi.NewRequest(2))
	assert.ErrorIs(t, err, vscsi.ErrClosed)
	require.NoError(t, u.Close())
}
