//go:build linux

package backend

import (
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-vscsi"
	"github.com/ehrlich-b/go-vscsi/internal/constants"
	"github.com/ehrlich-b/go-vscsi/internal/logging"
	"github.com/ehrlich-b/go-vscsi/internal/queue"
)

const (
	// wakeTag marks the NOP that stops the reaper
	wakeTag = ^uint64(0)

	// IORING_FSYNC_DATASYNC
	fsyncDatasync = 1 << 0

	// submitAttempts bounds retries of io_uring_enter on transient errors
	submitAttempts = 16
)

// UringConfig configures a Uring backend
type UringConfig struct {
	// Entries is the submission queue size and the limit on requests in
	// flight. It is rounded up to a power of two by the kernel.
	Entries uint32

	// Logger for backend events (if nil, uses the default logger)
	Logger *vscsi.Logger
}

// uringOp is one I/O request owned by the kernel
type uringOp struct {
	io     vscsi.IoReq
	iovecs []unix.Iovec
	pinner runtime.Pinner
	want   int32
}

// Uring is a vscsi.Backend that submits transfers on a File to io_uring
// and completes I/O requests from a reaper goroutine. Unmap runs on a
// goroutine with fallocate.
type Uring struct {
	file   *File
	ring   *giouring.Ring
	logger *vscsi.Logger
	max    int

	// mu serializes the submission queue and guards inflight
	mu       sync.Mutex
	inflight map[uint64]*uringOp
	nextID   uint64
	closed   bool

	pending sync.WaitGroup // ops and unmaps not yet completed
	reaped  chan struct{}

	closeOnce sync.Once
	closeErr  error

	submitted atomic.Uint64
	completed atomic.Uint64
}

// NewUring creates a ring for file. The backend owns file and closes it
// on Close.
func NewUring(file *File, config UringConfig) (*Uring, error) {
	if config.Entries == 0 {
		config.Entries = constants.DefaultRingEntries
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}

	ring, err := giouring.CreateRing(config.Entries)
	if err != nil {
		return nil, vscsi.WrapError("NEW_URING", fmt.Errorf("create ring: %w", err))
	}

	u := &Uring{
		file:     file,
		ring:     ring,
		logger:   logger,
		max:      int(config.Entries),
		inflight: make(map[uint64]*uringOp),
		reaped:   make(chan struct{}),
	}
	go u.reap()

	logger.Debug("io_uring backend ready", "path", file.Path(), "entries", config.Entries)
	return u, nil
}

// EnqueueIoReq implements vscsi.Backend
func (u *Uring) EnqueueIoReq(io vscsi.IoReq) error {
	switch dir := io.TxDirection(); dir {
	case vscsi.DirRead, vscsi.DirWrite:
		params, err := io.TransferParams()
		if err != nil {
			return err
		}
		if err := checkRange(u.file.Size(), params.Offset, params.Length); err != nil {
			return err
		}
		return u.submit(io, params, dir == vscsi.DirWrite)

	case vscsi.DirFlush:
		return u.submit(io, vscsi.TransferParams{}, false)

	case vscsi.DirUnmap:
		ranges, err := io.UnmapRanges()
		if err != nil {
			return err
		}
		for _, r := range ranges {
			if err := checkRange(u.file.Size(), r.Offset, r.Length); err != nil {
				return err
			}
		}
		return u.unmap(io, ranges)

	default:
		return vscsi.NewError("URING_ENQUEUE", vscsi.ErrCodeInvalidHandle,
			fmt.Sprintf("I/O request %#x is not live", io.Handle()))
	}
}

// submit queues a readv, writev or fdatasync. A zero params means flush.
func (u *Uring) submit(io vscsi.IoReq, params vscsi.TransferParams, write bool) error {
	if params.Length > math.MaxInt32 {
		return vscsi.NewError("URING_ENQUEUE", vscsi.ErrCodeInvalidParameters,
			fmt.Sprintf("transfer of %d bytes exceeds the ring limit", params.Length))
	}
	op := &uringOp{io: io, want: int32(params.Length)}
	flush := io.TxDirection() == vscsi.DirFlush

	if !flush && params.Length > 0 {
		segs, err := queue.Clip(params.Segments, int64(params.Length))
		if err != nil {
			return vscsi.NewError("URING_ENQUEUE", vscsi.ErrCodeInvalidParameters, err.Error())
		}
		op.iovecs = make([]unix.Iovec, len(segs))
		for i, seg := range segs {
			op.pinner.Pin(&seg[0])
			op.iovecs[i].Base = &seg[0]
			op.iovecs[i].SetLen(len(seg))
		}
		op.pinner.Pin(&op.iovecs[0])
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		op.pinner.Unpin()
		return vscsi.NewError("URING_ENQUEUE", vscsi.ErrCodeClosed, "ring closed")
	}
	if len(u.inflight) >= u.max {
		op.pinner.Unpin()
		return vscsi.NewError("URING_ENQUEUE", vscsi.ErrCodeDeviceBusy, "ring full")
	}
	sqe := u.ring.GetSQE()
	if sqe == nil {
		op.pinner.Unpin()
		return vscsi.NewError("URING_ENQUEUE", vscsi.ErrCodeDeviceBusy, "no free submission queue entry")
	}

	switch {
	case flush:
		sqe.PrepareFsync(u.file.Fd(), fsyncDatasync)
	case len(op.iovecs) == 0:
		sqe.PrepareNop()
	case write:
		sqe.PrepareWritev(u.file.Fd(), uintptr(unsafe.Pointer(&op.iovecs[0])), uint32(len(op.iovecs)), params.Offset)
	default:
		sqe.PrepareReadv(u.file.Fd(), uintptr(unsafe.Pointer(&op.iovecs[0])), uint32(len(op.iovecs)), params.Offset)
	}

	u.nextID++
	id := u.nextID
	sqe.UserData = id
	u.inflight[id] = op
	u.pending.Add(1)

	if err := u.flush(); err != nil {
		// The SQE stays queued and goes out with the next submit or with
		// Close, so the request is still owned by the ring
		u.logger.Warn("io_uring submit failed", "error", err)
	}
	u.submitted.Add(1)
	return nil
}

// flush submits queued SQEs. Callers hold mu.
func (u *Uring) flush() error {
	return retrySubmit(func() error {
		_, err := u.ring.Submit()
		return err
	})
}

// retrySubmit calls submit until it succeeds, fails with a non-transient
// error or runs out of attempts
func retrySubmit(submit func() error) error {
	var err error
	for i := 0; i < submitAttempts; i++ {
		if err = submit(); err == nil {
			return nil
		}
		if !errors.Is(err, unix.EINTR) && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EBUSY) {
			return err
		}
		runtime.Gosched()
	}
	return err
}

func (u *Uring) unmap(io vscsi.IoReq, ranges []vscsi.Range) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return vscsi.NewError("URING_ENQUEUE", vscsi.ErrCodeClosed, "ring closed")
	}
	u.pending.Add(1)
	u.mu.Unlock()

	u.submitted.Add(1)
	go func() {
		defer u.pending.Done()
		var err error
		for _, r := range ranges {
			if err = u.file.Discard(int64(r.Offset), int64(r.Length)); err != nil {
				break
			}
		}
		u.complete(io, err)
	}()
	return nil
}

// reap completes I/O requests as their CQEs arrive until the wake NOP
func (u *Uring) reap() {
	defer close(u.reaped)
	for {
		cqe, err := u.ring.WaitCQE()
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ETIME) {
				continue
			}
			u.logger.Error("io_uring wait failed", "error", err)
			u.failAll(err)
			return
		}
		userData, res := cqe.UserData, cqe.Res
		u.ring.CQESeen(cqe)

		if userData == wakeTag {
			return
		}

		u.mu.Lock()
		op := u.inflight[userData]
		delete(u.inflight, userData)
		u.mu.Unlock()
		if op == nil {
			u.logger.Warn("completion for unknown request", "user_data", userData)
			continue
		}

		op.pinner.Unpin()
		u.complete(op.io, resultOf(op, res))
		u.pending.Done()
	}
}

func resultOf(op *uringOp, res int32) error {
	switch {
	case res < 0:
		return unix.Errno(-res)
	case op.want > 0 && res < op.want:
		return io.ErrUnexpectedEOF
	default:
		return nil
	}
}

// failAll completes every request the ring still holds
func (u *Uring) failAll(err error) {
	u.mu.Lock()
	u.closed = true
	ops := u.inflight
	u.inflight = make(map[uint64]*uringOp)
	u.mu.Unlock()

	for _, op := range ops {
		op.pinner.Unpin()
		u.complete(op.io, err)
		u.pending.Done()
	}
}

func (u *Uring) complete(io vscsi.IoReq, err error) {
	u.completed.Add(1)
	if cerr := io.Complete(err, RedoPossible(err)); cerr != nil {
		u.logger.Error("completing I/O request failed", "ioreq", io.Handle(), "error", cerr)
	}
}

// Inflight returns the number of requests owned by the kernel
func (u *Uring) Inflight() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.inflight)
}

// Stats returns ring counters merged with the file statistics
func (u *Uring) Stats() map[string]interface{} {
	stats := u.file.Stats()
	stats["type"] = "uring"
	stats["entries"] = u.max
	stats["submitted"] = u.submitted.Load()
	stats["completed"] = u.completed.Load()
	stats["inflight"] = u.Inflight()
	return stats
}

// Close waits for every accepted request to complete, then tears down
// the ring and closes the file
func (u *Uring) Close() error {
	u.closeOnce.Do(func() {
		u.mu.Lock()
		u.closed = true
		// SQEs left behind by a failed submit must reach the kernel
		// before waiting on their completions
		if err := u.flush(); err != nil {
			u.logger.Error("io_uring submit on close failed", "error", err)
		}
		u.mu.Unlock()

		u.pending.Wait()

		select {
		case <-u.reaped:
		default:
			u.mu.Lock()
			if sqe := u.ring.GetSQE(); sqe != nil {
				sqe.PrepareNop()
				sqe.UserData = wakeTag
				_, _ = u.ring.Submit()
			}
			u.mu.Unlock()
			<-u.reaped
		}

		u.ring.QueueExit()
		u.closeErr = u.file.Close()
	})
	return u.closeErr
}

var _ vscsi.Backend = (*Uring)(nil)
