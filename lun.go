package vscsi

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-vscsi/internal/arena"
)

// LUN is a logical unit attached to a Device. It owns the backend that
// performs its transfers and counts the I/O requests that backend holds.
type LUN struct {
	id      uint32
	dev     *Device
	backend Backend
	logger  *Logger

	// outstanding is the number of I/O requests owned by the backend
	outstanding atomic.Uint32

	// state is held shared from the detached check through the outstanding
	// increment, and exclusively by DetachLUN
	state    sync.RWMutex
	detached bool
}

// ID returns the logical unit number
func (l *LUN) ID() uint32 {
	return l.id
}

// Backend returns the backend performing this unit's transfers
func (l *LUN) Backend() Backend {
	return l.backend
}

// Device returns the device the unit is attached to
func (l *LUN) Device() *Device {
	return l.dev
}

// OutstandingCount returns the number of I/O requests currently owned by
// the backend. The value may be stale as soon as it is returned.
func (l *LUN) OutstandingCount() uint32 {
	return l.outstanding.Load()
}

// EnqueueFlush hands a flush request for req to the backend.
func (l *LUN) EnqueueFlush(req *Request) error {
	return l.enqueue("ENQUEUE_FLUSH", ioReq{req: req, dir: DirFlush})
}

// EnqueueTransfer hands a read or write of length bytes at offset to the
// backend. The request's scatter/gather segments are referenced, not
// copied. dir must be DirRead or DirWrite; anything else panics.
func (l *LUN) EnqueueTransfer(req *Request, dir Direction, offset, length uint64) error {
	if dir != DirRead && dir != DirWrite {
		panic(fmt.Sprintf("vscsi: EnqueueTransfer with direction %s", dir))
	}
	var segments [][]byte
	if req != nil {
		segments = req.Segments
	}
	return l.enqueue("ENQUEUE_TRANSFER", ioReq{
		req:      req,
		dir:      dir,
		offset:   offset,
		length:   length,
		segments: segments,
	})
}

// EnqueueUnmap hands an unmap of the given ranges to the backend. The
// ranges are copied.
func (l *LUN) EnqueueUnmap(req *Request, ranges []Range) error {
	if len(ranges) == 0 {
		return NewLUNError("ENQUEUE_UNMAP", l.id, ErrCodeInvalidParameters, "no ranges to unmap")
	}
	return l.enqueue("ENQUEUE_UNMAP", ioReq{
		req:    req,
		dir:    DirUnmap,
		ranges: append([]Range(nil), ranges...),
	})
}

func (l *LUN) enqueue(op string, v ioReq) error {
	d := l.dev
	if v.req == nil {
		return NewLUNError(op, l.id, ErrCodeInvalidParameters, "nil SCSI request")
	}
	v.lun = l
	v.enqueued = time.Now()

	l.state.RLock()
	if l.detached {
		l.state.RUnlock()
		return NewLUNError(op, l.id, ErrCodeLUNNotFound, "LUN detached")
	}
	h, err := d.reqs.Alloc(v)
	if err != nil {
		l.state.RUnlock()
		d.observer.ObserveEnqueueFailure()
		l.logger.Warn("no free I/O request slots", "op", op, "capacity", d.reqs.Cap())
		return NewLUNError(op, l.id, ErrCodeOutOfMemory, fmt.Sprintf("all %d I/O request slots in use", d.reqs.Cap()))
	}
	g := l.reserve(h)
	l.state.RUnlock()
	defer g.release()

	io := IoReq{dev: d, h: h}
	if l.logger.Enabled(LogLevelDebug) {
		l.logger.WithRequest(io.Handle(), v.dir.String()).IOStart(v.dir.String(), v.offset, v.bytes())
	}

	if err := l.backend.EnqueueIoReq(io); err != nil {
		l.logger.Warn("backend rejected I/O request", "op", op, "dir", v.dir.String(), "error", err)
		return wrapBackendError(op, l.id, err)
	}

	depth := g.commit()
	d.observer.ObserveOutstanding(depth)
	return nil
}

// accountingGuard holds the optimistic outstanding increment of one
// enqueue. Unless committed, release undoes it and frees the slot.
type accountingGuard struct {
	lun  *LUN
	h    arena.Handle
	done bool
}

func (l *LUN) reserve(h arena.Handle) *accountingGuard {
	l.outstanding.Add(1)
	return &accountingGuard{lun: l, h: h}
}

// commit leaves the increment in place; the completion path undoes it.
func (g *accountingGuard) commit() uint32 {
	g.done = true
	return g.lun.outstanding.Load()
}

func (g *accountingGuard) release() {
	if g.done {
		return
	}
	g.done = true
	d := g.lun.dev
	d.observer.ObserveEnqueueFailure()
	// A backend that completed inline before failing already released the
	// slot and its count.
	if _, err := d.reqs.Free(g.h); err != nil {
		g.lun.logger.Error("backend completed a request it rejected", "ioreq", uint64(g.h))
		return
	}
	g.lun.outstanding.Add(^uint32(0))
}
