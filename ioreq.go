package vscsi

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/go-vscsi/internal/arena"
)

// Direction is the transfer direction of an I/O request
type Direction int

const (
	DirInvalid Direction = iota
	DirRead
	DirWrite
	DirFlush
	DirUnmap
)

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "READ"
	case DirWrite:
		return "WRITE"
	case DirFlush:
		return "FLUSH"
	case DirUnmap:
		return "UNMAP"
	case DirInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("DIR_%d", int(d))
	}
}

// Range is a byte range released by an unmap request
type Range struct {
	Offset uint64
	Length uint64
}

// TransferParams describes the byte range and data buffers of a read or
// write request. Segments is a view of the SCSI request's scatter/gather
// list and is only valid until the request completes.
type TransferParams struct {
	Offset       uint64
	Length       uint64
	SegmentCount int
	SegmentBytes uint64 // Bytes covered by Segments
	Segments     [][]byte
}

// ioReq is the slot value behind an IoReq handle
type ioReq struct {
	lun       *LUN
	req       *Request
	dir       Direction
	offset    uint64
	length    uint64
	segments  [][]byte
	ranges    []Range
	enqueued  time.Time
	cancelled bool
}

func (r *ioReq) bytes() uint64 {
	switch r.dir {
	case DirUnmap:
		var n uint64
		for _, rg := range r.ranges {
			n += rg.Length
		}
		return n
	case DirFlush:
		return 0
	default:
		return r.length
	}
}

// IoReq is the handle of one in-flight I/O request. The backend receives
// it from EnqueueIoReq and owns it until it calls Complete; afterwards
// every method reports the handle as invalid. The zero IoReq is invalid.
type IoReq struct {
	dev *Device
	h   arena.Handle
}

// Handle returns the raw handle value, for logging and wire protocols
func (io IoReq) Handle() uint64 {
	return uint64(io.h)
}

// Valid reports whether the request is still live
func (io IoReq) Valid() bool {
	if io.dev == nil {
		return false
	}
	_, err := io.dev.reqs.Get(io.h)
	return err == nil
}

// TxDirection returns the transfer direction, DirInvalid for a dead handle
func (io IoReq) TxDirection() Direction {
	if io.dev == nil {
		return DirInvalid
	}
	return io.dev.TxDirection(io)
}

// TransferParams returns the byte range and segments of a read or write
func (io IoReq) TransferParams() (TransferParams, error) {
	if io.dev == nil {
		return TransferParams{}, invalidHandle("TRANSFER_PARAMS", io)
	}
	return io.dev.TransferParams(io)
}

// UnmapRanges returns the ranges of an unmap request
func (io IoReq) UnmapRanges() ([]Range, error) {
	if io.dev == nil {
		return nil, invalidHandle("UNMAP_RANGES", io)
	}
	return io.dev.UnmapRanges(io)
}

// LUN returns the logical unit the request was enqueued on
func (io IoReq) LUN() *LUN {
	if io.dev == nil {
		return nil
	}
	v, err := io.dev.reqs.Get(io.h)
	if err != nil {
		return nil
	}
	return v.lun
}

// Request returns the SCSI request the I/O request belongs to
func (io IoReq) Request() *Request {
	if io.dev == nil {
		return nil
	}
	v, err := io.dev.reqs.Get(io.h)
	if err != nil {
		return nil
	}
	return v.req
}

// Complete reports the backend result, see Device.Complete
func (io IoReq) Complete(result error, redoPossible bool) error {
	if io.dev == nil {
		return invalidHandle("COMPLETE", io)
	}
	return io.dev.Complete(io, result, redoPossible)
}

func invalidHandle(op string, io IoReq) *Error {
	return NewError(op, ErrCodeInvalidHandle, fmt.Sprintf("I/O request %#x is not live", uint64(io.h)))
}
