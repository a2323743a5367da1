package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-vscsi"
	"github.com/ehrlich-b/go-vscsi/internal/constants"
	"github.com/ehrlich-b/go-vscsi/internal/logging"
	"github.com/ehrlich-b/go-vscsi/internal/queue"
)

// AsyncConfig configures an Async backend
type AsyncConfig struct {
	// Name prefixes the worker log lines
	Name string

	// Workers is the number of goroutines running storage operations
	Workers int

	// QueueDepth is the number of accepted requests that may wait for a
	// worker. Enqueues beyond it are rejected with ErrCodeDeviceBusy.
	QueueDepth int

	// Logger for backend events (if nil, uses the default logger)
	Logger *vscsi.Logger
}

// DefaultAsyncConfig returns the default async backend configuration
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		Name:       "async",
		Workers:    constants.DefaultWorkers,
		QueueDepth: constants.DefaultQueueDepth,
	}
}

// Async is a vscsi.Backend that runs the transfers of a synchronous
// Storage on a pool of worker goroutines and completes each I/O request
// from the worker that ran it.
type Async struct {
	storage vscsi.Storage
	runner  *queue.Runner
	logger  *vscsi.Logger
}

// NewAsync starts workers for storage. The backend owns storage and
// closes it on Close.
func NewAsync(storage vscsi.Storage, config AsyncConfig) (*Async, error) {
	defaults := DefaultAsyncConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.Workers == 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueDepth == 0 {
		config.QueueDepth = defaults.QueueDepth
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}

	runner, err := queue.NewRunner(context.Background(), queue.Config{
		Name:    config.Name,
		Workers: config.Workers,
		Depth:   config.QueueDepth,
		Storage: storage,
		Logger:  logger,
	})
	if err != nil {
		return nil, vscsi.WrapError("NEW_ASYNC", err)
	}
	if err := runner.Start(); err != nil {
		return nil, vscsi.WrapError("NEW_ASYNC", err)
	}

	return &Async{
		storage: storage,
		runner:  runner,
		logger:  logger,
	}, nil
}

// EnqueueIoReq implements vscsi.Backend. It never blocks: when every queue
// slot is taken the request is rejected.
func (a *Async) EnqueueIoReq(io vscsi.IoReq) error {
	req, err := a.prepare(io)
	if err != nil {
		return err
	}
	req.Done = func(err error) { a.complete(io, err) }

	switch err := a.runner.Submit(req); {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrQueueFull):
		e := vscsi.NewError("ASYNC_ENQUEUE", vscsi.ErrCodeDeviceBusy, "worker queue full")
		e.Inner = err
		return e
	case errors.Is(err, queue.ErrStopped):
		e := vscsi.NewError("ASYNC_ENQUEUE", vscsi.ErrCodeClosed, "backend closed")
		e.Inner = err
		return e
	default:
		return vscsi.WrapError("ASYNC_ENQUEUE", err)
	}
}

// prepare translates io into a storage request without a Done callback
func (a *Async) prepare(io vscsi.IoReq) (*queue.Request, error) {
	switch dir := io.TxDirection(); dir {
	case vscsi.DirRead, vscsi.DirWrite:
		params, err := io.TransferParams()
		if err != nil {
			return nil, err
		}
		if err := checkRange(a.storage.Size(), params.Offset, params.Length); err != nil {
			return nil, err
		}
		op := queue.OpRead
		if dir == vscsi.DirWrite {
			op = queue.OpWrite
		}
		return &queue.Request{
			Op:       op,
			Offset:   int64(params.Offset),
			Length:   int64(params.Length),
			Segments: params.Segments,
			Tag:      io.Handle(),
		}, nil

	case vscsi.DirFlush:
		return &queue.Request{Op: queue.OpFlush, Tag: io.Handle()}, nil

	case vscsi.DirUnmap:
		if _, ok := a.storage.(vscsi.DiscardStorage); !ok {
			return nil, vscsi.NewError("ASYNC_ENQUEUE", vscsi.ErrCodeNotSupported, "storage cannot discard")
		}
		ranges, err := io.UnmapRanges()
		if err != nil {
			return nil, err
		}
		extents := make([]queue.Extent, 0, len(ranges))
		for _, r := range ranges {
			if err := checkRange(a.storage.Size(), r.Offset, r.Length); err != nil {
				return nil, err
			}
			extents = append(extents, queue.Extent{Offset: int64(r.Offset), Length: int64(r.Length)})
		}
		return &queue.Request{Op: queue.OpDiscard, Extents: extents, Tag: io.Handle()}, nil

	default:
		return nil, vscsi.NewError("ASYNC_ENQUEUE", vscsi.ErrCodeInvalidHandle, fmt.Sprintf("I/O request %#x is not live", io.Handle()))
	}
}

func (a *Async) complete(io vscsi.IoReq, err error) {
	if cerr := io.Complete(err, RedoPossible(err)); cerr != nil {
		a.logger.Error("completing I/O request failed", "ioreq", io.Handle(), "error", cerr)
	}
}

// checkRange rejects byte ranges outside a store of the given size
func checkRange(size int64, offset, length uint64) error {
	if offset > uint64(size) || length > uint64(size)-offset {
		return vscsi.NewError("ASYNC_ENQUEUE", vscsi.ErrCodeInvalidParameters,
			fmt.Sprintf("range [%d, +%d) beyond end of %d byte storage", offset, length, size))
	}
	return nil
}

// Storage returns the wrapped storage
func (a *Async) Storage() vscsi.Storage {
	return a.storage
}

// Stats returns worker queue counters merged with the storage statistics
func (a *Async) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	if ss, ok := a.storage.(vscsi.StatStorage); ok {
		for k, v := range ss.Stats() {
			stats[k] = v
		}
	}
	rs := a.runner.Stats()
	stats["submitted"] = rs.Submitted
	stats["completed"] = rs.Completed
	stats["failed"] = rs.Failed
	stats["queued"] = rs.Queued
	return stats
}

// Close stops the workers and closes the storage. Requests still queued
// complete with redo possible.
func (a *Async) Close() error {
	if err := a.runner.Stop(); err != nil {
		return err
	}
	return a.storage.Close()
}

var _ vscsi.Backend = (*Async)(nil)
