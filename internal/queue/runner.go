// Package queue runs synchronous storage operations on a pool of worker
// goroutines so that a backend can accept I/O requests without blocking
// the submitter.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-vscsi/internal/constants"
	"github.com/ehrlich-b/go-vscsi/internal/interfaces"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken
	ErrQueueFull = errors.New("queue: submission queue full")

	// ErrStopped is returned by Submit after Stop, and passed to Done for
	// requests still queued when the runner stopped
	ErrStopped = errors.New("queue: runner stopped")

	// ErrNotSupported is passed to Done when the storage lacks the
	// optional interface an operation needs
	ErrNotSupported = errors.New("queue: operation not supported by storage")
)

// Op is the storage operation of a queued request
type Op uint8

const (
	OpRead Op = iota + 1
	OpWrite
	OpFlush
	OpDiscard
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpFlush:
		return "FLUSH"
	case OpDiscard:
		return "DISCARD"
	default:
		return fmt.Sprintf("OP_%d", uint8(op))
	}
}

// Extent is a byte range of the store
type Extent struct {
	Offset int64
	Length int64
}

// Request is one storage operation. Done is called exactly once, from a
// worker goroutine or from Stop, unless Submit returns an error.
type Request struct {
	Op       Op
	Offset   int64
	Length   int64
	Segments [][]byte // OpRead and OpWrite
	Extents  []Extent // OpDiscard
	Tag      uint64   // Identifies the request in logs
	Done     func(err error)
}

// WorkerState represents what a worker goroutine is doing
type WorkerState int32

const (
	WorkerIdle    WorkerState = iota // Waiting for a request
	WorkerBusy                       // Running a storage operation
	WorkerStopped                    // Exited
)

type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type Config struct {
	Name    string // Used as log prefix
	Workers int
	Depth   int // Requests that may wait for a worker
	Storage interfaces.Storage
	Logger  Logger
}

// RunnerStats is a snapshot of runner counters
type RunnerStats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Queued    int
}

// Runner feeds queued requests to a fixed set of workers
type Runner struct {
	name    string
	storage interfaces.Storage
	reqs    chan *Request
	ctx     context.Context
	cancel  context.CancelFunc
	logger  Logger
	states  []atomic.Int32
	wg      sync.WaitGroup

	// mu guards started and stopped; Submit holds it shared while sending
	mu      sync.RWMutex
	started bool
	stopped bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// NewRunner creates a runner. Workers start with Start.
func NewRunner(ctx context.Context, config Config) (*Runner, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("queue: nil storage")
	}
	if config.Workers < 0 || config.Depth < 0 {
		return nil, fmt.Errorf("queue: invalid workers=%d depth=%d", config.Workers, config.Depth)
	}
	if config.Workers == 0 {
		config.Workers = constants.DefaultWorkers
	}
	if config.Depth == 0 {
		config.Depth = constants.DefaultQueueDepth
	}
	if config.Name == "" {
		config.Name = "queue"
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Runner{
		name:    config.Name,
		storage: config.Storage,
		reqs:    make(chan *Request, config.Depth),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
		states:  make([]atomic.Int32, config.Workers),
	}

	if r.logger != nil {
		r.logger.Debugf("%s: created runner with %d workers, depth %d", r.name, config.Workers, config.Depth)
	}
	return r, nil
}

// Start launches the workers
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return fmt.Errorf("queue: %s already started", r.name)
	}
	r.started = true

	for i := range r.states {
		r.wg.Add(1)
		go r.worker(i)
	}

	if r.logger != nil {
		r.logger.Printf("%s: started %d workers", r.name, len(r.states))
	}
	return nil
}

// Submit queues req without blocking
func (r *Runner) Submit(req *Request) error {
	if req.Done == nil {
		return fmt.Errorf("queue: request without Done callback")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		return ErrStopped
	}

	select {
	case r.reqs <- req:
		r.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop stops the workers, waits for running operations and fails every
// request still queued with ErrStopped. It is safe to call more than once.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	drained := 0
	for {
		select {
		case req := <-r.reqs:
			drained++
			r.finish(req, ErrStopped)
		default:
			if r.logger != nil {
				r.logger.Printf("%s: stopped, %d queued requests failed", r.name, drained)
			}
			return nil
		}
	}
}

// Close stops the runner. The storage is left open.
func (r *Runner) Close() error {
	return r.Stop()
}

// States returns the current state of every worker
func (r *Runner) States() []WorkerState {
	states := make([]WorkerState, len(r.states))
	for i := range r.states {
		states[i] = WorkerState(r.states[i].Load())
	}
	return states
}

// Stats returns a snapshot of the runner counters
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		Submitted: r.submitted.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Queued:    len(r.reqs),
	}
}

func (r *Runner) worker(id int) {
	defer r.wg.Done()
	defer r.states[id].Store(int32(WorkerStopped))

	for {
		// Stop wins over queued work
		if r.ctx.Err() != nil {
			if r.logger != nil {
				r.logger.Debugf("%s: worker %d stopping", r.name, id)
			}
			return
		}
		select {
		case <-r.ctx.Done():
			if r.logger != nil {
				r.logger.Debugf("%s: worker %d stopping", r.name, id)
			}
			return
		case req := <-r.reqs:
			r.states[id].Store(int32(WorkerBusy))
			err := r.handleIORequest(id, req)
			r.finish(req, err)
			r.states[id].Store(int32(WorkerIdle))
		}
	}
}

func (r *Runner) finish(req *Request, err error) {
	r.completed.Add(1)
	if err != nil {
		r.failed.Add(1)
		if r.logger != nil && !errors.Is(err, ErrStopped) {
			r.logger.Printf("%s: %s tag %d failed: %v", r.name, req.Op, req.Tag, err)
		}
	}
	req.Done(err)
}

// handleIORequest runs a single request against the storage
func (r *Runner) handleIORequest(worker int, req *Request) error {
	if r.logger != nil {
		if req.Length < 1024 {
			r.logger.Debugf("[%s:W%02d] %s %dB @ %d tag %d", r.name, worker, req.Op, req.Length, req.Offset, req.Tag)
		} else {
			r.logger.Debugf("[%s:W%02d] %s %dKB @ %d tag %d", r.name, worker, req.Op, req.Length/1024, req.Offset, req.Tag)
		}
	}

	switch req.Op {
	case OpRead:
		return r.read(req)
	case OpWrite:
		return r.write(req)
	case OpFlush:
		return r.storage.Flush()
	case OpDiscard:
		ds, ok := r.storage.(interfaces.DiscardStorage)
		if !ok {
			return ErrNotSupported
		}
		for _, ext := range req.Extents {
			if err := ds.Discard(ext.Offset, ext.Length); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported operation: %s", req.Op)
	}
}

func (r *Runner) read(req *Request) error {
	segs, err := Clip(req.Segments, req.Length)
	if err != nil {
		return err
	}

	var n int
	switch {
	case len(segs) == 0:
		return nil
	case len(segs) == 1:
		n, err = r.storage.ReadAt(segs[0], req.Offset)
	default:
		if vs, ok := r.storage.(interfaces.VectorStorage); ok {
			n, err = vs.ReadVAt(segs, req.Offset)
			break
		}
		buf := GetBuffer(int(req.Length))
		n, err = r.storage.ReadAt(buf, req.Offset)
		Scatter(segs, buf[:n])
		PutBuffer(buf)
	}
	return shortTransfer(n, req.Length, err)
}

func (r *Runner) write(req *Request) error {
	segs, err := Clip(req.Segments, req.Length)
	if err != nil {
		return err
	}

	var n int
	switch {
	case len(segs) == 0:
		return nil
	case len(segs) == 1:
		n, err = r.storage.WriteAt(segs[0], req.Offset)
	default:
		if vs, ok := r.storage.(interfaces.VectorStorage); ok {
			n, err = vs.WriteVAt(segs, req.Offset)
			break
		}
		buf := Gather(segs, int(req.Length))
		n, err = r.storage.WriteAt(buf, req.Offset)
		PutBuffer(buf)
	}
	return shortTransfer(n, req.Length, err)
}

// shortTransfer turns a partial transfer into io.ErrUnexpectedEOF
func shortTransfer(n int, want int64, err error) error {
	if int64(n) >= want {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Clip returns the leading segments covering exactly length bytes, the
// last one truncated as needed. It fails when the segments hold less.
func Clip(segs [][]byte, length int64) ([][]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("queue: negative length %d", length)
	}
	out := make([][]byte, 0, len(segs))
	remaining := length
	for _, seg := range segs {
		if remaining == 0 {
			break
		}
		if int64(len(seg)) > remaining {
			seg = seg[:remaining]
		}
		if len(seg) == 0 {
			continue
		}
		out = append(out, seg)
		remaining -= int64(len(seg))
	}
	if remaining > 0 {
		return nil, fmt.Errorf("queue: scatter/gather list holds %d bytes, transfer needs %d", length-remaining, length)
	}
	return out, nil
}
