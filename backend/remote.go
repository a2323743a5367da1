package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/vsock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-vscsi"
	"github.com/ehrlich-b/go-vscsi/internal/constants"
	"github.com/ehrlich-b/go-vscsi/internal/logging"
	"github.com/ehrlich-b/go-vscsi/internal/queue"
)

// ErrDisconnected is the completion result of requests that were in flight
// when the connection to the storage server was lost
var ErrDisconnected = errors.New("backend: storage server disconnected")

// RemoteConfig configures a Remote backend
type RemoteConfig struct {
	// Network is "vsock" or "tcp"
	Network string

	// Addr is the host:port of a tcp server
	Addr string

	// CID and Port address a vsock server. CID 2 is the host.
	CID  uint32
	Port uint32

	// MaxInflight bounds requests sent but not yet answered
	MaxInflight int

	DialTimeout time.Duration

	// Logger for backend events (if nil, uses the default logger)
	Logger *vscsi.Logger
}

// DefaultRemoteConfig returns a configuration dialing the host over vsock
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Network:     "vsock",
		CID:         vsock.Host,
		Port:        constants.DefaultVsockPort,
		MaxInflight: constants.DefaultQueueDepth,
		DialTimeout: constants.RemoteDialTimeout,
	}
}

func (c *RemoteConfig) applyDefaults() {
	defaults := DefaultRemoteConfig()
	if c.Network == "" {
		c.Network = defaults.Network
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = defaults.MaxInflight
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.DialTimeout
	}
}

// remoteOp is one I/O request travelling to the server
type remoteOp struct {
	io      vscsi.IoReq
	hdr     requestHeader
	segs    [][]byte
	extents []queue.Extent
}

// Remote is a vscsi.Backend that forwards I/O requests to a storage
// Server over a stream connection. Requests are pipelined; responses may
// arrive in any order.
type Remote struct {
	conn   net.Conn
	bw     *bufio.Writer
	br     *bufio.Reader
	logger *vscsi.Logger
	max    int

	send   chan *remoteOp
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	inflight map[uint64]*remoteOp
	nextID   uint64
	closed   bool
	err      error

	sent      atomic.Uint64
	completed atomic.Uint64
}

// DialRemote connects to a storage server and starts the backend
func DialRemote(ctx context.Context, config RemoteConfig) (*Remote, error) {
	config.applyDefaults()

	var (
		conn net.Conn
		err  error
	)
	switch config.Network {
	case "vsock":
		conn, err = dialVsock(ctx, config)
	case "tcp":
		d := net.Dialer{Timeout: config.DialTimeout}
		conn, err = d.DialContext(ctx, "tcp", config.Addr)
	default:
		return nil, vscsi.NewError("DIAL_REMOTE", vscsi.ErrCodeInvalidParameters,
			fmt.Sprintf("unknown network %q", config.Network))
	}
	if err != nil {
		return nil, vscsi.WrapError("DIAL_REMOTE", err)
	}
	return NewRemote(conn, config), nil
}

// dialVsock bounds vsock.Dial, which takes no deadline, by ctx and the
// dial timeout
func dialVsock(ctx context.Context, config RemoteConfig) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := vsock.Dial(config.CID, config.Port, nil)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// NewRemote starts a backend on an established connection. The backend
// owns conn and closes it on Close.
func NewRemote(conn net.Conn, config RemoteConfig) *Remote {
	config.applyDefaults()
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Remote{
		conn:     conn,
		bw:       bufio.NewWriterSize(conn, 64*1024),
		br:       bufio.NewReaderSize(conn, 64*1024),
		logger:   logger,
		max:      config.MaxInflight,
		send:     make(chan *remoteOp, config.MaxInflight),
		cancel:   cancel,
		done:     make(chan struct{}),
		inflight: make(map[uint64]*remoteOp),
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { conn.Close() })
	g.Go(func() error { return r.sender(gctx) })
	g.Go(r.receiver)

	go func() {
		err := g.Wait()
		stop()
		conn.Close()
		r.shutdown(err)
		close(r.done)
	}()

	logger.Debug("remote backend connected", "remote", conn.RemoteAddr().String(), "max_inflight", r.max)
	return r
}

// EnqueueIoReq implements vscsi.Backend. It never blocks: when MaxInflight
// requests are outstanding the request is rejected.
func (r *Remote) EnqueueIoReq(io vscsi.IoReq) error {
	op, err := r.prepare(io)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		e := vscsi.NewError("REMOTE_ENQUEUE", vscsi.ErrCodeClosed, "connection closed")
		e.Inner = r.err
		return e
	}
	if len(r.inflight) >= r.max {
		return vscsi.NewError("REMOTE_ENQUEUE", vscsi.ErrCodeDeviceBusy,
			fmt.Sprintf("%d requests in flight", len(r.inflight)))
	}

	r.nextID++
	op.hdr.ID = r.nextID
	r.inflight[op.hdr.ID] = op

	// Queued ops are a subset of inflight, so the channel has room
	r.send <- op
	return nil
}

func (r *Remote) prepare(io vscsi.IoReq) (*remoteOp, error) {
	op := &remoteOp{io: io}

	switch dir := io.TxDirection(); dir {
	case vscsi.DirRead, vscsi.DirWrite:
		params, err := io.TransferParams()
		if err != nil {
			return nil, err
		}
		if params.Length > constants.DefaultMaxTransferSize {
			return nil, vscsi.NewError("REMOTE_ENQUEUE", vscsi.ErrCodeInvalidParameters,
				fmt.Sprintf("transfer of %d bytes exceeds %d", params.Length, constants.DefaultMaxTransferSize))
		}
		segs, err := queue.Clip(params.Segments, int64(params.Length))
		if err != nil {
			return nil, vscsi.NewError("REMOTE_ENQUEUE", vscsi.ErrCodeInvalidParameters, err.Error())
		}
		op.segs = segs
		op.hdr = requestHeader{Op: queue.OpRead, Offset: params.Offset, Length: uint32(params.Length)}
		if dir == vscsi.DirWrite {
			op.hdr.Op = queue.OpWrite
		}

	case vscsi.DirFlush:
		op.hdr = requestHeader{Op: queue.OpFlush}

	case vscsi.DirUnmap:
		ranges, err := io.UnmapRanges()
		if err != nil {
			return nil, err
		}
		if len(ranges) > maxExtents {
			return nil, vscsi.NewError("REMOTE_ENQUEUE", vscsi.ErrCodeInvalidParameters,
				fmt.Sprintf("%d unmap ranges exceed %d", len(ranges), maxExtents))
		}
		op.extents = make([]queue.Extent, len(ranges))
		for i, rg := range ranges {
			op.extents[i] = queue.Extent{Offset: int64(rg.Offset), Length: int64(rg.Length)}
		}
		op.hdr = requestHeader{Op: queue.OpDiscard, Count: uint32(len(ranges))}

	default:
		return nil, vscsi.NewError("REMOTE_ENQUEUE", vscsi.ErrCodeInvalidHandle,
			fmt.Sprintf("I/O request %#x is not live", io.Handle()))
	}
	return op, nil
}

func (r *Remote) sender(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-r.send:
			if err := writeRequest(r.bw, op.hdr, op.segs, op.extents); err != nil {
				return fmt.Errorf("%w: %v", ErrDisconnected, err)
			}
			r.sent.Add(1)
			// Batch frames while more are queued
			if len(r.send) > 0 {
				continue
			}
			if err := r.bw.Flush(); err != nil {
				return fmt.Errorf("%w: %v", ErrDisconnected, err)
			}
		}
	}
}

func (r *Remote) receiver() error {
	for {
		h, err := readResponseHeader(r.br)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		r.mu.Lock()
		op := r.inflight[h.ID]
		delete(r.inflight, h.ID)
		r.mu.Unlock()
		if op == nil {
			return fmt.Errorf("backend: response for unknown request %d", h.ID)
		}

		var result error
		switch {
		case h.Status != 0:
			result = fmt.Errorf("remote %s: %w", op.hdr.Op, unix.Errno(h.Status))
		case op.hdr.Op == queue.OpRead:
			if h.Length != op.hdr.Length {
				return fmt.Errorf("backend: read response of %d bytes, want %d", h.Length, op.hdr.Length)
			}
			for _, seg := range op.segs {
				if _, err := io.ReadFull(r.br, seg); err != nil {
					r.finish(op, fmt.Errorf("%w: %v", ErrDisconnected, err))
					return err
				}
			}
		}
		r.finish(op, result)
	}
}

func (r *Remote) finish(op *remoteOp, result error) {
	r.completed.Add(1)
	if err := op.io.Complete(result, RedoPossible(result)); err != nil {
		r.logger.Error("completing I/O request failed", "ioreq", op.io.Handle(), "error", err)
	}
}

// shutdown fails every request still in flight. It runs once both
// connection goroutines have exited.
func (r *Remote) shutdown(err error) {
	r.mu.Lock()
	r.closed = true
	if err == nil {
		err = ErrDisconnected
	}
	r.err = err
	ops := make([]*remoteOp, 0, len(r.inflight))
	for id, op := range r.inflight {
		ops = append(ops, op)
		delete(r.inflight, id)
	}
	r.mu.Unlock()

	if len(ops) > 0 {
		r.logger.Warn("remote connection lost", "error", err, "failed", len(ops))
	}
	result := err
	if !errors.Is(result, ErrDisconnected) {
		result = fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	for _, op := range ops {
		r.finish(op, result)
	}
}

// Done is closed once the connection is gone and every in-flight request
// has been completed
func (r *Remote) Done() <-chan struct{} {
	return r.done
}

// Err returns the reason the connection ended, or nil while it is up
func (r *Remote) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Inflight returns the number of requests awaiting a response
func (r *Remote) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Stats returns connection counters
func (r *Remote) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":      "remote",
		"remote":    r.conn.RemoteAddr().String(),
		"sent":      r.sent.Load(),
		"completed": r.completed.Load(),
		"inflight":  r.Inflight(),
	}
}

// Close drops the connection. Requests still in flight complete with
// ErrDisconnected and redo possible.
func (r *Remote) Close() error {
	r.cancel()
	<-r.done
	return nil
}

var _ vscsi.Backend = (*Remote)(nil)
