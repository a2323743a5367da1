package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
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

// ServerConfig configures a storage Server
type ServerConfig struct {
	// Workers and QueueDepth size the worker queue of each connection
	Workers    int
	QueueDepth int

	// Logger for server events (if nil, uses the default logger)
	Logger *vscsi.Logger
}

// Server exports a Storage to Remote backends. Each connection gets its
// own worker queue; all connections share the storage.
type Server struct {
	storage vscsi.Storage
	config  ServerConfig
	logger  *vscsi.Logger

	connIndex atomic.Int64
	active    atomic.Int64
}

// NewServer creates a server for storage. The caller keeps ownership of
// storage.
func NewServer(storage vscsi.Storage, config ServerConfig) *Server {
	if config.Workers <= 0 {
		config.Workers = constants.DefaultWorkers
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = constants.DefaultQueueDepth
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{storage: storage, config: config, logger: logger}
}

// ListenVsock listens for vsock connections on port. A zero cid listens
// on the local context ID.
func ListenVsock(cid, port uint32) (net.Listener, error) {
	if cid == 0 {
		return vsock.Listen(port, nil)
	}
	return vsock.ListenContextID(cid, port, nil)
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// It closes ln and waits for every connection to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("storage server listening", "addr", ln.Addr().String(), "size", s.storage.Size())

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = backoff(tempDelay)
				continue
			}
			cancel()
			_ = g.Wait()
			return err
		}
		tempDelay = 0

		g.Go(func() error {
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger.Warn("connection ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func backoff(delay time.Duration) time.Duration {
	if delay == 0 {
		delay = 5 * time.Millisecond
	} else {
		delay *= 2
	}
	if delay > time.Second {
		delay = time.Second
	}
	time.Sleep(delay)
	return delay
}

// serverResponse is a finished request waiting to be written back
type serverResponse struct {
	hdr     responseHeader
	payload []byte
	buf     []byte // pooled buffer to return after writing
}

// ServeConn serves requests from one connection until the peer hangs up
// or ctx is cancelled. Requests still queued are answered before it
// returns.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	index := s.connIndex.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)
	defer conn.Close()

	name := fmt.Sprintf("conn-%d", index)
	runner, err := queue.NewRunner(ctx, queue.Config{
		Name:    name,
		Workers: s.config.Workers,
		Depth:   s.config.QueueDepth,
		Storage: s.storage,
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}
	if err := runner.Start(); err != nil {
		return err
	}

	s.logger.Debug("connection accepted", "conn", name, "remote", conn.RemoteAddr().String())

	// Workers block here while the writer is behind; the writer never
	// stops before the runner has been stopped.
	responses := make(chan serverResponse, s.config.QueueDepth)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		bw := bufio.NewWriterSize(conn, 64*1024)
		var werr error
		for resp := range responses {
			if werr == nil {
				werr = writeResponse(bw, resp.hdr, resp.payload)
				if werr == nil && len(responses) == 0 {
					werr = bw.Flush()
				}
				if werr != nil {
					conn.Close()
				}
			}
			if resp.buf != nil {
				queue.PutBuffer(resp.buf)
			}
		}
		return werr
	})

	rerr := s.readRequests(conn, runner, responses)
	runner.Stop()
	close(responses)
	werr := g.Wait()

	if rerr == nil || errors.Is(rerr, io.EOF) || errors.Is(rerr, net.ErrClosed) {
		return werr
	}
	return rerr
}

// readRequests decodes request frames and queues them until the
// connection fails
func (s *Server) readRequests(conn net.Conn, runner *queue.Runner, responses chan<- serverResponse) error {
	br := bufio.NewReaderSize(conn, 64*1024)
	for {
		h, err := readRequestHeader(br)
		if err != nil {
			return err
		}

		req := &queue.Request{Op: h.Op, Offset: int64(h.Offset), Length: int64(h.Length), Tag: h.ID}
		var buf []byte

		switch h.Op {
		case queue.OpRead, queue.OpWrite:
			buf = queue.GetBuffer(int(h.Length))
			req.Segments = [][]byte{buf}
			if h.Op == queue.OpWrite {
				if _, err := io.ReadFull(br, buf); err != nil {
					queue.PutBuffer(buf)
					return err
				}
			}
		case queue.OpDiscard:
			if req.Extents, err = readExtents(br, h.Count); err != nil {
				return err
			}
		case queue.OpFlush:
		default:
			responses <- serverResponse{hdr: responseHeader{Status: uint32(unix.EINVAL), ID: h.ID}}
			continue
		}

		if err := s.checkRequest(req); err != nil {
			responses <- serverResponse{hdr: responseHeader{Status: errnoOf(err), ID: h.ID}, buf: buf}
			continue
		}

		id := h.ID
		req.Done = func(err error) {
			resp := serverResponse{hdr: responseHeader{Status: errnoOf(err), ID: id}, buf: buf}
			if err == nil && req.Op == queue.OpRead {
				resp.payload = buf
			}
			responses <- resp
		}
		if err := runner.Submit(req); err != nil {
			responses <- serverResponse{hdr: responseHeader{Status: errnoOf(err), ID: id}, buf: buf}
		}
	}
}

// checkRequest rejects ranges outside the storage
func (s *Server) checkRequest(req *queue.Request) error {
	size := s.storage.Size()
	switch req.Op {
	case queue.OpRead, queue.OpWrite:
		if req.Offset < 0 || req.Offset > size || req.Length > size-req.Offset {
			return unix.EINVAL
		}
	case queue.OpDiscard:
		if _, ok := s.storage.(vscsi.DiscardStorage); !ok {
			return queue.ErrNotSupported
		}
		for _, e := range req.Extents {
			if e.Offset < 0 || e.Length < 0 || e.Offset > size || e.Length > size-e.Offset {
				return unix.EINVAL
			}
		}
	}
	return nil
}

// Active returns the number of connections being served
func (s *Server) Active() int {
	return int(s.active.Load())
}

// errnoOf turns a storage error into the status of a response frame
func errnoOf(err error) uint32 {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	switch {
	case errors.As(err, &errno):
		return uint32(errno)
	case errors.Is(err, queue.ErrStopped), errors.Is(err, queue.ErrQueueFull):
		return uint32(unix.EAGAIN)
	case errors.Is(err, queue.ErrNotSupported):
		return uint32(unix.EOPNOTSUPP)
	default:
		return uint32(unix.EIO)
	}
}
