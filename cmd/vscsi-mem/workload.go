package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-vscsi"
)

// flushEvery issues a SYNCHRONIZE CACHE after this many transfers per issuer
const flushEvery = 64

// workload issues random transfers against one LUN. It is the device
// notifier and hands each completion back to the issuer waiting for it.
type workload struct {
	lun       *vscsi.LUN
	blockSize int64
	blocks    int64
	waiters   sync.Map // *vscsi.Request -> chan completion

	good   atomic.Uint64
	failed atomic.Uint64
	redo   atomic.Uint64
	busy   atomic.Uint64
}

type completion struct {
	status vscsi.Status
	redo   bool
	err    error
}

type workloadResult struct {
	Good   uint64 `json:"good"`
	Failed uint64 `json:"failed"`
	Redo   uint64 `json:"redo"`
	Busy   uint64 `json:"busy_retries"`
}

func newWorkload(blockSize, size int64) *workload {
	return &workload{blockSize: blockSize, blocks: size / blockSize}
}

// RequestCompleted implements vscsi.Notifier
func (w *workload) RequestCompleted(_ *vscsi.LUN, req *vscsi.Request, status vscsi.Status, redoPossible bool, result error) {
	if ch, ok := w.waiters.Load(req); ok {
		ch.(chan completion) <- completion{status: status, redo: redoPossible, err: result}
	}
}

// run splits requests over concurrency issuers and waits for all of them
func (w *workload) run(ctx context.Context, requests, concurrency int, writeRatio float64) (workloadResult, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		n := requests / concurrency
		if i < requests%concurrency {
			n++
		}
		seed := int64(i) + time.Now().UnixNano()
		g.Go(func() error {
			return w.issue(ctx, n, writeRatio, rand.New(rand.NewSource(seed)))
		})
	}
	err := g.Wait()

	return workloadResult{
		Good:   w.good.Load(),
		Failed: w.failed.Load(),
		Redo:   w.redo.Load(),
		Busy:   w.busy.Load(),
	}, err
}

// issue runs n transfers one at a time, retrying redo-possible failures
func (w *workload) issue(ctx context.Context, n int, writeRatio float64, rng *rand.Rand) error {
	buf := make([]byte, w.blockSize)
	rng.Read(buf)
	// Two segments exercise scatter/gather in every backend
	half := w.blockSize / 2
	req := vscsi.NewRequest(0, buf[:half], buf[half:])
	done := make(chan completion, 1)
	w.waiters.Store(req, done)
	defer w.waiters.Delete(req)

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req.Tag = uint64(i)
		dir := vscsi.DirRead
		if rng.Float64() < writeRatio {
			dir = vscsi.DirWrite
		}
		offset := uint64(rng.Int63n(w.blocks) * w.blockSize)

		if err := w.do(ctx, func() error {
			return w.lun.EnqueueTransfer(req, dir, offset, uint64(w.blockSize))
		}, done); err != nil {
			return err
		}

		if (i+1)%flushEvery == 0 {
			if err := w.do(ctx, func() error { return w.lun.EnqueueFlush(req) }, done); err != nil {
				return err
			}
		}
	}
	return nil
}

// do enqueues until the backend accepts, then waits for the completion.
// Redo-possible failures are issued again.
func (w *workload) do(ctx context.Context, enqueue func() error, done chan completion) error {
	backoff := 50 * time.Microsecond
	for {
		err := enqueue()
		if errors.Is(err, vscsi.ErrDeviceBusy) || errors.Is(err, vscsi.ErrOutOfMemory) {
			w.busy.Add(1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 10*time.Millisecond {
				backoff *= 2
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}

		c := <-done
		switch {
		case c.status == vscsi.StatusGood:
			w.good.Add(1)
			return nil
		case c.redo:
			w.redo.Add(1)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		default:
			w.failed.Add(1)
			return nil
		}
	}
}

var _ vscsi.Notifier = (*workload)(nil)
