package backend

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-vscsi"
	"github.com/ehrlich-b/go-vscsi/internal/logging"
	"github.com/ehrlich-b/go-vscsi/internal/scsi"
)

// engine bundles a device with one LUN for backend tests
type engine struct {
	dev      *vscsi.Device
	lun      *vscsi.LUN
	notifier *vscsi.RecordingNotifier
}

func newEngine(t *testing.T, backend vscsi.Backend) *engine {
	t.Helper()
	notifier := vscsi.NewRecordingNotifier(1024)
	dev, err := vscsi.NewDevice(vscsi.DeviceParams{Name: "bt", MaxIoReqs: 256, Notifier: notifier},
		&vscsi.Options{Logger: logging.Nop()})
	require.NoError(t, err)
	lun, err := dev.AttachLUN(0, backend)
	require.NoError(t, err)
	return &engine{dev: dev, lun: lun, notifier: notifier}
}

// wait returns the next completion
func (e *engine) wait(t *testing.T) vscsi.Completion {
	t.Helper()
	select {
	case c := <-e.notifier.C():
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return vscsi.Completion{}
	}
}

func newTestAsync(t *testing.T, storage vscsi.Storage, config AsyncConfig) *Async {
	t.Helper()
	config.Logger = logging.Nop()
	a, err := NewAsync(storage, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAsyncReadWrite(t *testing.T) {
	mem := NewMemory(1 << 20)
	e := newEngine(t, newTestAsync(t, mem, AsyncConfig{Workers: 2}))

	payload := bytes.Repeat([]byte("vscsi"), 200)[:1000]
	w := vscsi.NewRequest(1, payload[:300], payload[300:])
	require.NoError(t, e.lun.EnqueueTransfer(w, vscsi.DirWrite, 8192, 1000))
	c := e.wait(t)
	assert.Equal(t, scsi.StatusGood, c.Status)

	r := vscsi.NewRequest(2, make([]byte, 512), make([]byte, 488))
	require.NoError(t, e.lun.EnqueueTransfer(r, vscsi.DirRead, 8192, 1000))
	c = e.wait(t)
	assert.Equal(t, scsi.StatusGood, c.Status)
	assert.Same(t, r, c.Request)
	assert.Equal(t, payload, append(append([]byte(nil), r.Segments[0]...), r.Segments[1]...))

	require.NoError(t, e.lun.EnqueueFlush(vscsi.NewRequest(3)))
	assert.Equal(t, scsi.StatusGood, e.wait(t).Status)

	require.NoError(t, e.lun.EnqueueUnmap(vscsi.NewRequest(4), []vscsi.Range{{Offset: 8192, Length: 512}}))
	assert.Equal(t, scsi.StatusGood, e.wait(t).Status)

	got := make([]byte, 1000)
	_, err := mem.ReadAt(got, 8192)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), got[:512])
	assert.Equal(t, payload[512:], got[512:])

	assert.Zero(t, e.lun.OutstandingCount())
}

func TestAsyncRejectsOutOfRange(t *testing.T) {
	e := newEngine(t, newTestAsync(t, NewMemory(4096), AsyncConfig{}))

	err := e.lun.EnqueueTransfer(vscsi.NewRequest(1, make([]byte, 512)), vscsi.DirRead, 4096, 512)
	assert.ErrorIs(t, err, vscsi.ErrInvalidParameters)

	err = e.lun.EnqueueUnmap(vscsi.NewRequest(2), []vscsi.Range{{Offset: 0, Length: 8192}})
	assert.ErrorIs(t, err, vscsi.ErrInvalidParameters)

	assert.Zero(t, e.lun.OutstandingCount())
}

func TestAsyncUnmapNotSupported(t *testing.T) {
	mem := NewMemory(4096)
	e := newEngine(t, newTestAsync(t, storageOnly{mem}, AsyncConfig{}))

	err := e.lun.EnqueueUnmap(vscsi.NewRequest(1), []vscsi.Range{{Offset: 0, Length: 512}})
	assert.ErrorIs(t, err, vscsi.ErrNotSupported)
	assert.Zero(t, e.lun.OutstandingCount())
}

func TestAsyncStorageError(t *testing.T) {
	e := newEngine(t, newTestAsync(t, &failingStorage{Memory: NewMemory(4096)}, AsyncConfig{Workers: 1}))

	req := vscsi.NewRequest(1, make([]byte, 512))
	require.NoError(t, e.lun.EnqueueTransfer(req, vscsi.DirWrite, 0, 512))

	c := e.wait(t)
	assert.Equal(t, scsi.StatusCheckCondition, c.Status)
	assert.True(t, c.RedoPossible, "ENOSPC is retryable")

	require.NoError(t, e.lun.EnqueueTransfer(vscsi.NewRequest(2, make([]byte, 512)), vscsi.DirRead, 0, 512))
	c = e.wait(t)
	assert.Equal(t, scsi.StatusCheckCondition, c.Status)
	assert.False(t, c.RedoPossible)
	sd, ok := c.Request.Sense()
	require.True(t, ok)
	assert.Equal(t, uint8(scsi.ASCReadError), sd.ASC)
}

func TestAsyncQueueFull(t *testing.T) {
	gate := make(chan struct{})
	storage := &blockingStorage{Memory: NewMemory(4096), gate: gate}
	a := newTestAsync(t, storage, AsyncConfig{Workers: 1, QueueDepth: 1})
	e := newEngine(t, a)

	// One request runs (blocked), one waits, the third is rejected
	require.NoError(t, e.lun.EnqueueFlush(vscsi.NewRequest(1)))
	require.Eventually(t, func() bool { return storage.entered() }, 5*time.Second, time.Millisecond)
	require.NoError(t, e.lun.EnqueueFlush(vscsi.NewRequest(2)))

	err := e.lun.EnqueueFlush(vscsi.NewRequest(3))
	assert.ErrorIs(t, err, vscsi.ErrDeviceBusy)
	assert.Equal(t, uint32(2), e.lun.OutstandingCount())

	close(gate)
	e.wait(t)
	e.wait(t)
	assert.Zero(t, e.lun.OutstandingCount())
}

func TestAsyncCloseFailsQueued(t *testing.T) {
	gate := make(chan struct{})
	storage := &blockingStorage{Memory: NewMemory(4096), gate: gate}
	a, err := NewAsync(storage, AsyncConfig{Workers: 1, QueueDepth: 4, Logger: logging.Nop()})
	require.NoError(t, err)
	e := newEngine(t, a)

	require.NoError(t, e.lun.EnqueueFlush(vscsi.NewRequest(1)))
	require.Eventually(t, func() bool { return storage.entered() }, 5*time.Second, time.Millisecond)
	require.NoError(t, e.lun.EnqueueFlush(vscsi.NewRequest(2)))

	closed := make(chan error, 1)
	go func() { closed <- a.Close() }()
	time.Sleep(10 * time.Millisecond)
	close(gate)
	require.NoError(t, <-closed)

	results := map[uint64]vscsi.Completion{}
	for i := 0; i < 2; i++ {
		c := e.wait(t)
		results[c.Request.Tag] = c
	}
	assert.Equal(t, scsi.StatusGood, results[1].Status)
	assert.True(t, results[2].RedoPossible, "queued request fails with redo possible")
	assert.Zero(t, e.lun.OutstandingCount())

	err = e.lun.EnqueueFlush(vscsi.NewRequest(3))
	assert.ErrorIs(t, err, vscsi.ErrClosed)
}

func TestAsyncConcurrent(t *testing.T) {
	mem := NewMemory(1 << 20)
	a := newTestAsync(t, mem, AsyncConfig{Workers: 4, QueueDepth: 512})

	var done sync.WaitGroup
	notifier := vscsi.NotifierFunc(func(_ *vscsi.LUN, _ *vscsi.Request, status vscsi.Status, _ bool, _ error) {
		assert.Equal(t, scsi.StatusGood, status)
		done.Done()
	})
	dev, err := vscsi.NewDevice(vscsi.DeviceParams{MaxIoReqs: 512, Notifier: notifier}, &vscsi.Options{Logger: logging.Nop()})
	require.NoError(t, err)
	lun, err := dev.AttachLUN(0, a)
	require.NoError(t, err)

	const perIssuer = 50
	var g errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perIssuer; i++ {
				block := uint64(w*perIssuer + i)
				buf := bytes.Repeat([]byte{byte(block)}, 512)
				done.Add(1)
				if err := lun.EnqueueTransfer(vscsi.NewRequest(block, buf), vscsi.DirWrite, block*512, 512); err != nil {
					done.Done()
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	done.Wait()

	for block := 0; block < 4*perIssuer; block++ {
		got := make([]byte, 512)
		_, err := mem.ReadAt(got, int64(block)*512)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(block)}, 512), got)
	}

	stats := a.Stats()
	assert.Equal(t, uint64(4*perIssuer), stats["completed"])
	assert.Equal(t, "memory", stats["type"])
}

// storageOnly hides every optional interface of the wrapped storage
type storageOnly struct {
	s vscsi.Storage
}

func (s storageOnly) ReadAt(p []byte, off int64) (int, error)  { return s.s.ReadAt(p, off) }
func (s storageOnly) WriteAt(p []byte, off int64) (int, error) { return s.s.WriteAt(p, off) }
func (s storageOnly) Size() int64                              { return s.s.Size() }
func (s storageOnly) Close() error                             { return s.s.Close() }
func (s storageOnly) Flush() error                             { return s.s.Flush() }

var (
	errNoSpace = fmt.Errorf("write: %w", unix.ENOSPC)
	errMedia   = fmt.Errorf("read: %w", unix.EIO)
)

// failingStorage fails writes with ENOSPC and reads with EIO
type failingStorage struct {
	*Memory
}

func (f *failingStorage) WriteAt([]byte, int64) (int, error) { return 0, errNoSpace }
func (f *failingStorage) ReadAt([]byte, int64) (int, error)  { return 0, errMedia }

// blockingStorage holds Flush until gate is closed
type blockingStorage struct {
	*Memory
	gate chan struct{}
	mu   sync.Mutex
	in   bool
}

func (b *blockingStorage) Flush() error {
	b.mu.Lock()
	b.in = true
	b.mu.Unlock()
	<-b.gate
	return nil
}

func (b *blockingStorage) entered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.in
}
