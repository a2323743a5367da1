// Package vscsi implements the I/O request engine of a virtual SCSI
// device: the lifecycle of read, write, flush and unmap requests from
// enqueue on a logical unit through asynchronous backend completion,
// including per-LUN outstanding accounting and the mapping of backend
// results to SCSI status and sense data.
package vscsi

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ehrlich-b/go-vscsi/internal/arena"
	"github.com/ehrlich-b/go-vscsi/internal/constants"
	"github.com/ehrlich-b/go-vscsi/internal/logging"
	"github.com/ehrlich-b/go-vscsi/internal/scsi"
)

// DeviceParams contains parameters for creating a device
type DeviceParams struct {
	// Name identifies the device in logs
	Name string

	// MaxIoReqs bounds the number of live I/O requests across all LUNs.
	// Enqueues beyond it fail with ErrCodeOutOfMemory.
	MaxIoReqs int

	// Notifier receives every completion (may be nil)
	Notifier Notifier
}

// DefaultParams returns default device parameters
func DefaultParams(notifier Notifier) DeviceParams {
	return DeviceParams{
		Name:      "vscsi0",
		MaxIoReqs: constants.DefaultMaxIoReqs,
		Notifier:  notifier,
	}
}

// Options contains additional options for device creation
type Options struct {
	// Logger for engine events (if nil, uses the default logger)
	Logger *Logger

	// Observer for metrics collection (if nil, records into Device.Metrics)
	Observer Observer

	// Sense stamps sense data on completed requests (if nil, uses NewSense)
	Sense SenseSetter
}

// Device is a virtual SCSI device: a set of logical units sharing one
// table of in-flight I/O requests and one completion notifier.
type Device struct {
	name     string
	reqs     *arena.Arena[ioReq]
	notifier Notifier
	sense    SenseSetter
	logger   *Logger
	metrics  *Metrics
	observer Observer

	mu   sync.RWMutex
	luns map[uint32]*LUN
}

// NewDevice creates a device with no logical units attached
func NewDevice(params DeviceParams, options *Options) (*Device, error) {
	if params.MaxIoReqs < 0 {
		return nil, NewError("NEW_DEVICE", ErrCodeInvalidParameters, fmt.Sprintf("MaxIoReqs %d is negative", params.MaxIoReqs))
	}
	if params.MaxIoReqs == 0 {
		params.MaxIoReqs = constants.DefaultMaxIoReqs
	}
	if params.Name == "" {
		params.Name = "vscsi0"
	}
	if options == nil {
		options = &Options{}
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	var sense SenseSetter = scsi.NewSense()
	if options.Sense != nil {
		sense = options.Sense
	}

	return &Device{
		name:     params.Name,
		reqs:     arena.New[ioReq](params.MaxIoReqs),
		notifier: params.Notifier,
		sense:    sense,
		logger:   logger.WithDevice(params.Name),
		metrics:  metrics,
		observer: observer,
		luns:     make(map[uint32]*LUN),
	}, nil
}

// Name returns the device name
func (d *Device) Name() string {
	return d.name
}

// AttachLUN attaches a logical unit served by backend
func (d *Device) AttachLUN(id uint32, backend Backend) (*LUN, error) {
	if backend == nil {
		return nil, NewLUNError("ATTACH_LUN", id, ErrCodeInvalidParameters, "nil backend")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.luns[id]; ok {
		return nil, NewLUNError("ATTACH_LUN", id, ErrCodeLUNExists, "")
	}

	lun := &LUN{
		id:      id,
		dev:     d,
		backend: backend,
		logger:  d.logger.WithLUN(id),
	}
	d.luns[id] = lun
	lun.logger.Debug("LUN attached")
	return lun, nil
}

// DetachLUN detaches an idle logical unit. Later enqueues on the detached
// LUN fail with ErrCodeLUNNotFound.
func (d *Device) DetachLUN(id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	lun, ok := d.luns[id]
	if !ok {
		return NewLUNError("DETACH_LUN", id, ErrCodeLUNNotFound, "")
	}

	// Enqueues in progress have either counted themselves or will see
	// detached
	lun.state.Lock()
	defer lun.state.Unlock()
	if n := lun.OutstandingCount(); n > 0 {
		return NewLUNError("DETACH_LUN", id, ErrCodeDeviceBusy, fmt.Sprintf("%d I/O requests outstanding", n))
	}
	lun.detached = true
	delete(d.luns, id)
	lun.logger.Debug("LUN detached")
	return nil
}

// LUN returns the attached logical unit with the given number
func (d *Device) LUN(id uint32) (*LUN, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	lun, ok := d.luns[id]
	return lun, ok
}

// LUNs returns the attached logical units ordered by number
func (d *Device) LUNs() []*LUN {
	d.mu.RLock()
	luns := make([]*LUN, 0, len(d.luns))
	for _, lun := range d.luns {
		luns = append(luns, lun)
	}
	d.mu.RUnlock()

	sort.Slice(luns, func(i, j int) bool { return luns[i].id < luns[j].id })
	return luns
}

// Outstanding returns the sum of the outstanding counts of all LUNs
func (d *Device) Outstanding() uint32 {
	var n uint32
	for _, lun := range d.LUNs() {
		n += lun.OutstandingCount()
	}
	return n
}

// Drain waits until no LUN has outstanding I/O requests. It does not stop
// new enqueues.
func (d *Device) Drain(ctx context.Context) error {
	ticker := time.NewTicker(constants.DrainPollInterval)
	defer ticker.Stop()

	for d.Outstanding() > 0 {
		select {
		case <-ctx.Done():
			e := NewError("DRAIN", ErrCodeTimeout, fmt.Sprintf("%d I/O requests still outstanding", d.Outstanding()))
			e.Inner = ctx.Err()
			return e
		case <-ticker.C:
		}
	}
	return nil
}

// Complete finishes an I/O request. result is the backend outcome (nil for
// success); redoPossible marks a transient failure after which the whole
// SCSI command may be retried.
//
// The LUN's outstanding count is decremented, the result is mapped to SCSI
// status and sense data, the request is released and the notifier is
// called. A handle that is not live (already completed, zero, or from
// another device) is rejected with ErrCodeInvalidHandle and changes
// nothing. Complete never blocks and may be called from any goroutine.
func (d *Device) Complete(io IoReq, result error, redoPossible bool) error {
	if io.dev != d {
		return d.rejectCompletion(io)
	}
	v, err := d.reqs.Free(io.h)
	if err != nil {
		return d.rejectCompletion(io)
	}

	lun := v.lun
	lun.outstanding.Add(^uint32(0))

	status := scsi.StatusTaskAborted
	if !v.cancelled {
		status = d.mapResult(&v, result, redoPossible)
	}

	d.observe(&v, result == nil && !redoPossible)
	d.logCompletion(lun, io, &v, result, redoPossible)

	if v.cancelled {
		d.observer.ObserveCancelled()
		return nil
	}
	if d.notifier != nil {
		d.notifier.RequestCompleted(lun, v.req, status, redoPossible, result)
	}
	return nil
}

// mapResult turns a backend outcome into SCSI status, stamping sense data
// on the request unless the failure is retryable.
func (d *Device) mapResult(v *ioReq, result error, redoPossible bool) Status {
	switch {
	case redoPossible:
		return scsi.StatusCheckCondition
	case result == nil:
		return d.sense.SetSenseOk(v.req)
	default:
		// Flush and unmap failures are reported as write errors.
		asc := uint8(scsi.ASCWriteError)
		if v.dir == DirRead {
			asc = scsi.ASCReadError
		}
		return d.sense.SetSenseError(v.req, scsi.SenseMediumError, asc)
	}
}

func (d *Device) observe(v *ioReq, success bool) {
	latencyNs := uint64(time.Since(v.enqueued).Nanoseconds())
	switch v.dir {
	case DirRead:
		d.observer.ObserveRead(v.length, latencyNs, success)
	case DirWrite:
		d.observer.ObserveWrite(v.length, latencyNs, success)
	case DirFlush:
		d.observer.ObserveFlush(latencyNs, success)
	case DirUnmap:
		d.observer.ObserveUnmap(v.bytes(), latencyNs, success)
	}
}

func (d *Device) logCompletion(lun *LUN, io IoReq, v *ioReq, result error, redoPossible bool) {
	switch {
	case redoPossible:
		d.observer.ObserveRedo()
		lun.logger.Warn("I/O request failed, redo possible", "ioreq", io.Handle(), "dir", v.dir.String(), "error", result)
	case result != nil:
		lun.logger.WithRequest(io.Handle(), v.dir.String()).IOError(v.dir.String(), v.offset, v.bytes(), result)
	case lun.logger.Enabled(LogLevelDebug):
		lun.logger.WithRequest(io.Handle(), v.dir.String()).
			IOComplete(v.dir.String(), v.offset, v.bytes(), time.Since(v.enqueued).Microseconds())
	}
}

func (d *Device) rejectCompletion(io IoReq) error {
	d.observer.ObserveInvalidCompletion()
	d.logger.Error("completion for an I/O request that is not live", "ioreq", io.Handle())
	return invalidHandle("COMPLETE", io)
}

// Cancel marks a live I/O request as abandoned. The backend still runs it
// to completion; Complete then releases it without mapping sense data or
// calling the notifier. Cancelling twice is not an error.
func (d *Device) Cancel(io IoReq) error {
	if io.dev != d {
		return invalidHandle("CANCEL", io)
	}
	if err := d.reqs.Update(io.h, func(v *ioReq) { v.cancelled = true }); err != nil {
		return invalidHandle("CANCEL", io)
	}
	return nil
}

// TxDirection returns the transfer direction of io, DirInvalid if io is
// not live
func (d *Device) TxDirection(io IoReq) Direction {
	if io.dev != d {
		return DirInvalid
	}
	v, err := d.reqs.Get(io.h)
	if err != nil {
		return DirInvalid
	}
	return v.dir
}

// TransferParams returns the byte range and segments of a read or write.
// Flush and unmap requests have no byte range and fail with
// ErrCodeNotSupported.
func (d *Device) TransferParams(io IoReq) (TransferParams, error) {
	if io.dev != d {
		return TransferParams{}, invalidHandle("TRANSFER_PARAMS", io)
	}
	v, err := d.reqs.Get(io.h)
	if err != nil {
		return TransferParams{}, invalidHandle("TRANSFER_PARAMS", io)
	}
	if v.dir != DirRead && v.dir != DirWrite {
		return TransferParams{}, NewLUNError("TRANSFER_PARAMS", v.lun.id, ErrCodeNotSupported,
			fmt.Sprintf("%s request has no byte range", v.dir))
	}

	var segBytes uint64
	for _, seg := range v.segments {
		segBytes += uint64(len(seg))
	}
	return TransferParams{
		Offset:       v.offset,
		Length:       v.length,
		SegmentCount: len(v.segments),
		SegmentBytes: segBytes,
		Segments:     v.segments,
	}, nil
}

// UnmapRanges returns the ranges of an unmap request
func (d *Device) UnmapRanges(io IoReq) ([]Range, error) {
	if io.dev != d {
		return nil, invalidHandle("UNMAP_RANGES", io)
	}
	v, err := d.reqs.Get(io.h)
	if err != nil {
		return nil, invalidHandle("UNMAP_RANGES", io)
	}
	if v.dir != DirUnmap {
		return nil, NewLUNError("UNMAP_RANGES", v.lun.id, ErrCodeNotSupported,
			fmt.Sprintf("%s request has no unmap ranges", v.dir))
	}
	return v.ranges, nil
}

// Metrics returns the built-in metrics of the device. They stay at zero
// when a custom Observer was supplied.
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	return d.metrics.Snapshot()
}

// LUNInfo describes one attached logical unit
type LUNInfo struct {
	ID          uint32 `json:"id"`
	Outstanding uint32 `json:"outstanding"`
}

// DeviceInfo contains a snapshot of the device state
type DeviceInfo struct {
	Name        string    `json:"name"`
	LUNs        []LUNInfo `json:"luns"`
	LiveIoReqs  int       `json:"live_ioreqs"`
	MaxIoReqs   int       `json:"max_ioreqs"`
	Outstanding uint32    `json:"outstanding"`
}

// Info returns a snapshot of the device state
func (d *Device) Info() DeviceInfo {
	info := DeviceInfo{
		Name:       d.name,
		LiveIoReqs: d.reqs.Live(),
		MaxIoReqs:  d.reqs.Cap(),
	}
	for _, lun := range d.LUNs() {
		n := lun.OutstandingCount()
		info.LUNs = append(info.LUNs, LUNInfo{ID: lun.id, Outstanding: n})
		info.Outstanding += n
	}
	return info
}
