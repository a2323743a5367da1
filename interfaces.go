package vscsi

import (
	"github.com/ehrlich-b/go-vscsi/internal/interfaces"
	"github.com/ehrlich-b/go-vscsi/internal/logging"
	"github.com/ehrlich-b/go-vscsi/internal/scsi"
)

// Backend performs the transfers of one logical unit.
//
// EnqueueIoReq hands io to the backend. A nil return transfers ownership:
// the backend must eventually call io.Complete exactly once, from any
// goroutine, including inline before EnqueueIoReq returns. A non-nil return
// means the backend did not take the request and must not complete it.
type Backend interface {
	EnqueueIoReq(io IoReq) error
}

// BackendFunc adapts a function to the Backend interface
type BackendFunc func(io IoReq) error

func (f BackendFunc) EnqueueIoReq(io IoReq) error { return f(io) }

// Notifier receives the final status of every completed I/O request.
// It is called from the backend's completion goroutine and must not call
// Enqueue* or Complete for the same SCSI request.
type Notifier interface {
	RequestCompleted(lun *LUN, req *Request, status Status, redoPossible bool, result error)
}

// NotifierFunc adapts a function to the Notifier interface
type NotifierFunc func(lun *LUN, req *Request, status Status, redoPossible bool, result error)

func (f NotifierFunc) RequestCompleted(lun *LUN, req *Request, status Status, redoPossible bool, result error) {
	f(lun, req, status, redoPossible, result)
}

// SenseSetter stamps sense data on a SCSI request and returns the status
// that goes with it. *scsi.Sense is the default implementation.
type SenseSetter interface {
	SetSenseOk(req *Request) Status
	SetSenseError(req *Request, senseKey, asc uint8) Status
}

// SCSI protocol types used by the engine
type (
	Request   = scsi.Request
	Status    = scsi.Status
	SenseData = scsi.SenseData
	Sense     = scsi.Sense
)

// Completion statuses reported to the notifier
const (
	StatusGood           = scsi.StatusGood
	StatusCheckCondition = scsi.StatusCheckCondition
	StatusTaskAborted    = scsi.StatusTaskAborted
)

// NewRequest creates a SCSI request over the given scatter/gather segments
func NewRequest(tag uint64, segments ...[]byte) *Request {
	return scsi.NewRequest(tag, segments...)
}

// NewSense creates the default per-device sense state
func NewSense() *Sense {
	return scsi.NewSense()
}

// Synchronous storage interfaces wrapped by the asynchronous backends
type (
	Storage        = interfaces.Storage
	DiscardStorage = interfaces.DiscardStorage
	SyncStorage    = interfaces.SyncStorage
	StatStorage    = interfaces.StatStorage
	VectorStorage  = interfaces.VectorStorage
)

// Structured logging
type (
	Logger    = logging.Logger
	LogConfig = logging.Config
	LogLevel  = logging.LogLevel
)

const (
	LogLevelDebug = logging.LevelDebug
	LogLevelInfo  = logging.LevelInfo
	LogLevelWarn  = logging.LevelWarn
	LogLevelError = logging.LevelError
)

// NewLogger creates a structured logger
func NewLogger(config *LogConfig) *Logger {
	return logging.NewLogger(config)
}
