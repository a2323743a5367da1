package vscsi

import "github.com/ehrlich-b/go-vscsi/internal/constants"

// Re-export constants for public API
const (
	DefaultMaxIoReqs        = constants.DefaultMaxIoReqs
	DefaultLogicalBlockSize = constants.DefaultLogicalBlockSize
	DefaultMaxTransferSize  = constants.DefaultMaxTransferSize
	DefaultWorkers          = constants.DefaultWorkers
	DefaultQueueDepth       = constants.DefaultQueueDepth
	DefaultRingEntries      = constants.DefaultRingEntries
	DefaultVsockPort        = constants.DefaultVsockPort
	SenseBufferSize         = constants.SenseBufferSize
)
