package constants

import "time"

// Default configuration constants
const (
	// DefaultMaxIoReqs is the default number of I/O request slots per device
	DefaultMaxIoReqs = 1024

	// DefaultLogicalBlockSize is the default logical block size in bytes
	DefaultLogicalBlockSize = 512

	// DefaultMaxTransferSize is the default maximum transfer size in bytes (1MB)
	DefaultMaxTransferSize = 1 << 20

	// DefaultWorkers is the default number of async backend workers
	DefaultWorkers = 4

	// DefaultQueueDepth is the default async backend submission queue depth
	DefaultQueueDepth = 128

	// DefaultRingEntries is the default io_uring submission queue size
	DefaultRingEntries = 64

	// DefaultVsockPort is the port the remote storage server listens on
	DefaultVsockPort = 5252
)

// Timing constants
const (
	// DrainPollInterval is the interval Drain re-checks outstanding counters
	DrainPollInterval = time.Millisecond

	// RemoteDialTimeout bounds connection setup for the remote backend
	RemoteDialTimeout = 5 * time.Second
)

// SCSI constants
const (
	// SenseBufferSize is the size of fixed-format sense data
	SenseBufferSize = 18
)
