package interfaces

// Storage is the synchronous store an asynchronous backend drives.
// It mirrors io.ReaderAt and io.WriterAt so existing types compose.
type Storage interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// When ReadAt returns n < len(p), it returns a non-nil error explaining
	// why more bytes were not returned.
	//
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	// WriteAt must return a non-nil error if it returns n < len(p).
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the store in bytes.
	Size() int64

	// Close releases the store. No other method may be called afterwards.
	Close() error

	// Flush writes cached data to stable storage.
	// This is called for SYNCHRONIZE CACHE.
	Flush() error
}

// DiscardStorage is an optional interface for stores that can release
// ranges. It backs SCSI UNMAP.
type DiscardStorage interface {
	Storage

	// Discard releases the given byte range. Discarded ranges read as zeros.
	Discard(offset, length int64) error
}

// SyncStorage is an optional interface for fine-grained sync control.
type SyncStorage interface {
	Storage

	// Sync synchronizes data and metadata to stable storage.
	Sync() error

	// SyncRange synchronizes only the specified byte range.
	SyncRange(offset, length int64) error
}

// VectorStorage is an optional interface for stores that transfer a whole
// scatter/gather list in one call.
type VectorStorage interface {
	Storage

	// ReadVAt fills segs in order starting at offset off.
	ReadVAt(segs [][]byte, off int64) (n int, err error)

	// WriteVAt writes segs in order starting at offset off.
	WriteVAt(segs [][]byte, off int64) (n int, err error)
}

// StatStorage is an optional interface that provides store statistics.
type StatStorage interface {
	Storage

	// Stats returns store-specific statistics.
	Stats() map[string]interface{}
}
