package scsi

import "sync"

// Request is one SCSI command as seen by the I/O engine. It owns the
// scatter/gather segments the command transfers into or out of; I/O
// requests created for it only hold views of that list, so a Request must
// outlive every I/O request enqueued on its behalf.
type Request struct {
	// Tag identifies the command to the initiator
	Tag uint64

	// CDB is the command descriptor block. The engine never decodes it.
	CDB []byte

	// Segments is the scatter/gather list of the data phase
	Segments [][]byte

	mu       sync.Mutex
	status   Status
	sense    [SenseFixedSize]byte
	hasSense bool
}

// NewRequest creates a request over the given scatter/gather segments.
func NewRequest(tag uint64, segments ...[]byte) *Request {
	return &Request{Tag: tag, Segments: segments}
}

// SegmentBytes returns the number of bytes covered by the segment list.
func (r *Request) SegmentBytes() uint64 {
	var n uint64
	for _, seg := range r.Segments {
		n += uint64(len(seg))
	}
	return n
}

func (r *Request) complete(status Status, sd SenseData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	sd.MarshalTo(r.sense[:])
	r.hasSense = true
}

// Status returns the status stamped by the last sense update.
func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Sense returns the fixed-format sense data stamped on the request, or
// false if no sense setter has touched it.
func (r *Request) Sense() (SenseData, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasSense {
		return SenseData{}, false
	}
	sd, err := ParseSense(r.sense[:])
	if err != nil {
		return SenseData{}, false
	}
	return sd, true
}

// SenseBytes copies the raw sense buffer into buf and returns the number
// of bytes copied.
func (r *Request) SenseBytes(buf []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasSense {
		return 0
	}
	return copy(buf, r.sense[:])
}
