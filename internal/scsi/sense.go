package scsi

import (
	"encoding/binary"
	"errors"
	"sync"
)

// ErrShortSense is returned when a buffer cannot hold fixed-format sense data
var ErrShortSense = errors.New("scsi: sense buffer too short")

// SenseData is the fixed-format sense payload returned by REQUEST SENSE
// and attached to a CHECK CONDITION.
type SenseData struct {
	ResponseCode uint8  // 0x70 current, 0x71 deferred
	Key          uint8  // Sense key (bits 0-3)
	Information  uint32 // Information field
	ASC          uint8  // Additional sense code
	ASCQ         uint8  // Additional sense code qualifier
}

// NewSenseData creates current-error sense data.
func NewSenseData(key, asc, ascq uint8) SenseData {
	return SenseData{
		ResponseCode: SenseResponseCurrent,
		Key:          key & 0x0F,
		ASC:          asc,
		ASCQ:         ascq,
	}
}

// MarshalTo writes the sense data to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (s SenseData) MarshalTo(buf []byte) int {
	if len(buf) < SenseFixedSize {
		return 0
	}
	clear(buf[:SenseFixedSize])

	buf[0] = s.ResponseCode
	buf[senseKeyOffset] = s.Key & 0x0F
	binary.BigEndian.PutUint32(buf[senseInformationOffset:senseInformationOffset+4], s.Information)
	buf[senseAddLenOffset] = senseAdditionalLength
	buf[senseASCOffset] = s.ASC
	buf[senseASCQOffset] = s.ASCQ
	return SenseFixedSize
}

// ParseSense decodes fixed-format sense data.
func ParseSense(buf []byte) (SenseData, error) {
	if len(buf) < SenseFixedSize {
		return SenseData{}, ErrShortSense
	}
	return SenseData{
		ResponseCode: buf[0] & 0x7F,
		Key:          buf[senseKeyOffset] & 0x0F,
		Information:  binary.BigEndian.Uint32(buf[senseInformationOffset : senseInformationOffset+4]),
		ASC:          buf[senseASCOffset],
		ASCQ:         buf[senseASCQOffset],
	}, nil
}

// Sense is the per-device sense state. It stamps the sense data of each
// completed request and remembers the most recent one for REQUEST SENSE.
// It is safe for concurrent use.
type Sense struct {
	mu   sync.Mutex
	last SenseData
}

// NewSense creates sense state holding NO SENSE.
func NewSense() *Sense {
	return &Sense{last: NewSenseData(SenseNoSense, ASCNoAdditionalInfo, 0)}
}

// SetSenseOk records a successful completion and returns GOOD.
func (s *Sense) SetSenseOk(req *Request) Status {
	sd := NewSenseData(SenseNoSense, ASCNoAdditionalInfo, 0)
	s.set(sd)
	req.complete(StatusGood, sd)
	return StatusGood
}

// SetSenseError records an error with the given key and ASC and returns
// CHECK CONDITION.
func (s *Sense) SetSenseError(req *Request, key, asc uint8) Status {
	sd := NewSenseData(key, asc, 0)
	s.set(sd)
	req.complete(StatusCheckCondition, sd)
	return StatusCheckCondition
}

func (s *Sense) set(sd SenseData) {
	s.mu.Lock()
	s.last = sd
	s.mu.Unlock()
}

// Last returns the sense data of the most recent completion and resets it
// to NO SENSE, as REQUEST SENSE does.
func (s *Sense) Last() SenseData {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd := s.last
	s.last = NewSenseData(SenseNoSense, ASCNoAdditionalInfo, 0)
	return sd
}
