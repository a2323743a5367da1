package backend

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ehrlich-b/go-vscsi/internal/constants"
	"github.com/ehrlich-b/go-vscsi/internal/queue"
)

// Frames exchanged between Remote and Server. All integers are big endian.
//
// Request:  magic(2) version(2) op(2) reserved(2) id(8) offset(8) length(4) count(4)
//           followed by length bytes of data (write) or count extents of
//           offset(8) length(8) (discard).
// Response: magic(2) version(2) status(4) id(8) length(4)
//           followed by length bytes of data (successful read).
const (
	wireMagic   = 0x5653 // "VS"
	wireVersion = 1

	requestHeaderSize  = 32
	responseHeaderSize = 20
	extentSize         = 16

	// maxExtents bounds the extent list of one discard frame
	maxExtents = 4096
)

var (
	ErrBadMagic      = errors.New("backend: bad frame magic")
	ErrBadVersion    = errors.New("backend: unsupported protocol version")
	ErrFrameTooLarge = errors.New("backend: frame exceeds maximum transfer size")
)

type requestHeader struct {
	Op     queue.Op
	ID     uint64
	Offset uint64
	Length uint32
	Count  uint32
}

type responseHeader struct {
	Status uint32 // errno, 0 on success
	ID     uint64
	Length uint32
}

func (h requestHeader) marshal(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:], wireMagic)
	binary.BigEndian.PutUint16(buf[2:], wireVersion)
	binary.BigEndian.PutUint16(buf[4:], uint16(h.Op))
	binary.BigEndian.PutUint16(buf[6:], 0)
	binary.BigEndian.PutUint64(buf[8:], h.ID)
	binary.BigEndian.PutUint64(buf[16:], h.Offset)
	binary.BigEndian.PutUint32(buf[24:], h.Length)
	binary.BigEndian.PutUint32(buf[28:], h.Count)
}

func (h responseHeader) marshal(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:], wireMagic)
	binary.BigEndian.PutUint16(buf[2:], wireVersion)
	binary.BigEndian.PutUint32(buf[4:], h.Status)
	binary.BigEndian.PutUint64(buf[8:], h.ID)
	binary.BigEndian.PutUint32(buf[16:], h.Length)
}

func checkPreamble(buf []byte) error {
	if magic := binary.BigEndian.Uint16(buf[0:]); magic != wireMagic {
		return fmt.Errorf("%w: %#04x", ErrBadMagic, magic)
	}
	if version := binary.BigEndian.Uint16(buf[2:]); version != wireVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
	return nil
}

// writeRequest writes a request frame. segs carries write data and extents
// the discard ranges; both are ignored for other operations.
func writeRequest(w *bufio.Writer, h requestHeader, segs [][]byte, extents []queue.Extent) error {
	var hdr [requestHeaderSize]byte
	h.marshal(hdr[:])
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	switch h.Op {
	case queue.OpWrite:
		for _, seg := range segs {
			if _, err := w.Write(seg); err != nil {
				return err
			}
		}
	case queue.OpDiscard:
		var ext [extentSize]byte
		for _, e := range extents {
			binary.BigEndian.PutUint64(ext[0:], uint64(e.Offset))
			binary.BigEndian.PutUint64(ext[8:], uint64(e.Length))
			if _, err := w.Write(ext[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

func readRequestHeader(r io.Reader) (requestHeader, error) {
	var buf [requestHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return requestHeader{}, err
	}
	if err := checkPreamble(buf[:]); err != nil {
		return requestHeader{}, err
	}

	h := requestHeader{
		Op:     queue.Op(binary.BigEndian.Uint16(buf[4:])),
		ID:     binary.BigEndian.Uint64(buf[8:]),
		Offset: binary.BigEndian.Uint64(buf[16:]),
		Length: binary.BigEndian.Uint32(buf[24:]),
		Count:  binary.BigEndian.Uint32(buf[28:]),
	}
	if h.Length > constants.DefaultMaxTransferSize || h.Count > maxExtents {
		return h, ErrFrameTooLarge
	}
	return h, nil
}

func readExtents(r io.Reader, count uint32) ([]queue.Extent, error) {
	extents := make([]queue.Extent, count)
	var buf [extentSize]byte
	for i := range extents {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		extents[i] = queue.Extent{
			Offset: int64(binary.BigEndian.Uint64(buf[0:])),
			Length: int64(binary.BigEndian.Uint64(buf[8:])),
		}
	}
	return extents, nil
}

func writeResponse(w *bufio.Writer, h responseHeader, payload []byte) error {
	var hdr [responseHeaderSize]byte
	h.Length = uint32(len(payload))
	h.marshal(hdr[:])
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func readResponseHeader(r io.Reader) (responseHeader, error) {
	var buf [responseHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return responseHeader{}, err
	}
	if err := checkPreamble(buf[:]); err != nil {
		return responseHeader{}, err
	}

	h := responseHeader{
		Status: binary.BigEndian.Uint32(buf[4:]),
		ID:     binary.BigEndian.Uint64(buf[8:]),
		Length: binary.BigEndian.Uint32(buf[16:]),
	}
	if h.Length > constants.DefaultMaxTransferSize {
		return h, ErrFrameTooLarge
	}
	return h, nil
}
