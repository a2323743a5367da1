package vscsi

import (
	"sync"
)

// MockBackend provides a Backend that holds every accepted I/O request
// until the test completes it. It is useful for unit testing code that
// enqueues on a LUN without running real transfers.
type MockBackend struct {
	mu      sync.Mutex
	pending []IoReq
	failErr error
	inline  func(io IoReq)

	// Method call tracking
	enqueueCalls int
}

// NewMockBackend creates a mock backend that accepts every request
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// EnqueueIoReq implements the Backend interface
func (m *MockBackend) EnqueueIoReq(io IoReq) error {
	m.mu.Lock()
	m.enqueueCalls++
	if m.failErr != nil {
		err := m.failErr
		m.mu.Unlock()
		return err
	}
	inline := m.inline
	if inline == nil {
		m.pending = append(m.pending, io)
	}
	m.mu.Unlock()

	if inline != nil {
		inline(io)
	}
	return nil
}

// FailEnqueue makes subsequent enqueues fail with err (nil to accept again)
func (m *MockBackend) FailEnqueue(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// CompleteInline makes subsequent enqueues call fn before returning
// instead of queueing the request (nil to queue again)
func (m *MockBackend) CompleteInline(fn func(io IoReq)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inline = fn
}

// Pending returns the accepted requests not yet taken by Take or
// CompleteAll, oldest first
func (m *MockBackend) Pending() []IoReq {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]IoReq(nil), m.pending...)
}

// Take removes and returns all pending requests
func (m *MockBackend) Take() []IoReq {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.pending
	m.pending = nil
	return pending
}

// CompleteAll completes every pending request with result and returns the
// first completion error
func (m *MockBackend) CompleteAll(result error) error {
	var first error
	for _, io := range m.Take() {
		if err := io.Complete(result, false); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// EnqueueCalls returns the number of times EnqueueIoReq has been called
func (m *MockBackend) EnqueueCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueCalls
}

// Completion is one notification recorded by RecordingNotifier
type Completion struct {
	LUN          uint32
	Request      *Request
	Status       Status
	RedoPossible bool
	Result       error
}

// RecordingNotifier is a Notifier that records every completion
type RecordingNotifier struct {
	mu          sync.Mutex
	completions []Completion
	ch          chan Completion
}

// NewRecordingNotifier creates a notifier. If buffer is positive, each
// completion is also sent on the channel returned by C, dropping it when
// the channel is full.
func NewRecordingNotifier(buffer int) *RecordingNotifier {
	n := &RecordingNotifier{}
	if buffer > 0 {
		n.ch = make(chan Completion, buffer)
	}
	return n
}

// RequestCompleted implements the Notifier interface
func (n *RecordingNotifier) RequestCompleted(lun *LUN, req *Request, status Status, redoPossible bool, result error) {
	c := Completion{
		LUN:          lun.ID(),
		Request:      req,
		Status:       status,
		RedoPossible: redoPossible,
		Result:       result,
	}

	n.mu.Lock()
	n.completions = append(n.completions, c)
	n.mu.Unlock()

	if n.ch != nil {
		select {
		case n.ch <- c:
		default:
		}
	}
}

// C returns the completion channel, nil if the notifier is unbuffered
func (n *RecordingNotifier) C() <-chan Completion {
	return n.ch
}

// Completions returns the recorded completions in order
func (n *RecordingNotifier) Completions() []Completion {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Completion(nil), n.completions...)
}

// Count returns the number of recorded completions
func (n *RecordingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.completions)
}

// CountingSense is a SenseSetter that counts calls and delegates to the
// default sense state
type CountingSense struct {
	*Sense

	mu         sync.Mutex
	okCalls    int
	errorCalls int
	lastKey    uint8
	lastASC    uint8
}

// NewCountingSense creates a counting sense setter
func NewCountingSense() *CountingSense {
	return &CountingSense{Sense: NewSense()}
}

// SetSenseOk implements the SenseSetter interface
func (s *CountingSense) SetSenseOk(req *Request) Status {
	s.mu.Lock()
	s.okCalls++
	s.mu.Unlock()
	return s.Sense.SetSenseOk(req)
}

// SetSenseError implements the SenseSetter interface
func (s *CountingSense) SetSenseError(req *Request, key, asc uint8) Status {
	s.mu.Lock()
	s.errorCalls++
	s.lastKey, s.lastASC = key, asc
	s.mu.Unlock()
	return s.Sense.SetSenseError(req, key, asc)
}

// Calls returns the number of SetSenseOk and SetSenseError calls
func (s *CountingSense) Calls() (ok, errors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.okCalls, s.errorCalls
}

// LastError returns the key and ASC of the last SetSenseError call
func (s *CountingSense) LastError() (key, asc uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKey, s.lastASC
}

// Compile-time interface checks
var (
	_ Backend     = (*MockBackend)(nil)
	_ Notifier    = (*RecordingNotifier)(nil)
	_ SenseSetter = (*CountingSense)(nil)
)
