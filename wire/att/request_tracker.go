package att

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrRequestPending   = errors.New("att: request already pending")
	ErrRequestTimeout   = errors.New("att: request timeout")
	ErrRequestCancelled = errors.New("att: request cancelled (connection closed)")
	ErrNoPendingRequest = errors.New("att: no pending request")
)

// DefaultTimeout is the ATT transaction timeout
const DefaultTimeout = 30 * time.Second

// RequestTracker enforces the one-outstanding-request rule of a connection
// and matches responses to the request that caused them.
type RequestTracker struct {
	mu             sync.Mutex
	pending        *PendingRequest
	seq            uint64
	defaultTimeout time.Duration
}

// PendingRequest is the single outstanding request
type PendingRequest struct {
	Opcode uint8
	Handle uint16
	SentAt time.Time

	id        uint64
	responseC chan Response
	timer     *time.Timer
}

// Response carries the decoded response PDU, or Error on timeout/cancel.
// An ATT Error Response arrives as Packet, not Error.
type Response struct {
	Packet interface{}
	Error  error
}

func NewRequestTracker(timeout time.Duration) *RequestTracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RequestTracker{defaultTimeout: timeout}
}

// StartRequest registers a request. The returned channel receives exactly
// one Response and is then closed.
func (rt *RequestTracker) StartRequest(opcode uint8, handle uint16, timeout time.Duration) (<-chan Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending != nil {
		return nil, fmt.Errorf("%w (opcode 0x%02X on handle 0x%04X)", ErrRequestPending, rt.pending.Opcode, rt.pending.Handle)
	}
	if timeout <= 0 {
		timeout = rt.defaultTimeout
	}

	rt.seq++
	id := rt.seq
	req := &PendingRequest{
		Opcode:    opcode,
		Handle:    handle,
		SentAt:    time.Now(),
		id:        id,
		responseC: make(chan Response, 1),
	}
	req.timer = time.AfterFunc(timeout, func() { rt.expire(id) })
	rt.pending = req
	return req.responseC, nil
}

func (rt *RequestTracker) expire(id uint64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending == nil || rt.pending.id != id {
		return
	}
	rt.finishLocked(Response{
		Error: fmt.Errorf("%w: opcode 0x%02X, handle 0x%04X", ErrRequestTimeout, rt.pending.Opcode, rt.pending.Handle),
	})
}

// CompleteRequest delivers a response PDU to the pending request. It fails
// when nothing is pending or the response does not answer the request.
func (rt *RequestTracker) CompleteRequest(responseOpcode uint8, packet interface{}) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return fmt.Errorf("%w for response opcode 0x%02X", ErrNoPendingRequest, responseOpcode)
	}
	expected := ResponseOpcode(rt.pending.Opcode)
	switch {
	case responseOpcode == expected:
	case responseOpcode == OpErrorResponse:
		if er, ok := packet.(*ErrorResponse); ok && er.RequestOpcode != rt.pending.Opcode {
			return fmt.Errorf("att: error response for 0x%02X while 0x%02X is pending", er.RequestOpcode, rt.pending.Opcode)
		}
	default:
		return fmt.Errorf("att: unexpected response opcode 0x%02X for request 0x%02X (expected 0x%02X)",
			responseOpcode, rt.pending.Opcode, expected)
	}

	rt.finishLocked(Response{Packet: packet})
	return nil
}

// FailRequest fails the pending request with err
func (rt *RequestTracker) FailRequest(err error) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending == nil {
		return ErrNoPendingRequest
	}
	rt.finishLocked(Response{Error: err})
	return nil
}

// Abandon fails the pending request only if it is the one behind ch. Used
// when the caller stops waiting, so a newer request is never hit.
func (rt *RequestTracker) Abandon(ch <-chan Response, err error) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending == nil || (<-chan Response)(rt.pending.responseC) != ch {
		return false
	}
	rt.finishLocked(Response{Error: err})
	return true
}

// CancelPending fails any pending request with ErrRequestCancelled
func (rt *RequestTracker) CancelPending() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending != nil {
		rt.finishLocked(Response{Error: ErrRequestCancelled})
	}
}

func (rt *RequestTracker) HasPending() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.pending != nil
}

// PendingInfo is for debug logging
func (rt *RequestTracker) PendingInfo() (opcode uint8, handle uint16, age time.Duration, ok bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending == nil {
		return 0, 0, 0, false
	}
	return rt.pending.Opcode, rt.pending.Handle, time.Since(rt.pending.SentAt), true
}

func (rt *RequestTracker) finishLocked(resp Response) {
	req := rt.pending
	rt.pending = nil
	req.timer.Stop()
	req.responseC <- resp
	close(req.responseC)
}
