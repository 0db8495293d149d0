// stream.go

// Server-side state for streaming procedures, and the client-side
// handle driving them. Each stream session owns exactly one handler
// goroutine, a semicoroutine that parks inside Yielder.Yield between
// control operations. The remote protocol is half-duplex per session:
// overlapping control frames are rejected with SessionBusy instead of
// corrupting handler state.

package netcall

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNotStreaming is returned by OpenStream when the named procedure is
// registered as an ordinary call.
type ErrNotStreaming struct {
	Name string
}

func (e ErrNotStreaming) Error() string {
	return fmt.Sprintf("%q is not a streaming procedure", e.Name)
}

// ErrStreamClosed is what Yield returns once the client has requested
// teardown. Handlers should run their cleanup and return.
type ErrStreamClosed struct{}

func (ErrStreamClosed) Error() string { return "stream closed by peer" }

// Stream is the client handle for one streaming call.
type Stream struct {
	client *Client
	id     uint64
	proc   string
	mu     sync.Mutex // stream ops are half-duplex
	closed bool
}

// Next advances the stream and returns the next yielded value. Once the
// remote computation completes, Next returns a StreamDone error carrying
// the final value.
func (st *Stream) Next() (interface{}, error) {
	return st.op(KindStreamNext, nil)
}

// Send advances the stream, delivering v at the handler's current
// suspension point.
func (st *Stream) Send(v interface{}) (interface{}, error) {
	b, err := st.client.Serializer.Encode(v)
	if err != nil {
		return nil, err
	}
	return st.op(KindStreamSend, [][]byte{b})
}

// Throw injects err at the handler's current suspension point. The
// handler observes it as the error result of its pending Yield.
func (st *Stream) Throw(err error) (interface{}, error) {
	exc := &RemoteException{Name: fmt.Sprintf("%T", err), Message: err.Error()}
	b, eerr := st.client.Serializer.EncodeException(exc)
	if eerr != nil {
		return nil, eerr
	}
	return st.op(KindStreamThrow, [][]byte{b})
}

// Close requests cooperative teardown of the remote computation and
// waits for it to finish or for the server's grace period to elapse.
// Closing an already finished stream is a no-op.
func (st *Stream) Close() error {
	_, err := st.op(KindStreamClose, nil)
	if err == nil || IsStreamDone(err) {
		return nil
	}
	if _, gone := errors.Cause(err).(NoSuchSessionError); gone {
		return nil
	}
	return err
}

func (st *Stream) op(kind Kind, payload [][]byte) (interface{}, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, errors.WithStack(NoSuchSessionError{})
	}
	call := st.client.streamOp(st.id, kind, payload)
	switch call.replyKind {
	case KindStreamYield:
		return call.Reply, call.Error
	case KindStreamDone:
		st.closed = true
		return nil, errors.WithStack(StreamDone{Value: call.Reply})
	}
	switch errors.Cause(call.Error).(type) {
	case SessionBusyError:
		// session survives, only this op was rejected
	default:
		st.closed = true
	}
	return nil, call.Error
}

// StreamHandler is the signature of streaming procedures. It runs on
// its own goroutine once the client first advances the stream; each
// Yield suspends it until the next control operation. The returned
// value becomes the stream's final value.
type StreamHandler func(y *Yielder, args []interface{}) (interface{}, error)

type resumeSignal struct {
	value   interface{}
	err     error
	closing bool
}

type yieldSignal struct {
	value interface{}
	final bool
	err   error
}

// Yielder bridges a streaming handler to its session state machine.
type Yielder struct {
	resumeCh chan resumeSignal
	yieldCh  chan yieldSignal
}

func newYielder() *Yielder {
	return &Yielder{
		resumeCh: make(chan resumeSignal),
		yieldCh:  make(chan yieldSignal),
	}
}

// Yield emits v to the client and parks until the stream is advanced
// again. It returns the value injected by Send (nil for plain Next),
// the error injected by Throw, or ErrStreamClosed when the client
// requested teardown.
func (y *Yielder) Yield(v interface{}) (interface{}, error) {
	y.yieldCh <- yieldSignal{value: v}
	rs := <-y.resumeCh
	if rs.closing {
		return nil, errors.WithStack(ErrStreamClosed{})
	}
	if rs.err != nil {
		return nil, rs.err
	}
	return rs.value, nil
}

type sessionState int32

const (
	sessionCreated   = sessionState(0)
	sessionRunning   = sessionState(1)
	sessionSuspended = sessionState(2)
	sessionClosed    = sessionState(3)
	sessionErrored   = sessionState(4)
)

var sessionStateTexts = map[sessionState]string{
	sessionCreated:   "CREATED",
	sessionRunning:   "RUNNING",
	sessionSuspended: "SUSPENDED",
	sessionClosed:    "CLOSED",
	sessionErrored:   "ERRORED",
}

func (s sessionState) String() string {
	if text, ok := sessionStateTexts[s]; ok {
		return text
	}
	return fmt.Sprintf("%d", int32(s))
}

// streamSession is the server-side state for one in-progress streaming
// call.
type streamSession struct {
	id      uint64
	route   [][]byte
	srv     *Server
	handler StreamHandler
	args    []interface{}
	yielder *Yielder

	busy       int32 // atomic, single-flight guard
	state      int32 // atomic sessionState
	started    bool  // handler goroutine launched; busy-holder access only
	lastSent   interface{}
	lastActive int64 // atomic unix nanoseconds
}

func newStreamSession(srv *Server, id uint64, route [][]byte, handler StreamHandler, args []interface{}) *streamSession {
	ss := &streamSession{
		id:      id,
		route:   route,
		srv:     srv,
		handler: handler,
		args:    args,
		yielder: newYielder(),
	}
	ss.touch()
	return ss
}

func (ss *streamSession) String() string {
	return fmt.Sprintf("[Session %016x %v]", ss.id, ss.getState())
}

func (ss *streamSession) getState() sessionState {
	return sessionState(atomic.LoadInt32(&ss.state))
}

func (ss *streamSession) setState(s sessionState) {
	atomic.StoreInt32(&ss.state, int32(s))
}

func (ss *streamSession) touch() {
	atomic.StoreInt64(&ss.lastActive, time.Now().UnixNano())
}

func (ss *streamSession) idleSince() time.Time {
	return time.Unix(0, atomic.LoadInt64(&ss.lastActive))
}

// acquire claims the single-flight guard.
func (ss *streamSession) acquire() bool {
	return atomic.CompareAndSwapInt32(&ss.busy, 0, 1)
}

func (ss *streamSession) release() {
	atomic.StoreInt32(&ss.busy, 0)
}

// run hosts the handler goroutine. Handler panics terminate the stream
// like any other handler error.
func (ss *streamSession) run() {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("session", ss.String()).Errorf("netcall: stream handler panic: %v", r)
			ss.yielder.yieldCh <- yieldSignal{final: true, err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	v, err := ss.handler(ss.yielder, ss.args)
	ss.yielder.yieldCh <- yieldSignal{value: v, final: true, err: err}
}

// handle processes one control frame. The caller holds the
// single-flight guard.
func (ss *streamSession) handle(f *Frame) {
	ss.touch()
	switch f.Kind {
	case KindStreamClose:
		ss.handleClose()
	case KindStreamThrow:
		ss.handleThrow(f)
	case KindStreamNext, KindStreamSend:
		ss.handleAdvance(f)
	}
}

func (ss *streamSession) handleAdvance(f *Frame) {
	var injected interface{}
	if len(f.Payload) > 0 {
		var err error
		if injected, err = ss.srv.serializer().Decode(f.Payload[0]); err != nil {
			ss.srv.sendError(ss.route, ss.id, KindStreamError, ErrorKindSerialization, err.Error(), nil)
			return
		}
	}
	if !ss.started {
		// lazy first resume: the handler starts now, injected value ignored
		ss.started = true
		ss.setState(sessionRunning)
		go ss.run()
	} else {
		ss.setState(sessionRunning)
		ss.yielder.resumeCh <- resumeSignal{value: injected}
	}
	ss.settle(<-ss.yielder.yieldCh)
}

func (ss *streamSession) handleThrow(f *Frame) {
	var exc *RemoteException
	if len(f.Payload) > 0 {
		var err error
		if exc, err = ss.srv.serializer().DecodeException(f.Payload[0]); err != nil {
			ss.srv.sendError(ss.route, ss.id, KindStreamError, ErrorKindSerialization, err.Error(), nil)
			return
		}
	}
	if exc == nil {
		exc = &RemoteException{Name: "Error", Message: "stream throw"}
	}
	if !ss.started {
		// never started: the injected error terminates the stream at once
		ss.terminate(sessionErrored)
		ss.srv.sendStreamFail(ss.route, ss.id, RemoteError{Exc: exc})
		return
	}
	ss.setState(sessionRunning)
	ss.yielder.resumeCh <- resumeSignal{err: errors.WithStack(RemoteError{Exc: exc})}
	ss.settle(<-ss.yielder.yieldCh)
}

// handleClose drives cooperative teardown: wake the handler with a
// closing signal and give it the grace period to run cleanup.
func (ss *streamSession) handleClose() {
	if !ss.started {
		ss.terminate(sessionClosed)
		ss.srv.sendReply(ss.route, &Frame{Kind: KindStreamDone, CallID: ss.id})
		return
	}
	grace := time.NewTimer(ss.srv.closeGrace())
	defer grace.Stop()
	closing := resumeSignal{closing: true}
	for {
		select {
		case ss.yielder.resumeCh <- closing:
			// handler was parked in Yield, wait for it to wind down
		case ys := <-ss.yielder.yieldCh:
			if ys.final {
				ss.terminate(sessionClosed)
				ss.srv.sendReply(ss.route, &Frame{Kind: KindStreamDone, CallID: ss.id})
				return
			}
			// handler yielded again while closing; keep asking
		case <-grace.C:
			log.WithField("session", ss.String()).Warn("netcall: stream close grace period elapsed, abandoning handler")
			ss.terminate(sessionClosed)
			ss.srv.sendReply(ss.route, &Frame{Kind: KindStreamDone, CallID: ss.id})
			return
		}
	}
}

// settle turns a handler suspension or completion into a reply frame.
func (ss *streamSession) settle(ys yieldSignal) {
	if !ys.final {
		ss.setState(sessionSuspended)
		ss.lastSent = ys.value
		ss.srv.sendValue(ss.route, ss.id, KindStreamYield, ys.value)
		return
	}
	if ys.err != nil {
		ss.terminate(sessionErrored)
		ss.srv.sendStreamFail(ss.route, ss.id, ys.err)
		return
	}
	ss.terminate(sessionClosed)
	if ys.value != nil {
		ss.srv.sendValue(ss.route, ss.id, KindStreamDone, ys.value)
	} else {
		ss.srv.sendReply(ss.route, &Frame{Kind: KindStreamDone, CallID: ss.id})
	}
}

// terminate moves the session to a terminal state and drops it from
// the server table.
func (ss *streamSession) terminate(s sessionState) {
	ss.setState(s)
	ss.srv.removeSession(ss.id)
}

// reap force-closes an idle session without sending a reply. The
// handler, if parked, is woken with a closing signal so it can clean
// up; a stuck handler is abandoned after the grace period.
func (ss *streamSession) reap() {
	if !ss.acquire() {
		return // an operation is in flight, not idle after all
	}
	defer ss.release()
	log.WithField("session", ss.String()).Info("netcall: reaping idle stream session")
	if !ss.started {
		ss.terminate(sessionClosed)
		return
	}
	grace := time.NewTimer(ss.srv.closeGrace())
	defer grace.Stop()
	for {
		select {
		case ss.yielder.resumeCh <- resumeSignal{closing: true}:
		case ys := <-ss.yielder.yieldCh:
			if ys.final {
				ss.terminate(sessionClosed)
				return
			}
		case <-grace.C:
			ss.terminate(sessionClosed)
			return
		}
	}
}
