package netcall

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
)

const (
	callSeqBits = 48
	callSeqMask = uint64(1)<<callSeqBits - 1
)

// Call represents an active RPC.
type Call struct {
	Proc  string        // name of the remote procedure
	Args  []interface{} // positional arguments
	Reply interface{}   // decoded result, valid once done
	Error error         // completion status
	Done  chan *Call    // strobes when the call completes

	id        uint64
	replyKind Kind
	settled   chan struct{}
}

func (call *Call) done() {
	close(call.settled)
	select {
	case call.Done <- call:
	default:
		// net/rpc behavior: the caller failed to size the Done
		// channel, drop rather than block the receive loop.
		log.WithField("proc", call.Proc).Debug("netcall: discarding Call reply due to insufficient Done channel capacity")
	}
}

// Client issues calls over one logical connection, multiplexing any
// number of outstanding calls and resolving replies to the right waiter
// by call id. Zero values of Serializer, Adapter and Timeout mean
// DefaultSerializer, GoAdapter and no deadline; set them before the
// first call.
type Client struct {
	Transport  Transport
	Serializer Serializer
	Adapter    Adapter
	Timeout    time.Duration // default per-call deadline, 0 disables

	epoch     uint64
	seq       uint64 // atomic
	mu        sync.Mutex
	waiters   map[uint64]*Call
	timeouts  *timeoutRegistry
	startOnce sync.Once
	closeOnce sync.Once
	doneChan  chan struct{}
}

// NewClient returns a Client issuing calls over the given transport.
// The connection epoch baked into every call id is drawn fresh, so ids
// cannot collide with those of earlier client instances on the same
// endpoints.
func NewClient(t Transport) *Client {
	epoch := binary.BigEndian.Uint16(uuid.NewV4().Bytes()[:2])
	return &Client{
		Transport: t,
		epoch:     uint64(epoch) << callSeqBits,
		waiters:   make(map[uint64]*Call),
		timeouts:  newTimeoutRegistry(),
		doneChan:  make(chan struct{}),
	}
}

func (c *Client) start() {
	c.startOnce.Do(func() {
		if c.Serializer == nil {
			c.Serializer = DefaultSerializer
		}
		if c.Adapter == nil {
			c.Adapter = GoAdapter{}
		}
		go c.recvLoop()
		c.Adapter.After(DefaultSweepInterval, c.sweepTick)
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.doneChan:
		return true
	default:
		return false
	}
}

// Close shuts the client down, failing every outstanding call with a
// TransportError, and closes the underlying transport.
func (c *Client) Close() (err error) {
	c.closeOnce.Do(func() {
		close(c.doneChan)
		err = c.Transport.Close()
		c.failPending(errTransportClosed())
	})
	return
}

func (c *Client) nextID() uint64 {
	return c.epoch | atomic.AddUint64(&c.seq, 1)&callSeqMask
}

func (c *Client) register(call *Call, timeout time.Duration) {
	c.mu.Lock()
	c.waiters[call.id] = call
	c.mu.Unlock()
	if timeout > 0 {
		c.timeouts.register(call.id, time.Now().Add(timeout))
	}
}

// take removes and returns the waiter for a call id. A miss means the
// call already resolved or timed out; the caller drops the frame.
func (c *Client) take(callID uint64) *Call {
	c.mu.Lock()
	call := c.waiters[callID]
	delete(c.waiters, callID)
	c.mu.Unlock()
	if call != nil {
		c.timeouts.cancel(callID)
	}
	return call
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	calls := make([]*Call, 0, len(c.waiters))
	for id, call := range c.waiters {
		calls = append(calls, call)
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	for _, call := range calls {
		c.timeouts.cancel(call.id)
		call.Error = err
		call.done()
	}
}

func (c *Client) sweepTick() {
	if c.isClosed() {
		return
	}
	for _, id := range c.timeouts.sweep(time.Now()) {
		if call := c.take(id); call != nil {
			call.Error = errors.WithStack(TimeoutError{})
			call.done()
		}
	}
	c.Adapter.After(DefaultSweepInterval, c.sweepTick)
}

func (c *Client) sendFrame(f *Frame) error {
	return c.Transport.Send(&Message{Segments: f.Encode()})
}

// submit registers a waiter and ships the frame, undoing the
// registration if the transport rejects it.
func (c *Client) submit(call *Call, f *Frame, timeout time.Duration) {
	c.register(call, timeout)
	if err := c.sendFrame(f); err != nil {
		if again := c.take(call.id); again != nil {
			again.Error = err
			again.done()
		}
	}
}

// Go invokes a procedure asynchronously using the client default
// timeout. It returns the Call handle; the done channel, allocated if
// nil, strobes on completion and must be buffered.
func (c *Client) Go(proc string, args []interface{}, done chan *Call) *Call {
	return c.goTimeout(proc, args, c.Timeout, done)
}

func (c *Client) goTimeout(proc string, args []interface{}, timeout time.Duration, done chan *Call) *Call {
	c.start()
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		panic("netcall: done channel is unbuffered")
	}
	call := &Call{
		Proc:    proc,
		Args:    args,
		Done:    done,
		id:      c.nextID(),
		settled: make(chan struct{}),
	}
	payload, err := encodeValues(c.Serializer, args)
	if err != nil {
		call.Error = err
		call.done()
		return call
	}
	c.submit(call, &Frame{Kind: KindCall, CallID: call.id, Name: proc, Payload: payload}, timeout)
	return call
}

// Call invokes a procedure and blocks until it resolves, using the
// client default timeout.
func (c *Client) Call(proc string, args ...interface{}) (interface{}, error) {
	return c.CallTimeout(proc, c.Timeout, args...)
}

// CallTimeout invokes a procedure and blocks until it resolves or the
// given timeout elapses. A zero timeout disables the deadline.
func (c *Client) CallTimeout(proc string, timeout time.Duration, args ...interface{}) (interface{}, error) {
	call := c.goTimeout(proc, args, timeout, nil)
	c.Adapter.Block(call.settled)
	return call.Reply, call.Error
}

// Notify invokes a procedure fire-and-forget: no reply is requested,
// no waiter is registered, and the handler outcome is discarded by the
// server.
func (c *Client) Notify(proc string, args ...interface{}) error {
	c.start()
	payload, err := encodeValues(c.Serializer, args)
	if err != nil {
		return err
	}
	return c.sendFrame(&Frame{
		Kind:    KindCall,
		Flags:   FrameFlagIgnore,
		CallID:  c.nextID(),
		Name:    proc,
		Payload: payload,
	})
}

// OpenStream starts a streaming call and blocks until the server has
// opened the session. No handler work happens until the first Next.
func (c *Client) OpenStream(proc string, args ...interface{}) (*Stream, error) {
	call := c.goTimeout(proc, args, c.Timeout, nil)
	c.Adapter.Block(call.settled)
	if call.Error != nil {
		return nil, call.Error
	}
	if call.replyKind != KindStreamYield {
		return nil, errors.WithStack(ErrNotStreaming{Name: proc})
	}
	return &Stream{client: c, id: call.id, proc: proc}, nil
}

// streamOp ships one stream control frame and blocks for its reply.
// The session protocol is half-duplex, so at most one waiter per call
// id is ever outstanding.
func (c *Client) streamOp(id uint64, kind Kind, payload [][]byte) *Call {
	c.start()
	call := &Call{id: id, settled: make(chan struct{}), Done: make(chan *Call, 1)}
	c.submit(call, &Frame{Kind: kind, CallID: id, Payload: payload}, 0)
	c.Adapter.Block(call.settled)
	return call
}

// recvLoop is the single reader of the transport. It only ever touches
// waiter bookkeeping, never application-level waits, so one slow call
// cannot stall the others.
func (c *Client) recvLoop() {
	for {
		m, err := c.Transport.Recv()
		if err != nil {
			c.failPending(errors.WithStack(TransportError{Err: errors.Cause(err)}))
			return
		}
		f, err := DecodeFrame(m.Segments)
		if err != nil {
			log.WithError(err).Debug("netcall: dropping malformed frame")
			continue
		}
		call := c.take(f.CallID)
		if call == nil {
			// late, duplicate or unknown reply
			log.WithField("frame", f.String()).Debug("netcall: dropping reply with no waiter")
			continue
		}
		call.replyKind = f.Kind
		switch f.Kind {
		case KindReplyOK, KindStreamYield, KindStreamDone:
			if len(f.Payload) > 0 {
				call.Reply, call.Error = c.Serializer.Decode(f.Payload[0])
			}
		case KindReplyError, KindStreamError:
			call.Error = c.decodeError(f)
		default:
			call.Error = errors.WithStack(ErrMalformedFrame{Reason: "unexpected kind " + f.Kind.String()})
		}
		call.done()
	}
}

func (c *Client) decodeError(f *Frame) error {
	kind, message, excPayload, err := decodeErrorPayload(f.Payload)
	if err != nil {
		return err
	}
	var exc *RemoteException
	if excPayload != nil {
		if exc, err = c.Serializer.DecodeException(excPayload); err != nil {
			log.WithError(err).Debug("netcall: undecodable remote exception payload")
			exc = nil
		}
	}
	return errors.WithStack(errorForKind(kind, message, exc))
}
