// transport.go

// The engines consume transports through the Transport interface: an
// ordered, reliable exchange of multipart byte-frame messages carrying
// an opaque routing envelope. Server-side transports accept many peers
// and label inbound messages with the peer identity so replies can be
// routed back; client-side transports distribute unrouted outbound
// messages round robin across every connected endpoint.

package netcall

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// Message is one multipart frame plus its transport routing envelope.
// Route is empty on the client side; on the server side it identifies
// the originating peer and must be echoed on the reply.
type Message struct {
	Route    [][]byte
	Segments [][]byte
}

// Transport moves Messages between peers. Send and Recv must be safe
// for concurrent use. Recv blocks until a message arrives and returns
// a TransportError once the transport is closed.
type Transport interface {
	Send(m *Message) error
	Recv() (*Message, error)
	Close() error
}

// errTransportClosed returns the error Recv and Send report after Close.
func errTransportClosed() error {
	return errors.WithStack(TransportError{})
}

// writeSegments renders segments in the binary framing shared by the
// stream transports: a big-endian uint32 segment count, then each
// segment as a uint32 length followed by its bytes.
func writeSegments(w io.Writer, segments [][]byte) (err error) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(len(segments)))
	if _, err = w.Write(scratch[:]); err != nil {
		return
	}
	for _, seg := range segments {
		binary.BigEndian.PutUint32(scratch[:], uint32(len(seg)))
		if _, err = w.Write(scratch[:]); err != nil {
			return
		}
		if _, err = w.Write(seg); err != nil {
			return
		}
	}
	return
}

// readSegments parses the framing written by writeSegments.
func readSegments(r io.Reader) (segments [][]byte, err error) {
	var scratch [4]byte
	if _, err = io.ReadFull(r, scratch[:]); err != nil {
		return
	}
	count := binary.BigEndian.Uint32(scratch[:])
	if count > FrameMaxSegments {
		return nil, errors.WithStack(ErrMalformedFrame{Reason: "too many segments"})
	}
	segments = make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if _, err = io.ReadFull(r, scratch[:]); err != nil {
			return nil, err
		}
		size := binary.BigEndian.Uint32(scratch[:])
		if size > SegmentMaxSize {
			return nil, errors.WithStack(ErrMalformedFrame{Reason: "oversized segment"})
		}
		seg := make([]byte, size)
		if _, err = io.ReadFull(r, seg); err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return
}

// InprocHub wires in-process endpoints together: servers bind, clients
// connect, and unrouted client sends fan out round robin across every
// bound server. It exists for tests and for co-located services.
type InprocHub struct {
	mu      sync.Mutex
	servers []*InprocEndpoint
	clients map[string]*InprocEndpoint
	rr      uint32
}

// NewInprocHub returns an empty hub.
func NewInprocHub() *InprocHub {
	return &InprocHub{clients: make(map[string]*InprocEndpoint)}
}

// InprocEndpoint is one side of an in-process connection.
type InprocEndpoint struct {
	hub      *InprocHub
	id       []byte
	server   bool
	recvCh   chan *Message
	doneChan chan struct{}
	once     sync.Once
}

func (hub *InprocHub) newEndpoint(server bool) *InprocEndpoint {
	return &InprocEndpoint{
		hub:      hub,
		id:       uuid.NewV4().Bytes(),
		server:   server,
		recvCh:   make(chan *Message, 64),
		doneChan: make(chan struct{}),
	}
}

// Bind creates a server endpoint on the hub.
func (hub *InprocHub) Bind() *InprocEndpoint {
	ep := hub.newEndpoint(true)
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.servers = append(hub.servers, ep)
	return ep
}

// Connect creates a client endpoint on the hub.
func (hub *InprocHub) Connect() *InprocEndpoint {
	ep := hub.newEndpoint(false)
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.clients[string(ep.id)] = ep
	return ep
}

// nextServer picks a bound server round robin.
func (hub *InprocHub) nextServer() *InprocEndpoint {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.servers) == 0 {
		return nil
	}
	n := atomic.AddUint32(&hub.rr, 1)
	return hub.servers[int(n-1)%len(hub.servers)]
}

func (hub *InprocHub) clientByID(id []byte) *InprocEndpoint {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return hub.clients[string(id)]
}

func (hub *InprocHub) remove(ep *InprocEndpoint) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if ep.server {
		for i, s := range hub.servers {
			if s == ep {
				hub.servers = append(hub.servers[:i], hub.servers[i+1:]...)
				break
			}
		}
	} else {
		delete(hub.clients, string(ep.id))
	}
}

func (ep *InprocEndpoint) deliver(m *Message) error {
	select {
	case ep.recvCh <- m:
		return nil
	case <-ep.doneChan:
		return errTransportClosed()
	}
}

// Send implements Transport. Client endpoints ignore the route and pick
// a bound server round robin; server endpoints route by the envelope.
func (ep *InprocEndpoint) Send(m *Message) error {
	select {
	case <-ep.doneChan:
		return errTransportClosed()
	default:
	}
	if ep.server {
		if len(m.Route) < 1 {
			return errors.WithStack(ErrMalformedFrame{Reason: "server send without route"})
		}
		peer := ep.hub.clientByID(m.Route[0])
		if peer == nil {
			// peer went away, drop the reply
			return nil
		}
		return peer.deliver(&Message{Segments: m.Segments})
	}
	peer := ep.hub.nextServer()
	if peer == nil {
		return errors.WithStack(TransportError{Err: errors.New("no bound peers")})
	}
	return peer.deliver(&Message{Route: [][]byte{ep.id}, Segments: m.Segments})
}

// Recv implements Transport.
func (ep *InprocEndpoint) Recv() (*Message, error) {
	select {
	case m := <-ep.recvCh:
		return m, nil
	case <-ep.doneChan:
		return nil, errTransportClosed()
	}
}

// Close implements Transport.
func (ep *InprocEndpoint) Close() error {
	ep.once.Do(func() {
		close(ep.doneChan)
		ep.hub.remove(ep)
	})
	return nil
}
