package netcall

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
)

// Handler is the signature of ordinary (non-streaming) procedures.
type Handler func(args []interface{}) (interface{}, error)

type procedure struct {
	handler Handler
	stream  StreamHandler
}

// Server holds a procedure registry and serves calls arriving over a
// transport. Zero values of Serializer, Adapter, CloseGrace and
// SessionIdle mean DefaultSerializer, GoAdapter, DefaultCloseGrace and
// DefaultSessionIdle.
type Server struct {
	Transport   Transport
	Serializer  Serializer
	Adapter     Adapter
	CloseGrace  time.Duration // stream teardown grace period
	SessionIdle time.Duration // idle stream session lifetime
	ID          string        // instance identity, for logs

	mu        sync.RWMutex
	procs     map[string]*procedure
	smu       sync.Mutex
	sessions  map[uint64]*streamSession
	startOnce sync.Once
	closeOnce sync.Once
	doneChan  chan struct{}
}

// NewServer returns a Server answering calls on the given transport.
func NewServer(t Transport) *Server {
	return &Server{
		Transport: t,
		ID:        uuid.NewV4().String(),
		procs:     make(map[string]*procedure),
		sessions:  make(map[uint64]*streamSession),
		doneChan:  make(chan struct{}),
	}
}

func (s *Server) serializer() Serializer {
	if s.Serializer == nil {
		return DefaultSerializer
	}
	return s.Serializer
}

func (s *Server) adapter() Adapter {
	if s.Adapter == nil {
		return GoAdapter{}
	}
	return s.Adapter
}

func (s *Server) closeGrace() time.Duration {
	if s.CloseGrace <= 0 {
		return DefaultCloseGrace
	}
	return s.CloseGrace
}

func (s *Server) sessionIdle() time.Duration {
	if s.SessionIdle <= 0 {
		return DefaultSessionIdle
	}
	return s.SessionIdle
}

// Register makes a procedure callable by name. Registration is safe
// to do concurrently with dispatch.
func (s *Server) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[name] = &procedure{handler: h}
}

// RegisterStream makes a streaming procedure callable by name.
func (s *Server) RegisterStream(name string, h StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[name] = &procedure{stream: h}
}

// RegisterMethods registers every exported method of recv as a
// procedure under the method's name. Methods must return nothing, a
// value, an error, or a value and an error; arguments are converted
// with reflection and a mismatch fails the call, not the registration.
// It returns the names registered.
func (s *Server) RegisterMethods(recv interface{}) (names []string) {
	rv := reflect.ValueOf(recv)
	rt := rv.Type()
	for i := 0; i < rt.NumMethod(); i++ {
		m := rt.Method(i)
		if m.PkgPath != "" || m.Type.IsVariadic() || m.Type.NumOut() > 2 {
			continue
		}
		method := rv.Method(i)
		s.Register(m.Name, reflectHandler(method))
		names = append(names, m.Name)
	}
	return
}

func reflectHandler(method reflect.Value) Handler {
	mt := method.Type()
	return func(args []interface{}) (interface{}, error) {
		if len(args) != mt.NumIn() {
			return nil, errors.Errorf("want %d arguments, got %d", mt.NumIn(), len(args))
		}
		in := make([]reflect.Value, len(args))
		for i, arg := range args {
			want := mt.In(i)
			if arg == nil {
				in[i] = reflect.Zero(want)
				continue
			}
			av := reflect.ValueOf(arg)
			if !av.Type().AssignableTo(want) {
				if !av.Type().ConvertibleTo(want) {
					return nil, errors.Errorf("argument %d: cannot use %T as %v", i, arg, want)
				}
				av = av.Convert(want)
			}
			in[i] = av
		}
		out := method.Call(in)
		var result interface{}
		var err error
		for _, ov := range out {
			if ov.Type() == reflect.TypeOf((*error)(nil)).Elem() {
				if !ov.IsNil() {
					err = ov.Interface().(error)
				}
				continue
			}
			result = ov.Interface()
		}
		return result, err
	}
}

func (s *Server) lookup(name string) *procedure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.procs[name]
}

func (s *Server) isClosed() bool {
	select {
	case <-s.doneChan:
		return true
	default:
		return false
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	go s.Serve()
}

// Serve answers calls until the transport fails or Stop is called.
func (s *Server) Serve() error {
	s.startOnce.Do(func() {
		s.adapter().After(s.sessionIdle()/2, s.reapTick)
	})
	for {
		m, err := s.Transport.Recv()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return err
		}
		s.adapter().Schedule(func() { s.dispatch(m) })
	}
}

// Stop shuts the server down: the transport is closed and every live
// stream session is reaped.
func (s *Server) Stop() (err error) {
	s.closeOnce.Do(func() {
		close(s.doneChan)
		err = s.Transport.Close()
		s.smu.Lock()
		live := make([]*streamSession, 0, len(s.sessions))
		for _, ss := range s.sessions {
			live = append(live, ss)
		}
		s.smu.Unlock()
		for _, ss := range live {
			ss.reap()
		}
	})
	return
}

func (s *Server) dispatch(m *Message) {
	f, err := DecodeFrame(m.Segments)
	if err != nil {
		log.WithError(err).Debug("netcall: dropping malformed frame")
		return
	}
	switch {
	case f.Kind == KindCall:
		s.handleCall(f, m.Route)
	case f.Kind.isControl():
		s.handleControl(f, m.Route)
	default:
		log.WithField("frame", f.String()).Debug("netcall: dropping unexpected frame kind")
	}
}

func (s *Server) handleCall(f *Frame, route [][]byte) {
	proc := s.lookup(f.Name)
	if proc == nil {
		if !f.Ignored() {
			s.sendError(route, f.CallID, KindReplyError, ErrorKindNoSuchMethod, f.Name, nil)
		}
		return
	}
	args, err := decodeValues(s.serializer(), f.Payload)
	if err != nil {
		log.WithError(err).WithField("proc", f.Name).Debug("netcall: undecodable call arguments")
		if !f.Ignored() {
			s.sendError(route, f.CallID, KindReplyError, ErrorKindSerialization, err.Error(), nil)
		}
		return
	}
	if proc.stream != nil {
		if f.Ignored() {
			log.WithField("proc", f.Name).Debug("netcall: dropping fire-and-forget call to streaming procedure")
			return
		}
		s.openSession(f, route, proc.stream, args)
		return
	}
	result, herr := s.invoke(proc.handler, args)
	if f.Ignored() {
		return
	}
	if herr != nil {
		s.sendFail(route, f.CallID, KindReplyError, herr)
		return
	}
	s.sendValue(route, f.CallID, KindReplyOK, result)
}

// invoke runs an ordinary handler, converting panics into errors so a
// broken handler never takes down the dispatch loop.
func (s *Server) invoke(h Handler, args []interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("netcall: handler panic: %v", r)
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return h(args)
}

// openSession creates the stream session for a streaming call. The
// handler is not started; the empty open-ack yield tells the client a
// stream is ready and the first advance does the first work.
func (s *Server) openSession(f *Frame, route [][]byte, h StreamHandler, args []interface{}) {
	ss := newStreamSession(s, f.CallID, route, h, args)
	s.smu.Lock()
	_, exists := s.sessions[f.CallID]
	if !exists {
		s.sessions[f.CallID] = ss
	}
	s.smu.Unlock()
	if exists {
		s.sendError(route, f.CallID, KindStreamError, ErrorKindSessionBusy, "session already open", nil)
		return
	}
	s.sendReply(route, &Frame{Kind: KindStreamYield, CallID: f.CallID})
}

func (s *Server) handleControl(f *Frame, route [][]byte) {
	s.smu.Lock()
	ss := s.sessions[f.CallID]
	s.smu.Unlock()
	if ss == nil {
		s.sendError(route, f.CallID, KindStreamError, ErrorKindNoSuchSession, "", nil)
		return
	}
	if !ss.acquire() {
		s.sendError(route, f.CallID, KindStreamError, ErrorKindSessionBusy, "", nil)
		return
	}
	defer ss.release()
	ss.route = route
	ss.handle(f)
}

func (s *Server) removeSession(id uint64) {
	s.smu.Lock()
	defer s.smu.Unlock()
	delete(s.sessions, id)
}

// reapTick releases stream sessions idle past SessionIdle, covering
// clients that vanished without sending a close.
func (s *Server) reapTick() {
	if s.isClosed() {
		return
	}
	cutoff := time.Now().Add(-s.sessionIdle())
	s.smu.Lock()
	var idle []*streamSession
	for _, ss := range s.sessions {
		if ss.idleSince().Before(cutoff) {
			idle = append(idle, ss)
		}
	}
	s.smu.Unlock()
	for _, ss := range idle {
		s.adapter().Schedule(ss.reap)
	}
	s.adapter().After(s.sessionIdle()/2, s.reapTick)
}

func (s *Server) sendReply(route [][]byte, f *Frame) {
	if err := s.Transport.Send(&Message{Route: route, Segments: f.Encode()}); err != nil {
		log.WithError(err).WithField("frame", f.String()).Debug("netcall: reply send failed")
	}
}

// sendValue encodes one value and ships it under the given kind,
// degrading to a serialization error reply if encoding fails.
func (s *Server) sendValue(route [][]byte, callID uint64, kind Kind, v interface{}) {
	b, err := s.serializer().Encode(v)
	if err != nil {
		log.WithError(err).Debug("netcall: reply encode failed")
		ek := KindReplyError
		if kind == KindStreamYield || kind == KindStreamDone {
			ek = KindStreamError
		}
		s.sendError(route, callID, ek, ErrorKindSerialization, err.Error(), nil)
		return
	}
	s.sendReply(route, &Frame{Kind: kind, CallID: callID, Payload: [][]byte{b}})
}

func (s *Server) sendError(route [][]byte, callID uint64, kind Kind, ek ErrorKind, message string, excPayload []byte) {
	s.sendReply(route, &Frame{
		Kind:    kind,
		CallID:  callID,
		Payload: encodeErrorPayload(ek, message, excPayload),
	})
}

// excFromError builds the remote exception record for a handler error.
// The formatted error chain doubles as a best-effort traceback.
func excFromError(err error) *RemoteException {
	cause := errors.Cause(err)
	if re, ok := cause.(RemoteError); ok && re.Exc != nil {
		return re.Exc
	}
	return &RemoteException{
		Name:      fmt.Sprintf("%T", cause),
		Message:   cause.Error(),
		Traceback: fmt.Sprintf("%+v", err),
	}
}

// sendFail ships a handler error as a structured error frame.
func (s *Server) sendFail(route [][]byte, callID uint64, kind Kind, herr error) {
	exc := excFromError(herr)
	excPayload, err := s.serializer().EncodeException(exc)
	if err != nil {
		log.WithError(err).Debug("netcall: exception encode failed")
		s.sendError(route, callID, kind, ErrorKindSerialization, err.Error(), nil)
		return
	}
	s.sendError(route, callID, kind, ErrorKindRemote, exc.String(), excPayload)
}

// sendStreamFail ships a stream handler error as a STREAM_ERROR frame.
func (s *Server) sendStreamFail(route [][]byte, callID uint64, herr error) {
	s.sendFail(route, callID, KindStreamError, herr)
}
