package netcall

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// ErrorKind is the wire tag carried by error descriptor segments.
type ErrorKind byte

const (
	// ErrorKindRemote means the remote handler raised an error.
	ErrorKindRemote = ErrorKind(1)
	// ErrorKindNoSuchMethod means no procedure was registered under the name.
	ErrorKindNoSuchMethod = ErrorKind(2)
	// ErrorKindNoSuchSession means a stream control frame referenced an
	// unknown or already terminated session.
	ErrorKindNoSuchSession = ErrorKind(3)
	// ErrorKindSessionBusy means a stream control frame overlapped another
	// still being processed for the same session.
	ErrorKindSessionBusy = ErrorKind(4)
	// ErrorKindSerialization means payload bytes could not be encoded or decoded.
	ErrorKindSerialization = ErrorKind(5)
)

var errorKindTexts = map[ErrorKind]string{
	ErrorKindRemote:        "Remote",
	ErrorKindNoSuchMethod:  "NoSuchMethod",
	ErrorKindNoSuchSession: "NoSuchSession",
	ErrorKindSessionBusy:   "SessionBusy",
	ErrorKindSerialization: "Serialization",
}

func (ek ErrorKind) String() string {
	if text, ok := errorKindTexts[ek]; ok {
		return text
	}
	return strconv.Itoa(int(ek))
}

// RemoteException describes an error raised by a remote handler. It is
// what travels inside RemoteError payloads: the handler error's type
// name, its message, and a best-effort remote stack trace.
type RemoteException struct {
	Name      string `json:"ename" msgpack:"ename"`
	Message   string `json:"evalue" msgpack:"evalue"`
	Traceback string `json:"traceback,omitempty" msgpack:"traceback,omitempty"`
}

func (re *RemoteException) String() string {
	return re.Name + ": " + re.Message
}

// RemoteError is returned by the client when the remote handler failed.
type RemoteError struct {
	Exc *RemoteException
}

func (e RemoteError) Error() string {
	if e.Exc == nil {
		return "remote error"
	}
	return "remote error: " + e.Exc.String()
}

// NoSuchMethodError is returned when calling an unregistered procedure.
type NoSuchMethodError struct {
	Name string
}

func (e NoSuchMethodError) Error() string {
	return fmt.Sprintf("no such method %q", e.Name)
}

// NoSuchSessionError is returned when a stream operation references a
// session the server no longer knows, including streams that already
// completed or errored.
type NoSuchSessionError struct{}

func (NoSuchSessionError) Error() string { return "no such stream session" }

// SessionBusyError is returned when a stream operation arrives while a
// previous operation on the same session is still in flight. The stream
// protocol is half-duplex per session.
type SessionBusyError struct{}

func (SessionBusyError) Error() string { return "stream session busy" }

// TimeoutError is returned when a call deadline elapsed with no reply.
// It is purely client-local; the server is not notified.
type TimeoutError struct{}

func (TimeoutError) Error() string   { return "call timed out" }
func (TimeoutError) Timeout() bool   { return true }
func (TimeoutError) Temporary() bool { return true }

// SerializationError is returned when payload bytes fail to encode or
// decode. Corrupt payloads must surface as this, never as wrong values.
type SerializationError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e SerializationError) Error() string {
	return fmt.Sprintf("serialization %s error: %v", e.Op, e.Err)
}

func (e SerializationError) Unwrap() error { return e.Err }

// TransportError is returned when the underlying transport failed or
// was closed while calls were outstanding.
type TransportError struct {
	Err error
}

func (e TransportError) Error() string {
	if e.Err == nil {
		return "transport closed"
	}
	return "transport error: " + e.Err.Error()
}

func (e TransportError) Unwrap() error { return e.Err }

// StreamDone signals normal completion of a stream. Next returns it
// once the remote computation finishes; Value holds the final result,
// if the computation produced one.
type StreamDone struct {
	Value interface{}
}

func (StreamDone) Error() string { return "stream done" }

// IsStreamDone reports whether err signals normal stream completion,
// unwrapping any stack annotation first.
func IsStreamDone(err error) bool {
	_, ok := errors.Cause(err).(StreamDone)
	return ok
}

// errorForKind maps a decoded error descriptor to the typed error
// surfaced to callers.
func errorForKind(kind ErrorKind, message string, exc *RemoteException) error {
	switch kind {
	case ErrorKindRemote:
		if exc == nil {
			exc = &RemoteException{Name: "Error", Message: message}
		}
		return RemoteError{Exc: exc}
	case ErrorKindNoSuchMethod:
		return NoSuchMethodError{Name: message}
	case ErrorKindNoSuchSession:
		return NoSuchSessionError{}
	case ErrorKindSessionBusy:
		return SessionBusyError{}
	case ErrorKindSerialization:
		return SerializationError{Op: "decode", Err: fmt.Errorf("%s", message)}
	}
	return fmt.Errorf("unknown remote error kind %v: %s", kind, message)
}
