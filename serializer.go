package netcall

import (
	"sync"

	"github.com/pkg/errors"
)

// Serializer encodes and decodes payload segments. Implementations must
// be safe for concurrent use and must fail loudly on corrupt input;
// engine envelopes are never touched by a Serializer.
type Serializer interface {
	// Name returns the identifier used for serializer selection.
	Name() string
	// Encode renders a value as one payload segment.
	Encode(v interface{}) ([]byte, error)
	// Decode parses one payload segment. Equal input bytes must decode
	// to equivalent values.
	Decode(b []byte) (interface{}, error)
	// EncodeException renders a remote exception record.
	EncodeException(exc *RemoteException) ([]byte, error)
	// DecodeException parses a remote exception record.
	DecodeException(b []byte) (*RemoteException, error)
}

var (
	serializerMu  sync.RWMutex
	serializers   = make(map[string]Serializer)

	// DefaultSerializer is used by clients and servers that don't set one
	// explicitly. This variable and RegisterSerializer are the only
	// process-wide mutable defaults in the package; change them during
	// initialization, before any Client or Server is constructed.
	DefaultSerializer Serializer
)

// RegisterSerializer makes a serializer selectable by name.
func RegisterSerializer(s Serializer) {
	serializerMu.Lock()
	defer serializerMu.Unlock()
	serializers[s.Name()] = s
}

// SerializerByName returns the registered serializer with the given name.
func SerializerByName(name string) (s Serializer, ok bool) {
	serializerMu.RLock()
	defer serializerMu.RUnlock()
	s, ok = serializers[name]
	return
}

func init() {
	gs := &GobSerializer{}
	RegisterSerializer(gs)
	RegisterSerializer(&JSONSerializer{})
	RegisterSerializer(&MsgpackSerializer{})
	DefaultSerializer = gs
}

func encodeFailed(err error) error {
	return errors.WithStack(SerializationError{Op: "encode", Err: err})
}

func decodeFailed(err error) error {
	return errors.WithStack(SerializationError{Op: "decode", Err: err})
}

// encodeValues renders each value as its own payload segment.
func encodeValues(s Serializer, values []interface{}) (segments [][]byte, err error) {
	segments = make([][]byte, 0, len(values))
	for _, v := range values {
		var b []byte
		if b, err = s.Encode(v); err != nil {
			return nil, err
		}
		segments = append(segments, b)
	}
	return
}

// decodeValues parses one value per payload segment.
func decodeValues(s Serializer, segments [][]byte) (values []interface{}, err error) {
	values = make([]interface{}, 0, len(segments))
	for _, b := range segments {
		var v interface{}
		if v, err = s.Decode(b); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return
}
