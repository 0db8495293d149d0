package netcall

import (
	"bytes"
	"encoding/gob"
)

// gobValue wraps arbitrary values so gob can encode interface typed data,
// including nil.
type gobValue struct {
	V interface{}
}

func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register(map[string]string{})
	gob.Register([]string{})
}

// GobSerializer is the default deep-object encoding, built on
// encoding/gob. Callers passing their own struct types through it must
// register them with gob.Register first.
type GobSerializer struct{}

// Name implements Serializer.
func (*GobSerializer) Name() string { return "gob" }

// Encode implements Serializer.
func (*GobSerializer) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobValue{V: v}); err != nil {
		return nil, encodeFailed(err)
	}
	return buf.Bytes(), nil
}

// Decode implements Serializer.
func (*GobSerializer) Decode(b []byte) (interface{}, error) {
	var gv gobValue
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&gv); err != nil {
		return nil, decodeFailed(err)
	}
	return gv.V, nil
}

// EncodeException implements Serializer.
func (*GobSerializer) EncodeException(exc *RemoteException) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(exc); err != nil {
		return nil, encodeFailed(err)
	}
	return buf.Bytes(), nil
}

// DecodeException implements Serializer.
func (*GobSerializer) DecodeException(b []byte) (*RemoteException, error) {
	exc := &RemoteException{}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(exc); err != nil {
		return nil, decodeFailed(err)
	}
	return exc, nil
}
