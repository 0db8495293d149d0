package netcall

import "github.com/vmihailenco/msgpack/v5"

// MsgpackSerializer is a compact binary encoding.
type MsgpackSerializer struct{}

// Name implements Serializer.
func (*MsgpackSerializer) Name() string { return "msgpack" }

// Encode implements Serializer.
func (*MsgpackSerializer) Encode(v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, encodeFailed(err)
	}
	return b, nil
}

// Decode implements Serializer.
func (*MsgpackSerializer) Decode(b []byte) (interface{}, error) {
	var v interface{}
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return nil, decodeFailed(err)
	}
	return v, nil
}

// EncodeException implements Serializer.
func (*MsgpackSerializer) EncodeException(exc *RemoteException) ([]byte, error) {
	b, err := msgpack.Marshal(exc)
	if err != nil {
		return nil, encodeFailed(err)
	}
	return b, nil
}

// DecodeException implements Serializer.
func (*MsgpackSerializer) DecodeException(b []byte) (*RemoteException, error) {
	exc := &RemoteException{}
	if err := msgpack.Unmarshal(b, exc); err != nil {
		return nil, decodeFailed(err)
	}
	return exc, nil
}
