package netcall

import "encoding/json"

// JSONSerializer is a text encoding interoperable with peers outside
// this package. Numbers decode as float64, objects as
// map[string]interface{}, per encoding/json.
type JSONSerializer struct{}

// Name implements Serializer.
func (*JSONSerializer) Name() string { return "json" }

// Encode implements Serializer.
func (*JSONSerializer) Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, encodeFailed(err)
	}
	return b, nil
}

// Decode implements Serializer.
func (*JSONSerializer) Decode(b []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, decodeFailed(err)
	}
	return v, nil
}

// EncodeException implements Serializer.
func (*JSONSerializer) EncodeException(exc *RemoteException) ([]byte, error) {
	b, err := json.Marshal(exc)
	if err != nil {
		return nil, encodeFailed(err)
	}
	return b, nil
}

// DecodeException implements Serializer.
func (*JSONSerializer) DecodeException(b []byte) (*RemoteException, error) {
	exc := &RemoteException{}
	if err := json.Unmarshal(b, exc); err != nil {
		return nil, decodeFailed(err)
	}
	return exc, nil
}
