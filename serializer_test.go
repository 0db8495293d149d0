package netcall

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func allSerializers(t *testing.T) []Serializer {
	names := []string{"gob", "json", "msgpack"}
	ss := make([]Serializer, 0, len(names))
	for _, name := range names {
		s, ok := SerializerByName(name)
		assert.True(t, ok, name)
		ss = append(ss, s)
	}
	return ss
}

func Test_Serializer_RoundTrip(t *testing.T) {
	values := []interface{}{
		nil,
		true,
		"hello",
		float64(3.5),
		[]interface{}{"a", "b"},
		map[string]interface{}{"k": "v"},
	}
	for _, s := range allSerializers(t) {
		for _, v := range values {
			b, err := s.Encode(v)
			assert.NoError(t, err, s.Name())
			got, err := s.Decode(b)
			assert.NoError(t, err, s.Name())
			assert.Equal(t, v, got, s.Name())
		}
	}
}

func Test_Serializer_RoundTripIntegers(t *testing.T) {
	// integer width after decoding into interface{} differs per codec
	for _, s := range allSerializers(t) {
		b, err := s.Encode(42)
		assert.NoError(t, err, s.Name())
		got, err := s.Decode(b)
		assert.NoError(t, err, s.Name())
		assert.EqualValues(t, 42, got, s.Name())
	}
}

func Test_Serializer_ExceptionRoundTrip(t *testing.T) {
	exc := &RemoteException{
		Name:      "os.PathError",
		Message:   "open /nope: no such file",
		Traceback: "open /nope: no such file\nmain.run\n\t/src/main.go:10",
	}
	for _, s := range allSerializers(t) {
		b, err := s.EncodeException(exc)
		assert.NoError(t, err, s.Name())
		got, err := s.DecodeException(b)
		assert.NoError(t, err, s.Name())
		assert.Equal(t, exc, got, s.Name())
	}
}

func Test_Serializer_CorruptInput(t *testing.T) {
	// 0xc1 is invalid in every codec used here
	for _, s := range allSerializers(t) {
		_, err := s.Decode([]byte{0xc1})
		assert.Error(t, err, s.Name())
		assert.IsType(t, SerializationError{}, errors.Cause(err), s.Name())

		_, err = s.DecodeException([]byte{0xc1})
		assert.Error(t, err, s.Name())
		assert.IsType(t, SerializationError{}, errors.Cause(err), s.Name())
	}
}

func Test_Serializer_Values(t *testing.T) {
	s := DefaultSerializer
	segments, err := encodeValues(s, []interface{}{"one", "two", "three"})
	assert.NoError(t, err)
	assert.Equal(t, 3, len(segments))
	values, err := decodeValues(s, segments)
	assert.NoError(t, err)
	assert.Equal(t, []interface{}{"one", "two", "three"}, values)

	segments[1] = []byte{0xff}
	_, err = decodeValues(s, segments)
	assert.Error(t, err)
}

func Test_Serializer_ByName(t *testing.T) {
	_, ok := SerializerByName("bencode")
	assert.False(t, ok)
	s, ok := SerializerByName("json")
	assert.True(t, ok)
	assert.Equal(t, "json", s.Name())
}
