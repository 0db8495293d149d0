// frame.go

// A frame is a sequence of opaque byte segments. The first segment is a
// fixed-size header: magic byte, protocol version, message kind, flag
// bits, and the call id as eight big-endian bytes. Call frames carry the
// procedure name as the second segment. Any remaining segments are
// serialized payload produced by the configured Serializer; the engine
// never inspects them.
//
// Error frames (ReplyError, StreamError) carry a structured error
// descriptor as their first payload segment: one ErrorKind byte followed
// by the message text. A serialized remote exception, when present,
// travels in the segment after the descriptor.

package netcall

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Kind enumerates the frame kinds exchanged between client and server.
type Kind byte

const (
	// KindCall requests invocation of a named procedure.
	KindCall = Kind(1)
	// KindReplyOK carries a successful call result.
	KindReplyOK = Kind(2)
	// KindReplyError carries an error descriptor for a failed call.
	KindReplyError = Kind(3)
	// KindStreamNext advances a stream session.
	KindStreamNext = Kind(4)
	// KindStreamSend advances a stream session, injecting a value at the
	// suspension point.
	KindStreamSend = Kind(5)
	// KindStreamThrow injects an error at the suspension point.
	KindStreamThrow = Kind(6)
	// KindStreamClose requests cooperative stream teardown.
	KindStreamClose = Kind(7)
	// KindStreamYield carries one yielded stream value.
	KindStreamYield = Kind(8)
	// KindStreamDone signals stream completion, optionally with a final value.
	KindStreamDone = Kind(9)
	// KindStreamError carries an error descriptor terminating a stream.
	KindStreamError = Kind(10)
)

var kindTexts = map[Kind]string{
	KindCall:        "CALL",
	KindReplyOK:     "REPLY_OK",
	KindReplyError:  "REPLY_ERROR",
	KindStreamNext:  "STREAM_NEXT",
	KindStreamSend:  "STREAM_SEND",
	KindStreamThrow: "STREAM_THROW",
	KindStreamClose: "STREAM_CLOSE",
	KindStreamYield: "STREAM_YIELD",
	KindStreamDone:  "STREAM_DONE",
	KindStreamError: "STREAM_ERROR",
}

func (k Kind) String() string {
	if text, ok := kindTexts[k]; ok {
		return text
	}
	return strconv.Itoa(int(k))
}

// isControl reports whether the kind is a client-issued stream control.
func (k Kind) isControl() bool {
	switch k {
	case KindStreamNext, KindStreamSend, KindStreamThrow, KindStreamClose:
		return true
	}
	return false
}

// FrameFlag enumerates the flag bits in the frame header.
type FrameFlag byte

const (
	// FrameFlagIgnore marks a fire-and-forget call: the server sends no
	// reply and the client registers no waiter.
	FrameFlagIgnore = FrameFlag(0x01)
)

// ErrBadMagic is returned when a frame header has the wrong magic byte.
type ErrBadMagic struct{}

func (ErrBadMagic) Error() string { return "bad frame magic" }

// ErrBadVersion is returned when a frame header has an unknown protocol version.
type ErrBadVersion struct {
	Version byte
}

func (e ErrBadVersion) Error() string {
	return fmt.Sprintf("unsupported protocol version %d", e.Version)
}

// ErrMalformedFrame is returned when a frame violates the segment layout.
type ErrMalformedFrame struct {
	Reason string
}

func (e ErrMalformedFrame) Error() string { return "malformed frame: " + e.Reason }

// Frame is one decoded multipart message.
type Frame struct {
	Kind    Kind
	Flags   FrameFlag
	CallID  uint64
	Name    string   // procedure name, Call frames only
	Payload [][]byte // serializer-owned segments
}

func (f *Frame) String() string {
	return fmt.Sprintf("[Frame %v %016x %q %d]", f.Kind, f.CallID, f.Name, len(f.Payload))
}

// Ignored reports whether the frame is fire-and-forget.
func (f *Frame) Ignored() bool {
	return f.Flags&FrameFlagIgnore != 0
}

// Encode renders the frame as transport segments.
func (f *Frame) Encode() [][]byte {
	hdr := make([]byte, FrameHeaderSize)
	hdr[0] = ProtocolMagic
	hdr[1] = ProtocolVersion
	hdr[2] = byte(f.Kind)
	hdr[3] = byte(f.Flags)
	id := f.CallID
	for i := 11; i >= 4; i-- {
		hdr[i] = byte(id)
		id >>= 8
	}
	segments := make([][]byte, 0, 2+len(f.Payload))
	segments = append(segments, hdr)
	if f.Kind == KindCall {
		segments = append(segments, []byte(f.Name))
	}
	return append(segments, f.Payload...)
}

// DecodeFrame parses transport segments into a Frame.
func DecodeFrame(segments [][]byte) (f *Frame, err error) {
	if len(segments) < 1 {
		return nil, errors.WithStack(ErrMalformedFrame{Reason: "empty message"})
	}
	if len(segments) > FrameMaxSegments {
		return nil, errors.WithStack(ErrMalformedFrame{Reason: "too many segments"})
	}
	hdr := segments[0]
	if len(hdr) != FrameHeaderSize {
		return nil, errors.WithStack(ErrMalformedFrame{Reason: "bad header size"})
	}
	if hdr[0] != ProtocolMagic {
		return nil, errors.WithStack(ErrBadMagic{})
	}
	if hdr[1] != ProtocolVersion {
		return nil, errors.WithStack(ErrBadVersion{Version: hdr[1]})
	}
	f = &Frame{
		Kind:  Kind(hdr[2]),
		Flags: FrameFlag(hdr[3]),
	}
	if _, ok := kindTexts[f.Kind]; !ok {
		return nil, errors.WithStack(ErrMalformedFrame{Reason: "unknown kind"})
	}
	for i := 4; i < FrameHeaderSize; i++ {
		f.CallID = f.CallID<<8 | uint64(hdr[i])
	}
	rest := segments[1:]
	if f.Kind == KindCall {
		if len(rest) < 1 {
			return nil, errors.WithStack(ErrMalformedFrame{Reason: "call without name"})
		}
		f.Name = string(rest[0])
		rest = rest[1:]
	}
	f.Payload = rest
	return f, nil
}

// encodeErrorPayload builds the payload segments of an error frame.
// excPayload is the serialized remote exception, or nil.
func encodeErrorPayload(kind ErrorKind, message string, excPayload []byte) [][]byte {
	desc := make([]byte, 1+len(message))
	desc[0] = byte(kind)
	copy(desc[1:], message)
	if excPayload == nil {
		return [][]byte{desc}
	}
	return [][]byte{desc, excPayload}
}

// decodeErrorPayload parses the payload segments of an error frame.
// The returned excPayload is nil when no serialized exception was sent.
func decodeErrorPayload(payload [][]byte) (kind ErrorKind, message string, excPayload []byte, err error) {
	if len(payload) < 1 || len(payload[0]) < 1 {
		err = errors.WithStack(ErrMalformedFrame{Reason: "missing error descriptor"})
		return
	}
	kind = ErrorKind(payload[0][0])
	message = string(payload[0][1:])
	if len(payload) > 1 {
		excPayload = payload[1]
	}
	return
}
