// Package netcall constants and tunables.

package netcall

import "time"

const (
	// ProtocolMagic is the first byte of every frame header segment.
	ProtocolMagic = byte('N')
	// ProtocolVersion is the wire protocol version sent in every frame.
	ProtocolVersion = byte(1)
	// FrameHeaderSize is the number of bytes in a frame header segment.
	FrameHeaderSize = 12
	// SegmentMaxSize is the largest size allowed for a single frame segment.
	SegmentMaxSize = 0x1000000
	// FrameMaxSegments is the largest number of segments allowed in a frame,
	// not counting the routing envelope.
	FrameMaxSegments = 256
	// DefaultSweepInterval is how often pending call deadlines are checked.
	// Timeout resolution is deliberately coarse.
	DefaultSweepInterval = time.Millisecond * 100
	// DefaultCloseGrace is how long a stream close waits for handler cleanup.
	DefaultCloseGrace = time.Second
	// DefaultSessionIdle is how long an untouched stream session may live
	// before the server reaps it.
	DefaultSessionIdle = time.Minute * 5
	// DefaultDialTimeout is how long transports wait when connecting.
	DefaultDialTimeout = time.Second * 60
)
