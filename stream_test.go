package netcall

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func countTo(n int) StreamHandler {
	return func(y *Yielder, args []interface{}) (interface{}, error) {
		for i := 1; i <= n; i++ {
			if _, err := y.Yield(i); err != nil {
				return nil, nil
			}
		}
		return "counted", nil
	}
}

func Test_Stream_NextSequence(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, stop := newTestPair(t)
	defer stop()
	srv.RegisterStream("count", countTo(3))

	st, err := cli.OpenStream("count")
	assert.NoError(t, err)
	for i := 1; i <= 3; i++ {
		v, err := st.Next()
		assert.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err = st.Next()
	assert.True(t, IsStreamDone(errors.Cause(err)))
	assert.Equal(t, "counted", errors.Cause(err).(StreamDone).Value)

	// the session is gone once the stream completed
	_, err = st.Next()
	assert.IsType(t, NoSuchSessionError{}, errors.Cause(err))
	assert.NoError(t, st.Close())
}

func Test_Stream_OpenErrors(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, stop := newTestPair(t)
	defer stop()
	srv.Register("plain", func(args []interface{}) (interface{}, error) {
		return nil, nil
	})

	_, err := cli.OpenStream("plain")
	assert.IsType(t, ErrNotStreaming{}, errors.Cause(err))

	_, err = cli.OpenStream("absent")
	assert.IsType(t, NoSuchMethodError{}, errors.Cause(err))
}

func Test_Stream_LazyStart(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, stop := newTestPair(t)
	defer stop()
	started := int32(0)
	srv.RegisterStream("lazy", func(y *Yielder, args []interface{}) (interface{}, error) {
		atomic.StoreInt32(&started, 1)
		y.Yield(args[0])
		return nil, nil
	})

	st, err := cli.OpenStream("lazy", "seed")
	assert.NoError(t, err)
	assert.Zero(t, atomic.LoadInt32(&started))

	v, err := st.Next()
	assert.NoError(t, err)
	assert.Equal(t, "seed", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&started))
	assert.NoError(t, st.Close())
}

func Test_Stream_SendInjectsValue(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, stop := newTestPair(t)
	defer stop()
	srv.RegisterStream("relay", func(y *Yielder, args []interface{}) (interface{}, error) {
		last := args[0]
		for {
			v, err := y.Yield(last)
			if err != nil {
				return nil, nil
			}
			if v != nil {
				last = v
			}
		}
	})

	st, err := cli.OpenStream("relay", "initial")
	assert.NoError(t, err)

	v, err := st.Next()
	assert.NoError(t, err)
	assert.Equal(t, "initial", v)

	v, err = st.Send("injected")
	assert.NoError(t, err)
	assert.Equal(t, "injected", v)

	// plain advance keeps the last injected value
	v, err = st.Next()
	assert.NoError(t, err)
	assert.Equal(t, "injected", v)
	assert.NoError(t, st.Close())
}

func Test_Stream_ThrowUnhandled(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, stop := newTestPair(t)
	defer stop()
	srv.RegisterStream("ticker", func(y *Yielder, args []interface{}) (interface{}, error) {
		for {
			if _, err := y.Yield("tick"); err != nil {
				return nil, err
			}
		}
	})

	st, err := cli.OpenStream("ticker")
	assert.NoError(t, err)
	v, err := st.Next()
	assert.NoError(t, err)
	assert.Equal(t, "tick", v)

	_, err = st.Throw(errors.New("kaboom"))
	re, ok := errors.Cause(err).(RemoteError)
	assert.True(t, ok)
	assert.Contains(t, re.Exc.Message, "kaboom")

	_, err = st.Next()
	assert.IsType(t, NoSuchSessionError{}, errors.Cause(err))
}

func Test_Stream_ThrowHandled(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, stop := newTestPair(t)
	defer stop()
	srv.RegisterStream("catcher", func(y *Yielder, args []interface{}) (interface{}, error) {
		for {
			_, err := y.Yield("ok")
			if err == nil {
				continue
			}
			if _, closed := errors.Cause(err).(ErrStreamClosed); closed {
				return nil, nil
			}
			// recover from the injected error and keep streaming
			if _, err = y.Yield("caught: " + err.Error()); err != nil {
				return nil, nil
			}
		}
	})

	st, err := cli.OpenStream("catcher")
	assert.NoError(t, err)
	_, err = st.Next()
	assert.NoError(t, err)

	v, err := st.Throw(errors.New("transient"))
	assert.NoError(t, err)
	assert.Contains(t, v.(string), "transient")

	v, err = st.Next()
	assert.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.NoError(t, st.Close())
}

func Test_Stream_ThrowBeforeStart(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, stop := newTestPair(t)
	defer stop()
	srv.RegisterStream("never", countTo(1))

	st, err := cli.OpenStream("never")
	assert.NoError(t, err)
	_, err = st.Throw(errors.New("early"))
	re, ok := errors.Cause(err).(RemoteError)
	assert.True(t, ok)
	assert.Contains(t, re.Exc.Message, "early")

	_, err = st.Next()
	assert.IsType(t, NoSuchSessionError{}, errors.Cause(err))
}

func Test_Stream_CloseRunsCleanup(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, stop := newTestPair(t)
	defer stop()
	cleaned := int32(0)
	srv.RegisterStream("guarded", func(y *Yielder, args []interface{}) (interface{}, error) {
		defer atomic.StoreInt32(&cleaned, 1)
		for {
			if _, err := y.Yield("v"); err != nil {
				return nil, nil
			}
		}
	})

	st, err := cli.OpenStream("guarded")
	assert.NoError(t, err)
	_, err = st.Next()
	assert.NoError(t, err)

	assert.NoError(t, st.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&cleaned))
	assert.NoError(t, st.Close()) // closing again is a no-op
}

func Test_Stream_CloseBeforeFirstAdvance(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, stop := newTestPair(t)
	defer stop()
	started := int32(0)
	srv.RegisterStream("untouched", func(y *Yielder, args []interface{}) (interface{}, error) {
		atomic.StoreInt32(&started, 1)
		return nil, nil
	})

	st, err := cli.OpenStream("untouched")
	assert.NoError(t, err)
	assert.NoError(t, st.Close())
	assert.Zero(t, atomic.LoadInt32(&started))
}

func Test_Stream_HandlerPanic(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, stop := newTestPair(t)
	defer stop()
	srv.RegisterStream("bomb", func(y *Yielder, args []interface{}) (interface{}, error) {
		panic("stream kaboom")
	})

	st, err := cli.OpenStream("bomb")
	assert.NoError(t, err)
	_, err = st.Next()
	re, ok := errors.Cause(err).(RemoteError)
	assert.True(t, ok)
	assert.Contains(t, re.Exc.Message, "stream kaboom")
}

func Test_Stream_IdleReap(t *testing.T) {
	defer leaktest.Check(t)()
	hub := NewInprocHub()
	srv := NewServer(hub.Bind())
	srv.SessionIdle = 40 * time.Millisecond
	cli := NewClient(hub.Connect())
	cleaned := int32(0)
	srv.RegisterStream("forgotten", func(y *Yielder, args []interface{}) (interface{}, error) {
		defer atomic.StoreInt32(&cleaned, 1)
		for {
			if _, err := y.Yield("v"); err != nil {
				return nil, nil
			}
		}
	})
	srv.Start()

	st, err := cli.OpenStream("forgotten")
	assert.NoError(t, err)
	_, err = st.Next()
	assert.NoError(t, err)

	// the client walks away; the server reaps the session on its own
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&cleaned) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = st.Next()
	assert.IsType(t, NoSuchSessionError{}, errors.Cause(err))

	assert.NoError(t, cli.Close())
	assert.NoError(t, srv.Stop())
}

func Test_Stream_StopReapsSessions(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, _ := newTestPair(t)
	cleaned := int32(0)
	srv.RegisterStream("live", func(y *Yielder, args []interface{}) (interface{}, error) {
		defer atomic.StoreInt32(&cleaned, 1)
		for {
			if _, err := y.Yield("v"); err != nil {
				return nil, nil
			}
		}
	})

	st, err := cli.OpenStream("live")
	assert.NoError(t, err)
	_, err = st.Next()
	assert.NoError(t, err)

	assert.NoError(t, cli.Close())
	assert.NoError(t, srv.Stop())
	assert.Equal(t, int32(1), atomic.LoadInt32(&cleaned))
}

// rawRecvFrame reads and decodes one frame from a raw endpoint.
func rawRecvFrame(t *testing.T, ep *InprocEndpoint) *Frame {
	m, err := ep.Recv()
	assert.NoError(t, err)
	f, err := DecodeFrame(m.Segments)
	assert.NoError(t, err)
	return f
}

func rawErrorKind(t *testing.T, f *Frame) ErrorKind {
	kind, _, _, err := decodeErrorPayload(f.Payload)
	assert.NoError(t, err)
	return kind
}

func Test_Stream_NoSuchSession(t *testing.T) {
	defer leaktest.Check(t)()
	hub := NewInprocHub()
	srv := NewServer(hub.Bind())
	srv.Start()
	ep := hub.Connect()

	f := &Frame{Kind: KindStreamNext, CallID: 99}
	assert.NoError(t, ep.Send(&Message{Segments: f.Encode()}))
	g := rawRecvFrame(t, ep)
	assert.Equal(t, KindStreamError, g.Kind)
	assert.Equal(t, uint64(99), g.CallID)
	assert.Equal(t, ErrorKindNoSuchSession, rawErrorKind(t, g))

	assert.NoError(t, ep.Close())
	assert.NoError(t, srv.Stop())
}

func Test_Stream_SessionBusy(t *testing.T) {
	defer leaktest.Check(t)()
	hub := NewInprocHub()
	srv := NewServer(hub.Bind())
	block := make(chan struct{})
	srv.RegisterStream("slow", func(y *Yielder, args []interface{}) (interface{}, error) {
		<-block
		y.Yield("v")
		return nil, nil
	})
	srv.Start()
	ep := hub.Connect()

	call := &Frame{Kind: KindCall, CallID: 5, Name: "slow"}
	assert.NoError(t, ep.Send(&Message{Segments: call.Encode()}))
	ack := rawRecvFrame(t, ep)
	assert.Equal(t, KindStreamYield, ack.Kind)
	assert.Equal(t, 0, len(ack.Payload))

	// two overlapping advances: one wins the session, the other is
	// rejected while the first is still blocked inside the handler
	next := &Frame{Kind: KindStreamNext, CallID: 5}
	assert.NoError(t, ep.Send(&Message{Segments: next.Encode()}))
	assert.NoError(t, ep.Send(&Message{Segments: next.Encode()}))

	busy := rawRecvFrame(t, ep)
	assert.Equal(t, KindStreamError, busy.Kind)
	assert.Equal(t, ErrorKindSessionBusy, rawErrorKind(t, busy))

	close(block)
	yielded := rawRecvFrame(t, ep)
	assert.Equal(t, KindStreamYield, yielded.Kind)
	v, err := DefaultSerializer.Decode(yielded.Payload[0])
	assert.NoError(t, err)
	assert.Equal(t, "v", v)

	assert.NoError(t, ep.Send(&Message{Segments: next.Encode()}))
	done := rawRecvFrame(t, ep)
	assert.Equal(t, KindStreamDone, done.Kind)

	assert.NoError(t, ep.Close())
	assert.NoError(t, srv.Stop())
}
