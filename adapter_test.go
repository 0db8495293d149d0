package netcall

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
)

func Test_GoAdapter_Schedule(t *testing.T) {
	defer leaktest.Check(t)()
	var a GoAdapter
	done := make(chan struct{})
	a.Schedule(func() { close(done) })
	a.Block(done)
}

func Test_GoAdapter_After(t *testing.T) {
	defer leaktest.Check(t)()
	var a GoAdapter
	done := make(chan struct{})
	start := time.Now()
	a.After(10*time.Millisecond, func() { close(done) })
	a.Block(done)
	assert.True(t, time.Since(start) >= 10*time.Millisecond)
}

func Test_GoAdapter_TimerStop(t *testing.T) {
	defer leaktest.Check(t)()
	var a GoAdapter
	fired := int32(0)
	tm := a.After(time.Hour, func() { atomic.StoreInt32(&fired, 1) })
	assert.True(t, tm.Stop())
	assert.Zero(t, atomic.LoadInt32(&fired))
}

func Test_LoopAdapter_BlockPumpsQueue(t *testing.T) {
	defer leaktest.Check(t)()
	la := NewLoopAdapter(0)
	defer la.Close()

	// the callback chain only makes progress because Block runs it
	done := make(chan struct{})
	la.Schedule(func() {
		la.Schedule(func() {
			close(done)
		})
	})
	la.Block(done)
}

func Test_LoopAdapter_RunSerializesCallbacks(t *testing.T) {
	defer leaktest.Check(t)()
	la := NewLoopAdapter(256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		la.Run()
	}()

	// unsynchronized counter, safe only if callbacks never overlap
	counter := 0
	done := make(chan struct{})
	const n = 100
	for i := 0; i < n; i++ {
		la.Schedule(func() {
			counter++
			if counter == n {
				close(done)
			}
		})
	}
	la.Block(done)
	assert.Equal(t, n, counter)

	la.Close()
	wg.Wait()
}

func Test_LoopAdapter_After(t *testing.T) {
	defer leaktest.Check(t)()
	la := NewLoopAdapter(16)
	defer la.Close()
	done := make(chan struct{})
	la.After(5*time.Millisecond, func() { close(done) })
	la.Block(done)
}

func Test_LoopAdapter_CloseUnblocksSchedule(t *testing.T) {
	defer leaktest.Check(t)()
	la := NewLoopAdapter(1)
	la.Schedule(func() {})
	la.Close()
	// queue is full and the loop is gone; Schedule must not hang
	la.Schedule(func() {})
}
