package netcall

import (
	"sync"
	"time"
)

// Timer is a cancellable pending callback created by Adapter.After.
type Timer interface {
	// Stop cancels the timer. It reports whether the callback was
	// prevented from running.
	Stop() bool
}

// Adapter supplies the scheduling primitives the engines need, keeping
// them independent of the concurrency backend: scheduling a callback,
// arming a timer, and blocking a synchronous caller until a result
// channel closes.
type Adapter interface {
	// Schedule arranges for fn to run soon.
	Schedule(fn func())
	// After arranges for fn to run once d has elapsed.
	After(d time.Duration, fn func()) Timer
	// Block suspends the caller until done is closed.
	Block(done <-chan struct{})
}

// GoAdapter is the preemptive backend: one goroutine per callback,
// timers via time.AfterFunc, blocking via channel receive. The zero
// value is ready for use.
type GoAdapter struct{}

// Schedule implements Adapter.
func (GoAdapter) Schedule(fn func()) {
	go fn()
}

type goTimer struct {
	*time.Timer
}

func (t goTimer) Stop() bool { return t.Timer.Stop() }

// After implements Adapter.
func (GoAdapter) After(d time.Duration, fn func()) Timer {
	return goTimer{time.AfterFunc(d, fn)}
}

// Block implements Adapter.
func (GoAdapter) Block(done <-chan struct{}) {
	<-done
}

// LoopAdapter is the cooperative backend: all callbacks run serialized
// on a single executor, so they may share state without locks as long as
// they never block. Suspension happens only inside Block, which pumps
// the callback queue while waiting, and in Run.
type LoopAdapter struct {
	funcCh   chan func()
	doneChan chan struct{}
	mu       sync.Mutex // serializes executors (Run and Block pumps)
	once     sync.Once
}

// NewLoopAdapter returns a LoopAdapter with room for backlog queued
// callbacks. Run must be called, or every wait must go through Block,
// for queued callbacks to execute.
func NewLoopAdapter(backlog int) *LoopAdapter {
	if backlog < 1 {
		backlog = 128
	}
	return &LoopAdapter{
		funcCh:   make(chan func(), backlog),
		doneChan: make(chan struct{}),
	}
}

// Schedule implements Adapter. It blocks if the callback queue is full.
func (la *LoopAdapter) Schedule(fn func()) {
	select {
	case la.funcCh <- fn:
	case <-la.doneChan:
	}
}

// After implements Adapter. The callback is queued onto the loop when
// the timer fires, preserving single-threaded execution.
func (la *LoopAdapter) After(d time.Duration, fn func()) Timer {
	return goTimer{time.AfterFunc(d, func() { la.Schedule(fn) })}
}

// Block implements Adapter. The calling goroutine becomes the executor
// while it waits, so callbacks scheduled by the work it is waiting for
// still make progress.
func (la *LoopAdapter) Block(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		if !la.pumpOne(done) {
			return
		}
	}
}

func (la *LoopAdapter) pumpOne(done <-chan struct{}) bool {
	la.mu.Lock()
	defer la.mu.Unlock()
	select {
	case <-done:
		return false
	case <-la.doneChan:
		// loop closed, fall back to plain waiting
		<-done
		return false
	case fn := <-la.funcCh:
		fn()
		return true
	}
}

// Run executes callbacks until Close is called.
func (la *LoopAdapter) Run() {
	for {
		la.mu.Lock()
		select {
		case <-la.doneChan:
			la.mu.Unlock()
			return
		case fn := <-la.funcCh:
			fn()
			la.mu.Unlock()
		}
	}
}

// Close stops the loop. Queued callbacks that have not started are dropped.
func (la *LoopAdapter) Close() {
	la.once.Do(func() { close(la.doneChan) })
}
