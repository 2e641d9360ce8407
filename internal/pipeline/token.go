package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is a worker lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Token is the run flag shared between the coordinator and one worker.
// Workers read Running at every suspension point; the coordinator calls Stop.
type Token struct {
	running atomic.Bool
	state   atomic.Int32

	stopOnce sync.Once
	stopped  chan struct{}
}

func NewToken() *Token {
	return &Token{stopped: make(chan struct{})}
}

func (t *Token) Running() bool {
	return t.running.Load()
}

func (t *Token) State() State {
	return State(t.state.Load())
}

// Done is closed once Stop or finish has been called.
func (t *Token) Done() <-chan struct{} {
	return t.stopped
}

// wait sleeps for d unless the token stops first. It reports whether the full
// delay elapsed.
func (t *Token) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.stopped:
		return false
	}
}

func (t *Token) closeDone() {
	t.stopOnce.Do(func() { close(t.stopped) })
}

// start moves Idle -> Running. It reports false if the token was already used.
func (t *Token) start() bool {
	if !t.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return false
	}
	t.running.Store(true)
	return true
}

// Stop clears the run flag. It reports true the first time it moves a
// running token to Stopping.
func (t *Token) Stop() bool {
	t.running.Store(false)
	t.closeDone()
	return t.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
}

func (t *Token) finish() {
	t.running.Store(false)
	t.closeDone()
	t.state.Store(int32(StateStopped))
}
