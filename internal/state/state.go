// Package state tracks the lifecycle of one interpreter thread.
package state

import (
	"slices"
	"sync"
	"time"
)

type StateID uint8

const (
	// no interpreter context bound to the index
	StateUnbound StateID = iota
	StateBooting
	StateRetiring
	StateDone

	// these states are 'stable' and safe to transition from at any time
	StateBound
	StateServing
)

var stateNames = map[StateID]string{
	StateUnbound:  "unbound",
	StateBooting:  "booting",
	StateRetiring: "retiring",
	StateDone:     "done",
	StateBound:    "bound",
	StateServing:  "serving",
}

func (s StateID) String() string {
	return stateNames[s]
}

type ThreadState struct {
	currentState StateID
	mu           sync.RWMutex
	subscribers  []stateSubscriber
	// when the thread last became idle
	waitingSince time.Time
	isWaiting    bool
}

type stateSubscriber struct {
	states []StateID
	ch     chan struct{}
}

func NewThreadState() *ThreadState {
	return &ThreadState{
		currentState: StateUnbound,
	}
}

func (ts *ThreadState) Is(state StateID) bool {
	ts.mu.RLock()
	ok := ts.currentState == state
	ts.mu.RUnlock()

	return ok
}

func (ts *ThreadState) CompareAndSwap(compareTo StateID, swapTo StateID) bool {
	ts.mu.Lock()
	ok := ts.currentState == compareTo
	if ok {
		ts.currentState = swapTo
		ts.notifySubscribers(swapTo)
	}
	ts.mu.Unlock()

	return ok
}

func (ts *ThreadState) Name() string {
	return ts.Get().String()
}

func (ts *ThreadState) Get() StateID {
	ts.mu.RLock()
	id := ts.currentState
	ts.mu.RUnlock()

	return id
}

func (ts *ThreadState) Set(nextState StateID) {
	ts.mu.Lock()
	ts.currentState = nextState
	ts.notifySubscribers(nextState)
	ts.mu.Unlock()
}

func (ts *ThreadState) notifySubscribers(nextState StateID) {
	if len(ts.subscribers) == 0 {
		return
	}
	var remaining []stateSubscriber
	for _, sub := range ts.subscribers {
		if !slices.Contains(sub.states, nextState) {
			remaining = append(remaining, sub)
			continue
		}
		close(sub.ch)
	}
	ts.subscribers = remaining
}

// WaitFor blocks until the thread reaches one of states.
func (ts *ThreadState) WaitFor(states ...StateID) {
	ts.mu.Lock()
	if slices.Contains(states, ts.currentState) {
		ts.mu.Unlock()
		return
	}
	sub := stateSubscriber{
		states: states,
		ch:     make(chan struct{}),
	}
	ts.subscribers = append(ts.subscribers, sub)
	ts.mu.Unlock()
	<-sub.ch
}

// RequestSafeStateChange changes the state from a different goroutine once
// the thread is idle. It fails if the thread is unbound or on its way out.
func (ts *ThreadState) RequestSafeStateChange(nextState StateID) bool {
	ts.mu.Lock()
	switch ts.currentState {
	case StateUnbound, StateRetiring, StateDone:
		ts.mu.Unlock()
		return false
	case StateBound:
		ts.currentState = nextState
		ts.notifySubscribers(nextState)
		ts.mu.Unlock()
		return true
	}
	ts.mu.Unlock()

	// wait for the state to change to a safe state
	ts.WaitFor(StateBound, StateUnbound, StateRetiring, StateDone)
	return ts.RequestSafeStateChange(nextState)
}

// MarkAsWaiting hints that the thread is idle between units of work.
func (ts *ThreadState) MarkAsWaiting(isWaiting bool) {
	ts.mu.Lock()
	ts.isWaiting = isWaiting
	if isWaiting {
		ts.waitingSince = time.Now()
	}
	ts.mu.Unlock()
}

// IsInWaitingState returns true if the thread is idle.
func (ts *ThreadState) IsInWaitingState() bool {
	ts.mu.RLock()
	isWaiting := ts.isWaiting
	ts.mu.RUnlock()
	return isWaiting
}

// WaitTime returns how long the thread has been idle, in ms.
func (ts *ThreadState) WaitTime() int64 {
	ts.mu.RLock()
	waitTime := int64(0)
	if ts.isWaiting {
		waitTime = time.Now().UnixMilli() - ts.waitingSince.UnixMilli()
	}
	ts.mu.RUnlock()
	return waitTime
}
