package state

import (
	"testing"
	"time"
)

func TestTwoGoroutinesYieldToEachOtherViaStates(t *testing.T) {
	ts := &ThreadState{currentState: StateBooting}

	go func() {
		ts.WaitFor(StateBound)
		ts.Set(StateServing)
	}()

	ts.Set(StateBound)
	ts.WaitFor(StateServing)
	if !ts.Is(StateServing) {
		t.Fatalf("state = %s, want serving", ts.Name())
	}
}

func TestStateShouldHaveCorrectAmountOfSubscribers(t *testing.T) {
	ts := &ThreadState{currentState: StateBooting}

	go ts.WaitFor(StateBound)
	go ts.WaitFor(StateBound, StateRetiring)
	go ts.WaitFor(StateRetiring)

	waitForSubscribers(t, ts, 3)

	ts.Set(StateBound)
	waitForSubscribers(t, ts, 1)

	if !ts.CompareAndSwap(StateBound, StateRetiring) {
		t.Fatal("CompareAndSwap(bound, retiring) failed")
	}
	waitForSubscribers(t, ts, 0)
}

func TestCompareAndSwapFailsOnMismatch(t *testing.T) {
	ts := NewThreadState()
	if ts.CompareAndSwap(StateBound, StateServing) {
		t.Fatal("unbound thread must not start serving")
	}
	if !ts.Is(StateUnbound) {
		t.Fatalf("state = %s, want unbound", ts.Name())
	}
}

func TestRequestSafeStateChange(t *testing.T) {
	ts := NewThreadState()
	if ts.RequestSafeStateChange(StateRetiring) {
		t.Fatal("an unbound thread cannot be retired")
	}

	ts.Set(StateServing)
	done := make(chan bool)
	go func() {
		done <- ts.RequestSafeStateChange(StateRetiring)
	}()

	select {
	case <-done:
		t.Fatal("state change should wait until the unit of work ends")
	case <-time.After(20 * time.Millisecond):
	}

	ts.Set(StateBound)
	if !<-done {
		t.Fatal("state change should succeed once bound")
	}
	if !ts.Is(StateRetiring) {
		t.Fatalf("state = %s, want retiring", ts.Name())
	}
}

func TestWaitTime(t *testing.T) {
	ts := NewThreadState()
	if ts.WaitTime() != 0 {
		t.Fatal("a busy thread has no wait time")
	}
	ts.MarkAsWaiting(true)
	if !ts.IsInWaitingState() {
		t.Fatal("thread should be waiting")
	}
	time.Sleep(5 * time.Millisecond)
	if ts.WaitTime() <= 0 {
		t.Error("wait time should grow while idle")
	}
	ts.MarkAsWaiting(false)
	if ts.WaitTime() != 0 {
		t.Error("wait time should reset once busy")
	}
}

func waitForSubscribers(t *testing.T, ts *ThreadState, expected int) {
	t.Helper()
	for range 10_000 { // wait for 1 second max
		ts.mu.RLock()
		n := len(ts.subscribers)
		ts.mu.RUnlock()
		if n == expected {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t.Fatalf("subscribers = %d, want %d", len(ts.subscribers), expected)
}
