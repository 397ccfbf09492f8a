package executor

import (
	"sync"
	"time"
)

// timerSet holds fire-once callbacks for delayed strategy actions.
// Stop cancels pending timers and waits for callbacks already running,
// after which no callback will start.
type timerSet struct {
	mu      sync.Mutex
	timers  []*time.Timer
	running sync.WaitGroup
	stopped bool
}

// schedule runs fn once after d. It reports false if the set is stopped.
func (ts *timerSet) schedule(d time.Duration, fn func()) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.stopped {
		return false
	}
	ts.timers = append(ts.timers, time.AfterFunc(d, func() {
		ts.mu.Lock()
		if ts.stopped {
			ts.mu.Unlock()
			return
		}
		ts.running.Add(1)
		ts.mu.Unlock()

		defer ts.running.Done()
		fn()
	}))
	return true
}

// stop cancels pending timers and blocks until in-flight callbacks
// return. It is safe to call more than once.
func (ts *timerSet) stop() {
	ts.mu.Lock()
	ts.stopped = true
	for _, t := range ts.timers {
		t.Stop()
	}
	ts.timers = nil
	ts.mu.Unlock()

	ts.running.Wait()
}

// pending returns the number of scheduled timers not yet cancelled.
func (ts *timerSet) pending() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.timers)
}
