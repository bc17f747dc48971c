package track

import (
	"sync"
	"time"

	"github.com/kestrel-vision/kestrel/internal/timeutil"
)

// Watchdog faults when the control loop stops heartbeating, so a hung
// pipeline cannot leave the camera slewing on its last command.
//
// The loop calls Heartbeat on every cycle that processed a fresh frame.
// A monitor goroutine checks staleness on its own ticker and fires
// onFault once per stall; the fault re-arms when heartbeats resume.
type Watchdog struct {
	clock    timeutil.Clock
	timeout  time.Duration
	interval time.Duration
	onFault  func(staleness time.Duration)

	mu      sync.Mutex
	last    time.Time
	faulted bool

	stop chan struct{}
	done chan struct{}
}

// NewWatchdog creates a watchdog that fires onFault when no heartbeat
// arrives for longer than timeout, checking every interval. onFault
// runs on the monitor goroutine and must not block.
func NewWatchdog(clock timeutil.Clock, timeout, interval time.Duration, onFault func(staleness time.Duration)) *Watchdog {
	return &Watchdog{
		clock:    clock,
		timeout:  timeout,
		interval: interval,
		onFault:  onFault,
	}
}

// Start begins monitoring. The heartbeat deadline is measured from
// Start, so a loop that never produces a frame still faults.
func (w *Watchdog) Start() {
	w.mu.Lock()
	w.last = w.clock.Now()
	w.mu.Unlock()

	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run()
}

// Stop halts the monitor goroutine and waits for it to exit.
func (w *Watchdog) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
}

// Heartbeat marks the loop alive and clears any standing fault.
func (w *Watchdog) Heartbeat() {
	now := w.clock.Now()
	w.mu.Lock()
	w.last = now
	cleared := w.faulted
	w.faulted = false
	w.mu.Unlock()

	if cleared {
		Opsf("watchdog: heartbeat resumed, fault cleared")
	}
}

// Faulted reports whether a stall fault is currently standing.
func (w *Watchdog) Faulted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.faulted
}

func (w *Watchdog) run() {
	defer close(w.done)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case now := <-ticker.C():
			w.check(now)
		}
	}
}

func (w *Watchdog) check(now time.Time) {
	w.mu.Lock()
	staleness := now.Sub(w.last)
	fire := staleness > w.timeout && !w.faulted
	if fire {
		w.faulted = true
	}
	w.mu.Unlock()

	if fire {
		Opsf("watchdog: no heartbeat for %v (timeout %v)", staleness, w.timeout)
		if w.onFault != nil {
			w.onFault(staleness)
		}
	}
}
