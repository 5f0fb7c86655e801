package engine

import (
	"log/slog"
	"sync"
	"time"
)

// timerCategory names the classes of delayed work the loop schedules.
// Each category holds at most one pending timer; scheduling a category
// again replaces (and cancels) the previous timer.
type timerCategory int

const (
	// timerStabilize waits for a turn's content to settle.
	timerStabilize timerCategory = iota
	// timerRespond defers an injection that arrived inside the minimum
	// inter-submission interval.
	timerRespond
	// timerWatchdog fires when the remote side stops responding.
	timerWatchdog
)

func (c timerCategory) String() string {
	switch c {
	case timerStabilize:
		return "stabilize"
	case timerRespond:
		return "respond"
	case timerWatchdog:
		return "watchdog"
	}
	return "unknown"
}

// task is a unit of work serialized onto the loop goroutine.
type task func()

// loop is a single-goroutine reactor. All engine state is owned by the
// loop goroutine: external callers post tasks, and timers post their
// callbacks back onto the loop when they fire. A superseded timer's
// callback becomes a no-op, so a late fire can never act on stale state.
type loop struct {
	tasks    chan task
	done     chan struct{}
	stopOnce sync.Once
	timers   map[timerCategory]*timerHandle
	logger   *slog.Logger
}

type timerHandle struct {
	cancelled bool
	timer     *time.Timer
}

func newLoop(logger *slog.Logger) *loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &loop{
		tasks:  make(chan task, 64),
		done:   make(chan struct{}),
		timers: make(map[timerCategory]*timerHandle),
		logger: logger,
	}
	go l.run()
	return l
}

func (l *loop) run() {
	for {
		select {
		case <-l.done:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// post schedules fn onto the loop goroutine. Tasks posted after stop are
// dropped.
func (l *loop) post(fn task) {
	select {
	case <-l.done:
	case l.tasks <- fn:
	}
}

// postWait posts fn and blocks until it has run. Used for calls that need
// a synchronous acknowledgement (session start, cancel).
func (l *loop) postWait(fn task) {
	ran := make(chan struct{})
	l.post(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
	case <-l.done:
	}
}

// schedule arms category cat to run fn after d, replacing any pending
// timer of the same category. Must be called from the loop goroutine.
func (l *loop) schedule(cat timerCategory, d time.Duration, fn task) {
	l.cancelTimer(cat)

	h := &timerHandle{}
	h.timer = time.AfterFunc(d, func() {
		l.post(func() {
			if h.cancelled {
				return
			}
			if l.timers[cat] == h {
				delete(l.timers, cat)
			}
			fn()
		})
	})
	l.timers[cat] = h
}

// cancelTimer stops the pending timer of a category, if any. Must be
// called from the loop goroutine.
func (l *loop) cancelTimer(cat timerCategory) {
	h, ok := l.timers[cat]
	if !ok {
		return
	}
	h.cancelled = true
	h.timer.Stop()
	delete(l.timers, cat)
}

// cancelAllTimers stops every pending timer. Must be called from the
// loop goroutine.
func (l *loop) cancelAllTimers() {
	for cat := range l.timers {
		l.cancelTimer(cat)
	}
}

// stop shuts the loop down. Pending timers may still fire but their
// posted callbacks are dropped.
func (l *loop) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}
