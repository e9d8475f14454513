package engine

import (
	"sync"
	"time"
)

// TimerFired is delivered to the TimerService's sole subscriber (the
// Dispatcher) when a named timer elapses.
type TimerFired struct {
	Name      string
	Fired     time.Time
	Repeating bool
}

type scheduledTimer struct {
	timer     *time.Timer
	ticker    *time.Ticker
	stop      chan struct{}
	repeating bool
	maxCount  int
	fired     int
}

// TimerService manages named, optionally repeating timers (§4.3). Setting a
// timer under a name that already has one scheduled replaces it outright —
// the previous timer is cancelled first so at most one fires per name.
type TimerService struct {
	mu     sync.Mutex
	timers map[string]*scheduledTimer
	onFire func(TimerFired)
}

// NewTimerService returns a TimerService that invokes onFire from the
// timer's own goroutine whenever a timer elapses. onFire runs
// synchronously there: a repeating timer does not take its next tick until
// onFire returns.
func NewTimerService(onFire func(TimerFired)) *TimerService {
	return &TimerService{timers: make(map[string]*scheduledTimer), onFire: onFire}
}

// Set schedules (or replaces) a named timer. If repeat is true the timer
// fires every interval until cancelled, or until it has fired maxCount
// times (maxCount <= 0 means unlimited); otherwise it fires once and is
// removed automatically.
func (s *TimerService) Set(name string, interval time.Duration, repeat bool, maxCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(name)

	st := &scheduledTimer{stop: make(chan struct{}), repeating: repeat, maxCount: maxCount}
	if repeat {
		st.ticker = time.NewTicker(interval)
		go s.runRepeating(name, st)
	} else {
		st.timer = time.AfterFunc(interval, func() { s.fireOnce(name, st) })
	}
	s.timers[name] = st
}

func (s *TimerService) runRepeating(name string, st *scheduledTimer) {
	for {
		select {
		case t := <-st.ticker.C:
			s.onFire(TimerFired{Name: name, Fired: t.UTC(), Repeating: true})

			s.mu.Lock()
			current, ok := s.timers[name]
			if ok && current == st {
				st.fired++
				if st.maxCount > 0 && st.fired >= st.maxCount {
					s.cancelLocked(name)
					s.mu.Unlock()
					return
				}
			}
			s.mu.Unlock()
		case <-st.stop:
			return
		}
	}
}

func (s *TimerService) fireOnce(name string, st *scheduledTimer) {
	s.mu.Lock()
	current, ok := s.timers[name]
	if ok && current == st {
		delete(s.timers, name)
	}
	s.mu.Unlock()
	if ok && current == st {
		s.onFire(TimerFired{Name: name, Fired: time.Now().UTC(), Repeating: false})
	}
}

// Cancel stops a named timer. Idempotent: cancelling an unknown or
// already-fired name is a no-op.
func (s *TimerService) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(name)
}

func (s *TimerService) cancelLocked(name string) {
	st, ok := s.timers[name]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	if st.ticker != nil {
		st.ticker.Stop()
		close(st.stop)
	}
	delete(s.timers, name)
}

// Active reports whether a timer is currently scheduled under name.
func (s *TimerService) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// StopAll cancels every outstanding timer, used on engine Stop.
func (s *TimerService) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.timers {
		s.cancelLocked(name)
	}
}

// Count returns the number of currently scheduled timers.
func (s *TimerService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
