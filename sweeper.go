package mqttrequest

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// sweeper periodically removes expired entries from a pending table.
type sweeper struct {
	clock    clock.Clock
	interval time.Duration
	sweep    func(now time.Time)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newSweeper(c clock.Clock, interval time.Duration, sweep func(now time.Time)) *sweeper {
	return &sweeper{
		clock:    c,
		interval: interval,
		sweep:    sweep,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// start launches the sweep loop. The ticker is created before start
// returns so that a mock clock advanced right after sees it.
func (s *sweeper) start() {
	ticker := s.clock.Ticker(s.interval)
	go s.loop(ticker)
}

func (s *sweeper) loop(ticker *clock.Ticker) {
	defer close(s.doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(s.clock.Now())
		}
	}
}

// stop ends the loop and waits for it to exit.
func (s *sweeper) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}
