package governance

import (
	"context"
	"sync"
	"time"
)

// DefaultTick spaces out decay checks; the day marker makes extra ticks
// cheap no-ops.
const DefaultTick = time.Hour

// Scheduler drives the periodic governance activities from one loop.
type Scheduler struct {
	governor *Governor
	interval time.Duration

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewScheduler builds a scheduler around the governor.
func NewScheduler(g *Governor, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultTick
	}
	return &Scheduler{governor: g, interval: interval, stop: make(chan struct{})}
}

// Start launches the loop. An immediate first tick applies any decay owed
// from downtime.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop halts the loop and waits for it.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, _, err := s.governor.RunDecay(ctx, false); err != nil {
		s.governor.log.Warn().Err(err).Msg("scheduled vitality decay failed")
	}
}
