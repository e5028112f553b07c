package game

import (
	"context"
	"time"
)

// every runs fn on each tick until ctx is done or fn returns false.
func every(ctx context.Context, interval time.Duration, fn func() bool) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !fn() {
				return
			}
		}
	}
}

// startTask launches a periodic task bound to parent and returns its cancel func.
func startTask(parent context.Context, interval time.Duration, fn func() bool) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		defer cancel()
		every(ctx, interval, fn)
	}()
	return cancel
}

func (s *Session) startRegenLocked() {
	if s.regenCancel != nil {
		s.regenCancel()
	}
	s.regenCancel = startTask(s.ctx, s.rules.EnergyRegenInterval, s.RegenEnergy)
}

func (s *Session) startBoostTickerLocked() {
	s.stopBoostTickerLocked()
	s.boostCancel = startTask(s.ctx, s.rules.BoostTickInterval, s.TickBoost)
}

func (s *Session) stopBoostTickerLocked() {
	if s.boostCancel != nil {
		s.boostCancel()
		s.boostCancel = nil
	}
}

// BoostTickerRunning reports whether the boost countdown task is live.
func (s *Session) BoostTickerRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boostCancel != nil
}
