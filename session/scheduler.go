package session

import (
	"context"
	"time"

	"rebelio/engine"
	"rebelio/models"
)

// scheduler is the polling state machine. Idle when polling is false. All
// fields are owned by the session goroutine.
type scheduler struct {
	polling  bool
	gen      uint64
	timer    *time.Timer
	inFlight bool
	nudged   bool

	// waiters attach to the next tick that starts; running to the current one.
	waiters []chan struct{}
	running []chan struct{}
}

type tickResult struct {
	epoch      uint64
	inbox      []models.Message
	inboxErr   error
	updates    []models.StatusUpdate
	updatesErr error
	elapsed    time.Duration
}

// StartAutoRefresh moves Idle to Polling when the account is registered. The
// first tick runs immediately.
func (s *Session) StartAutoRefresh() error {
	var err error
	if doErr := s.do(func() {
		if !s.state.Registered {
			err = ErrNotRegistered
			return
		}
		if s.sched.polling {
			return
		}
		s.sched.polling = true
		s.sched.gen++
		s.log.Info().Dur("interval", s.options.PollInterval).Msg("Polling started")
		if !s.sched.inFlight {
			s.startTick()
		}
		s.publish()
	}); doErr != nil {
		return doErr
	}
	return err
}

// StopPolling moves Polling to Idle. A tick already running completes; no new
// tick starts afterwards.
func (s *Session) StopPolling() {
	_ = s.do(func() {
		if s.stopPollingLocked() {
			s.publish()
		}
	})
}

// Nudge asks for an immediate tick while polling, e.g. when the engine signals
// new data. Nudges never overlap a running tick; they coalesce into one
// follow-up tick.
func (s *Session) Nudge() {
	s.post(func() {
		if !s.sched.polling {
			return
		}
		if s.sched.inFlight {
			s.sched.nudged = true
			return
		}
		s.stopTimer()
		s.startTick()
	})
}

// SyncNow runs one full tick and waits until it has been merged. If a tick is
// already running, it waits for the following one.
func (s *Session) SyncNow(ctx context.Context) error {
	finished := make(chan struct{})
	var err error
	if doErr := s.do(func() {
		if !s.state.Registered {
			err = ErrNotRegistered
			return
		}
		s.sched.waiters = append(s.sched.waiters, finished)
		if !s.sched.inFlight {
			s.stopTimer()
			s.startTick()
		}
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) stopPollingLocked() bool {
	if !s.sched.polling {
		return false
	}
	s.sched.polling = false
	s.sched.gen++
	s.sched.nudged = false
	s.stopTimer()
	s.log.Info().Msg("Polling stopped")
	return true
}

func (s *Session) stopTimer() {
	if s.sched.timer != nil {
		s.sched.timer.Stop()
		s.sched.timer = nil
	}
}

func (s *Session) armNextTick() {
	s.stopTimer()
	gen := s.sched.gen
	s.sched.timer = time.AfterFunc(s.options.PollInterval, func() {
		s.post(func() {
			if !s.sched.polling || s.sched.gen != gen || s.sched.inFlight {
				return
			}
			s.sched.timer = nil
			s.startTick()
		})
	})
}

// startTick pulls the inbox and status updates on a worker. Runs on the owner.
func (s *Session) startTick() {
	s.sched.inFlight = true
	s.sched.running = s.sched.waiters
	s.sched.waiters = nil
	epoch := s.epoch

	s.goIO(func(ctx context.Context) {
		started := time.Now()
		result := tickResult{epoch: epoch}

		inbox, err := s.options.Engine.FetchInbox(ctx)
		result.inbox, result.inboxErr = inbox, engine.Classify(err, "")

		updates, err := s.options.Engine.FetchSentStatusUpdates(ctx)
		result.updates, result.updatesErr = updates, err

		result.elapsed = time.Since(started)
		s.post(func() { s.finishTick(result) })
	})
}

// finishTick merges one tick's results, reacts to new messages, and schedules
// the next tick. Runs on the owner.
func (s *Session) finishTick(result tickResult) {
	changed := false

	if result.epoch != s.epoch {
		s.log.Debug().Msg("Dropping tick results from before a reset")
	} else {
		if result.inboxErr != nil {
			if s.handleIdentityError(result.inboxErr) {
				changed = true
			} else {
				s.log.Warn().Err(result.inboxErr).Msg("Inbox fetch failed")
			}
		} else if inserted := s.store.IngestInbox(result.inbox); len(inserted) > 0 {
			s.log.Debug().Int("count", len(inserted)).Msg("Merged new inbox messages")
			s.onNewIncoming(inserted)
			changed = true
		}

		if result.updatesErr != nil {
			s.log.Debug().Err(result.updatesErr).Msg("Status sync failed")
		} else if s.tracker.ApplyUpdates(result.updates) {
			changed = true
		}
	}

	if result.elapsed > s.options.PollInterval {
		s.log.Debug().Dur("elapsed", result.elapsed).Msg("Tick ran longer than the poll interval")
	}

	if changed {
		s.refreshMessages()
		s.publish()
	}

	for _, waiter := range s.sched.running {
		close(waiter)
	}
	s.sched.running = nil
	s.sched.inFlight = false

	switch {
	case len(s.sched.waiters) > 0:
		s.sched.nudged = false
		s.startTick()
	case s.sched.polling && s.sched.nudged:
		s.sched.nudged = false
		s.startTick()
	case s.sched.polling:
		s.armNextTick()
	}
}
