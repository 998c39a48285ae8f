// Package scheduler drives polling rounds on a fixed interval, pre-empted by
// a manual trigger, and writes every outcome to the log store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"podlocator/go-poller/internal/model"
	"podlocator/go-poller/internal/poller"
	"podlocator/go-poller/internal/session"
	"podlocator/go-poller/internal/store"
)

// SessionSource supplies a valid session, authenticating if needed.
type SessionSource interface {
	RestoreOrAuthenticate(ctx context.Context) (*session.Session, error)
}

// Poller runs one round.
type Poller interface {
	PollOnce(ctx context.Context, roundID string, s *session.Session, accessories []model.Accessory) map[string]model.PollResult
}

// Recorder is the write side of the log store.
type Recorder interface {
	RecordSuccess(ctx context.Context, rec model.SuccessRecord) error
	RecordFailure(ctx context.Context, rec model.ErrorRecord)
}

// Listener observes every completed round.
type Listener interface {
	RoundCompleted(ctx context.Context, round Round)
}

// Round summarizes one iteration of the loop.
type Round struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	// Results holds one entry per accessory, in configuration order. It is
	// empty when the round failed before polling.
	Results []model.PollResult
	// Err is set for round-level failures: session acquisition or a panic.
	Err        error
	ErrOutcome model.Outcome
	Duplicates int
}

// Config holds the scheduler's fixed inputs.
type Config struct {
	Interval    time.Duration
	Accessories []model.Accessory
}

// Scheduler is the polling control loop. All of its state is confined to
// the goroutine calling Run or RunRound.
type Scheduler struct {
	cfg       Config
	sessions  SessionSource
	poller    Poller
	recorder  Recorder
	trigger   *Trigger
	listeners []Listener
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	session *session.Session
}

// New constructs a Scheduler. trigger may be nil, in which case only the
// interval starts rounds.
func New(cfg Config, sessions SessionSource, p Poller, recorder Recorder, trigger *Trigger, logger *slog.Logger, listeners ...Listener) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if trigger == nil {
		trigger = NewTrigger()
	}
	return &Scheduler{
		cfg:       cfg,
		sessions:  sessions,
		poller:    p,
		recorder:  recorder,
		trigger:   trigger,
		listeners: listeners,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Trigger returns the manual trigger shared with listeners.
func (s *Scheduler) Trigger() *Trigger {
	return s.trigger
}

// Run polls until ctx is cancelled. A failing round never stops the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "accessories", len(s.cfg.Accessories))

	for {
		s.RunRound(ctx)
		if !s.wait(ctx) {
			s.logger.Info("scheduler stopped")
			return nil
		}
	}
}

// RunRound runs a single round: ensure a session, poll, record.
func (s *Scheduler) RunRound(ctx context.Context) (round Round) {
	round = Round{ID: s.newID(), Started: s.now()}
	logger := s.logger.With("round", round.ID)
	// Records are still written when shutdown lands mid-round.
	writeCtx := context.WithoutCancel(ctx)

	logger.Info("round started")
	defer func() {
		if r := recover(); r != nil {
			round.Err = fmt.Errorf("round panicked: %v", r)
			round.ErrOutcome = model.OutcomeAPIError
			logger.Error("round panicked", "panic", r)
			s.recordRoundFailure(writeCtx, round)
		}
		round.Duration = s.now().Sub(round.Started)
		logger.Info("round finished", "duration", round.Duration, "results", len(round.Results), "error", round.Err)
		s.notify(writeCtx, round)
	}()

	if s.session == nil {
		sess, err := s.sessions.RestoreOrAuthenticate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				round.Err = ctx.Err()
				return round
			}
			round.Err = fmt.Errorf("acquire session: %w", err)
			round.ErrOutcome = poller.Classify(err)
			logger.Error("session unavailable, skipping round", "error", err)
			s.recordRoundFailure(writeCtx, round)
			return round
		}
		s.session = sess
	}

	results := s.poller.PollOnce(ctx, round.ID, s.session, s.cfg.Accessories)

	dropSession := false
	for _, acc := range s.cfg.Accessories {
		res, ok := results[acc.Name]
		if !ok {
			// Keeps the one-outcome-per-accessory guarantee even for a
			// misbehaving poller.
			res = model.PollResult{Part: acc.Name, RoundID: round.ID, PolledAt: round.Started.UTC(), Outcome: model.OutcomeAPIError, ErrorText: "no result produced for accessory"}
		}
		round.Results = append(round.Results, res)

		if res.Outcome == model.OutcomeAuthError {
			dropSession = true
		}
		if s.record(writeCtx, logger, res) {
			round.Duplicates++
		}
	}

	if dropSession {
		logger.Warn("authentication rejected, session will be restored and revalidated next round")
		s.session = nil
	}
	return round
}

// record writes one result and reports whether it was a duplicate.
func (s *Scheduler) record(ctx context.Context, logger *slog.Logger, res model.PollResult) bool {
	if !res.Outcome.Failed() && res.Location != nil {
		err := s.recorder.RecordSuccess(ctx, model.SuccessRecord{
			Part:          res.Part,
			Timestamp:     res.Location.Timestamp,
			Latitude:      res.Location.Latitude,
			Longitude:     res.Location.Longitude,
			BatteryStatus: res.Location.BatteryStatus,
		})
		switch {
		case errors.Is(err, store.ErrDuplicateEntry):
			logger.Debug("duplicate timestamp, skipping", "part", res.Part, "timestamp", res.Location.Timestamp)
			return true
		case err != nil:
			logger.Error("failed to record success", "part", res.Part, "error", err)
		}
		return false
	}

	s.recorder.RecordFailure(ctx, model.ErrorRecord{
		Timestamp: res.PolledAt,
		Part:      res.Part,
		Status:    res.Outcome,
		Message:   res.ErrorText,
		RoundID:   res.RoundID,
	})
	return false
}

func (s *Scheduler) recordRoundFailure(ctx context.Context, round Round) {
	s.recorder.RecordFailure(ctx, model.ErrorRecord{
		Timestamp: s.now().UTC(),
		Status:    round.ErrOutcome,
		Message:   round.Err.Error(),
		RoundID:   round.ID,
	})
}

func (s *Scheduler) notify(ctx context.Context, round Round) {
	for _, l := range s.listeners {
		l.RoundCompleted(ctx, round)
	}
}

// wait blocks until the interval elapses or the trigger fires. It reports
// false once ctx is done.
func (s *Scheduler) wait(ctx context.Context) bool {
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	now := s.now()
	s.logger.Info("waiting for next round", "next", humanize.RelTime(now.Add(s.cfg.Interval), now, "ago", "from now"))

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		s.logger.Info("interval reached, starting scheduled poll")
		return true
	case <-s.trigger.C():
		s.logger.Info("manual poll triggered")
		return true
	}
}
