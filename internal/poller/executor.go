// Package poller runs a single polling round: one batch call to the
// location service, mapped back onto every tracked accessory.
package poller

import (
	"context"
	"io"
	"log/slog"
	"time"

	"podlocator/go-poller/internal/model"
	"podlocator/go-poller/internal/session"
)

// MessageNoLocation is recorded for accessories missing from a successful batch.
const MessageNoLocation = "No data returned"

// LocationFetcher returns the latest location per accessory name in one call.
type LocationFetcher interface {
	FetchLocations(ctx context.Context, s *session.Session, accessories []model.Accessory) (map[string]model.Location, error)
}

// SessionPersister saves the session after it has been used.
type SessionPersister interface {
	Persist(s *session.Session) error
}

// Executor performs polling rounds.
type Executor struct {
	fetcher   LocationFetcher
	persister SessionPersister
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutor constructs an Executor. persister may be nil.
func NewExecutor(fetcher LocationFetcher, persister SessionPersister, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		fetcher:   fetcher,
		persister: persister,
		logger:    logger.With("component", "poller"),
		now:       time.Now,
	}
}

// PollOnce runs one round and returns exactly one result per accessory,
// keyed by accessory name.
func (e *Executor) PollOnce(ctx context.Context, roundID string, s *session.Session, accessories []model.Accessory) map[string]model.PollResult {
	polledAt := e.now().UTC()
	logger := e.logger.With("round", roundID)
	results := make(map[string]model.PollResult, len(accessories))

	logger.Info("polling location service", "accessories", len(accessories))

	locations, err := e.fetcher.FetchLocations(ctx, s, accessories)
	if err != nil {
		outcome := Classify(err)
		logger.Error("batch location call failed", "outcome", outcome, "error", err)
		for _, acc := range accessories {
			results[acc.Name] = model.PollResult{
				Part:      acc.Name,
				RoundID:   roundID,
				PolledAt:  polledAt,
				Outcome:   outcome,
				ErrorText: err.Error(),
			}
		}
		return results
	}

	for _, acc := range accessories {
		res := model.PollResult{Part: acc.Name, RoundID: roundID, PolledAt: polledAt}
		if loc, ok := locations[acc.Name]; ok {
			res.Outcome = model.OutcomeSuccess
			res.Location = &loc
			logger.Info("poll success", "part", acc.Name, "latitude", loc.Latitude, "longitude", loc.Longitude)
		} else {
			res.Outcome = model.OutcomeNoLocationReturned
			res.ErrorText = MessageNoLocation
			logger.Warn("poll failed", "part", acc.Name, "outcome", res.Outcome)
		}
		results[acc.Name] = res
	}

	// Tokens or cookies may have been refreshed by the call.
	if e.persister != nil {
		if err := e.persister.Persist(s); err != nil {
			logger.Warn("failed to persist session after round", "error", err)
		}
	}

	return results
}
