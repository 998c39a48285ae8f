package poller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"podlocator/go-poller/internal/model"
	"podlocator/go-poller/internal/session"
)

type fakeFetcher struct {
	locations map[string]model.Location
	err       error
	calls     int
	lastBatch []model.Accessory
}

func (f *fakeFetcher) FetchLocations(_ context.Context, _ *session.Session, accessories []model.Accessory) (map[string]model.Location, error) {
	f.calls++
	f.lastBatch = accessories
	if f.err != nil {
		return nil, f.err
	}
	return f.locations, nil
}

type countingPersister struct {
	calls int
	err   error
}

func (p *countingPersister) Persist(*session.Session) error {
	p.calls++
	return p.err
}

var threeAccessories = []model.Accessory{{Name: "CASE"}, {Name: "LEFT"}, {Name: "RIGHT"}}

func TestPollOncePartialBatch(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{locations: map[string]model.Location{
		"LEFT":  {Timestamp: ts, Latitude: 1, Longitude: 2, BatteryStatus: "0b1"},
		"RIGHT": {Timestamp: ts, Latitude: 3, Longitude: 4, BatteryStatus: "0b0"},
	}}
	persister := &countingPersister{}
	e := NewExecutor(fetcher, persister, nil)

	results := e.PollOnce(context.Background(), "r1", &session.Session{Token: "t"}, threeAccessories)

	if fetcher.calls != 1 {
		t.Fatalf("expected exactly one batch call, got %d", fetcher.calls)
	}
	if len(fetcher.lastBatch) != 3 {
		t.Fatalf("batch carried %d accessories, want 3", len(fetcher.lastBatch))
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if got := results["CASE"].Outcome; got != model.OutcomeNoLocationReturned {
		t.Fatalf("CASE outcome = %s", got)
	}
	if results["CASE"].ErrorText != MessageNoLocation {
		t.Fatalf("CASE message = %q", results["CASE"].ErrorText)
	}
	for _, part := range []string{"LEFT", "RIGHT"} {
		r := results[part]
		if r.Outcome != model.OutcomeSuccess || r.Location == nil {
			t.Fatalf("%s result = %+v", part, r)
		}
	}
	if results["LEFT"].Location.Latitude != 1 || results["RIGHT"].Location.Latitude != 3 {
		t.Fatalf("locations mixed up between accessories")
	}

	polledAt := results["CASE"].PolledAt
	for part, r := range results {
		if !r.PolledAt.Equal(polledAt) || r.RoundID != "r1" {
			t.Errorf("%s not stamped with the round: %+v", part, r)
		}
	}
	if persister.calls != 1 {
		t.Fatalf("persist called %d times, want 1", persister.calls)
	}
}

func TestPollOnceBatchFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want model.Outcome
	}{
		{"unauthorized text", errors.New("401 Unauthorized"), model.OutcomeAuthError},
		{"wrapped sentinel", fmt.Errorf("post: %w", session.ErrUnauthorized), model.OutcomeAuthError},
		{"server error", errors.New("503 service unavailable"), model.OutcomeAPIError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fetcher := &fakeFetcher{err: tc.err}
			persister := &countingPersister{}
			e := NewExecutor(fetcher, persister, nil)

			results := e.PollOnce(context.Background(), "r2", &session.Session{Token: "t"}, threeAccessories)

			if len(results) != len(threeAccessories) {
				t.Fatalf("expected %d results, got %d", len(threeAccessories), len(results))
			}
			for part, r := range results {
				if r.Outcome != tc.want {
					t.Errorf("%s outcome = %s, want %s", part, r.Outcome, tc.want)
				}
				if r.ErrorText != tc.err.Error() {
					t.Errorf("%s message = %q", part, r.ErrorText)
				}
				if r.Location != nil {
					t.Errorf("%s has a location on failure", part)
				}
			}
			if persister.calls != 0 {
				t.Fatalf("session must not be persisted after a failed batch")
			}
		})
	}
}

func TestPollOncePersistFailureDoesNotAffectResults(t *testing.T) {
	fetcher := &fakeFetcher{locations: map[string]model.Location{"LEFT": {}}}
	persister := &countingPersister{err: errors.New("disk full")}
	e := NewExecutor(fetcher, persister, nil)

	results := e.PollOnce(context.Background(), "r3", &session.Session{Token: "t"}, []model.Accessory{{Name: "LEFT"}})
	if results["LEFT"].Outcome != model.OutcomeSuccess {
		t.Fatalf("outcome = %s", results["LEFT"].Outcome)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want model.Outcome
	}{
		{nil, model.OutcomeSuccess},
		{errors.New("UNAUTHORIZED"), model.OutcomeAuthError},
		{errors.New("request unauthorized by gateway"), model.OutcomeAuthError},
		{errors.New("Authentication required"), model.OutcomeAuthError},
		{session.ErrAuth, model.OutcomeAuthError},
		{fmt.Errorf("validate: %w", session.ErrUnauthorized), model.OutcomeAuthError},
		{errors.New("connection refused"), model.OutcomeAPIError},
		{fmt.Errorf("%w: validate session: GET /v1/auth/session: connection refused", session.ErrUnavailable), model.OutcomeAPIError},
		{errors.New("429 too many requests"), model.OutcomeAPIError},
		{context.DeadlineExceeded, model.OutcomeAPIError},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
