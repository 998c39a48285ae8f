package findmy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"podlocator/go-poller/internal/model"
	"podlocator/go-poller/internal/session"
)

type accessoryPayload struct {
	ID  string          `json:"id"`
	Key json.RawMessage `json:"key"`
}

type reportPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Status    int       `json:"status"`
}

// FetchLocations requests the latest report for every accessory in one
// call. The returned map is keyed by accessory name; accessories the
// gateway has no report for are absent.
func (c *Client) FetchLocations(ctx context.Context, s *session.Session, accessories []model.Accessory) (map[string]model.Location, error) {
	if s == nil {
		return nil, fmt.Errorf("fetch locations: %w", session.ErrNoSession)
	}

	req := struct {
		Accessories    []accessoryPayload `json:"accessories"`
		SessionContext json.RawMessage    `json:"session_context,omitempty"`
	}{SessionContext: s.Context}
	for _, acc := range accessories {
		req.Accessories = append(req.Accessories, accessoryPayload{ID: acc.Name, Key: json.RawMessage(acc.Credential)})
	}

	var resp struct {
		Locations map[string]*reportPayload `json:"locations"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/locations", s, req, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]model.Location, len(resp.Locations))
	for name, r := range resp.Locations {
		if r == nil {
			continue
		}
		out[name] = model.Location{
			Timestamp:     r.Timestamp.UTC(),
			Latitude:      r.Latitude,
			Longitude:     r.Longitude,
			BatteryStatus: FormatStatus(r.Status),
		}
	}
	return out, nil
}

// FormatStatus renders the raw status byte the way it is stored, e.g. "0b100".
func FormatStatus(status int) string {
	return fmt.Sprintf("0b%b", status)
}
