package model

import "time"

// Accessory is a tracked device loaded once at startup.
type Accessory struct {
	Name       string `json:"name"`
	Path       string `json:"-"`
	Credential []byte `json:"-"`
}

// Outcome classifies the result of polling one accessory in one round.
type Outcome string

const (
	OutcomeSuccess            Outcome = "SUCCESS"
	OutcomeNoLocationReturned Outcome = "NO_LOCATION_RETURNED"
	OutcomeAuthError          Outcome = "AUTH_ERROR"
	OutcomeAPIError           Outcome = "FAILED_API_ERROR"
)

// Failed reports whether the outcome should be written to the error log.
func (o Outcome) Failed() bool {
	return o != OutcomeSuccess
}

// Location is a single report returned by the location service.
type Location struct {
	Timestamp     time.Time `json:"timestamp"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	BatteryStatus string    `json:"battery_status"`
}

// PollResult is the outcome for one accessory in one round.
type PollResult struct {
	Part      string    `json:"part_name"`
	RoundID   string    `json:"round_id"`
	PolledAt  time.Time `json:"polled_at"`
	Outcome   Outcome   `json:"status"`
	Location  *Location `json:"location,omitempty"`
	ErrorText string    `json:"error_message,omitempty"`
}

// SuccessRecord is a row of the poll_logs table.
type SuccessRecord struct {
	Part          string    `json:"part_name"`
	Timestamp     time.Time `json:"timestamp"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	BatteryStatus string    `json:"battery_status"`
}

// ErrorRecord is a row of the error_logs table. Part is empty for
// round-level failures that are not tied to an accessory.
type ErrorRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Part      string    `json:"part_name,omitempty"`
	Status    Outcome   `json:"status"`
	Message   string    `json:"error_message,omitempty"`
	RoundID   string    `json:"round_id,omitempty"`
}

// LogQuery selects a page of log rows for the read API.
type LogQuery struct {
	Start  time.Time
	End    time.Time
	Part   string
	Limit  int
	Offset int
}
