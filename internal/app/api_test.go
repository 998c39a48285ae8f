package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"podlocator/go-poller/internal/model"
	"podlocator/go-poller/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAPI(t *testing.T) (*api, *store.Store) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "locations.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	a := newAPI(s, nil, discardLogger())
	a.now = func() time.Time { return testNow }
	return a, s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v (%q)", target, err, rec.Body.String())
	}
	return rec, body
}

func seed(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	for _, r := range []model.SuccessRecord{
		{Part: "LEFT", Timestamp: testNow.Add(-time.Hour), Latitude: 1, Longitude: 2, BatteryStatus: "0b1"},
		{Part: "RIGHT", Timestamp: testNow.Add(-2 * time.Hour), Latitude: 3, Longitude: 4, BatteryStatus: "0b10"},
		{Part: "LEFT", Timestamp: testNow.Add(-48 * time.Hour), Latitude: 5, Longitude: 6, BatteryStatus: "0b11"},
	} {
		if err := s.RecordSuccess(ctx, r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := s.InsertError(ctx, model.ErrorRecord{
		Timestamp: testNow.Add(-30 * time.Minute),
		Part:      "CASE",
		Status:    model.OutcomeNoLocationReturned,
		Message:   "No data returned",
		RoundID:   "r1",
	}); err != nil {
		t.Fatalf("seed error: %v", err)
	}
}

func TestPollLogsDefaultWindow(t *testing.T) {
	a, s := newTestAPI(t)
	seed(t, s)

	rec, body := get(t, a.routes(), "/api/poll-logs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "success" {
		t.Fatalf("unexpected body %v", body)
	}
	// The 48h-old sample falls outside the trailing day.
	if body["count"].(float64) != 2 {
		t.Fatalf("count = %v", body["count"])
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

func TestPollLogsFilters(t *testing.T) {
	a, s := newTestAPI(t)
	seed(t, s)
	h := a.routes()

	_, body := get(t, h, "/api/poll-logs?part=left&start=2026-02-27")
	if body["count"].(float64) != 2 {
		t.Fatalf("count = %v", body["count"])
	}
	for _, row := range body["data"].([]any) {
		if row.(map[string]any)["part_name"] != "LEFT" {
			t.Fatalf("unexpected row %v", row)
		}
	}

	_, body = get(t, h, "/api/poll-logs?part=LEFT&start=2026-02-27&limit=1")
	if body["count"].(float64) != 1 {
		t.Fatalf("limit ignored: %v", body["count"])
	}
}

func TestPollLogsBadParams(t *testing.T) {
	a, _ := newTestAPI(t)
	h := a.routes()

	for _, target := range []string{
		"/api/poll-logs?start=yesterday",
		"/api/poll-logs?end=2026-13-01",
		"/api/poll-logs?start=2026-03-01&end=2026-02-01",
		"/api/poll-logs?limit=0",
		"/api/poll-logs?limit=5000",
		"/api/poll-logs?offset=-1",
		"/api/error-logs?limit=abc",
	} {
		rec, body := get(t, h, target)
		if rec.Code != http.StatusBadRequest || body["status"] != "error" || body["message"] == "" {
			t.Fatalf("%s: status=%d body=%v", target, rec.Code, body)
		}
	}
}

func TestErrorLogs(t *testing.T) {
	a, s := newTestAPI(t)
	seed(t, s)

	_, body := get(t, a.routes(), "/api/error-logs")
	if body["count"].(float64) != 1 {
		t.Fatalf("count = %v", body["count"])
	}
	row := body["data"].([]any)[0].(map[string]any)
	if row["part_name"] != "CASE" || row["status"] != string(model.OutcomeNoLocationReturned) {
		t.Fatalf("unexpected row %v", row)
	}
}

func TestLatestAndEmptyData(t *testing.T) {
	a, s := newTestAPI(t)
	h := a.routes()

	_, body := get(t, h, "/api/latest")
	if data, ok := body["data"].([]any); !ok || len(data) != 0 {
		t.Fatalf("expected empty array, got %v", body["data"])
	}

	seed(t, s)
	_, body = get(t, h, "/api/latest")
	if body["count"].(float64) != 2 {
		t.Fatalf("latest count = %v", body["count"])
	}
}

func TestHealthAndReadiness(t *testing.T) {
	a, s := newTestAPI(t)
	h := a.routes()

	if rec, _ := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec, body := get(t, h, "/readyz"); rec.Code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("readyz = %d %v", rec.Code, body)
	}

	_ = s.Close()
	if rec, _ := get(t, h, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz after close = %d", rec.Code)
	}
}

func TestPreflight(t *testing.T) {
	a, _ := newTestAPI(t)
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/poll-logs", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d", rec.Code)
	}
}

func TestMDNSHelpers(t *testing.T) {
	if got := sanitizeMDNSInstance("Pod.Locator_1\n"); got != "Pod Locator 1" {
		t.Fatalf("instance = %q", got)
	}
	if got := sanitizeMDNSHost(" My Host_1 "); got != "my-host-1" {
		t.Fatalf("host = %q", got)
	}
	if got := sanitizeMDNSHost(""); got != "podlocator" {
		t.Fatalf("empty host = %q", got)
	}

	txt := mdnsTXT(8080, 0, "box")
	want := []string{"http_port=8080", "proto=v1", "host=box.local"}
	if len(txt) != len(want) {
		t.Fatalf("txt = %v", txt)
	}
	for i := range want {
		if txt[i] != want[i] {
			t.Fatalf("txt = %v", txt)
		}
	}
	if txt := mdnsTXT(8080, 9090, "box.lan"); txt[2] != "host=box.lan" || txt[3] != "metrics_port=9090" {
		t.Fatalf("txt = %v", txt)
	}
}
