package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kwv/fieldloc/loc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// fakeCommands records operator commands
type fakeCommands struct {
	mu       sync.Mutex
	resets   []resetCall
	globals  int
	resetErr error
}

type resetCall struct {
	x, y    float64
	heading *float64
}

func (f *fakeCommands) ResetPosition(x, y float64, heading *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resets = append(f.resets, resetCall{x, y, heading})
	return nil
}

func (f *fakeCommands) ForceGlobalSearch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globals++
}

func testField(t *testing.T) *loc.FieldMap {
	t.Helper()
	field, err := loc.NewFieldMap(loc.DefaultFieldWidth, loc.DefaultFieldHeight,
		loc.DefaultWalls(loc.DefaultFieldWidth, loc.DefaultFieldHeight, loc.DefaultGoalWidth, loc.DefaultGoalDepth))
	require.NoError(t, err)
	return field
}

func testSensors() []loc.SensorDescriptor {
	cfg := loc.DefaultConfig()
	return cfg.Sensors.Descriptors()
}

// testSnapshot is a converged snapshot at the field center facing 90°
func testSnapshot() loc.Snapshot {
	sensors := make([]loc.SensorStatus, 8)
	for i := range sensors {
		sensors[i] = loc.SensorStatus{
			Name:     loc.DefaultSensorRing()[i].Name,
			Angle:    float64(i) * 45,
			Distance: 900 + float64(i)*10,
			Valid:    true,
			Healthy:  true,
		}
	}
	sensors[7].Valid = false
	sensors[7].Healthy = false

	return loc.Snapshot{
		Estimate: loc.Estimate{
			Position:   loc.Point{X: 1215, Y: 910},
			Heading:    math.Pi / 2,
			Confidence: 0.92,
		},
		Error:          140,
		Sensors:        sensors,
		ValidSensors:   7,
		HealthySensors: 7,
		Initialized:    true,
		Validated:      true,
		Cycles:         12,
		Timestamp:      time.Unix(1700000000, 0),
	}
}

func newTestServer(t *testing.T) (http.Handler, *loc.StateTracker, *fakeCommands) {
	t.Helper()
	tracker := loc.NewStateTracker()
	commands := &fakeCommands{}
	return newHTTPServer(tracker, commands, testField(t), testSensors()), tracker, commands
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return w
}

// ---------------------------------------------------------------------------
// health and snapshot endpoints
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	h, tracker, _ := newTestServer(t)

	w := get(h, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["hasSnapshot"] != false {
		t.Errorf("hasSnapshot = %v, want false", body["hasSnapshot"])
	}

	tracker.Update(testSnapshot())
	w = get(h, "/health")
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["hasSnapshot"] != true {
		t.Errorf("hasSnapshot = %v, want true", body["hasSnapshot"])
	}
}

func TestEndpoints_NoSnapshot_503(t *testing.T) {
	h, _, _ := newTestServer(t)

	for _, path := range []string{"/api/localization_data", "/api/sensor_data", "/api/status", "/api/accuracy"} {
		t.Run(path, func(t *testing.T) {
			w := get(h, path)
			if w.Code != http.StatusServiceUnavailable {
				t.Errorf("%s status = %d, want 503", path, w.Code)
			}
		})
	}
}

func TestLocalizationData(t *testing.T) {
	h, tracker, _ := newTestServer(t)
	tracker.Update(testSnapshot())

	w := get(h, "/api/localization_data")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		loc.Snapshot
		HeadingDegrees float64 `json:"headingDegrees"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, loc.Point{X: 1215, Y: 910}, body.Estimate.Position)
	assert.InDelta(t, 90, body.HeadingDegrees, 1e-9)
	assert.Equal(t, 0.92, body.Estimate.Confidence)
	assert.Len(t, body.Sensors, 8)
	assert.EqualValues(t, 12, body.Cycles)
}

func TestSensorData(t *testing.T) {
	h, tracker, _ := newTestServer(t)
	tracker.Update(testSnapshot())

	w := get(h, "/api/sensor_data")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Sensors []loc.SensorStatus  `json:"sensors"`
		Health  loc.SensorHealth    `json:"health"`
		Closest *loc.ClosestReading `json:"closest"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Sensors, 8)
	assert.Equal(t, 8, body.Health.Total)
	assert.Equal(t, 7, body.Health.Healthy)
	assert.Equal(t, []string{"front_right"}, body.Health.Unhealthy)
	require.NotNil(t, body.Closest)
	assert.Equal(t, "front", body.Closest.Name)
	assert.Equal(t, 900.0, body.Closest.Distance)
}

func TestFieldInfo(t *testing.T) {
	h, _, _ := newTestServer(t)

	w := get(h, "/api/field_info")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Width   float64           `json:"width"`
		Height  float64           `json:"height"`
		Walls   []loc.WallSegment `json:"walls"`
		Sensors []struct {
			Name  string  `json:"name"`
			Angle float64 `json:"angle"`
		} `json:"sensors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, loc.DefaultFieldWidth, body.Width)
	assert.Equal(t, loc.DefaultFieldHeight, body.Height)
	assert.NotEmpty(t, body.Walls)
	require.Len(t, body.Sensors, 8)
	assert.Equal(t, "left", body.Sensors[2].Name)
	assert.InDelta(t, 90, body.Sensors[2].Angle, 1e-9)
}

func TestStatus(t *testing.T) {
	h, tracker, _ := newTestServer(t)
	snap := testSnapshot()
	snap.ConsecutiveFailures = 2
	tracker.Update(snap)

	w := get(h, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Initialized         bool             `json:"initialized"`
		Validated           bool             `json:"validated"`
		ConsecutiveFailures int              `json:"consecutiveFailures"`
		Bounds              loc.BoundsReport `json:"bounds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Initialized)
	assert.True(t, body.Validated)
	assert.Equal(t, 2, body.ConsecutiveFailures)
	assert.True(t, body.Bounds.InBounds)
	assert.Equal(t, "bottom", body.Bounds.NearestEdge)
	assert.Equal(t, 910.0, body.Bounds.NearestDistance)
}

func TestAccuracyEndpoint(t *testing.T) {
	h, tracker, _ := newTestServer(t)
	tracker.Update(testSnapshot())

	w := get(h, "/api/accuracy")
	require.Equal(t, http.StatusOK, w.Code)

	var body loc.AccuracyReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.InDelta(t, 20, body.MeanError, 1e-9)
	assert.Equal(t, loc.ClassifyAccuracy(20), body.Level)
	assert.Equal(t, 7, body.ValidSensors)
}

// ---------------------------------------------------------------------------
// commands
// ---------------------------------------------------------------------------

func TestResetPositionEndpoint(t *testing.T) {
	h, _, commands := newTestServer(t)

	w := post(h, "/api/reset_position", `{"x": 600, "y": 400, "heading": 90}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, commands.resets, 1)
	call := commands.resets[0]
	assert.Equal(t, 600.0, call.x)
	assert.Equal(t, 400.0, call.y)
	require.NotNil(t, call.heading)
	assert.InDelta(t, math.Pi/2, *call.heading, 1e-12)

	w = post(h, "/api/reset_position", `{"x": 600, "y": 400}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, commands.resets, 2)
	assert.Nil(t, commands.resets[1].heading)
}

func TestResetPositionEndpoint_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		err    error
		want   int
	}{
		{"wrong method", http.MethodGet, "", nil, http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, `{"x":`, nil, http.StatusBadRequest},
		{"missing y", http.MethodPost, `{"x": 100}`, nil, http.StatusBadRequest},
		{"rejected", http.MethodPost, `{"x": 9000, "y": 100}`, errors.New("outside the field"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, commands := newTestServer(t)
			commands.resetErr = tt.err

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(tt.method, "/api/reset_position", strings.NewReader(tt.body)))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if len(commands.resets) != 0 {
				t.Errorf("expected no accepted resets, got %d", len(commands.resets))
			}
		})
	}
}

func TestGlobalSearchEndpoint(t *testing.T) {
	h, _, commands := newTestServer(t)

	w := get(h, "/api/global_search")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, 0, commands.globals)

	w = post(h, "/api/global_search", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, commands.globals)
}

// ---------------------------------------------------------------------------
// images
// ---------------------------------------------------------------------------

func TestImageEndpoints(t *testing.T) {
	tests := []struct {
		path        string
		contentType string
		check       func(t *testing.T, body []byte)
	}{
		{"/live.png", "image/png", func(t *testing.T, body []byte) {
			assert.True(t, bytes.HasPrefix(body, []byte("\x89PNG")))
		}},
		{"/field.svg", "image/svg+xml", func(t *testing.T, body []byte) {
			assert.Contains(t, string(body), "<svg")
		}},
		{"/field.geojson", "application/geo+json", func(t *testing.T, body []byte) {
			var fc map[string]interface{}
			require.NoError(t, json.Unmarshal(body, &fc))
			assert.Equal(t, "FeatureCollection", fc["type"])
		}},
	}

	for _, withSnapshot := range []bool{false, true} {
		h, tracker, _ := newTestServer(t)
		if withSnapshot {
			tracker.Update(testSnapshot())
		}
		for _, tt := range tests {
			t.Run(tt.path, func(t *testing.T) {
				w := get(h, tt.path)
				require.Equal(t, http.StatusOK, w.Code)
				assert.Equal(t, tt.contentType, w.Header().Get("Content-Type"))
				tt.check(t, w.Body.Bytes())
			})
		}
	}
}

// ---------------------------------------------------------------------------
// websocket
// ---------------------------------------------------------------------------

func TestWebsocketStream(t *testing.T) {
	h, tracker, _ := newTestServer(t)
	tracker.Update(testSnapshot())

	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// the latest snapshot arrives immediately
	var first loc.Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, loc.Point{X: 1215, Y: 910}, first.Estimate.Position)

	// later updates are streamed
	next := testSnapshot()
	next.Estimate.Position = loc.Point{X: 1300, Y: 950}
	tracker.Update(next)

	var second loc.Snapshot
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, loc.Point{X: 1300, Y: 950}, second.Estimate.Position)
}

func TestWebsocket_RejectsPlainHTTP(t *testing.T) {
	h, _, _ := newTestServer(t)
	w := get(h, "/ws")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
