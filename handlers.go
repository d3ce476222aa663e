package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kwv/fieldloc/loc"
)

const (
	wsWriteTimeout = 2 * time.Second
	wsBuffer       = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// resetRequest is the body of POST /api/reset_position. Heading is in degrees.
type resetRequest struct {
	X       *float64 `json:"x"`
	Y       *float64 `json:"y"`
	Heading *float64 `json:"heading,omitempty"`
}

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// latestOr503 returns the latest snapshot or writes 503 when none exists yet
func latestOr503(w http.ResponseWriter, tracker *loc.StateTracker) (loc.Snapshot, bool) {
	snap, ok := tracker.Latest()
	if !ok {
		http.Error(w, "No localization data yet", http.StatusServiceUnavailable)
	}
	return snap, ok
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *loc.StateTracker, commands loc.Commands, field *loc.FieldMap, sensors []loc.SensorDescriptor) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status      string    `json:"status"`
			Timestamp   time.Time `json:"timestamp"`
			HasSnapshot bool      `json:"hasSnapshot"`
		}{
			Status:      "ok",
			Timestamp:   time.Now(),
			HasSnapshot: tracker.HasSnapshot(),
		}
		writeJSON(w, http.StatusOK, status)
	})

	// Latest pose snapshot
	mux.HandleFunc("/api/localization_data", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := latestOr503(w, tracker)
		if !ok {
			return
		}
		resp := struct {
			loc.Snapshot
			HeadingDegrees float64 `json:"headingDegrees"`
		}{
			Snapshot:       snap,
			HeadingDegrees: snap.Estimate.HeadingDegrees(),
		}
		writeJSON(w, http.StatusOK, resp)
	})

	// Per-sensor readings with health summary
	mux.HandleFunc("/api/sensor_data", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := latestOr503(w, tracker)
		if !ok {
			return
		}
		resp := struct {
			Sensors []loc.SensorStatus  `json:"sensors"`
			Health  loc.SensorHealth    `json:"health"`
			Closest *loc.ClosestReading `json:"closest,omitempty"`
		}{
			Sensors: snap.Sensors,
			Health:  loc.Health(snap),
		}
		if c, ok := loc.ClosestSensor(snap); ok {
			resp.Closest = &c
		}
		writeJSON(w, http.StatusOK, resp)
	})

	// Static field geometry and sensor ring
	mux.HandleFunc("/api/field_info", func(w http.ResponseWriter, r *http.Request) {
		type sensorInfo struct {
			Name    string  `json:"name"`
			Angle   float64 `json:"angle"` // degrees
			OffsetX float64 `json:"offsetX"`
			OffsetY float64 `json:"offsetY"`
		}
		ring := make([]sensorInfo, len(sensors))
		for i, s := range sensors {
			ring[i] = sensorInfo{
				Name:    s.Name,
				Angle:   loc.NormalizeAngle(loc.Degrees(s.Angle)),
				OffsetX: s.Offset.X,
				OffsetY: s.Offset.Y,
			}
		}
		resp := struct {
			Width   float64           `json:"width"`
			Height  float64           `json:"height"`
			Walls   []loc.WallSegment `json:"walls"`
			Sensors []sensorInfo      `json:"sensors"`
		}{
			Width:   field.Width(),
			Height:  field.Height(),
			Walls:   field.Walls(),
			Sensors: ring,
		}
		writeJSON(w, http.StatusOK, resp)
	})

	// Validation, recovery and bounds status
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := latestOr503(w, tracker)
		if !ok {
			return
		}
		resp := struct {
			Initialized         bool             `json:"initialized"`
			GlobalSearch        bool             `json:"globalSearch"`
			Validated           bool             `json:"validated"`
			ValidationReason    string           `json:"validationReason,omitempty"`
			ConsecutiveFailures int              `json:"consecutiveFailures"`
			Cycles              uint64           `json:"cycles"`
			Bounds              loc.BoundsReport `json:"bounds"`
			Timestamp           time.Time        `json:"timestamp"`
		}{
			Initialized:         snap.Initialized,
			GlobalSearch:        snap.GlobalSearch,
			Validated:           snap.Validated,
			ValidationReason:    snap.ValidationReason,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			Cycles:              snap.Cycles,
			Bounds:              loc.CheckBounds(field, snap.Estimate.Position),
			Timestamp:           snap.Timestamp,
		}
		writeJSON(w, http.StatusOK, resp)
	})

	// Accuracy classification
	mux.HandleFunc("/api/accuracy", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := latestOr503(w, tracker)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, loc.Accuracy(snap))
	})

	// Operator command: place the robot at a known pose
	mux.HandleFunc("/api/reset_position", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req resetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.X == nil || req.Y == nil {
			http.Error(w, "x and y are required", http.StatusBadRequest)
			return
		}

		var heading *float64
		if req.Heading != nil {
			h := loc.Radians(*req.Heading)
			heading = &h
		}
		log.Printf("[HTTP] Reset position to (%.0f, %.0f) from %s", *req.X, *req.Y, r.RemoteAddr)
		if err := commands.ResetPosition(*req.X, *req.Y, heading); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Operator command: force a global re-search
	mux.HandleFunc("/api/global_search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		log.Printf("[HTTP] Global search requested from %s", r.RemoteAddr)
		commands.ForceGlobalSearch()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Live field image with pose, rays and trail
	mux.HandleFunc("/live.png", func(w http.ResponseWriter, r *http.Request) {
		var snap *loc.Snapshot
		if s, ok := tracker.Latest(); ok {
			snap = &s
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := loc.NewFieldRenderer(field).EncodePNG(w, snap, tracker.Trail()); err != nil {
			log.Printf("Error encoding live PNG: %v", err)
		}
	})

	// Vector field drawing
	mux.HandleFunc("/field.svg", func(w http.ResponseWriter, r *http.Request) {
		var snap *loc.Snapshot
		if s, ok := tracker.Latest(); ok {
			snap = &s
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := loc.NewVectorRenderer(field).RenderToSVG(w, snap, tracker.Trail()); err != nil {
			log.Printf("Error rendering SVG: %v", err)
		}
	})

	// GeoJSON layers for map viewers
	mux.HandleFunc("/field.geojson", func(w http.ResponseWriter, r *http.Request) {
		var snap *loc.Snapshot
		if s, ok := tracker.Latest(); ok {
			snap = &s
		}
		w.Header().Set("Content-Type", "application/geo+json")
		if err := json.NewEncoder(w).Encode(loc.FieldFeatures(field, snap, tracker.Trail())); err != nil {
			log.Printf("Error encoding GeoJSON: %v", err)
		}
	})

	// Websocket stream of snapshots
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[HTTP] Websocket upgrade failed: %v", err)
			return
		}
		serveSnapshots(conn, tracker)
	})

	return mux
}

// serveSnapshots streams snapshots to conn until the client goes away. The
// latest snapshot is sent first so a new client does not wait a full cycle.
func serveSnapshots(conn *websocket.Conn, tracker *loc.StateTracker) {
	defer conn.Close()

	updates, cancel := tracker.Subscribe(wsBuffer)
	defer cancel()

	// read pump: the client never sends anything useful, but reading is the
	// only way to notice it closing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(snap loc.Snapshot) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(snap); err != nil {
			log.Printf("[HTTP] Websocket write failed: %v", err)
			return false
		}
		return true
	}

	if snap, ok := tracker.Latest(); ok && !send(snap) {
		return
	}
	for {
		select {
		case <-closed:
			return
		case snap, ok := <-updates:
			if !ok || !send(snap) {
				return
			}
		}
	}
}
