package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/fieldloc/loc"
	"periph.io/x/conn/v3/i2c"
)

// Sensor sources selectable with --source
const (
	SourceSim    = "sim"
	SourceI2C    = "i2c"
	SourceSerial = "serial"
	SourceMQTT   = "mqtt"
)

// Lifecycle events published on <prefix>/events and logged to the store
const (
	EventReset         = "reset"
	EventPositionReset = "position_reset"
	EventGlobalSearch  = "global_search"
)

const (
	closestLogInterval = 2 * time.Second
	defaultPeriod      = 100 * time.Millisecond
	simSeed            = 1
	selfTestCycles     = 3
	selfTestTolerance  = 50.0 // mm
	calibrationReads   = 5
	plotResolution     = 25.0 // mm
)

// selfTestPositions are known field positions used by --self-test and as the
// default --calibrate-sensors stations
var selfTestPositions = []loc.Point{
	{X: 1215, Y: 910},
	{X: 500, Y: 500},
	{X: 2000, Y: 1500},
	{X: 1215, Y: 100},
	{X: 1215, Y: 1720},
}

// App encapsulates the application state and dependencies
type App struct {
	Config       *loc.Config
	Calibration  *loc.Calibration
	StateTracker *loc.StateTracker
	Localizer    *loc.Localizer
	MQTTClient   *loc.MQTTClient
	Publisher    *loc.Publisher
	Store        *loc.Store
	Sim          *loc.SimSource
	Values       *loc.LatestValues

	// CLI Flags (effectively dependencies)
	ConfigFile       string
	CalibrationCache string
	PoseCache        string
	OutputFile       string
	RenderFormat     string
	Source           string
	DBPath           string
	Positions        string
	HttpPort         int
	Period           time.Duration
	SimX             float64
	SimY             float64
	SimHeading       float64
	SimNoise         float64
	MqttMode         bool
	HttpMode         bool

	Out io.Writer
	In  io.Reader

	distances     loc.DistanceSource
	closers       []func() error
	publishFailed bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: loc.NewStateTracker(),
		Out:          os.Stdout,
		In:           os.Stdin,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.CalibrationCache = opts.CalibrationCache
	a.PoseCache = opts.PoseCache
	a.OutputFile = opts.OutputFile
	a.RenderFormat = opts.RenderFormat
	a.Source = opts.Source
	a.DBPath = opts.DBPath
	a.Positions = opts.Positions
	a.HttpPort = opts.HttpPort
	a.Period = opts.Period
	a.SimX = opts.SimX
	a.SimY = opts.SimY
	a.SimHeading = opts.SimHeading
	a.SimNoise = opts.SimNoise
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig reads the config file. Without one, simulation runs on the
// default field and sensor ring.
func (a *App) loadConfig() (*loc.Config, error) {
	if _, err := os.Stat(a.ConfigFile); errors.Is(err, os.ErrNotExist) && (a.Source == "" || a.Source == SourceSim) {
		log.Printf("Warning: %s not found, using the default field and sensor ring", a.ConfigFile)
		return loc.DefaultConfig(), nil
	}

	config, err := loc.LoadConfig(a.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	log.Printf("Loaded config from %s", a.ConfigFile)
	return config, nil
}

// resolveSource picks a sensor source from the config when none was given
func (a *App) resolveSource() {
	if a.Source != "" {
		return
	}
	switch {
	case a.Config.I2C.Bus != "":
		a.Source = SourceI2C
	case a.Config.Serial.Port != "":
		a.Source = SourceSerial
	case a.MqttMode:
		a.Source = SourceMQTT
	default:
		log.Println("Warning: no sensor source configured, falling back to simulation")
		a.Source = SourceSim
	}
}

// setup loads configuration and calibration, opens the sensor source and
// builds the localizer
func (a *App) setup(ctx context.Context) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.Config = config
	a.resolveSource()

	cal, err := loc.LoadCalibration(a.CalibrationCache)
	if err != nil {
		log.Printf("Warning: failed to load calibration %s: %v", a.CalibrationCache, err)
	} else if cal != nil {
		a.Calibration = cal
		log.Printf("Loaded calibration for %d sensors from %s", len(cal.Sensors), a.CalibrationCache)
	}

	distances, orientation, err := a.openSources(ctx)
	if err != nil {
		return err
	}
	a.distances = distances

	l, err := loc.NewLocalizer(config, distances, orientation)
	if err != nil {
		return fmt.Errorf("creating localizer: %w", err)
	}
	l.SetCalibration(a.Calibration)
	l.SetResetHandler(a.onReset)
	a.Localizer = l
	return nil
}

// openSources opens the distance and orientation sources for a.Source
func (a *App) openSources(ctx context.Context) (loc.DistanceSource, loc.OrientationSource, error) {
	sensors := a.Config.Sensors.Descriptors()
	a.Values = loc.NewLatestValues(sensors)

	switch a.Source {
	case SourceSim:
		field, err := loc.NewFieldMapFromConfig(a.Config.Field)
		if err != nil {
			return nil, nil, fmt.Errorf("building field map: %w", err)
		}
		caster := loc.NewRayCaster(field, a.Config.Sensors.MaxDistance)
		a.Sim = loc.NewSimSource(caster, sensors, loc.Point{X: a.SimX, Y: a.SimY},
			loc.Radians(a.SimHeading), a.SimNoise, simSeed)
		log.Printf("Simulating robot at (%.0f, %.0f) heading %.0f° with %.1f mm noise",
			a.SimX, a.SimY, a.SimHeading, a.SimNoise)
		return a.Sim, a.Sim, nil

	case SourceI2C:
		tof, err := loc.OpenI2CToF(a.Config)
		if err != nil {
			return nil, nil, err
		}
		orientation, err := a.headingSource(tof.Bus())
		if err != nil {
			_ = tof.Close()
			return nil, nil, err
		}
		a.closers = append(a.closers, tof.Close)
		return tof, orientation, nil

	case SourceSerial:
		bridge, err := loc.OpenSerial(a.Config, a.Values)
		if err != nil {
			return nil, nil, err
		}
		go func() {
			if err := bridge.Run(ctx); err != nil {
				log.Printf("Warning: serial bridge stopped: %v", err)
			}
		}()
		return a.Values, a.Values, nil

	case SourceMQTT:
		a.MqttMode = true
		return a.Values, a.Values, nil

	default:
		return nil, nil, fmt.Errorf("unknown sensor source %q", a.Source)
	}
}

// headingSource returns the IMU sharing the sensor bus when one is
// configured and the MQTT-fed heading otherwise. Having neither is an error.
func (a *App) headingSource(bus i2c.Bus) (loc.OrientationSource, error) {
	if addr := a.Config.I2C.IMUAddress; addr != 0 {
		imu, err := loc.NewI2CIMUSource(bus, addr, loc.DefaultIMUReportInterval)
		if err != nil {
			return nil, fmt.Errorf("opening imu: %w", err)
		}
		return imu, nil
	}
	if a.MqttMode {
		log.Println("No IMU configured, taking heading from MQTT")
		return a.Values, nil
	}
	return nil, fmt.Errorf("no heading source for i2c sensors: set i2c.imuAddress or enable --mqtt")
}

// startMQTT connects to the broker and creates the pose publisher
func (a *App) startMQTT() error {
	var values *loc.LatestValues
	if a.Source == SourceMQTT || a.Source == SourceI2C {
		values = a.Values
	}

	client, err := loc.InitMQTT(a.Config, values, a)
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	if client == nil {
		return fmt.Errorf("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
	}
	a.MQTTClient = client
	a.Publisher = loc.NewPublisher(client.GetClient(), client.Prefix())
	return nil
}

// resume seeds the localizer with the last cached pose
func (a *App) resume() {
	if a.PoseCache == "" {
		return
	}
	est, err := loc.LoadLastPose(a.PoseCache)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("Warning: failed to load pose cache: %v", err)
		}
		return
	}

	heading := est.Heading
	if err := a.Localizer.ResetPosition(est.Position.X, est.Position.Y, &heading); err != nil {
		log.Printf("Warning: ignoring cached pose: %v", err)
		return
	}
	log.Printf("Resumed from cached pose (%.0f, %.0f) %.0f°",
		est.Position.X, est.Position.Y, est.HeadingDegrees())
}

// ResetPosition places the robot at a known pose and clears the trail
func (a *App) ResetPosition(x, y float64, heading *float64) error {
	if err := a.Localizer.ResetPosition(x, y, heading); err != nil {
		return err
	}
	a.StateTracker.ClearTrail()
	a.recordEvent(EventPositionReset, "operator", loc.Point{X: x, Y: y})
	return nil
}

// ForceGlobalSearch makes the next cycle search the whole field
func (a *App) ForceGlobalSearch() {
	a.Localizer.ForceGlobalSearch()
	a.recordEvent(EventGlobalSearch, "operator", a.Localizer.Estimate().Position)
}

// onReset is called by the localizer after a full reset
func (a *App) onReset(reason string) {
	a.StateTracker.ClearTrail()
	a.recordEvent(EventReset, reason, a.Localizer.Estimate().Position)
}

// recordEvent publishes and logs a lifecycle event
func (a *App) recordEvent(event, reason string, at loc.Point) {
	if a.Publisher != nil {
		if err := a.Publisher.PublishEvent(event, reason, at); err != nil {
			log.Printf("Warning: failed to publish %s event: %v", event, err)
		}
	}
	if a.Store != nil {
		if err := a.Store.RecordEvent(context.Background(), event, reason); err != nil {
			log.Printf("Warning: failed to record %s event: %v", event, err)
		}
	}
}

// step runs one localization cycle and fans the result out to the tracker,
// the MQTT publisher and the pose log
func (a *App) step(ctx context.Context) (loc.Snapshot, error) {
	if _, err := a.Localizer.Localize(ctx); err != nil {
		return loc.Snapshot{}, err
	}
	snap := a.Localizer.Snapshot()
	a.StateTracker.Update(snap)

	if a.Publisher != nil {
		if err := a.Publisher.PublishPose(snap); err != nil {
			if !a.publishFailed {
				log.Printf("Error publishing pose: %v", err)
				a.publishFailed = true
			}
		} else if a.publishFailed {
			log.Println("Pose publishing resumed")
			a.publishFailed = false
		}
	}
	if a.Store != nil {
		if err := a.Store.RecordPose(ctx, snap); err != nil {
			log.Printf("Warning: failed to record pose: %v", err)
		}
	}
	return snap, nil
}

// loop runs the control loop until ctx is cancelled. A slow cycle makes the
// ticker drop ticks rather than queue them.
func (a *App) loop(ctx context.Context) {
	period := a.Period
	if period <= 0 {
		period = a.Config.Localizer.UpdatePeriod()
	}
	if period <= 0 {
		period = defaultPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var lastClosest time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := a.step(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Error in localization cycle: %v", err)
				continue
			}
			if time.Since(lastClosest) >= closestLogInterval {
				lastClosest = time.Now()
				logPose(snap)
			}
		}
	}
}

// logPose logs the pose together with the closest valid sensor
func logPose(snap loc.Snapshot) {
	pos := snap.Estimate.Position
	closest, ok := loc.ClosestSensor(snap)
	if !ok {
		log.Printf("Pose (%.0f, %.0f) %.0f° conf %.2f, no valid sensors",
			pos.X, pos.Y, snap.Estimate.HeadingDegrees(), snap.Estimate.Confidence)
		return
	}
	log.Printf("Pose (%.0f, %.0f) %.0f° conf %.2f | closest %s %.0f mm (%s)",
		pos.X, pos.Y, snap.Estimate.HeadingDegrees(), snap.Estimate.Confidence,
		closest.Name, closest.Distance, closest.Direction)
}

// close releases sources and the store
func (a *App) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Printf("Warning: close failed: %v", err)
		}
	}
	a.closers = nil
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Printf("Warning: closing pose store: %v", err)
		}
		a.Store = nil
	}
}

// RunService starts the control loop with optional MQTT and HTTP surfaces
func (a *App) RunService() {
	fmt.Fprintln(a.Out, "Starting fieldloc service...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.setup(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.close()

	// a simulated robot starts wherever --sim-x/--sim-y put it
	if a.Source != SourceSim && a.PoseCache != "" {
		a.StateTracker = loc.NewStateTrackerWithCache(a.PoseCache)
		a.resume()
	}

	if a.DBPath == "" {
		a.DBPath = a.Config.Store.Path
	}
	if a.DBPath != "" {
		store, err := loc.OpenStore(a.DBPath)
		if err != nil {
			log.Fatalf("Failed to open pose store: %v", err)
		}
		a.Store = store
		log.Printf("Logging poses to %s (session %s)", a.DBPath, store.Session())
	}

	if a.MqttMode {
		if err := a.startMQTT(); err != nil {
			log.Fatalf("Failed to start MQTT: %v", err)
		}
		fmt.Fprintln(a.Out, "MQTT pose publisher initialized")
	}

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:    fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler: newHTTPServer(a.StateTracker, a, a.Localizer.Field(), a.Localizer.Sensors()),
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	a.printServiceInfo()
	a.loop(ctx)

	fmt.Fprintln(a.Out, "\nShutting down service...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
		cancel()
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.Out, "Service stopped")
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")
	fmt.Fprintf(a.Out, "Source: %s, %d sensors, quorum %d\n",
		a.Source, len(a.Config.Sensors.Devices), a.Config.Localizer.MinSensors)

	if a.MQTTClient != nil {
		prefix := a.MQTTClient.Prefix()
		fmt.Fprintln(a.Out, "\nMQTT:")
		if a.Source == SourceMQTT {
			fmt.Fprintf(a.Out, "  Ranges:   %s/sensors/{name}\n", prefix)
			fmt.Fprintf(a.Out, "  Heading:  %s/heading\n", prefix)
		}
		fmt.Fprintf(a.Out, "  Pose:     %s/pose\n", prefix)
		fmt.Fprintf(a.Out, "  Events:   %s/events\n", prefix)
		fmt.Fprintf(a.Out, "  Commands: %s/cmd/reset, %s/cmd/global_search\n", prefix, prefix)
	}

	if a.HttpMode {
		fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(a.Out, "  GET  /health                 - Health check")
		fmt.Fprintln(a.Out, "  GET  /api/localization_data  - Latest pose snapshot")
		fmt.Fprintln(a.Out, "  GET  /api/sensor_data        - Sensor readings and health")
		fmt.Fprintln(a.Out, "  GET  /api/field_info         - Field walls and sensor ring")
		fmt.Fprintln(a.Out, "  GET  /api/status             - Validation and bounds status")
		fmt.Fprintln(a.Out, "  GET  /api/accuracy           - Accuracy classification")
		fmt.Fprintln(a.Out, "  POST /api/reset_position     - Place the robot at a known pose")
		fmt.Fprintln(a.Out, "  POST /api/global_search      - Force a global re-search")
		fmt.Fprintln(a.Out, "  GET  /live.png, /field.svg, /field.geojson")
		fmt.Fprintln(a.Out, "  GET  /ws                     - Websocket snapshot stream")
	}

	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}

// RunOnce runs one cycle and prints the snapshot as JSON
func (a *App) RunOnce() {
	ctx := context.Background()
	if err := a.setup(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.close()

	snap, err := a.step(ctx)
	if err != nil {
		log.Fatalf("Localization failed: %v", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Fatalf("Error encoding snapshot: %v", err)
	}
	fmt.Fprintln(a.Out, string(data))
}

// RunIdentify prints the sensors ranked by distance. Covering one sensor
// moves it to the top, which identifies its position on the robot.
func (a *App) RunIdentify() {
	ctx := context.Background()
	if err := a.setup(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.close()

	snap, err := a.step(ctx)
	if err != nil {
		log.Fatalf("Reading sensors failed: %v", err)
	}
	a.printIdentify(snap)
}

func (a *App) printIdentify(snap loc.Snapshot) {
	fmt.Fprintln(a.Out, "Sensors ranked by distance:")
	for i, s := range loc.RankSensors(snap) {
		state := "valid"
		switch {
		case !s.Healthy:
			state = "no response"
		case !s.Valid:
			state = "out of range"
		}
		fmt.Fprintf(a.Out, "  %d. %-12s %6.0f mm  %-12s %s\n",
			i+1, s.Name, s.Distance, loc.DirectionName(loc.Radians(s.Angle)), state)
	}
	if c, ok := loc.ClosestSensor(snap); ok {
		fmt.Fprintf(a.Out, "\nClosest: %s at %.0f mm (%s)\n", c.Name, c.Distance, c.Direction)
	}
}

// selfTestResult is the outcome at one known position
type selfTestResult struct {
	Position  loc.Point
	Expected  []float64
	Estimate  loc.Point
	Deviation float64
	Skipped   bool
	Passed    bool
}

// selfTest ray casts from each known position and localizes against a
// noiseless simulation of it
func (a *App) selfTest(ctx context.Context, config *loc.Config) ([]selfTestResult, error) {
	field, err := loc.NewFieldMapFromConfig(config.Field)
	if err != nil {
		return nil, fmt.Errorf("building field map: %w", err)
	}
	caster := loc.NewRayCaster(field, config.Sensors.MaxDistance)
	sensors := config.Sensors.Descriptors()

	results := make([]selfTestResult, 0, len(selfTestPositions))
	for _, p := range selfTestPositions {
		r := selfTestResult{Position: p}
		if !field.Contains(p, 0) {
			r.Skipped = true
			results = append(results, r)
			continue
		}
		for _, s := range sensors {
			r.Expected = append(r.Expected, caster.CastSensor(p, 0, s.Angle))
		}

		sim := loc.NewSimSource(caster, sensors, p, 0, 0, simSeed)
		l, err := loc.NewLocalizer(config, sim, sim)
		if err != nil {
			return nil, fmt.Errorf("creating localizer: %w", err)
		}
		var est loc.Estimate
		for i := 0; i < selfTestCycles; i++ {
			if est, err = l.Localize(ctx); err != nil {
				return nil, err
			}
		}
		r.Estimate = est.Position
		r.Deviation = loc.Distance(p, est.Position)
		r.Passed = r.Deviation < selfTestTolerance
		results = append(results, r)
	}
	return results, nil
}

// RunSelfTest runs the self test and exits non-zero on failure
func (a *App) RunSelfTest() {
	config, err := a.loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	results, err := a.selfTest(context.Background(), config)
	if err != nil {
		log.Fatalf("Self test failed: %v", err)
	}
	if !a.printSelfTest(config, results) {
		log.Fatal("Self test failed")
	}
}

func (a *App) printSelfTest(config *loc.Config, results []selfTestResult) bool {
	passed := true
	for _, r := range results {
		fmt.Fprintf(a.Out, "=== (%.0f, %.0f) ===\n", r.Position.X, r.Position.Y)
		if r.Skipped {
			fmt.Fprintln(a.Out, "  SKIP: outside the configured field")
			continue
		}
		for i, d := range r.Expected {
			fmt.Fprintf(a.Out, "  %-12s %6.0f mm\n", config.Sensors.Devices[i].Name, d)
		}
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
			passed = false
		}
		fmt.Fprintf(a.Out, "  %s: estimate (%.0f, %.0f), off by %.1f mm\n\n",
			status, r.Estimate.X, r.Estimate.Y, r.Deviation)
	}
	return passed
}

// outputPath returns the --output path or a default for the format
func (a *App) outputPath(base, ext string) string {
	if a.OutputFile != "" {
		return a.OutputFile
	}
	return base + "." + ext
}

// writeRender renders the field with snap in the given format
func (a *App) writeRender(path, format string, snap *loc.Snapshot) error {
	field := a.Localizer.Field()
	trail := a.StateTracker.Trail()

	switch format {
	case "png":
		return loc.NewFieldRenderer(field).SavePNG(path, snap, trail)
	case "svg":
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
		defer f.Close()
		if err := loc.NewVectorRenderer(field).RenderToSVG(f, snap, trail); err != nil {
			return fmt.Errorf("rendering svg: %w", err)
		}
		return nil
	case "geojson":
		data, err := json.MarshalIndent(loc.FieldFeatures(field, snap, trail), "", "  ")
		if err != nil {
			return fmt.Errorf("encoding geojson: %w", err)
		}
		return os.WriteFile(path, data, 0644)
	default:
		return fmt.Errorf("unknown render format %q (want png, svg or geojson)", format)
	}
}

// RunRender localizes once and writes the field image
func (a *App) RunRender() {
	ctx := context.Background()
	if err := a.setup(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.close()

	snap, err := a.step(ctx)
	if err != nil {
		log.Fatalf("Localization failed: %v", err)
	}

	format := a.RenderFormat
	if format == "" {
		format = "png"
	}
	path := a.outputPath("field", format)
	if err := a.writeRender(path, format, &snap); err != nil {
		log.Fatalf("Render failed: %v", err)
	}
	fmt.Fprintf(a.Out, "Rendered field to %s\n", path)
}

// plotError writes the error surface for the readings in snap
func (a *App) plotError(path string, snap loc.Snapshot) (loc.Point, float64, error) {
	readings := make([]loc.Reading, len(snap.Sensors))
	for i, s := range snap.Sensors {
		readings[i] = loc.Reading{Distance: s.Distance, Valid: s.Valid, Healthy: s.Healthy}
	}
	model := loc.NewErrorModel(a.Localizer.Caster(), a.Localizer.Sensors(), readings)
	surface := loc.NewErrorSurface(model, snap.Estimate.Heading, plotResolution)

	estimate := snap.Estimate.Position
	var truth *loc.Point
	if a.Sim != nil {
		p, _ := a.Sim.Pose()
		truth = &p
	}
	if err := loc.SaveErrorPlot(surface, &estimate, truth, path); err != nil {
		return loc.Point{}, 0, err
	}
	at, minErr := surface.Minimum()
	return at, minErr, nil
}

// RunPlotError localizes once and plots the error surface around it
func (a *App) RunPlotError() {
	ctx := context.Background()
	if err := a.setup(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.close()

	snap, err := a.step(ctx)
	if err != nil {
		log.Fatalf("Localization failed: %v", err)
	}
	path := a.outputPath("error-surface", "png")
	at, minErr, err := a.plotError(path, snap)
	if err != nil {
		log.Fatalf("Plot failed: %v", err)
	}
	fmt.Fprintf(a.Out, "Error surface written to %s (minimum %.0f at (%.0f, %.0f), estimate (%.0f, %.0f))\n",
		path, minErr, at.X, at.Y, snap.Estimate.Position.X, snap.Estimate.Position.Y)
}

// parsePositions parses "x,y;x,y" into points
func parsePositions(s string) ([]loc.Point, error) {
	if strings.TrimSpace(s) == "" {
		return selfTestPositions, nil
	}
	var out []loc.Point
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		xy := strings.Split(part, ",")
		if len(xy) != 2 {
			return nil, fmt.Errorf("invalid position %q, want x,y", part)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xy[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid x in %q: %w", part, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(xy[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid y in %q: %w", part, err)
		}
		out = append(out, loc.Point{X: x, Y: y})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no positions given")
	}
	return out, nil
}

// collectSample averages several raw reads at one station. Sensors with no
// valid read are reported as missing.
func (a *App) collectSample(ctx context.Context, p loc.Point) loc.CalibrationSample {
	sensors := a.distances.Sensors()
	sums := make([]float64, len(sensors))
	counts := make([]int, len(sensors))

	for i := 0; i < calibrationReads; i++ {
		readings := loc.ReadAll(ctx, a.distances, a.Config.Sensors.ReadTimeout(),
			a.Config.Sensors.MinDistance, a.Config.Sensors.MaxDistance, nil)
		for j, r := range readings {
			if r.Valid {
				sums[j] += r.Distance
				counts[j]++
			}
		}
	}

	raw := make([]float64, len(sensors))
	for j := range raw {
		if counts[j] > 0 {
			raw[j] = sums[j] / float64(counts[j])
		}
	}
	return loc.CalibrationSample{Position: p, Raw: raw}
}

// calibrateSensors collects raw readings at each station and fits a linear
// correction per sensor
func (a *App) calibrateSensors(ctx context.Context) (*loc.Calibration, error) {
	positions, err := parsePositions(a.Positions)
	if err != nil {
		return nil, err
	}

	reader := bufio.NewReader(a.In)
	samples := make([]loc.CalibrationSample, 0, len(positions))
	for _, p := range positions {
		if a.Sim != nil {
			a.Sim.SetPose(p, 0)
		} else {
			fmt.Fprintf(a.Out, "Place the robot at (%.0f, %.0f) facing 0° and press Enter...", p.X, p.Y)
			if _, err := reader.ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("reading confirmation: %w", err)
			}
		}
		samples = append(samples, a.collectSample(ctx, p))
	}

	cal, err := loc.Calibrate(a.Localizer.Caster(), a.Localizer.Sensors(), samples)
	if err != nil {
		return nil, fmt.Errorf("fitting calibration: %w", err)
	}
	return cal, nil
}

// RunCalibrateSensors fits and saves per-sensor corrections
func (a *App) RunCalibrateSensors() {
	ctx := context.Background()
	if err := a.setup(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.close()

	cal, err := a.calibrateSensors(ctx)
	if err != nil {
		log.Fatalf("Calibration failed: %v", err)
	}

	if dir := filepath.Dir(a.CalibrationCache); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create calibration directory: %v", err)
		}
	}
	if err := loc.SaveCalibration(a.CalibrationCache, cal); err != nil {
		log.Fatalf("Failed to save calibration: %v", err)
	}

	fmt.Fprintln(a.Out, "\nSensor calibration:")
	for _, name := range cal.Names() {
		sc := cal.Sensors[name]
		fmt.Fprintf(a.Out, "  %-12s scale %.4f  offset %+.1f mm  (%d samples)\n", name, sc.Scale, sc.Offset, sc.Samples)
	}
	fmt.Fprintf(a.Out, "Saved calibration to %s\n", a.CalibrationCache)
}
