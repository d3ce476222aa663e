package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line into the App
type AppOptions struct {
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

	SimX       float64
	SimY       float64
	SimHeading float64
	SimNoise   float64

	MqttMode         bool
	HttpMode         bool
	Simulate         bool
	Once             bool
	Identify         bool
	SelfTest         bool
	Render           bool
	PlotError        bool
	CalibrateSensors bool
}

// Application is the set of entry points main dispatches to
type Application interface {
	ApplyOptions(opts AppOptions)
	RunService()
	RunOnce()
	RunIdentify()
	RunSelfTest()
	RunRender()
	RunPlotError()
	RunCalibrateSensors()
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
}

// run parses args and dispatches to the selected mode
func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("fieldloc", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.CalibrationCache, "calibration-cache", ".sensor-calibration.json", "Path to sensor calibration file")
	fs.StringVar(&opts.PoseCache, "pose-cache", ".last-pose.json", "Path to last pose cache (empty disables resume)")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file for --render and --plot-error")
	fs.StringVar(&opts.RenderFormat, "format", "png", "Render format: png, svg or geojson")
	fs.StringVar(&opts.Source, "source", "", "Sensor source: sim, i2c, serial or mqtt (default sim with --simulate)")
	fs.StringVar(&opts.DBPath, "db", "", "SQLite pose log path (overrides store.path in the config)")
	fs.StringVar(&opts.Positions, "positions", "", "Calibration positions as x,y;x,y (default self-test positions)")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	fs.DurationVar(&opts.Period, "period", 0, "Control loop period (default from config)")

	fs.BoolVar(&opts.Simulate, "simulate", false, "Use simulated sensors")
	fs.Float64Var(&opts.SimX, "sim-x", 1215, "Simulated robot X in mm")
	fs.Float64Var(&opts.SimY, "sim-y", 910, "Simulated robot Y in mm")
	fs.Float64Var(&opts.SimHeading, "sim-heading", 0, "Simulated robot heading in degrees")
	fs.Float64Var(&opts.SimNoise, "sim-noise", 5, "Simulated sensor noise sigma in mm")

	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Enable MQTT input and pose publishing")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server")
	fs.BoolVar(&opts.Once, "once", false, "Run one localization cycle, print it and exit")
	fs.BoolVar(&opts.Identify, "identify", false, "Rank sensors by distance to find which is which")
	fs.BoolVar(&opts.SelfTest, "self-test", false, "Run ray cast and localization checks at known positions")
	fs.BoolVar(&opts.Render, "render", false, "Render the field with the current pose and exit")
	fs.BoolVar(&opts.PlotError, "plot-error", false, "Plot the pose error surface for the current readings")
	fs.BoolVar(&opts.CalibrateSensors, "calibrate-sensors", false, "Fit per-sensor scale and offset at known positions")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if opts.Simulate && opts.Source == "" {
		opts.Source = SourceSim
	}

	fmt.Fprintf(out, "fieldloc version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.SelfTest:
		app.RunSelfTest()
	case opts.CalibrateSensors:
		app.RunCalibrateSensors()
	case opts.Identify:
		app.RunIdentify()
	case opts.Render:
		app.RunRender()
	case opts.PlotError:
		app.RunPlotError()
	case opts.Once:
		app.RunOnce()
	case opts.MqttMode || opts.HttpMode || opts.Simulate:
		app.RunService()
	default:
		fmt.Fprintln(out, "fieldloc service starting...")
		fmt.Fprintln(out, "Use --simulate to run against simulated sensors")
		fmt.Fprintln(out, "Use --source=i2c|serial|mqtt to choose the sensor input")
		fmt.Fprintln(out, "Use --mqtt to publish poses and accept commands over MQTT")
		fmt.Fprintln(out, "Use --http to serve the status API, live images and websocket stream")
		fmt.Fprintln(out, "Use --once, --identify or --self-test for one-shot checks")
		fmt.Fprintln(out, "Use --render or --plot-error to write diagnostics")
		fmt.Fprintln(out, "\nConfiguration:")
		fmt.Fprintln(out, "  config.yaml - field walls, sensor ring and localizer tuning")
		fmt.Fprintln(out, "  .sensor-calibration.json - per-sensor scale and offset")
	}
	return nil
}
