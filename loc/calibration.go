package loc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DefaultCalibrationCachePath is the default path for fitted sensor corrections
const DefaultCalibrationCachePath = ".sensor-calibration.json"

// SensorCalibration is a linear correction: corrected = Scale*raw + Offset
type SensorCalibration struct {
	Scale   float64 `json:"scale"`
	Offset  float64 `json:"offset"`
	Samples int     `json:"samples"`
}

// Calibration stores per-sensor corrections keyed by sensor name
type Calibration struct {
	Sensors     map[string]SensorCalibration `json:"sensors"`
	LastUpdated int64                        `json:"lastUpdated"`
}

// CalibrationSample is one set of raw readings taken with the robot at a
// known pose.
type CalibrationSample struct {
	Position Point     `json:"position"`
	Heading  float64   `json:"heading"`
	Raw      []float64 `json:"raw"` // index-aligned with the sensor list; <=0 means missing
}

// LoadCalibration loads sensor corrections from a JSON cache file.
// A missing file is not an error and yields nil.
func LoadCalibration(path string) (*Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading calibration file: %w", err)
	}

	var cal Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("parsing calibration file: %w", err)
	}
	if cal.Sensors == nil {
		cal.Sensors = make(map[string]SensorCalibration)
	}
	return &cal, nil
}

// SaveCalibration saves sensor corrections to a JSON cache file
func SaveCalibration(path string, cal *Calibration) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating calibration directory: %w", err)
	}

	cal.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling calibration data: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing calibration file: %w", err)
	}
	return nil
}

// Apply corrects a raw distance. A nil calibration or unknown sensor leaves
// the value unchanged.
func (c *Calibration) Apply(sensor string, raw float64) float64 {
	if c == nil || c.Sensors == nil {
		return raw
	}
	sc, ok := c.Sensors[sensor]
	if !ok || sc.Scale == 0 {
		return raw
	}
	return sc.Scale*raw + sc.Offset
}

// Names returns the calibrated sensor names in sorted order
func (c *Calibration) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Sensors))
	for name := range c.Sensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FitSensor fits truth = Offset + Scale*raw by least squares. With fewer
// than two distinct raw values only the offset is fitted.
func FitSensor(raw, truth []float64) (SensorCalibration, error) {
	if len(raw) != len(truth) {
		return SensorCalibration{}, fmt.Errorf("raw and truth lengths differ: %d vs %d", len(raw), len(truth))
	}
	if len(raw) == 0 {
		return SensorCalibration{}, fmt.Errorf("no samples to fit")
	}

	distinct := false
	for _, r := range raw[1:] {
		if r != raw[0] {
			distinct = true
			break
		}
	}

	if !distinct {
		diffs := make([]float64, len(raw))
		for i := range raw {
			diffs[i] = truth[i] - raw[i]
		}
		return SensorCalibration{Scale: 1, Offset: stat.Mean(diffs, nil), Samples: len(raw)}, nil
	}

	alpha, beta := stat.LinearRegression(raw, truth, nil, false)
	return SensorCalibration{Scale: beta, Offset: alpha, Samples: len(raw)}, nil
}

// Calibrate compares raw readings taken at known poses against ray-cast
// predictions and fits a correction for every sensor with usable samples.
func Calibrate(caster *RayCaster, sensors []SensorDescriptor, samples []CalibrationSample) (*Calibration, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no calibration samples")
	}

	cal := &Calibration{Sensors: make(map[string]SensorCalibration), LastUpdated: time.Now().Unix()}
	for i, s := range sensors {
		var raw, truth []float64
		for _, sample := range samples {
			if i >= len(sample.Raw) || sample.Raw[i] <= 0 {
				continue
			}
			predicted := caster.CastSensor(sample.Position, sample.Heading, s.Angle)
			if predicted >= caster.MaxDistance() {
				continue
			}
			raw = append(raw, sample.Raw[i])
			truth = append(truth, predicted)
		}
		if len(raw) == 0 {
			continue
		}
		sc, err := FitSensor(raw, truth)
		if err != nil {
			return nil, fmt.Errorf("fitting sensor %s: %w", s.Name, err)
		}
		cal.Sensors[s.Name] = sc
	}

	if len(cal.Sensors) == 0 {
		return nil, fmt.Errorf("no sensor produced usable samples")
	}
	return cal, nil
}
