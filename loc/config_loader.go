package loc

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sensor defaults in millimeters
const (
	DefaultMinDistance    = 40.0
	DefaultMaxDistance    = 2000.0
	DefaultReadTimeoutMs  = 20
	DefaultUpdatePeriodMs = 100
)

// DefaultSensorRing returns eight sensors spaced 45° apart, starting at the
// robot's forward axis.
func DefaultSensorRing() []SensorConfig {
	names := []string{"front", "front_left", "left", "back_left", "back", "back_right", "right", "front_right"}
	devices := make([]SensorConfig, len(names))
	for i, name := range names {
		devices[i] = SensorConfig{
			Name:    name,
			Angle:   float64(i) * 45,
			Address: uint16(0x50 + i),
		}
	}
	return devices
}

// DefaultConfig returns a complete configuration for the standard field and
// an eight-sensor ring. It is used when running without a config file.
func DefaultConfig() *Config {
	cfg := &Config{
		Field: FieldConfig{
			Width:  DefaultFieldWidth,
			Height: DefaultFieldHeight,
			Walls:  DefaultWalls(DefaultFieldWidth, DefaultFieldHeight, DefaultGoalWidth, DefaultGoalDepth),
		},
		Sensors: SensorsConfig{Devices: DefaultSensorRing()},
		I2C:     I2CConfig{IMUAddress: DefaultIMUAddress},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset tunable with its default
func (c *Config) ApplyDefaults() {
	s := &c.Sensors
	if s.MinDistance <= 0 {
		s.MinDistance = DefaultMinDistance
	}
	if s.MaxDistance <= 0 {
		s.MaxDistance = DefaultMaxDistance
	}
	if s.ReadTimeoutMs <= 0 {
		s.ReadTimeoutMs = DefaultReadTimeoutMs
	}

	l := &c.Localizer
	if l.GridResolution <= 0 {
		l.GridResolution = DefaultGridResolution
	}
	if l.GlobalSearchThreshold <= 0 {
		l.GlobalSearchThreshold = DefaultGlobalSearchThreshold
	}
	if l.GoodMatchError <= 0 {
		l.GoodMatchError = DefaultGoodMatchError
	}
	if l.MinSensors <= 0 {
		l.MinSensors = DefaultMinSensors
	}
	if l.MaxIterations <= 0 {
		l.MaxIterations = DefaultMaxIterations
	}
	if l.HistorySize <= 0 {
		l.HistorySize = DefaultHistorySize
	}
	if l.BoundsMargin <= 0 {
		l.BoundsMargin = DefaultBoundsMargin
	}
	if l.MaxRecoveryAttempts <= 0 {
		l.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	if l.MaxFailures <= 0 {
		l.MaxFailures = DefaultMaxFailures
	}
	if l.UpdatePeriodMs <= 0 {
		l.UpdatePeriodMs = DefaultUpdatePeriodMs
	}

	if c.Serial.BaudRate <= 0 {
		c.Serial.BaudRate = 115200
	}
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if c.Field.Width <= 0 || c.Field.Height <= 0 {
		return fmt.Errorf("field.width and field.height must be positive")
	}
	if len(c.Field.Walls) == 0 {
		return fmt.Errorf("field.walls must define at least one wall")
	}
	if _, err := NewFieldMapFromConfig(c.Field); err != nil {
		return fmt.Errorf("field: %w", err)
	}

	if len(c.Sensors.Devices) == 0 {
		return fmt.Errorf("at least one sensor must be defined")
	}
	seen := make(map[string]bool, len(c.Sensors.Devices))
	for i, d := range c.Sensors.Devices {
		if d.Name == "" {
			return fmt.Errorf("sensors.devices[%d].name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("sensors.devices[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
	}
	if c.Sensors.MinDistance >= c.Sensors.MaxDistance {
		return fmt.Errorf("sensors.minDistance %.0f must be below maxDistance %.0f",
			c.Sensors.MinDistance, c.Sensors.MaxDistance)
	}
	if c.Localizer.MinSensors > len(c.Sensors.Devices) {
		return fmt.Errorf("localizer.minSensors %d exceeds the %d configured sensors",
			c.Localizer.MinSensors, len(c.Sensors.Devices))
	}
	return nil
}

// LoadConfig loads the configuration from a YAML file, fills defaults and
// validates it. Field errors surface here, before the first cycle.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
