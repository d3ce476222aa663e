package loc

import (
	"math"
	"time"
)

// Point represents a 2D coordinate in field millimeters
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WallOrientation distinguishes the two kinds of axis-aligned wall
type WallOrientation string

const (
	WallVertical   WallOrientation = "vertical"
	WallHorizontal WallOrientation = "horizontal"
)

// WallSegment is an axis-aligned boundary segment.
// Vertical walls use X and the YMin..YMax span; horizontal walls use Y and
// the XMin..XMax span.
type WallSegment struct {
	Type WallOrientation `yaml:"type" json:"type"`
	X    float64         `yaml:"x,omitempty" json:"x,omitempty"`
	Y    float64         `yaml:"y,omitempty" json:"y,omitempty"`
	XMin float64         `yaml:"xMin,omitempty" json:"xMin,omitempty"`
	XMax float64         `yaml:"xMax,omitempty" json:"xMax,omitempty"`
	YMin float64         `yaml:"yMin,omitempty" json:"yMin,omitempty"`
	YMax float64         `yaml:"yMax,omitempty" json:"yMax,omitempty"`
}

// Endpoints returns the two ends of the segment
func (w WallSegment) Endpoints() (Point, Point) {
	if w.Type == WallVertical {
		return Point{X: w.X, Y: w.YMin}, Point{X: w.X, Y: w.YMax}
	}
	return Point{X: w.XMin, Y: w.Y}, Point{X: w.XMax, Y: w.Y}
}

// SensorDescriptor describes one fixed-angle distance sensor on the robot
type SensorDescriptor struct {
	Name    string  `json:"name"`
	Angle   float64 `json:"angle"` // radians relative to the robot's forward axis
	Offset  Point   `json:"offset"`
	Address uint16  `json:"address,omitempty"`
}

// Reading is one sensor's distance for the current cycle
type Reading struct {
	Distance float64 `json:"distance"`
	Valid    bool    `json:"valid"`   // read succeeded and within sensing range
	Healthy  bool    `json:"healthy"` // read succeeded within the timeout
}

// Estimate is the published pose
type Estimate struct {
	Position   Point   `json:"position"`
	Heading    float64 `json:"heading"` // radians, [0, 2π)
	Confidence float64 `json:"confidence"`
}

// HeadingDegrees returns the heading in degrees, [0, 360)
func (e Estimate) HeadingDegrees() float64 {
	return NormalizeAngle(e.Heading * 180 / math.Pi)
}

// SearchState is the optimizer's memory between cycles
type SearchState struct {
	Position    Point   `json:"position"`
	BestError   float64 `json:"bestError"`
	Initialized bool    `json:"initialized"`
}

// SensorStatus is a sensor descriptor paired with its latest reading
type SensorStatus struct {
	Name     string  `json:"name"`
	Angle    float64 `json:"angle"` // degrees, for display
	Distance float64 `json:"distance"`
	Valid    bool    `json:"valid"`
	Healthy  bool    `json:"healthy"`
}

// Snapshot is the full published state, copied out under the read lock
type Snapshot struct {
	Estimate            Estimate       `json:"estimate"`
	Error               float64        `json:"error"`
	Sensors             []SensorStatus `json:"sensors"`
	ValidSensors        int            `json:"validSensors"`
	HealthySensors      int            `json:"healthySensors"`
	Initialized         bool           `json:"initialized"`
	GlobalSearch        bool           `json:"globalSearch"` // last cycle ran a global search
	Validated           bool           `json:"validated"`
	ValidationReason    string         `json:"validationReason,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	Cycles              uint64         `json:"cycles"`
	Timestamp           time.Time      `json:"timestamp"`
}

// Config represents the full configuration file
type Config struct {
	Field     FieldConfig     `yaml:"field" json:"field"`
	Sensors   SensorsConfig   `yaml:"sensors" json:"sensors"`
	Localizer LocalizerConfig `yaml:"localizer" json:"localizer"`
	MQTT      MQTTConfig      `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Serial    SerialConfig    `yaml:"serial,omitempty" json:"serial,omitempty"`
	I2C       I2CConfig       `yaml:"i2c,omitempty" json:"i2c,omitempty"`
	Store     StoreConfig     `yaml:"store,omitempty" json:"store,omitempty"`
}

// FieldConfig holds field dimensions and wall segments in millimeters
type FieldConfig struct {
	Width  float64       `yaml:"width" json:"width"`
	Height float64       `yaml:"height" json:"height"`
	Walls  []WallSegment `yaml:"walls" json:"walls"`
}

// SensorConfig defines one distance sensor from the config file
type SensorConfig struct {
	Name    string  `yaml:"name" json:"name"`
	Angle   float64 `yaml:"angle" json:"angle"` // degrees, CCW from forward
	OffsetX float64 `yaml:"offsetX,omitempty" json:"offsetX,omitempty"`
	OffsetY float64 `yaml:"offsetY,omitempty" json:"offsetY,omitempty"`
	Address uint16  `yaml:"address,omitempty" json:"address,omitempty"`
}

// SensorsConfig groups the sensor array with its shared limits
type SensorsConfig struct {
	MinDistance   float64        `yaml:"minDistance" json:"minDistance"`
	MaxDistance   float64        `yaml:"maxDistance" json:"maxDistance"`
	ReadTimeoutMs int            `yaml:"readTimeoutMs" json:"readTimeoutMs"`
	Devices       []SensorConfig `yaml:"devices" json:"devices"`
}

// LocalizerConfig tunes the search and recovery behaviour
type LocalizerConfig struct {
	GridResolution        float64 `yaml:"gridResolution" json:"gridResolution"`               // base resolution in mm
	GlobalSearchThreshold float64 `yaml:"globalSearchThreshold" json:"globalSearchThreshold"` // error above which a global search runs
	GoodMatchError        float64 `yaml:"goodMatchError" json:"goodMatchError"`               // early exit threshold
	MinSensors            int     `yaml:"minSensors" json:"minSensors"`                       // quorum
	MaxIterations         int     `yaml:"maxIterations" json:"maxIterations"`                 // per refinement level
	HistorySize           int     `yaml:"historySize" json:"historySize"`
	BoundsMargin          float64 `yaml:"boundsMargin" json:"boundsMargin"`
	MaxRecoveryAttempts   int     `yaml:"maxRecoveryAttempts" json:"maxRecoveryAttempts"`
	MaxFailures           int     `yaml:"maxFailures" json:"maxFailures"`
	UpdatePeriodMs        int     `yaml:"updatePeriodMs" json:"updatePeriodMs"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// SerialConfig holds the microcontroller bridge port settings
type SerialConfig struct {
	Port     string `yaml:"port,omitempty" json:"port,omitempty"`
	BaudRate int    `yaml:"baudRate,omitempty" json:"baudRate,omitempty"`
}

// I2CConfig selects the bus for directly attached ToF sensors and the IMU.
// Setting Bus selects the i2c source when no source is given on the
// command line.
type I2CConfig struct {
	Bus        string `yaml:"bus,omitempty" json:"bus,omitempty"`
	Register   byte   `yaml:"register,omitempty" json:"register,omitempty"`
	IMUAddress uint16 `yaml:"imuAddress,omitempty" json:"imuAddress,omitempty"`
}

// StoreConfig enables the SQLite pose log
type StoreConfig struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Descriptors converts the configured devices into sensor descriptors
func (c *SensorsConfig) Descriptors() []SensorDescriptor {
	out := make([]SensorDescriptor, len(c.Devices))
	for i, d := range c.Devices {
		out[i] = SensorDescriptor{
			Name:    d.Name,
			Angle:   d.Angle * math.Pi / 180,
			Offset:  Point{X: d.OffsetX, Y: d.OffsetY},
			Address: d.Address,
		}
	}
	return out
}

// ReadTimeout returns the per-sensor read timeout
func (c *SensorsConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// UpdatePeriod returns the control loop period
func (c *LocalizerConfig) UpdatePeriod() time.Duration {
	return time.Duration(c.UpdatePeriodMs) * time.Millisecond
}
