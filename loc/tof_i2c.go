package loc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// DefaultToFRegister is the result register of the ToF sensor firmware
const DefaultToFRegister byte = 0x00

// DefaultI2CBus is opened when the config names no bus
const DefaultI2CBus = "1"

// tofReplyLen is the size of one result frame: sequence byte followed by a
// little-endian uint32 distance in mm.
const tofReplyLen = 5

// I2CToFSource reads time-of-flight sensors attached to one I2C bus. Each
// sensor answers at its own address. A repeated sequence number means the
// sensor has not finished a new measurement, in which case the last valid
// distance is returned.
type I2CToFSource struct {
	mu       sync.Mutex
	bus      i2c.Bus
	closer   func() error
	sensors  []SensorDescriptor
	devs     []*i2c.Dev
	register byte
	minDist  float64
	maxDist  float64
	lastSeq  []int // -1 before the first frame
	last     []float64
	hasLast  []bool
}

// NewI2CToFSource wraps an already opened bus
func NewI2CToFSource(bus i2c.Bus, sensors []SensorDescriptor, register byte, minDist, maxDist float64) (*I2CToFSource, error) {
	if bus == nil {
		return nil, fmt.Errorf("nil i2c bus")
	}
	s := &I2CToFSource{
		bus:      bus,
		sensors:  sensors,
		devs:     make([]*i2c.Dev, len(sensors)),
		register: register,
		minDist:  minDist,
		maxDist:  maxDist,
		lastSeq:  make([]int, len(sensors)),
		last:     make([]float64, len(sensors)),
		hasLast:  make([]bool, len(sensors)),
	}
	for i, d := range sensors {
		if d.Address == 0 {
			return nil, fmt.Errorf("sensor %s has no i2c address", d.Name)
		}
		s.devs[i] = &i2c.Dev{Addr: d.Address, Bus: bus}
		s.lastSeq[i] = -1
	}
	return s, nil
}

// OpenI2CToF initializes the host drivers and opens the configured bus
func OpenI2CToF(config *Config) (*I2CToFSource, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("initializing host drivers: %w", err)
	}

	busName := config.I2C.Bus
	if busName == "" {
		busName = DefaultI2CBus
	}
	bc, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("opening i2c bus %q: %w", busName, err)
	}

	src, err := NewI2CToFSource(bc, config.Sensors.Descriptors(), config.I2C.Register,
		config.Sensors.MinDistance, config.Sensors.MaxDistance)
	if err != nil {
		_ = bc.Close()
		return nil, err
	}
	src.closer = bc.Close
	log.Printf("Opened i2c bus %s with %d ToF sensors", bc, len(src.sensors))
	return src, nil
}

// Sensors returns the sensor descriptors
func (s *I2CToFSource) Sensors() []SensorDescriptor { return s.sensors }

// ReadDistance performs one register read for the sensor at index
func (s *I2CToFSource) ReadDistance(ctx context.Context, index int) (float64, error) {
	if index < 0 || index >= len(s.devs) {
		return 0, fmt.Errorf("sensor index %d out of range", index)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	reply := make([]byte, tofReplyLen)
	if err := s.devs[index].Tx([]byte{s.register}, reply); err != nil {
		return 0, fmt.Errorf("reading %s: %w", s.sensors[index].Name, err)
	}
	seq, mm := decodeToFFrame(reply)

	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := int(seq) != s.lastSeq[index]
	s.lastSeq[index] = int(seq)
	inRange := mm >= s.minDist && mm <= s.maxDist

	if fresh && inRange {
		s.last[index] = mm
		s.hasLast[index] = true
		return mm, nil
	}
	if s.hasLast[index] {
		return s.last[index], nil
	}
	if !fresh {
		return 0, ErrNoSample
	}
	// out of range with nothing better; the caller marks it invalid
	return mm, nil
}

// Bus returns the bus the sensors are attached to, for devices sharing it
func (s *I2CToFSource) Bus() i2c.Bus { return s.bus }

// Close releases the bus if this source opened it
func (s *I2CToFSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func decodeToFFrame(frame []byte) (seq byte, mm float64) {
	return frame[0], float64(binary.LittleEndian.Uint32(frame[1:5]))
}
