package loc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
)

// DefaultIMUAddress is the BNO08x address with the SA0 pin pulled high
const DefaultIMUAddress uint16 = 0x4A

// DefaultIMUReportInterval is the rotation vector report period
const DefaultIMUReportInterval = 10 * time.Millisecond

// SHTP framing used by the BNO08x over I2C. Every packet starts with a
// 4-byte header: little-endian length (bit 15 marks a continuation),
// channel and a per-channel sequence number.
const (
	shtpHeaderLen      = 4
	shtpChannelControl = 2
	shtpChannelReports = 3

	reportSetFeature     byte = 0xFD
	reportTimestampBase  byte = 0xFB
	reportRotationVector byte = 0x05

	setFeatureLen      = 17
	timestampBaseLen   = 5
	rotationReportLen  = 14
	rotationQ          = 14 // quaternion fixed point
	maxChannelSequence = 6
)

// I2CIMUSource reads the rotation vector of a BNO08x IMU and reports yaw
// relative to the first sample. When no new report is pending the last
// heading is returned.
type I2CIMUSource struct {
	mu  sync.Mutex
	dev *i2c.Dev
	seq [maxChannelSequence]byte

	initial    float64
	hasInitial bool
	heading    float64
	hasHeading bool
}

// NewI2CIMUSource enables rotation vector reports on the IMU at addr
func NewI2CIMUSource(bus i2c.Bus, addr uint16, interval time.Duration) (*I2CIMUSource, error) {
	if bus == nil {
		return nil, fmt.Errorf("nil i2c bus")
	}
	if addr == 0 {
		addr = DefaultIMUAddress
	}
	if interval <= 0 {
		interval = DefaultIMUReportInterval
	}

	s := &I2CIMUSource{dev: &i2c.Dev{Addr: addr, Bus: bus}}

	feature := make([]byte, setFeatureLen)
	feature[0] = reportSetFeature
	feature[1] = reportRotationVector
	binary.LittleEndian.PutUint32(feature[5:9], uint32(interval/time.Microsecond))
	if err := s.write(shtpChannelControl, feature); err != nil {
		return nil, fmt.Errorf("enabling rotation vector on 0x%02X: %w", addr, err)
	}

	log.Printf("IMU at 0x%02X reporting rotation every %v", addr, interval)
	return s, nil
}

func (s *I2CIMUSource) write(channel byte, payload []byte) error {
	pkt := make([]byte, shtpHeaderLen+len(payload))
	binary.LittleEndian.PutUint16(pkt, uint16(len(pkt)))
	pkt[2] = channel
	pkt[3] = s.seq[channel]
	s.seq[channel]++
	copy(pkt[shtpHeaderLen:], payload)
	return s.dev.Tx(pkt, nil)
}

// readPacket reads the pending header and then the whole packet, which
// repeats the header. A zero-length header means nothing is pending.
func (s *I2CIMUSource) readPacket() (channel byte, payload []byte, err error) {
	header := make([]byte, shtpHeaderLen)
	if err := s.dev.Tx(nil, header); err != nil {
		return 0, nil, err
	}
	n := int(binary.LittleEndian.Uint16(header) & 0x7FFF)
	if n <= shtpHeaderLen {
		return header[2], nil, nil
	}

	pkt := make([]byte, n)
	if err := s.dev.Tx(nil, pkt); err != nil {
		return 0, nil, err
	}
	return pkt[2], pkt[shtpHeaderLen:], nil
}

// Heading reads one pending packet and returns the relative yaw in radians
func (s *I2CIMUSource) Heading(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	channel, payload, err := s.readPacket()
	if err != nil {
		return 0, fmt.Errorf("reading imu: %w", err)
	}
	if channel == shtpChannelReports {
		if yaw, ok := parseRotationVector(payload); ok {
			if !s.hasInitial {
				s.initial = yaw
				s.hasInitial = true
			}
			s.heading = NormalizeRadians(yaw - s.initial)
			s.hasHeading = true
		}
	}

	if !s.hasHeading {
		return 0, ErrNoHeading
	}
	return s.heading, nil
}

// parseRotationVector finds the rotation vector report in an input report
// batch and returns its yaw. Unknown report ids end the scan.
func parseRotationVector(payload []byte) (float64, bool) {
	for i := 0; i < len(payload); {
		switch payload[i] {
		case reportTimestampBase:
			i += timestampBaseLen
		case reportRotationVector:
			if i+rotationReportLen > len(payload) {
				return 0, false
			}
			r := payload[i : i+rotationReportLen]
			q := func(off int) float64 {
				return float64(int16(binary.LittleEndian.Uint16(r[off:]))) / (1 << rotationQ)
			}
			return QuaternionYaw(q(4), q(6), q(8), q(10)), true
		default:
			return 0, false
		}
	}
	return 0, false
}

// QuaternionYaw returns the rotation about the vertical axis, counter-clockwise
func QuaternionYaw(i, j, k, real float64) float64 {
	return math.Atan2(2*(real*k+i*j), 1-2*(j*j+k*k))
}
