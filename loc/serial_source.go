package loc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is the microcontroller bridge baud rate
const DefaultBaudRate = 115200

// SerialSource reads a microcontroller bridge that streams sensor samples
// as text lines:
//
//	R <index> <mm>     range sample for sensor index
//	H <degrees>        absolute heading
//
// Samples are stored into a LatestValues store which the control loop reads.
type SerialSource struct {
	port   io.ReadCloser
	values *LatestValues
	lines  int
	errors int
}

// NewSerialSource wraps an already open stream
func NewSerialSource(port io.ReadCloser, values *LatestValues) *SerialSource {
	return &SerialSource{port: port, values: values}
}

// OpenSerial opens the configured serial port
func OpenSerial(config *Config, values *LatestValues) (*SerialSource, error) {
	if config.Serial.Port == "" {
		return nil, fmt.Errorf("serial port not configured")
	}
	baud := config.Serial.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(config.Serial.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", config.Serial.Port, err)
	}
	log.Printf("Opened serial bridge on %s at %d baud", config.Serial.Port, baud)
	return NewSerialSource(port, values), nil
}

// Run reads lines until ctx is cancelled or the stream ends. The port is
// closed on return.
func (s *SerialSource) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// unblocks the scanner
			_ = s.port.Close()
		case <-done:
		}
	}()
	defer s.port.Close()

	scan := bufio.NewScanner(s.port)
	for scan.Scan() {
		s.lines++
		if err := s.HandleLine(scan.Text()); err != nil {
			s.errors++
			log.Printf("Warning: bad serial line %q: %v", scan.Text(), err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scan.Err(); err != nil {
		return fmt.Errorf("reading serial bridge: %w", err)
	}
	return nil
}

// HandleLine parses one bridge line and stores its sample
func (s *SerialSource) HandleLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "R":
		if len(fields) != 3 {
			return fmt.Errorf("range line needs index and distance")
		}
		idx, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("parsing sensor index: %w", err)
		}
		mm, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return fmt.Errorf("parsing distance: %w", err)
		}
		return s.values.SetDistance(idx, mm)
	case "H":
		if len(fields) != 2 {
			return fmt.Errorf("heading line needs one value")
		}
		deg, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("parsing heading: %w", err)
		}
		s.values.SetAbsoluteHeading(Radians(deg))
		return nil
	case "#":
		// firmware comment
		return nil
	default:
		return fmt.Errorf("unknown record %q", fields[0])
	}
}

// Stats returns the number of lines read and how many were rejected
func (s *SerialSource) Stats() (lines, rejected int) {
	return s.lines, s.errors
}
