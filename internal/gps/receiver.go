// Package gps reads position fixes from a serial NMEA receiver and turns
// coordinates into street addresses.
package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

const componentName = "gps"

const (
	DefaultPort        = "/dev/serial0"
	DefaultBaudRate    = 9600
	DefaultReadTimeout = time.Second

	// maxSentence caps a buffered line; NMEA sentences are at most 82 bytes.
	maxSentence = 256
)

// ErrNoFix is returned for sentences in which the receiver reports no fix.
var ErrNoFix = errors.NewStd("gps receiver reports no fix")

var errReadTimeout = errors.NewStd("serial read timed out")

// Config configures the serial receiver.
type Config struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

// Receiver is a pipeline.PositionSource for an NMEA receiver. It reports
// fixes from GGA and RMC sentences of any talker.
type Receiver struct {
	mu      sync.Mutex
	src     io.Closer
	reader  *bufio.Reader
	pending []byte
	now     func() time.Time
	log     logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens the serial port of cfg.
func Open(cfg Config) (*Receiver, error) {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.ResourceUnavailable(fmt.Errorf("open %s: %w", cfg.Port, err), componentName)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, errors.ResourceUnavailable(fmt.Errorf("set read timeout on %s: %w", cfg.Port, err), componentName)
	}

	GetLogger().Info("gps receiver opened",
		logger.String("port", cfg.Port),
		logger.Int("baud_rate", cfg.BaudRate))
	return NewReceiver(port), nil
}

// NewReceiver reads sentences from rc. A read returning no bytes and no
// error is taken as a serial read timeout.
func NewReceiver(rc io.ReadCloser) *Receiver {
	return &Receiver{
		src:    rc,
		reader: bufio.NewReaderSize(timeoutReader{rc}, 1024),
		now:    time.Now,
		log:    GetLogger(),
	}
}

type timeoutReader struct{ r io.Reader }

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil {
		return 0, errReadTimeout
	}
	return n, err
}

// ReadFix returns the next fix. Sentences without position data are
// skipped; a sentence reporting no fix returns ErrNoFix.
func (r *Receiver) ReadFix(ctx context.Context) (pipeline.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return pipeline.Position{}, err
		}

		chunk, err := r.reader.ReadSlice('\n')
		r.pending = append(r.pending, chunk...)
		switch {
		case err == nil:
		case errors.Is(err, errReadTimeout):
			continue
		case errors.Is(err, bufio.ErrBufferFull):
			r.pending = r.pending[:0]
			continue
		default:
			r.pending = r.pending[:0]
			return pipeline.Position{}, errors.New(fmt.Errorf("read nmea: %w", err)).
				Component(componentName).
				Category(errors.CategoryTransientIO).
				Build()
		}

		line := strings.TrimSpace(string(r.pending))
		r.pending = r.pending[:0]
		if len(line) > maxSentence {
			continue
		}

		pos, ok, err := parseFix(line)
		if err != nil {
			if errors.Is(err, ErrNoFix) {
				return pipeline.Position{}, err
			}
			r.log.Debug("skipping malformed sentence", logger.Error(err))
			continue
		}
		if !ok {
			continue
		}
		pos.FixedAt = r.now()
		return pos, nil
	}
}

// parseFix extracts a position from one sentence. ok is false for sentences
// that carry no position.
func parseFix(line string) (pos pipeline.Position, ok bool, err error) {
	if !strings.HasPrefix(line, "$") {
		return pos, false, nil
	}
	s, err := nmea.Parse(line)
	if err != nil {
		return pos, false, err
	}

	switch m := s.(type) {
	case nmea.GGA:
		if m.FixQuality == nmea.Invalid {
			return pos, false, ErrNoFix
		}
		pos = pipeline.Position{Latitude: m.Latitude, Longitude: m.Longitude, Satellites: int(m.NumSatellites)}
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return pos, false, ErrNoFix
		}
		pos = pipeline.Position{Latitude: m.Latitude, Longitude: m.Longitude}
	default:
		return pos, false, nil
	}

	if pos.Latitude == 0 && pos.Longitude == 0 {
		return pos, false, ErrNoFix
	}
	return pos, true, nil
}

// Close releases the serial port. It is safe to call more than once.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.src.Close()
	})
	return r.closeErr
}
