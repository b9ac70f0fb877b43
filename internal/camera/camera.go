// Package camera captures frames from a V4L2 device or a stream URL via
// OpenCV.
package camera

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

const componentName = "camera"

// Config selects the capture device.
type Config struct {
	Device string // device index such as "0", or a stream URL
	Width  int    // requested frame width, 0 keeps the driver default
	Height int    // requested frame height, 0 keeps the driver default
}

// Camera is a pipeline.FrameSource backed by gocv.VideoCapture. Capture and
// Close are safe to call from different goroutines.
type Camera struct {
	mu     sync.Mutex
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	device string
	closed bool
	log    logger.Logger
}

// Open opens the capture device. A device that cannot be opened is a
// resource-unavailable error.
func Open(cfg Config) (*Camera, error) {
	log := logger.Global().Module(componentName)

	cap, err := gocv.OpenVideoCapture(parseDevice(cfg.Device))
	if err != nil || !cap.IsOpened() {
		if cap != nil {
			_ = cap.Close()
		}
		if err == nil {
			err = fmt.Errorf("video capture is not opened")
		}
		return nil, errors.ResourceUnavailable(err, componentName)
	}

	if cfg.Width > 0 && cfg.Height > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		cap.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	// keep latency low, only the newest frame matters
	cap.Set(gocv.VideoCaptureBufferSize, 1)

	log.Info("camera opened",
		logger.String("device", logger.RedactURL(cfg.Device)),
		logger.Float64("width", cap.Get(gocv.VideoCaptureFrameWidth)),
		logger.Float64("height", cap.Get(gocv.VideoCaptureFrameHeight)),
		logger.Float64("fps", cap.Get(gocv.VideoCaptureFPS)))

	return &Camera{
		cap:    cap,
		mat:    gocv.NewMat(),
		device: cfg.Device,
		log:    log,
	}, nil
}

// Capture reads one frame. A failed read is a transient error.
func (c *Camera) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.ResourceUnavailable(fmt.Errorf("camera is closed"), componentName)
	}
	if ok := c.cap.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, errors.TransientIO(fmt.Errorf("failed to read frame from %s", logger.RedactURL(c.device)), componentName)
	}

	img, err := c.mat.ToImage()
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryTransientIO).
			Context("operation", "mat_to_image").
			Build()
	}
	return img, nil
}

// Close releases the device.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.mat.Close()
	if err := c.cap.Close(); err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryHardware).
			Build()
	}
	c.log.Info("camera closed")
	return nil
}

// EncodeJPEG encodes img for the preview endpoint.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image to Mat: %w", err)
	}
	defer func() { _ = mat.Close() }()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	defer buf.Close()

	return append([]byte(nil), buf.GetBytes()...), nil
}

// parseDevice returns a device index for numeric values and the string
// otherwise.
func parseDevice(device string) any {
	device = strings.TrimSpace(device)
	if id, err := strconv.Atoi(device); err == nil {
		return id
	}
	if strings.HasPrefix(device, "/dev/video") {
		if id, err := strconv.Atoi(strings.TrimPrefix(device, "/dev/video")); err == nil {
			return id
		}
	}
	return device
}
