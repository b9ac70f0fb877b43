// Package detector runs TensorFlow Lite SSD object detection on camera
// frames.
package detector

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/tphakala/go-tflite"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

const componentName = "detector"

// ssdOutputCount is the number of post-processed SSD output tensors.
const ssdOutputCount = 4

// Config configures a Detector.
type Config struct {
	ModelPath string // .tflite SSD model
	LabelPath string // label map, empty uses the built-in COCO map
	Threads   int    // interpreter threads, 0 uses all cores
}

// Detector wraps a TFLite interpreter. Detect calls are serialized because
// the interpreter is not safe for concurrent use.
type Detector struct {
	mu          sync.Mutex
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	labels      []string
	inputW      int
	inputH      int
	inputType   tflite.TensorType
	closed      bool
}

// New loads the model and allocates its tensors.
func New(cfg Config) (*Detector, error) {
	start := time.Now()
	log := GetLogger()

	labels, err := LoadLabels(cfg.LabelPath)
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryModelLoad).
			Context("label_path", cfg.LabelPath).
			Build()
	}

	modelData, err := os.ReadFile(cfg.ModelPath)
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryResourceUnavailable).
			Context("model_path", cfg.ModelPath).
			Build()
	}

	model := tflite.NewModel(modelData)
	if model == nil {
		return nil, errors.Newf("cannot load TensorFlow Lite model").
			Component(componentName).
			Category(errors.CategoryModelLoad).
			Context("model_path", cfg.ModelPath).
			Context("model_size_kb", len(modelData)/1024).
			Build()
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ any) {
		GetLogger().Error("TFLite error", logger.String("message", msg))
	}, nil)

	d := &Detector{model: model, options: options, labels: labels}

	d.interpreter = tflite.NewInterpreter(model, options)
	if d.interpreter == nil {
		d.release()
		return nil, errors.Newf("cannot create interpreter").
			Component(componentName).
			Category(errors.CategoryModelLoad).
			Build()
	}
	if status := d.interpreter.AllocateTensors(); status != tflite.OK {
		d.release()
		return nil, errors.Newf("tensor allocation failed: %v", status).
			Component(componentName).
			Category(errors.CategoryModelLoad).
			Build()
	}

	if err := d.inspectInput(); err != nil {
		d.release()
		return nil, err
	}

	log.Info("object detection model initialized",
		logger.String("model", cfg.ModelPath),
		logger.Int("labels", len(labels)),
		logger.Int("input_width", d.inputW),
		logger.Int("input_height", d.inputH),
		logger.Int("threads", threads),
		logger.Duration("elapsed", time.Since(start)))
	return d, nil
}

// inspectInput reads the [1, h, w, 3] input shape.
func (d *Detector) inspectInput() error {
	input := d.interpreter.GetInputTensor(0)
	if input == nil || input.NumDims() != 4 || input.Dim(3) != 3 {
		return errors.Newf("model input is not an RGB image tensor").
			Component(componentName).
			Category(errors.CategoryModelLoad).
			Build()
	}
	switch input.Type() {
	case tflite.UInt8, tflite.Float32:
	default:
		return errors.Newf("unsupported input tensor type %v", input.Type()).
			Component(componentName).
			Category(errors.CategoryModelLoad).
			Build()
	}
	d.inputH, d.inputW, d.inputType = input.Dim(1), input.Dim(2), input.Type()
	return nil
}

// Detect runs one inference on f.
func (d *Detector) Detect(ctx context.Context, f pipeline.Frame) (pipeline.DetectionSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Image == nil {
		return nil, errors.Newf("frame %d has no image", f.Seq).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.Newf("detector is closed").
			Component(componentName).
			Category(errors.CategoryResourceUnavailable).
			Build()
	}

	input := d.interpreter.GetInputTensor(0)
	if input == nil {
		return nil, fmt.Errorf("cannot get input tensor")
	}
	if d.inputType == tflite.UInt8 {
		fillUint8(input.UInt8s(), f.Image, d.inputW, d.inputH)
	} else {
		fillFloat32(input.Float32s(), f.Image, d.inputW, d.inputH)
	}

	if status := d.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.Newf("tensor invoke failed: %v", status).
			Component(componentName).
			Category(errors.CategorySystem).
			Context("frame_seq", f.Seq).
			Build()
	}

	out, err := d.readOutputs()
	if err != nil {
		return nil, errors.MalformedInference(err, componentName)
	}

	bounds := f.Image.Bounds()
	dets, err := decodeDetections(out, d.labels, bounds.Dx(), bounds.Dy())
	if err != nil {
		return nil, errors.MalformedInference(err, componentName)
	}
	return dets, nil
}

// readOutputs copies the SSD outputs. Callers hold d.mu.
func (d *Detector) readOutputs() (ssdOutputs, error) {
	if n := d.interpreter.GetOutputTensorCount(); n < ssdOutputCount {
		return ssdOutputs{}, fmt.Errorf("expected %d output tensors, got %d", ssdOutputCount, n)
	}

	tensors := make([]*tflite.Tensor, ssdOutputCount)
	for i := range tensors {
		t := d.interpreter.GetOutputTensor(i)
		if t == nil || t.Type() != tflite.Float32 {
			return ssdOutputs{}, fmt.Errorf("output tensor %d is missing or not float32", i)
		}
		tensors[i] = t
	}

	boxes := tensors[0]
	if boxes.NumDims() != 3 || boxes.Dim(2) != 4 {
		return ssdOutputs{}, fmt.Errorf("boxes tensor has %d dims, want [1, N, 4]", boxes.NumDims())
	}
	counts := tensors[3].Float32s()
	if len(counts) == 0 {
		return ssdOutputs{}, fmt.Errorf("count tensor is empty")
	}

	maxDetections := boxes.Dim(1)
	return ssdOutputs{
		boxes:   append([]float32(nil), boxes.Float32s()...),
		classes: append([]float32(nil), tensors[1].Float32s()...),
		scores:  append([]float32(nil), tensors[2].Float32s()...),
		count:   min(int(counts[0]), maxDetections),
	}, nil
}

// Labels returns the loaded label map.
func (d *Detector) Labels() []string {
	return d.labels
}

// Close frees the interpreter. It waits for a running inference.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.release()
	return nil
}

func (d *Detector) release() {
	if d.interpreter != nil {
		d.interpreter.Delete()
		d.interpreter = nil
	}
	if d.options != nil {
		d.options.Delete()
		d.options = nil
	}
	if d.model != nil {
		d.model.Delete()
		d.model = nil
	}
}
