// Package run implements the run sub-command: it opens the devices, starts
// the pipeline and the preview server and shuts everything down on SIGINT or
// SIGTERM.
package run

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/buildinfo"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/camera"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/conf"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/detector"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/gps"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/httpcontroller"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/observability"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/speech"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/telemetry"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/ultrasonic"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/upload"
)

const (
	previewJPEGQuality = 80
	retentionInterval  = time.Hour
)

// Options are the bench switches of the run command.
type Options struct {
	NoVision bool // skip camera and detector
	NoSpeech bool // skip the speech engine
}

// Command creates the run command.
func Command(load func() (*conf.Settings, error), info *buildinfo.Context) *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sensing pipeline",
		Long:  "Start capture, detection, ranging, speech and upload workers together with the preview server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, settings, opts, info)
		},
	}

	cmd.Flags().BoolVar(&opts.NoVision, "no-vision", false, "Run without camera and object detection")
	cmd.Flags().BoolVar(&opts.NoSpeech, "no-speech", false, "Run without spoken alerts")
	return cmd
}

// Run starts the pipeline and blocks until ctx is done or the preview server
// fails, then shuts down in order.
func Run(ctx context.Context, settings *conf.Settings, opts Options, info *buildinfo.Context) error {
	cl, err := logger.NewCentralLogger(settings.LoggingConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetGlobal(cl)
	defer func() { _ = cl.Close() }()
	log := cl.Module("main")

	if err := telemetry.InitSentry(&settings.Sentry, info.GetVersion()); err != nil {
		return err
	}
	defer telemetry.Flush()

	loc, err := settings.Location()
	if err != nil {
		return fmt.Errorf("invalid main.timezone: %w", err)
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	sinks, err := upload.BuildSinks(ctx, settings)
	if err != nil {
		return err
	}

	deps, err := openDevices(settings, opts)
	if err != nil {
		_ = sinks.Close()
		return err
	}
	deps.Sink = sinks
	deps.Metrics = metrics.Pipeline

	sup, err := pipeline.NewSupervisor(pipelineConfig(settings, loc), deps)
	if err != nil {
		closeDevices(deps)
		_ = sinks.Close()
		return err
	}
	if err := sup.Start(ctx); err != nil {
		sup.Shutdown()
		return err
	}

	log.Info("sidp started",
		logger.String("version", info.GetVersion()),
		logger.String("commit", info.GetCommit()),
		logger.String("device", settings.Main.Name),
		logger.Any("sinks", sinks.Names()))

	var (
		srv    *httpcontroller.Server
		srvErr <-chan error
	)
	if settings.WebServer.Enabled {
		srv, err = newPreviewServer(settings, info, sup, sinks, metrics, deps)
		if err != nil {
			sup.Shutdown()
			return err
		}
		srv.Start()
		srvErr = srv.Errors()
	}

	bgCtx, cancelBg := context.WithCancel(ctx)
	retentionDone := make(chan struct{})
	go func() {
		defer close(retentionDone)
		if sinks.Store != nil {
			sinks.Store.RunRetention(bgCtx, settings.Upload.Database.Retention, retentionInterval)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case runErr = <-srvErr:
		log.Error("preview server failed, shutting down", logger.Error(runErr))
	}

	cancelBg()
	<-retentionDone

	if srv != nil {
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn("preview server shutdown incomplete", logger.Error(err))
		}
	}
	sup.Shutdown()
	sup.Wait()

	log.Info("sidp stopped")
	return runErr
}

// openDevices opens the camera, detector, range sensors, GPS receiver and
// speech engine enabled in settings. A device that cannot be opened fails startup after
// the devices opened so far are closed.
func openDevices(settings *conf.Settings, opts Options) (deps pipeline.Dependencies, err error) {
	defer func() {
		if err != nil {
			closeDevices(deps)
			deps = pipeline.Dependencies{}
		}
	}()

	if settings.Vision.Enabled && !opts.NoVision {
		v := &settings.Vision
		cam, err := camera.Open(camera.Config{Device: v.Camera.Device, Width: v.Camera.Width, Height: v.Camera.Height})
		if err != nil {
			return deps, err
		}
		deps.FrameSource = cam

		det, err := detector.New(detector.Config{ModelPath: v.ModelPath, LabelPath: v.LabelPath, Threads: v.Threads})
		if err != nil {
			return deps, err
		}
		deps.Detector = det
		deps.Resources = append(deps.Resources, pipeline.Resource{Name: "detector", Closer: det})
	}

	if settings.Ranging.Enabled {
		r := &settings.Ranging
		for _, s := range r.Sensors {
			sensor, err := ultrasonic.Open(ultrasonic.Config{
				Name:          s.Name,
				TriggerPin:    s.TriggerPin,
				EchoPin:       s.EchoPin,
				Samples:       r.Samples,
				SampleSpacing: r.SampleSpacing,
			})
			if err != nil {
				return deps, err
			}
			deps.Sensors = append(deps.Sensors, pipeline.NamedSensor{Name: s.Name, Sensor: sensor})
			deps.Resources = append(deps.Resources, pipeline.Resource{Name: "ultrasonic/" + s.Name, Closer: sensor})
		}
	}

	if settings.GPS.Enabled {
		receiver, err := gps.Open(gps.Config{
			Port:        settings.GPS.Port,
			BaudRate:    settings.GPS.BaudRate,
			ReadTimeout: settings.GPS.ReadTimeout,
		})
		if err != nil {
			return deps, err
		}
		deps.Positions = receiver
	}

	if settings.Speech.Enabled && !opts.NoSpeech {
		speaker, err := speech.New(&settings.Speech)
		if err != nil {
			return deps, err
		}
		deps.Speaker = speaker
	}

	return deps, nil
}

// closeDevices releases devices of a pipeline that never started.
func closeDevices(deps pipeline.Dependencies) {
	if deps.Speaker != nil {
		_ = deps.Speaker.Close()
	}
	if deps.FrameSource != nil {
		_ = deps.FrameSource.Close()
	}
	if deps.Positions != nil {
		_ = deps.Positions.Close()
	}
	for _, r := range deps.Resources {
		_ = r.Closer.Close()
	}
}

func newPreviewServer(settings *conf.Settings, info *buildinfo.Context, sup *pipeline.Supervisor,
	sinks *upload.Sinks, metrics *observability.Metrics, devices pipeline.Dependencies,
) (*httpcontroller.Server, error) {
	deps := httpcontroller.Dependencies{
		State:   sup,
		Metrics: metrics.Handler(),
	}
	if sinks.Store != nil {
		deps.Store = sinks.Store
	}
	if devices.Positions != nil {
		deps.Assist = sup
		if geo := settings.GPS.Geocoding; geo.Enabled {
			geocoder, err := gps.NewGeocoder(gps.GeocoderConfig{
				APIKey:   geo.APIKey,
				Endpoint: geo.Endpoint,
				Timeout:  geo.Timeout,
				CacheTTL: geo.CacheTTL,
				Interval: geo.Interval,
			})
			if err != nil {
				return nil, err
			}
			deps.Geocode = geocoder
		}
	}
	if devices.FrameSource != nil {
		deps.Encoder = func(img image.Image) ([]byte, error) {
			return camera.EncodeJPEG(img, previewJPEGQuality)
		}
	}

	return httpcontroller.New(httpcontroller.Config{
		Listen:          settings.WebServer.Listen,
		PushInterval:    settings.WebServer.PushInterval,
		ShutdownTimeout: settings.WebServer.ShutdownTimeout,
		Device:          settings.Main.Name,
		Version:         info.GetVersion(),
		Commit:          info.GetCommit(),
	}, deps)
}
