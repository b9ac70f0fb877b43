// conf/validate.go

package conf

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) error{
		validateMainSettings,
		func(s *Settings) error { return validateVisionSettings(&s.Vision) },
		func(s *Settings) error { return validateRangingSettings(&s.Ranging) },
		func(s *Settings) error { return validateSpeechSettings(&s.Speech) },
		func(s *Settings) error { return validateGPSSettings(&s.GPS) },
		func(s *Settings) error { return validateUploadSettings(&s.Upload) },
		func(s *Settings) error { return validateShutdownSettings(&s.Shutdown) },
		func(s *Settings) error { return validateWebServerSettings(&s.WebServer) },
		func(s *Settings) error { return validateSentrySettings(&s.Sentry) },
	}
	for _, validate := range validators {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func positive(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be greater than 0, got %s", name, d)
	}
	return nil
}

func validateMainSettings(settings *Settings) error {
	if _, err := settings.Location(); err != nil {
		return fmt.Errorf("main.timezone %q is not a valid timezone: %w", settings.Main.TimeZone, err)
	}
	return nil
}

func validateVisionSettings(settings *VisionSettings) error {
	if !settings.Enabled {
		return nil
	}

	var errs []error
	if settings.ModelPath == "" {
		errs = append(errs, fmt.Errorf("vision.modelpath is required when vision is enabled"))
	}
	if settings.ConfidenceFloor < 0 || settings.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("vision.confidencefloor must be between 0 and 1, got %g", settings.ConfidenceFloor))
	}
	if len(settings.AllowList) == 0 {
		errs = append(errs, fmt.Errorf("vision.allowlist must name at least one class"))
	}
	if settings.Threads < 0 {
		errs = append(errs, fmt.Errorf("vision.threads must not be negative"))
	}
	errs = append(errs,
		positive("vision.detectioninterval", settings.DetectionInterval),
		positive("vision.announcecooldown", settings.AnnounceCooldown),
		positive("vision.framebackoff", settings.FrameBackoff),
		positive("vision.errorbackoff", settings.ErrorBackoff),
	)
	return errors.Join(errs...)
}

func validateRangingSettings(settings *RangingSettings) error {
	if !settings.Enabled {
		return nil
	}

	var errs []error
	th := settings.Thresholds
	if th.Stop <= 0 || th.Stop >= th.Warning || th.Warning >= th.Caution {
		errs = append(errs, fmt.Errorf("ranging.thresholds must be strictly ascending and positive (stop < warning < caution), got %g/%g/%g",
			th.Stop, th.Warning, th.Caution))
	}

	styles := []struct {
		name  string
		style TierStyle
	}{
		{"stop", settings.Tiers.Stop},
		{"warning", settings.Tiers.Warning},
		{"caution", settings.Tiers.Caution},
		{"clear", settings.Tiers.Clear},
		{"error", settings.Tiers.Error},
	}
	for _, ts := range styles {
		name, style := ts.name, ts.style
		if strings.TrimSpace(style.Label) == "" {
			errs = append(errs, fmt.Errorf("ranging.tiers.%s.label must not be empty", name))
		}
		if len(style.Color) != 3 {
			errs = append(errs, fmt.Errorf("ranging.tiers.%s.color must have 3 components, got %d", name, len(style.Color)))
			continue
		}
		for _, c := range style.Color {
			if c < 0 || c > 255 {
				errs = append(errs, fmt.Errorf("ranging.tiers.%s.color components must be in [0,255], got %v", name, style.Color))
				break
			}
		}
	}

	if len(settings.Sensors) == 0 {
		errs = append(errs, fmt.Errorf("ranging.sensors must list at least one sensor when ranging is enabled"))
	}
	seen := make(map[string]bool, len(settings.Sensors))
	for i, sensor := range settings.Sensors {
		if sensor.Name == "" {
			errs = append(errs, fmt.Errorf("ranging.sensors[%d].name is required", i))
		} else if seen[sensor.Name] {
			errs = append(errs, fmt.Errorf("ranging.sensors[%d].name %q is not unique", i, sensor.Name))
		}
		seen[sensor.Name] = true
		if sensor.TriggerPin == "" || sensor.EchoPin == "" {
			errs = append(errs, fmt.Errorf("ranging.sensors[%d] requires triggerpin and echopin", i))
		}
	}

	if settings.Samples < 1 {
		errs = append(errs, fmt.Errorf("ranging.samples must be at least 1, got %d", settings.Samples))
	}
	if settings.SampleSpacing < 0 {
		errs = append(errs, fmt.Errorf("ranging.samplespacing must not be negative"))
	}
	errs = append(errs,
		positive("ranging.cycleperiod", settings.CyclePeriod),
		positive("ranging.errorperiod", settings.ErrorPeriod),
		positive("ranging.announceinterval", settings.AnnounceInterval),
		positive("ranging.measuretimeout", settings.MeasureTimeout),
	)
	return errors.Join(errs...)
}

func validateSpeechSettings(settings *SpeechSettings) error {
	if !settings.Enabled {
		return nil
	}

	var errs []error
	switch settings.Engine {
	case "malgo", "espeak":
	default:
		errs = append(errs, fmt.Errorf("speech.engine must be malgo or espeak, got %q", settings.Engine))
	}
	if settings.Volume < 0 || settings.Volume > 200 {
		errs = append(errs, fmt.Errorf("speech.volume must be between 0 and 200, got %d", settings.Volume))
	}
	if settings.Rate <= 0 {
		errs = append(errs, fmt.Errorf("speech.rate must be greater than 0, got %d", settings.Rate))
	}
	errs = append(errs,
		positive("speech.poptimeout", settings.PopTimeout),
		positive("speech.grace", settings.Grace),
	)
	return errors.Join(errs...)
}

func validateUploadSettings(settings *UploadSettings) error {
	var errs []error
	if settings.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("upload.capacity must be greater than 0, got %d", settings.Capacity))
	}
	if settings.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("upload.ratelimit must not be negative"))
	}
	if settings.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("upload.retry.attempts must be at least 1, got %d", settings.Retry.Attempts))
	}
	if settings.Retry.Attempts > 1 {
		if settings.Retry.Multiplier < 1 {
			errs = append(errs, fmt.Errorf("upload.retry.multiplier must be at least 1"))
		}
		errs = append(errs, positive("upload.retry.initialdelay", settings.Retry.InitialDelay))
	}
	errs = append(errs,
		positive("upload.poptimeout", settings.PopTimeout),
		positive("upload.grace", settings.Grace),
	)

	if settings.Firebase.Enabled {
		if err := validateURL("upload.firebase.databaseurl", settings.Firebase.DatabaseURL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
		if settings.Firebase.VisionPath == "" || settings.Firebase.RangePath == "" || settings.Firebase.SOSPath == "" {
			errs = append(errs, fmt.Errorf("upload.firebase.visionpath, rangepath and sospath are required"))
		}
	}
	if settings.MQTT.Enabled {
		if err := validateURL("upload.mqtt.broker", settings.MQTT.Broker, "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
		if settings.MQTT.Topic == "" {
			errs = append(errs, fmt.Errorf("upload.mqtt.topic is required"))
		}
		if settings.MQTT.QoS < 0 || settings.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("upload.mqtt.qos must be 0, 1 or 2, got %d", settings.MQTT.QoS))
		}
	}
	if settings.NATS.Enabled {
		if err := validateURL("upload.nats.url", settings.NATS.URL, "nats", "tls", "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
		if settings.NATS.SubjectPrefix == "" {
			errs = append(errs, fmt.Errorf("upload.nats.subjectprefix is required"))
		}
	}
	if settings.Database.Enabled {
		switch settings.Database.Driver {
		case "sqlite":
			if settings.Database.Path == "" {
				errs = append(errs, fmt.Errorf("upload.database.path is required for sqlite"))
			}
		case "mysql":
			if settings.Database.DSN == "" {
				errs = append(errs, fmt.Errorf("upload.database.dsn is required for mysql"))
			} else if _, err := mysql.ParseDSN(settings.Database.DSN); err != nil {
				errs = append(errs, fmt.Errorf("upload.database.dsn is invalid: %w", err))
			}
		default:
			errs = append(errs, fmt.Errorf("upload.database.driver must be sqlite or mysql, got %q", settings.Database.Driver))
		}
		if settings.Database.Retention < 0 {
			errs = append(errs, fmt.Errorf("upload.database.retention must not be negative"))
		}
	}
	if settings.Notification.Enabled {
		if len(settings.Notification.URLs) == 0 {
			errs = append(errs, fmt.Errorf("upload.notification.urls must list at least one service"))
		}
		errs = append(errs, positive("upload.notification.window", settings.Notification.Window))
	}
	return errors.Join(errs...)
}

func validateGPSSettings(settings *GPSSettings) error {
	if !settings.Enabled {
		return nil
	}

	var errs []error
	if settings.Port == "" {
		errs = append(errs, fmt.Errorf("gps.port is required when gps is enabled"))
	}
	if settings.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("gps.baudrate must be greater than 0, got %d", settings.BaudRate))
	}
	if settings.MaxFixAge < 0 {
		errs = append(errs, fmt.Errorf("gps.maxfixage must not be negative"))
	}
	errs = append(errs,
		positive("gps.readtimeout", settings.ReadTimeout),
		positive("gps.errorbackoff", settings.ErrorBackoff),
		positive("gps.sostimeout", settings.SOSTimeout),
	)

	if geo := settings.Geocoding; geo.Enabled {
		if geo.APIKey == "" {
			errs = append(errs, fmt.Errorf("gps.geocoding.apikey is required when geocoding is enabled"))
		}
		if err := validateURL("gps.geocoding.endpoint", geo.Endpoint, "http", "https"); err != nil {
			errs = append(errs, err)
		}
		if geo.Interval < 0 {
			errs = append(errs, fmt.Errorf("gps.geocoding.interval must not be negative"))
		}
		errs = append(errs,
			positive("gps.geocoding.timeout", geo.Timeout),
			positive("gps.geocoding.cachettl", geo.CacheTTL),
		)
	}
	return errors.Join(errs...)
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be a valid URL, got %q", name, raw)
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("%s scheme must be one of %v, got %q", name, schemes, u.Scheme)
	}
	return nil
}

func validateShutdownSettings(settings *ShutdownSettings) error {
	return errors.Join(
		positive("shutdown.uploadertimeout", settings.UploaderTimeout),
		positive("shutdown.announcertimeout", settings.AnnouncerTimeout),
		positive("shutdown.closetimeout", settings.CloseTimeout),
	)
}

func validateWebServerSettings(settings *WebServerSettings) error {
	if !settings.Enabled {
		return nil
	}
	var errs []error
	if settings.Listen == "" {
		errs = append(errs, fmt.Errorf("webserver.listen is required when the web server is enabled"))
	}
	errs = append(errs,
		positive("webserver.pushinterval", settings.PushInterval),
		positive("webserver.shutdowntimeout", settings.ShutdownTimeout),
	)
	return errors.Join(errs...)
}

func validateSentrySettings(settings *SentrySettings) error {
	if settings.Enabled && settings.DSN == "" {
		return fmt.Errorf("sentry.dsn is required when sentry is enabled")
	}
	return nil
}
