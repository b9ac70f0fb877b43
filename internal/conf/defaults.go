// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default values shared with the embedded config.yaml.
const (
	DefaultTimeZone          = "Asia/Kuala_Lumpur"
	DefaultConfidenceFloor   = 0.35
	DefaultDetectionInterval = 500 * time.Millisecond
	DefaultAnnounceCooldown  = 5 * time.Second
	DefaultStopCM            = 50.0
	DefaultWarningCM         = 100.0
	DefaultCautionCM         = 200.0
	DefaultUploadCapacity    = 100
)

// setDefaultConfig sets default values on v.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("main.name", "sidp")
	v.SetDefault("main.timezone", DefaultTimeZone)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.timezone", "Local")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "logs/sidp.log")
	v.SetDefault("log.file.level", "debug")
	v.SetDefault("log.modulelevels", map[string]string{})

	v.SetDefault("vision.enabled", true)
	v.SetDefault("vision.modelpath", "model/detect.tflite")
	v.SetDefault("vision.labelpath", "")
	v.SetDefault("vision.threads", 0)
	v.SetDefault("vision.confidencefloor", DefaultConfidenceFloor)
	v.SetDefault("vision.allowlist", []string{"person", "car", "bus", "truck", "bicycle", "motorcycle", "dog", "chair", "bench", "stop sign"})
	v.SetDefault("vision.detectioninterval", DefaultDetectionInterval)
	v.SetDefault("vision.announcecooldown", DefaultAnnounceCooldown)
	v.SetDefault("vision.framebackoff", 20*time.Millisecond)
	v.SetDefault("vision.errorbackoff", 200*time.Millisecond)
	v.SetDefault("vision.camera.device", "0")
	v.SetDefault("vision.camera.width", 640)
	v.SetDefault("vision.camera.height", 480)

	v.SetDefault("ranging.enabled", true)
	v.SetDefault("ranging.thresholds.stop", DefaultStopCM)
	v.SetDefault("ranging.thresholds.warning", DefaultWarningCM)
	v.SetDefault("ranging.thresholds.caution", DefaultCautionCM)
	v.SetDefault("ranging.tiers.stop.label", "Stop")
	v.SetDefault("ranging.tiers.stop.color", []int{255, 0, 0})
	v.SetDefault("ranging.tiers.warning.label", "Warning")
	v.SetDefault("ranging.tiers.warning.color", []int{255, 165, 0})
	v.SetDefault("ranging.tiers.caution.label", "Caution")
	v.SetDefault("ranging.tiers.caution.color", []int{255, 255, 0})
	v.SetDefault("ranging.tiers.clear.label", "Clear")
	v.SetDefault("ranging.tiers.clear.color", []int{0, 255, 0})
	v.SetDefault("ranging.tiers.error.label", "Sensor Error")
	v.SetDefault("ranging.tiers.error.color", []int{255, 0, 0})
	v.SetDefault("ranging.cycleperiod", time.Second)
	v.SetDefault("ranging.errorperiod", 200*time.Millisecond)
	v.SetDefault("ranging.announceinterval", 3*time.Second)
	v.SetDefault("ranging.measuretimeout", 20*time.Millisecond)
	v.SetDefault("ranging.samples", 5)
	v.SetDefault("ranging.samplespacing", 50*time.Millisecond)
	v.SetDefault("ranging.sensors", []map[string]any{
		{"name": "front", "triggerpin": "GPIO23", "echopin": "GPIO24"},
	})

	v.SetDefault("speech.enabled", true)
	v.SetDefault("speech.engine", "malgo")
	v.SetDefault("speech.espeakpath", "")
	v.SetDefault("speech.voice", "en")
	v.SetDefault("speech.rate", 150)
	v.SetDefault("speech.volume", 100)
	v.SetDefault("speech.poptimeout", 250*time.Millisecond)
	v.SetDefault("speech.grace", time.Second)

	v.SetDefault("gps.enabled", false)
	v.SetDefault("gps.port", "/dev/serial0")
	v.SetDefault("gps.baudrate", 9600)
	v.SetDefault("gps.readtimeout", time.Second)
	v.SetDefault("gps.errorbackoff", time.Second)
	v.SetDefault("gps.maxfixage", 2*time.Minute)
	v.SetDefault("gps.sostimeout", 10*time.Second)
	v.SetDefault("gps.geocoding.enabled", false)
	v.SetDefault("gps.geocoding.apikey", "")
	v.SetDefault("gps.geocoding.endpoint", "https://maps.googleapis.com/maps/api/geocode/json")
	v.SetDefault("gps.geocoding.timeout", 5*time.Second)
	v.SetDefault("gps.geocoding.cachettl", 10*time.Minute)
	v.SetDefault("gps.geocoding.interval", time.Second)

	v.SetDefault("upload.capacity", DefaultUploadCapacity)
	v.SetDefault("upload.poptimeout", 250*time.Millisecond)
	v.SetDefault("upload.grace", 3*time.Second)
	v.SetDefault("upload.ratelimit", 0.0)
	v.SetDefault("upload.retry.attempts", 1)
	v.SetDefault("upload.retry.initialdelay", 200*time.Millisecond)
	v.SetDefault("upload.retry.maxdelay", 2*time.Second)
	v.SetDefault("upload.retry.multiplier", 2.0)

	v.SetDefault("upload.firebase.enabled", false)
	v.SetDefault("upload.firebase.databaseurl", "")
	v.SetDefault("upload.firebase.secret", "")
	v.SetDefault("upload.firebase.visionpath", "objectDetectionDB")
	v.SetDefault("upload.firebase.rangepath", "ultrasonicDB")
	v.SetDefault("upload.firebase.sospath", "sos")
	v.SetDefault("upload.firebase.timeout", 5*time.Second)

	v.SetDefault("upload.mqtt.enabled", false)
	v.SetDefault("upload.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("upload.mqtt.topic", "sidp")
	v.SetDefault("upload.mqtt.username", "")
	v.SetDefault("upload.mqtt.password", "")
	v.SetDefault("upload.mqtt.qos", 0)
	v.SetDefault("upload.mqtt.retain", false)
	v.SetDefault("upload.mqtt.timeout", 5*time.Second)

	v.SetDefault("upload.nats.enabled", false)
	v.SetDefault("upload.nats.url", "nats://localhost:4222")
	v.SetDefault("upload.nats.subjectprefix", "sidp.events")
	v.SetDefault("upload.nats.timeout", 5*time.Second)

	v.SetDefault("upload.database.enabled", false)
	v.SetDefault("upload.database.driver", "sqlite")
	v.SetDefault("upload.database.path", "sidp.db")
	v.SetDefault("upload.database.dsn", "")
	v.SetDefault("upload.database.retention", 720*time.Hour)

	v.SetDefault("upload.notification.enabled", false)
	v.SetDefault("upload.notification.urls", []string{})
	v.SetDefault("upload.notification.classes", []string{})
	v.SetDefault("upload.notification.window", time.Minute)

	v.SetDefault("shutdown.uploadertimeout", time.Second)
	v.SetDefault("shutdown.announcertimeout", time.Second)
	v.SetDefault("shutdown.closetimeout", 2*time.Second)

	v.SetDefault("webserver.enabled", true)
	v.SetDefault("webserver.listen", ":8080")
	v.SetDefault("webserver.pushinterval", 500*time.Millisecond)
	v.SetDefault("webserver.shutdowntimeout", 3*time.Second)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
	v.SetDefault("sentry.debug", false)
}
