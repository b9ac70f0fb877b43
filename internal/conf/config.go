// config.go: settings struct tree and the load/save functions for the
// sensing pipeline.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/secrets"
)

//go:embed config.yaml
var configFiles embed.FS

// EnvPrefix is the prefix of environment overrides, e.g. SIDP_VISION_ENABLED.
const EnvPrefix = "SIDP"

// MainSettings contains process-wide settings.
type MainSettings struct {
	Name     string // device name, used in MQTT client ids and NATS headers
	TimeZone string // IANA zone used for record timestamps
}

// LogSettings contains logging output settings.
type LogSettings struct {
	Level        string            // default level: trace, debug, info, warn, error
	Timezone     string            // timezone for log timestamps, "Local" or IANA name
	Console      bool              // enable console output
	File         LogFileSettings   // JSON file output
	ModuleLevels map[string]string // per-module level overrides, e.g. pipeline.range: debug
}

// LogFileSettings contains JSON log file settings.
type LogFileSettings struct {
	Enabled bool
	Path    string
	Level   string
}

// CameraSettings contains capture device settings.
type CameraSettings struct {
	Device string // device index ("0") or stream URL
	Width  int    // requested frame width, 0 keeps the device default
	Height int    // requested frame height, 0 keeps the device default
}

// VisionSettings contains object detection settings.
type VisionSettings struct {
	Enabled           bool
	ModelPath         string        // TFLite SSD model file
	LabelPath         string        // label file, one label per line; empty uses built-in COCO labels
	Threads           int           // interpreter threads, 0 means runtime.NumCPU
	ConfidenceFloor   float64       // minimum confidence kept after filtering
	AllowList         []string      // class names that are announced and uploaded
	DetectionInterval time.Duration // minimum period between inference cycles
	AnnounceCooldown  time.Duration // per-class announcement cooldown
	FrameBackoff      time.Duration // sleep while waiting for a fresh frame
	ErrorBackoff      time.Duration // sleep after a failed inference
	Camera            CameraSettings
}

// TierStyle is the spoken label and preview color of a range tier.
type TierStyle struct {
	Label string
	Color []int // RGB, each 0-255
}

// TierStyles holds the style of every range tier.
type TierStyles struct {
	Stop    TierStyle
	Warning TierStyle
	Caution TierStyle
	Clear   TierStyle
	Error   TierStyle
}

// ThresholdSettings holds the ascending tier thresholds in centimeters.
type ThresholdSettings struct {
	Stop    float64
	Warning float64
	Caution float64
}

// SensorSettings describes one HC-SR04 sensor.
type SensorSettings struct {
	Name       string // sensor name, used in alerts when several sensors are configured
	TriggerPin string // GPIO name of the trigger pin, e.g. GPIO23
	EchoPin    string // GPIO name of the echo pin, e.g. GPIO24
}

// RangingSettings contains ultrasonic ranging settings.
type RangingSettings struct {
	Enabled          bool
	Thresholds       ThresholdSettings
	Tiers            TierStyles
	CyclePeriod      time.Duration // period of one measurement cycle
	ErrorPeriod      time.Duration // shorter period after a failed measurement
	AnnounceInterval time.Duration // repeat interval for an unchanged tier
	MeasureTimeout   time.Duration // echo edge timeout
	Samples          int           // samples per measurement, median is reported
	SampleSpacing    time.Duration // pause between samples
	Sensors          []SensorSettings
}

// SpeechSettings contains text-to-speech settings.
type SpeechSettings struct {
	Enabled    bool
	Engine     string        // "malgo" plays espeak output through malgo, "espeak" lets espeak play itself
	EspeakPath string        // espeak binary, looked up in PATH when empty
	Voice      string        // espeak voice, e.g. en
	Rate       int           // words per minute
	Volume     int           // espeak amplitude 0-200
	PopTimeout time.Duration // alert queue poll timeout
	Grace      time.Duration // time allowed to finish the current utterance on shutdown
}

// RetrySettings configures per-event upload retries.
type RetrySettings struct {
	Attempts     int           // total attempts per event, 1 means no retry
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // upper bound of the backoff delay
	Multiplier   float64       // backoff growth factor
}

// FirebaseSettings configures the Realtime Database sink.
type FirebaseSettings struct {
	Enabled     bool
	DatabaseURL string // e.g. https://project-default-rtdb.firebaseio.com
	Secret      string // database secret or ID token appended as ?auth=
	VisionPath  string // node for vision records
	RangePath   string // node for range records
	SOSPath     string // node overwritten by each SOS call
	Timeout     time.Duration
}

// MQTTSettings configures the MQTT sink.
type MQTTSettings struct {
	Enabled  bool
	Broker   string // e.g. tcp://localhost:1883
	Topic    string // base topic, records go to {topic}/{kind}
	Username string
	Password string
	QoS      int
	Retain   bool
	Timeout  time.Duration
}

// NATSSettings configures the NATS sink.
type NATSSettings struct {
	Enabled       bool
	URL           string // e.g. nats://localhost:4222
	SubjectPrefix string // records go to {prefix}.{kind}
	Timeout       time.Duration
}

// DatabaseSettings configures the local event log.
type DatabaseSettings struct {
	Enabled   bool
	Driver    string        // sqlite or mysql
	Path      string        // sqlite file
	DSN       string        // mysql data source name
	Retention time.Duration // events older than this are pruned, 0 keeps everything
}

// NotificationSettings configures push notifications through shoutrrr.
type NotificationSettings struct {
	Enabled bool
	URLs    []string      // shoutrrr service URLs
	Classes []string      // vision classes that notify, in addition to Stop readings
	Window  time.Duration // minimum time between two notifications of the same key
}

// UploadSettings contains remote event log settings.
type UploadSettings struct {
	Capacity     int           // upload queue capacity, oldest events are dropped beyond it
	PopTimeout   time.Duration // upload queue poll timeout
	Grace        time.Duration // drain time after cancellation
	RateLimit    float64       // uploads per second, 0 means unlimited
	Retry        RetrySettings
	Firebase     FirebaseSettings
	MQTT         MQTTSettings
	NATS         NATSSettings
	Database     DatabaseSettings
	Notification NotificationSettings
}

// GeocodingSettings configures reverse geocoding of GPS fixes.
type GeocodingSettings struct {
	Enabled  bool
	APIKey   string // Google Geocoding API key
	Endpoint string
	Timeout  time.Duration
	CacheTTL time.Duration // lifetime of a cached address
	Interval time.Duration // minimum spacing of uncached requests
}

// GPSSettings configures the serial NMEA receiver and SOS calls.
type GPSSettings struct {
	Enabled      bool
	Port         string        // serial device, e.g. /dev/serial0
	BaudRate     int
	ReadTimeout  time.Duration // serial read timeout
	ErrorBackoff time.Duration // pause after a failed read or a no-fix sentence
	MaxFixAge    time.Duration // older fixes are refused for SOS, 0 accepts any
	SOSTimeout   time.Duration // upload timeout of one SOS call
	Geocoding    GeocodingSettings
}

// ShutdownSettings bounds every shutdown step.
type ShutdownSettings struct {
	UploaderTimeout  time.Duration // join timeout of the uploader on top of its grace
	AnnouncerTimeout time.Duration // join timeout of the announcer on top of its grace
	CloseTimeout     time.Duration // timeout of each resource Close
}

// WebServerSettings contains the preview API settings.
type WebServerSettings struct {
	Enabled         bool
	Listen          string        // listen address, e.g. :8080
	PushInterval    time.Duration // websocket state push interval
	ShutdownTimeout time.Duration
}

// SentrySettings contains error telemetry settings. Telemetry is opt-in.
type SentrySettings struct {
	Enabled     bool
	DSN         string
	Environment string
	Debug       bool
}

// Settings contains all configuration options.
type Settings struct {
	Debug bool // true to enable debug logging

	Main      MainSettings
	Log       LogSettings
	Vision    VisionSettings
	Ranging   RangingSettings
	Speech    SpeechSettings
	GPS       GPSSettings
	Upload    UploadSettings
	Shutdown  ShutdownSettings
	WebServer WebServerSettings
	Sentry    SentrySettings

	configFile string
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables through the
// global viper instance. An empty configFile searches the default paths and
// writes the embedded default config when none is found.
func Load(configFile string) (*Settings, error) {
	settings, err := LoadWith(viper.GetViper(), configFile)
	if err != nil {
		return nil, err
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()
	return settings, nil
}

// LoadWith loads settings into a fresh Settings using v.
func LoadWith(v *viper.Viper, configFile string) (*Settings, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	if err := initViper(v, configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	settings.configFile = v.ConfigFileUsed()

	if err := resolveSecrets(settings); err != nil {
		return nil, err
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return settings, nil
}

// resolveSecrets replaces credential settings that reference a secret file
// or environment variables with their values.
func resolveSecrets(settings *Settings) error {
	fields := map[string]*string{
		"upload.firebase.secret": &settings.Upload.Firebase.Secret,
		"upload.mqtt.password":   &settings.Upload.MQTT.Password,
		"upload.database.dsn":    &settings.Upload.Database.DSN,
		"sentry.dsn":             &settings.Sentry.DSN,
		"gps.geocoding.apikey":   &settings.GPS.Geocoding.APIKey,
	}
	for name, field := range fields {
		value, err := secrets.Resolve(*field)
		if err != nil {
			return fmt.Errorf("error resolving %s: %w", name, err)
		}
		*field = value
	}
	for i, raw := range settings.Upload.Notification.URLs {
		value, err := secrets.Resolve(raw)
		if err != nil {
			return fmt.Errorf("error resolving upload.notification.urls[%d]: %w", i, err)
		}
		settings.Upload.Notification.URLs[i] = value
	}
	return nil
}

// loadDotEnv reads .env from the working directory. Variables already set
// in the environment win.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// initViper sets defaults, environment overrides and reads the config file.
func initViper(v *viper.Viper, configFile string) error {
	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("fatal error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range GetDefaultConfigPaths() {
		v.AddConfigPath(path)
	}

	err := v.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(v)
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// GetDefaultConfigPaths returns the config search paths in priority order.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "sidp"))
	}
	return append(paths, "/etc/sidp")
}

// createDefaultConfig writes the embedded default config to the user config
// directory and reads it back.
func createDefaultConfig(v *viper.Viper) error {
	paths := GetDefaultConfigPaths()
	dir := paths[0]
	if len(paths) > 2 {
		dir = paths[1]
	}
	configPath := filepath.Join(dir, "config.yaml")

	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return fmt.Errorf("error reading embedded config: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil { //nolint:gosec // config is not secret until edited
		return fmt.Errorf("error writing default config file: %w", err)
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	v.SetConfigFile(configPath)
	return v.ReadInConfig()
}

// GetSettings returns the settings loaded by Load, or nil.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// ConfigFile returns the path of the file the settings were read from.
func (s *Settings) ConfigFile() string {
	return s.configFile
}

// Location resolves Main.TimeZone. An empty zone means the local zone.
func (s *Settings) Location() (*time.Location, error) {
	switch s.Main.TimeZone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(s.Main.TimeZone)
	}
}

// LoggingConfig converts the log settings for the central logger.
func (s *Settings) LoggingConfig() *logger.LoggingConfig {
	level := s.Log.Level
	if s.Debug {
		level = string(logger.LogLevelDebug)
	}
	return &logger.LoggingConfig{
		DefaultLevel: level,
		Timezone:     s.Log.Timezone,
		Console:      &logger.ConsoleOutput{Enabled: s.Log.Console, Level: level},
		FileOutput: &logger.FileOutput{
			Enabled: s.Log.File.Enabled,
			Path:    s.Log.File.Path,
			Level:   s.Log.File.Level,
		},
		ModuleLevels: s.Log.ModuleLevels,
	}
}

// YAML renders settings the way they would be written to config.yaml.
func (s *Settings) YAML() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return data, nil
}

// SaveYAMLConfig writes settings to configPath through a temporary file.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := settings.YAML()
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}
