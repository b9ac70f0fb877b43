package upload

import (
	"context"
	"fmt"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/conf"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/datastore"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/firebase"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/messaging"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/mqtt"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/notification"
)

// Sinks is the result of BuildSinks. Store is set when the local event log
// is enabled so the preview API can query it.
type Sinks struct {
	*Multi
	Store *datastore.Store
}

// BuildSinks creates every enabled backend. An MQTT broker that is not
// reachable yet is kept, the client reconnects in the background. Any other
// construction error closes the sinks built so far.
func BuildSinks(ctx context.Context, settings *conf.Settings) (*Sinks, error) {
	log := logger.Global().Module(componentName)
	up := &settings.Upload

	var (
		named []Named
		store *datastore.Store
	)
	fail := func(name string, err error) (*Sinks, error) {
		_ = NewMulti(named...).Close()
		return nil, fmt.Errorf("%s sink: %w", name, err)
	}

	if up.Firebase.Enabled {
		fb, err := firebase.New(firebase.Config{
			DatabaseURL: up.Firebase.DatabaseURL,
			Secret:      up.Firebase.Secret,
			VisionPath:  up.Firebase.VisionPath,
			RangePath:   up.Firebase.RangePath,
			SOSPath:     up.Firebase.SOSPath,
			Timeout:     up.Firebase.Timeout,
		})
		if err != nil {
			return fail("firebase", err)
		}
		named = append(named, Named{Name: "firebase", Sink: fb})
	}

	if up.MQTT.Enabled {
		client, err := mqtt.NewClient(mqtt.Config{
			Broker:         up.MQTT.Broker,
			ClientID:       settings.Main.Name,
			Username:       up.MQTT.Username,
			Password:       up.MQTT.Password,
			Topic:          up.MQTT.Topic,
			QoS:            byte(up.MQTT.QoS),
			Retain:         up.MQTT.Retain,
			ConnectTimeout: up.MQTT.Timeout,
			PublishTimeout: up.MQTT.Timeout,
		})
		if err != nil {
			return fail("mqtt", err)
		}
		if err := client.Connect(ctx); err != nil {
			if !errors.IsTransient(err) {
				_ = client.Close()
				return fail("mqtt", err)
			}
			log.Warn("mqtt broker not reachable yet", logger.Error(err))
		}
		named = append(named, Named{Name: "mqtt", Sink: client})
	}

	if up.NATS.Enabled {
		svc, err := messaging.NewService(messaging.Config{
			URL:           up.NATS.URL,
			Name:          settings.Main.Name,
			SubjectPrefix: up.NATS.SubjectPrefix,
			Timeout:       up.NATS.Timeout,
		})
		if err != nil {
			return fail("nats", err)
		}
		named = append(named, Named{Name: "nats", Sink: svc})
	}

	if up.Database.Enabled {
		s, err := datastore.Open(datastore.Config{
			Driver: up.Database.Driver,
			Path:   up.Database.Path,
			DSN:    up.Database.DSN,
		})
		if err != nil {
			return fail("database", err)
		}
		store = s
		named = append(named, Named{Name: "database", Sink: s})
	}

	if up.Notification.Enabled {
		n, err := notification.New(notification.Config{
			URLs:    up.Notification.URLs,
			Classes: up.Notification.Classes,
			Window:  up.Notification.Window,
			Device:  settings.Main.Name,
		})
		if err != nil {
			return fail("notification", err)
		}
		named = append(named, Named{Name: "notification", Sink: n, Auxiliary: true})
	}

	m := NewMulti(named...)
	log.Info("upload sinks ready", logger.Any("sinks", m.Names()))
	return &Sinks{Multi: m, Store: store}, nil
}
