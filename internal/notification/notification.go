// Package notification sends push notifications for urgent pipeline events
// through shoutrrr service URLs.
package notification

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/patrickmn/go-cache"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

const componentName = "notification"

const (
	DefaultWindow  = time.Minute
	DefaultTimeout = 10 * time.Second
)

// Config configures the notifier.
type Config struct {
	URLs    []string      // shoutrrr service URLs
	Classes []string      // vision classes that notify
	Window  time.Duration // minimum time between two notifications of one key
	Timeout time.Duration // per-send timeout of the shoutrrr router
	Device  string        // device name used in titles
}

// sender is the part of the shoutrrr router the notifier uses.
type sender interface {
	Send(message string, params *stypes.Params) []error
}

// Notifier turns upload events into push notifications. Stop readings and
// vision events with a configured class notify; everything else is ignored.
// It implements pipeline.Sink.
type Notifier struct {
	cfg     Config
	classes map[string]bool
	sender  sender
	sent    *cache.Cache
	log     logger.Logger
}

// New validates the service URLs and creates a notifier.
func New(cfg Config) (*Notifier, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.Newf("at least one notification URL is required").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	router, err := shoutrrr.CreateSender(cfg.URLs...)
	if err != nil {
		// shoutrrr errors echo the URL, tokens included
		return nil, errors.Newf("invalid notification URL: %s", logger.RedactURL(err.Error())).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	router.Timeout = timeout
	router.SetLogger(log.New(io.Discard, "", 0))
	return newNotifier(cfg, router), nil
}

func newNotifier(cfg Config, s sender) *Notifier {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	classes := make(map[string]bool, len(cfg.Classes))
	for _, c := range cfg.Classes {
		classes[strings.ToLower(strings.TrimSpace(c))] = true
	}
	return &Notifier{
		cfg:     cfg,
		classes: classes,
		sender:  s,
		sent:    cache.New(cfg.Window, 2*cfg.Window),
		log:     logger.Global().Module(componentName),
	}
}

// message is one notification to send.
type message struct {
	key    string
	title  string
	body   string
	always bool // never deduplicated
}

// messagesFor returns the notifications ev calls for.
func (n *Notifier) messagesFor(ev pipeline.UploadEvent) []message {
	title := "SIDP"
	if n.cfg.Device != "" {
		title = "SIDP " + n.cfg.Device
	}

	switch ev.Kind {
	case pipeline.EventKindRange:
		if ev.Reading.Tier != pipeline.TierStop {
			return nil
		}
		body := fmt.Sprintf("Obstacle at %.0f cm (%s)", ev.Reading.DistanceCM, ev.Timestamp)
		if ev.Reading.Sensor != "" {
			body = fmt.Sprintf("%s sensor: %s", ev.Reading.Sensor, body)
		}
		return []message{{
			key:   "range/" + ev.Reading.Sensor + "/" + ev.Reading.Tier.String(),
			title: title + ": " + ev.Message,
			body:  body,
		}}
	case pipeline.EventKindVision:
		var names []string
		for _, d := range ev.Detections {
			if n.classes[strings.ToLower(d.ClassName)] && !slices.Contains(names, d.ClassName) {
				names = append(names, d.ClassName)
			}
		}
		slices.Sort(names)
		msgs := make([]message, 0, len(names))
		for _, name := range names {
			msgs = append(msgs, message{
				key:   "vision/" + name,
				title: title + ": " + name + " detected",
				body:  fmt.Sprintf("%s detected at %s", name, ev.Timestamp),
			})
		}
		return msgs
	case pipeline.EventKindSOS:
		return []message{{
			key:    "sos/" + ev.ID,
			title:  title + ": SOS",
			body:   fmt.Sprintf("SOS at %s: https://maps.google.com/?q=%.6f,%.6f", ev.Timestamp, ev.Position.Latitude, ev.Position.Longitude),
			always: true,
		}}
	}
	return nil
}

// Upload sends the notifications of ev that are outside their window. A
// failed send releases its key so the next event can retry it.
func (n *Notifier) Upload(ctx context.Context, ev pipeline.UploadEvent) error {
	var errs []error
	for _, m := range n.messagesFor(ev) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !m.always && n.sent.Add(m.key, struct{}{}, n.cfg.Window) != nil {
			continue
		}

		params := stypes.Params{}
		params.SetTitle(m.title)
		if err := firstError(n.sender.Send(m.body, &params)); err != nil {
			n.sent.Delete(m.key)
			errs = append(errs, errors.New(fmt.Errorf("send %s: %s", m.key, logger.RedactURL(err.Error()))).
				Component(componentName).
				Category(errors.CategoryNetwork).
				Build())
			continue
		}
		n.log.Info("notification sent", logger.String("key", m.key))
	}
	return errors.Join(errs...)
}

func firstError(errs []error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// Close forgets the sent keys.
func (n *Notifier) Close() error {
	n.sent.Flush()
	return nil
}
