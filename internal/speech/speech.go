// Package speech turns alert text into audible speech with espeak, either
// letting espeak drive the sound card or decoding its WAV output and
// playing it through malgo.
package speech

import (
	"context"
	"os/exec"
	"strconv"
	"sync"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/conf"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

const componentName = "speech"

const (
	EngineMalgo  = "malgo"
	EngineEspeak = "espeak"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the speech package logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module(componentName)
	})
	return serviceLogger
}

// Voice holds the espeak voice parameters.
type Voice struct {
	Name   string // espeak voice, e.g. en
	Rate   int    // words per minute
	Volume int    // amplitude 0-200
}

func (v Voice) args() []string {
	var args []string
	if v.Name != "" {
		args = append(args, "-v", v.Name)
	}
	if v.Rate > 0 {
		args = append(args, "-s", strconv.Itoa(v.Rate))
	}
	if v.Volume > 0 {
		args = append(args, "-a", strconv.Itoa(v.Volume))
	}
	return args
}

// New builds the configured speaker. The malgo engine falls back to plain
// espeak when the audio device fails.
func New(settings *conf.SpeechSettings) (pipeline.Speaker, error) {
	voice := Voice{Name: settings.Voice, Rate: settings.Rate, Volume: settings.Volume}

	espeak, err := NewEspeak(settings.EspeakPath, voice)
	if err != nil {
		return nil, err
	}

	switch settings.Engine {
	case EngineEspeak:
		return espeak, nil
	case EngineMalgo, "":
		player, err := NewPlayer(espeak.path, voice)
		if err != nil {
			GetLogger().Warn("audio playback unavailable, espeak plays directly", logger.Error(err))
			return espeak, nil
		}
		return NewFallback(player, espeak), nil
	default:
		return nil, errors.Newf("unknown speech engine %q", settings.Engine).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// lookupEspeak resolves the espeak binary.
func lookupEspeak(path string) (string, error) {
	if path == "" {
		path = "espeak"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", errors.ResourceUnavailable(err, componentName)
	}
	return resolved, nil
}

// Fallback speaks with the primary speaker until it reports a
// resource-unavailable error, then switches to the secondary for good.
type Fallback struct {
	mu        sync.Mutex
	primary   pipeline.Speaker
	secondary pipeline.Speaker
	switched  bool
}

// NewFallback creates a Fallback.
func NewFallback(primary, secondary pipeline.Speaker) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

// Speak speaks text, switching to the secondary on a resource failure of
// the primary and retrying the same text there.
func (f *Fallback) Speak(ctx context.Context, text string) error {
	f.mu.Lock()
	active, switched := f.primary, f.switched
	if switched {
		active = f.secondary
	}
	f.mu.Unlock()

	err := active.Speak(ctx, text)
	if err == nil || switched || !errors.IsCategory(err, errors.CategoryResourceUnavailable) {
		return err
	}

	f.mu.Lock()
	if !f.switched {
		f.switched = true
		GetLogger().Warn("primary speech engine failed, switching to fallback", logger.Error(err))
	}
	f.mu.Unlock()

	return f.secondary.Speak(ctx, text)
}

// Switched reports whether the fallback is active.
func (f *Fallback) Switched() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.switched
}

// Close closes both speakers.
func (f *Fallback) Close() error {
	return errors.Join(f.primary.Close(), f.secondary.Close())
}
