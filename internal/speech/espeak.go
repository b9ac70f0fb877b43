package speech

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
)

// waitDelay bounds how long a killed espeak may hold its output pipes.
const waitDelay = 500 * time.Millisecond

// Espeak speaks by running the espeak binary, which plays through its own
// audio output.
type Espeak struct {
	path  string
	voice Voice
}

// NewEspeak resolves the espeak binary. A missing binary is a
// resource-unavailable error.
func NewEspeak(path string, voice Voice) (*Espeak, error) {
	resolved, err := lookupEspeak(path)
	if err != nil {
		return nil, err
	}
	return &Espeak{path: resolved, voice: voice}, nil
}

// Speak blocks until espeak exits or ctx is done.
func (e *Espeak) Speak(ctx context.Context, text string) error {
	_, err := e.run(ctx, text)
	return err
}

// Synthesize returns the WAV rendering of text.
func (e *Espeak) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return e.run(ctx, text, "--stdout")
}

// run feeds text on stdin so labels starting with '-' are never parsed as
// options.
func (e *Espeak) run(ctx context.Context, text string, extra ...string) ([]byte, error) {
	args := append(e.voice.args(), extra...)
	args = append(args, "--stdin")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.path, args...) //nolint:gosec // binary path comes from config
	cmd.Stdin = strings.NewReader(text)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.New(fmt.Errorf("espeak failed: %w: %s", err, strings.TrimSpace(stderr.String()))).
			Component(componentName).
			Category(errors.CategoryResourceUnavailable).
			Context("text_length", len(text)).
			Build()
	}
	return stdout.Bytes(), nil
}

// Close is a no-op.
func (e *Espeak) Close() error { return nil }
