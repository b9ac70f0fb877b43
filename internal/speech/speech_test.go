package speech

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/smallnest/ringbuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/conf"
	sidperrors "github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
)

// writeScript creates an executable stand-in for espeak. Tests using it do
// not run in parallel: a concurrent fork can hold the script open for
// writing and make exec fail with ETXTBSY.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "espeak")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755)) //nolint:gosec // test binary
	return path
}

func TestVoiceArgs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"-v", "en", "-s", "150", "-a", "100"}, Voice{Name: "en", Rate: 150, Volume: 100}.args())
	assert.Empty(t, Voice{}.args())
}

func TestEspeakPassesVoiceAndText(t *testing.T) {
	dir := t.TempDir()
	argsOut := filepath.Join(dir, "args")
	textOut := filepath.Join(dir, "text")
	script := writeScript(t, `printf '%s\n' "$@" > `+argsOut+`; cat > `+textOut)

	e, err := NewEspeak(script, Voice{Name: "en", Rate: 170})
	require.NoError(t, err)
	require.NoError(t, e.Speak(context.Background(), "person detected"))

	data, err := os.ReadFile(argsOut)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{"-v", "en", "-s", "170", "--stdin"}, lines)

	text, err := os.ReadFile(textOut)
	require.NoError(t, err)
	assert.Equal(t, "person detected", string(text))
}

func TestEspeakTextIsNeverAnOption(t *testing.T) {
	dir := t.TempDir()
	argsOut := filepath.Join(dir, "args")
	textOut := filepath.Join(dir, "text")
	script := writeScript(t, `printf '%s\n' "$@" > `+argsOut+`; cat > `+textOut)

	e, err := NewEspeak(script, Voice{})
	require.NoError(t, err)
	require.NoError(t, e.Speak(context.Background(), "-w /tmp/out.wav"))

	data, err := os.ReadFile(argsOut)
	require.NoError(t, err)
	assert.Equal(t, "--stdin", strings.TrimSpace(string(data)))

	text, err := os.ReadFile(textOut)
	require.NoError(t, err)
	assert.Equal(t, "-w /tmp/out.wav", string(text))
}

func TestEspeakFailureIsResourceUnavailable(t *testing.T) {
	script := writeScript(t, `echo "no audio device" >&2; exit 1`)
	e, err := NewEspeak(script, Voice{})
	require.NoError(t, err)

	err = e.Speak(context.Background(), "Stop")
	require.Error(t, err)
	assert.True(t, sidperrors.IsCategory(err, sidperrors.CategoryResourceUnavailable))
	assert.Contains(t, err.Error(), "no audio device")
}

func TestEspeakCancellation(t *testing.T) {
	script := writeScript(t, `exec sleep 5`)
	e, err := NewEspeak(script, Voice{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = e.Speak(ctx, "Stop")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEspeakMissingBinary(t *testing.T) {
	t.Parallel()

	_, err := NewEspeak(filepath.Join(t.TempDir(), "missing"), Voice{})
	require.Error(t, err)
	assert.True(t, sidperrors.IsCategory(err, sidperrors.CategoryResourceUnavailable))
}

func TestSynthesizeReturnsStdout(t *testing.T) {
	script := writeScript(t, `for a in "$@"; do [ "$a" = "--stdout" ] && printf 'RIFF'; done`)
	e, err := NewEspeak(script, Voice{})
	require.NoError(t, err)

	data, err := e.Synthesize(context.Background(), "Warning")
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data))
}

func encodeTestWAV(t *testing.T, samples []int, bitDepth, channels int) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "speech.wav")
	f, err := os.Create(path) //nolint:gosec // test file
	require.NoError(t, err)

	enc := wav.NewEncoder(f, 22050, bitDepth, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           samples,
		Format:         &audio.Format{SampleRate: 22050, NumChannels: channels},
		SourceBitDepth: bitDepth,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path) //nolint:gosec // test file
	require.NoError(t, err)
	return data
}

func TestDecodeWAV16Bit(t *testing.T) {
	t.Parallel()

	data := encodeTestWAV(t, []int{0, 1000, -1000, 32767}, 16, 1)

	pcm, err := decodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, 22050, pcm.sampleRate)
	assert.Equal(t, 1, pcm.channels)
	assert.Equal(t, []byte{0x00, 0x00, 0xe8, 0x03, 0x18, 0xfc, 0xff, 0x7f}, pcm.data)
}

func TestDecodeWAV24BitIsScaled(t *testing.T) {
	t.Parallel()

	data := encodeTestWAV(t, []int{256000}, 24, 1)

	pcm, err := decodeWAV(data)
	require.NoError(t, err)
	// 256000 >> 8 == 1000
	assert.Equal(t, []byte{0xe8, 0x03}, pcm.data)
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := decodeWAV([]byte("definitely not a wav file"))
	require.Error(t, err)
}

func TestPeriodFeederWaitsForTrailingPeriods(t *testing.T) {
	t.Parallel()

	rb := ringbuffer.New(6)
	_, err := rb.Write([]byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	f := newPeriodFeeder(rb, 2)

	isDone := func() bool {
		select {
		case <-f.done:
			return true
		default:
			return false
		}
	}

	out := make([]byte, 4)
	f.fill(out)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)

	f.fill(out)
	assert.Equal(t, []byte{5, 6, 0, 0}, out, "the last period is padded with silence")
	assert.False(t, isDone(), "the period holding the last samples is still queued on the device")

	f.fill(out)
	assert.Equal(t, []byte{0, 0, 0, 0}, out)
	assert.False(t, isDone())

	f.fill(out)
	assert.True(t, isDone())

	f.fill(out) // later callbacks before Stop are harmless
	assert.True(t, isDone())
}

type fakeSpeaker struct {
	mu     sync.Mutex
	err    error
	spoken []string
	closed bool
}

func (f *fakeSpeaker) Speak(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.spoken = append(f.spoken, text)
	return nil
}

func (f *fakeSpeaker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestFallbackSwitchesOnResourceFailure(t *testing.T) {
	t.Parallel()

	primary := &fakeSpeaker{err: sidperrors.ResourceUnavailable(errors.New("device busy"), "speech")}
	secondary := &fakeSpeaker{}
	f := NewFallback(primary, secondary)

	require.NoError(t, f.Speak(context.Background(), "Stop"))
	assert.True(t, f.Switched())
	assert.Equal(t, []string{"Stop"}, secondary.spoken, "the failed text is retried on the fallback")

	primary.err = nil
	require.NoError(t, f.Speak(context.Background(), "Warning"))
	assert.Empty(t, primary.spoken, "the switch is permanent")
	assert.Equal(t, []string{"Stop", "Warning"}, secondary.spoken)

	require.NoError(t, f.Close())
	assert.True(t, primary.closed)
	assert.True(t, secondary.closed)
}

func TestFallbackKeepsPrimaryOnOtherErrors(t *testing.T) {
	t.Parallel()

	primary := &fakeSpeaker{err: context.Canceled}
	secondary := &fakeSpeaker{}
	f := NewFallback(primary, secondary)

	require.ErrorIs(t, f.Speak(context.Background(), "Stop"), context.Canceled)
	assert.False(t, f.Switched())
	assert.Empty(t, secondary.spoken)
}

func TestNewEspeakEngine(t *testing.T) {
	script := writeScript(t, "exit 0")
	speaker, err := New(&conf.SpeechSettings{Engine: EngineEspeak, EspeakPath: script, Voice: "en"})
	require.NoError(t, err)
	assert.IsType(t, &Espeak{}, speaker)

	_, err = New(&conf.SpeechSettings{Engine: "festival", EspeakPath: script})
	require.Error(t, err)
	assert.True(t, sidperrors.IsCategory(err, sidperrors.CategoryConfiguration))
}
