package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/go-audio/wav"
	"github.com/smallnest/ringbuffer"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

// playbackPeriods is the device period count. Playback is complete once
// that many fully silent periods were requested after the samples ran out,
// so every period holding samples has left the device buffer.
const playbackPeriods = 3

// pcmAudio is decoded 16-bit little-endian PCM.
type pcmAudio struct {
	data       []byte
	sampleRate int
	channels   int
}

// Player synthesizes speech with espeak and plays the samples through a
// malgo playback device. Utterances are played one at a time.
type Player struct {
	mu     sync.Mutex
	espeak *Espeak
	ctx    *malgo.AllocatedContext
	closed bool
}

// NewPlayer initializes the audio backend.
func NewPlayer(espeakPath string, voice Voice) (*Player, error) {
	espeak, err := NewEspeak(espeakPath, voice)
	if err != nil {
		return nil, err
	}

	var backends []malgo.Backend
	switch runtime.GOOS {
	case "linux":
		backends = []malgo.Backend{malgo.BackendAlsa}
	case "darwin":
		backends = []malgo.Backend{malgo.BackendCoreaudio}
	}

	log := GetLogger()
	ctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, func(message string) {
		log.Debug("malgo", logger.String("message", message))
	})
	if err != nil {
		return nil, errors.ResourceUnavailable(fmt.Errorf("audio context init failed: %w", err), componentName)
	}
	return &Player{espeak: espeak, ctx: ctx}, nil
}

// Speak blocks until the utterance has been played or ctx is done.
func (p *Player) Speak(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.ResourceUnavailable(fmt.Errorf("player is closed"), componentName)
	}

	wavData, err := p.espeak.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	pcm, err := decodeWAV(wavData)
	if err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryResourceUnavailable).
			Context("operation", "decode_wav").
			Build()
	}
	return p.play(ctx, pcm)
}

// play streams pcm through a ring buffer drained by the device callback.
func (p *Player) play(ctx context.Context, pcm pcmAudio) error {
	if len(pcm.data) == 0 {
		return nil
	}

	rb := ringbuffer.New(len(pcm.data))
	if _, err := rb.Write(pcm.data); err != nil {
		return fmt.Errorf("failed to buffer samples: %w", err)
	}

	feeder := newPeriodFeeder(rb, playbackPeriods)

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(pcm.channels) //nolint:gosec // 1 or 2
	cfg.SampleRate = uint32(pcm.sampleRate)      //nolint:gosec // from the WAV header
	cfg.Periods = playbackPeriods
	cfg.Alsa.NoMMap = 1

	onSendFrames := func(pOutput, _ []byte, _ uint32) {
		feeder.fill(pOutput)
	}

	device, err := malgo.InitDevice(p.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onSendFrames})
	if err != nil {
		return errors.ResourceUnavailable(fmt.Errorf("playback device init failed: %w", err), componentName)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return errors.ResourceUnavailable(fmt.Errorf("playback device start failed: %w", err), componentName)
	}

	select {
	case <-feeder.done:
	case <-ctx.Done():
		_ = device.Stop()
		return ctx.Err()
	}
	return device.Stop()
}

// periodFeeder copies buffered samples into device periods and signals done
// after drainPeriods silent periods followed the last samples.
type periodFeeder struct {
	rb           *ringbuffer.RingBuffer
	drainPeriods int
	silent       int
	done         chan struct{}
	doneOnce     sync.Once
}

func newPeriodFeeder(rb *ringbuffer.RingBuffer, drainPeriods int) *periodFeeder {
	return &periodFeeder{rb: rb, drainPeriods: drainPeriods, done: make(chan struct{})}
}

// fill is called from the device callback only.
func (f *periodFeeder) fill(out []byte) {
	n, _ := f.rb.Read(out)
	// pad the final period with silence
	clear(out[n:])
	if n > 0 {
		return
	}
	f.silent++
	if f.silent >= f.drainPeriods {
		f.doneOnce.Do(func() { close(f.done) })
	}
}

// Close releases the audio context.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.ctx.Uninit(); err != nil {
		return fmt.Errorf("audio context uninit failed: %w", err)
	}
	p.ctx.Free()
	return nil
}

// decodeWAV converts a WAV file into 16-bit little-endian PCM.
func decodeWAV(data []byte) (pcmAudio, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return pcmAudio{}, fmt.Errorf("input is not a valid WAV audio file")
	}
	if decoder.NumChans != 1 && decoder.NumChans != 2 {
		return pcmAudio{}, fmt.Errorf("unsupported number of channels: %d", decoder.NumChans)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return pcmAudio{}, fmt.Errorf("failed to read PCM data: %w", err)
	}

	shift := int(decoder.BitDepth) - 16
	out := make([]byte, 2*len(buf.Data))
	for i, sample := range buf.Data {
		switch {
		case shift > 0:
			sample >>= shift
		case decoder.BitDepth == 8:
			// 8-bit WAV is unsigned
			sample = (sample - 128) << 8
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(sample))) //nolint:gosec // 16-bit range after shift
	}

	return pcmAudio{
		data:       out,
		sampleRate: int(decoder.SampleRate),
		channels:   int(decoder.NumChans),
	}, nil
}
