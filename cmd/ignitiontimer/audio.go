package main

import (
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hajimehoshi/ebiten/v2/audio"
)

const (
	// Audio output sample rate (Hz).
	sampleRate = 48000

	// Click length in samples (~4ms).
	clickSamples = 192

	// Pending clicks beyond this are dropped; at high RPM they would merge
	// into a tone anyway.
	maxPending = 8
)

// ClickOptions configures the click synthesis.
type ClickOptions struct {
	EnableDither bool // Triangular dithering
}

// ClickPlayer turns ignition edges into audible clicks.
type ClickPlayer struct {
	audioContext *audio.Context
	audioPlayer  *audio.Player
	options      ClickOptions

	pending atomic.Int32 // edges not yet played

	mu    sync.Mutex // guards phase
	phase int        // samples into the current click, -1 when silent
}

// NewClickPlayer creates a click player on a new audio context.
func NewClickPlayer(opts ClickOptions) (*ClickPlayer, error) {
	cp := &ClickPlayer{
		audioContext: audio.NewContext(sampleRate),
		options:      opts,
		phase:        -1,
	}

	player, err := cp.audioContext.NewPlayer(cp)
	if err != nil {
		return nil, err
	}
	cp.audioPlayer = player

	// Small buffer so clicks stay close to their edges
	player.SetBufferSize(time.Millisecond * 20)
	player.SetVolume(0.5)

	return cp, nil
}

// Start starts audio playback.
func (cp *ClickPlayer) Start() {
	if cp.audioPlayer != nil {
		cp.audioPlayer.Play()
	}
}

// Stop stops audio playback.
func (cp *ClickPlayer) Stop() {
	if cp.audioPlayer != nil {
		cp.audioPlayer.Pause()
	}
}

// Trigger queues one click. It is called from the ignition edge handler.
func (cp *ClickPlayer) Trigger() {
	if cp.pending.Load() < maxPending {
		cp.pending.Add(1)
	}
}

// Read fills buf with 16-bit little endian stereo samples (implements io.Reader).
func (cp *ClickPlayer) Read(buf []byte) (int, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	numSamples := len(buf) / 4 // 4 bytes per stereo sample (2 channels × 2 bytes)
	for i := 0; i < numSamples; i++ {
		if cp.phase < 0 && cp.pending.Load() > 0 {
			cp.pending.Add(-1)
			cp.phase = 0
		}

		var v float32
		if cp.phase >= 0 {
			v = clickSample(cp.phase)
			cp.phase++
			if cp.phase == clickSamples {
				cp.phase = -1
			}
		}

		if cp.options.EnableDither {
			v += (rand.Float32() + rand.Float32() - 1.0) / 32768.0 //nolint:gosec // Weak random is fine for audio dithering
		}
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}

		s := int16(v * 32767.0)
		buf[i*4] = byte(s)
		buf[i*4+1] = byte(s >> 8)
		buf[i*4+2] = byte(s)
		buf[i*4+3] = byte(s >> 8)
	}

	return numSamples * 4, nil
}

// clickSample is an exponentially decaying 2 kHz burst.
func clickSample(n int) float32 {
	t := float64(n) / sampleRate
	return float32(math.Exp(-t*1500) * math.Sin(2*math.Pi*2000*t))
}
