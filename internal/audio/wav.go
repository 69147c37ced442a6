// Package audio generates small PCM WAV payloads used by the load client
// and by tests.
package audio

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/youpy/go-wav"
)

const (
	// SampleRate is the rate whisper models expect.
	SampleRate    = 16000
	channels      = 1
	bitsPerSample = 16
)

// Silence returns a mono 16-bit PCM WAV of the given duration with all
// samples zero.
func Silence(d time.Duration) ([]byte, error) {
	return render(d, func(int) int { return 0 })
}

// Tone returns a mono 16-bit PCM WAV containing a sine wave at freq Hz.
func Tone(d time.Duration, freq float64) ([]byte, error) {
	return render(d, func(i int) int {
		return int(math.Sin(2*math.Pi*freq*float64(i)/SampleRate) * 8000)
	})
}

func render(d time.Duration, sample func(i int) int) ([]byte, error) {
	n := int(d.Seconds() * SampleRate)
	if n <= 0 {
		return nil, fmt.Errorf("duration %v is too short", d)
	}

	samples := make([]wav.Sample, n)
	for i := range samples {
		samples[i].Values[0] = sample(i)
	}

	var buf bytes.Buffer
	w := wav.NewWriter(&buf, uint32(n), channels, SampleRate, bitsPerSample)
	if err := w.WriteSamples(samples); err != nil {
		return nil, fmt.Errorf("write wav samples: %w", err)
	}
	return buf.Bytes(), nil
}
