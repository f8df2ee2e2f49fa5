// Package soundgen synthesizes short notification tones, played e.g. when
// the microphone opens so the user knows the assistant is listening.
package soundgen

import (
	"math"
	"time"
)

// Tone generates a sine tone as mono PCM16 samples. The amplitude ramps in
// and out over a few milliseconds to avoid clicks.
func Tone(frequency float64, duration time.Duration, sampleRate int) []int16 {
	n := int(math.Ceil(float64(duration) * float64(sampleRate) / float64(time.Second)))
	ramp := sampleRate / 100
	if ramp > n/2 {
		ramp = n / 2
	}

	samples := make([]int16, n)

	for i := range samples {
		phase := frequency * float64(i) / float64(sampleRate)
		v := math.Sin(2*math.Pi*phase) * 0.4

		if i < ramp {
			v *= float64(i) / float64(ramp)
		}

		if n-i <= ramp {
			v *= float64(n-i) / float64(ramp)
		}

		samples[i] = int16(v * 32767)
	}

	return samples
}
