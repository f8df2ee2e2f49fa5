package soundgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTone(t *testing.T) {
	samples := Tone(500, 300*time.Millisecond, 24000)

	require.Len(t, samples, 7200)
	require.Equal(t, int16(0), samples[0], "tone must ramp in from silence")

	var peak int16
	for _, s := range samples {
		if s > peak {
			peak = s
		}
	}

	require.Greater(t, peak, int16(10000), "tone must be audible")
	require.Less(t, peak, int16(16000), "tone must not be full scale")
}
