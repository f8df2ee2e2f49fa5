package codec

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name    string
		samples []int16
	}{
		{
			name:    "empty",
			samples: []int16{},
		},
		{
			name:    "single sample",
			samples: []int16{42},
		},
		{
			name:    "extreme values",
			samples: []int16{-32768, 32767, 0, -1, 1},
		},
		{
			name:    "odd sample count",
			samples: []int16{100, -200, 300},
		},
		{
			name:    "block",
			samples: rampSamples(BlockSize),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			envelope := Encode(tc.samples, InputSampleRate)
			require.Equal(t, "audio/pcm;rate=16000", envelope.MIMEType)

			decoded, err := Decode(envelope)
			require.NoError(t, err)
			require.Equal(t, tc.samples, decoded)
		})
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	for _, tc := range []struct {
		name     string
		envelope Envelope
	}{
		{
			name:     "invalid base64",
			envelope: Envelope{Data: "not base64!!!", MIMEType: "audio/pcm;rate=16000"},
		},
		{
			name:     "odd byte length",
			envelope: Envelope{Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), MIMEType: "audio/pcm;rate=16000"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.envelope)
			require.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestEncodeFloat32Clamps(t *testing.T) {
	envelope := EncodeFloat32([]float32{0, -1, 0.99996948, 2.5, -3}, InputSampleRate)

	decoded, err := Decode(envelope)
	require.NoError(t, err)
	require.Equal(t, []int16{0, -32768, 32767, 32767, -32768}, decoded)
}

func TestRate(t *testing.T) {
	require.Equal(t, 24000, Rate("audio/pcm;rate=24000", 16000))
	require.Equal(t, 24000, Rate("audio/pcm; rate=24000", 16000))
	require.Equal(t, 16000, Rate("audio/pcm", 16000))
	require.Equal(t, 16000, Rate("", 16000))
	require.Equal(t, 16000, Rate("audio/pcm;rate=bogus", 16000))
}

func TestDuration(t *testing.T) {
	require.Equal(t, time.Second, Duration(24000, OutputSampleRate))
	require.Equal(t, 500*time.Millisecond, Duration(8000, InputSampleRate))
	require.Equal(t, time.Duration(0), Duration(100, 0))
}

func TestResample(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		in := []int16{1, 2, 3}
		require.Equal(t, in, Resample(in, 16000, 16000))
	})

	t.Run("halves sample count", func(t *testing.T) {
		in := rampSamples(480)
		out := Resample(in, 48000, 24000)
		require.Len(t, out, 240)
	})

	t.Run("preserves constant signal", func(t *testing.T) {
		in := make([]int16, 100)
		for i := range in {
			in[i] = 1000
		}

		for _, sample := range Resample(in, 44100, 16000) {
			require.Equal(t, int16(1000), sample)
		}
	})
}

func rampSamples(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(i % 4096)
	}

	return samples
}
