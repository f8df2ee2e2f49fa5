// Package codec converts between raw linear PCM samples and the textual
// wire representation used by the live endpoint: little-endian 16-bit
// samples, base64-encoded, tagged with an audio/pcm MIME type that carries
// the sample rate.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// InputSampleRate is the rate at which microphone audio is sent upstream.
	InputSampleRate = 16000
	// OutputSampleRate is the rate at which the endpoint synthesizes speech.
	OutputSampleRate = 24000
	// BlockSize is the number of samples per captured block.
	BlockSize = 4096
)

// ErrDecode indicates a malformed envelope. The offending frame should be
// dropped; decoding errors never terminate a session.
var ErrDecode = errors.New("malformed audio envelope")

// Envelope is the transport encoding of one audio frame.
type Envelope struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// Encode packs samples into a base64 PCM16LE envelope tagged with sampleRate.
func Encode(samples []int16, sampleRate int) Envelope {
	return Envelope{
		Data:     base64.StdEncoding.EncodeToString(pcmBytes(samples)),
		MIMEType: fmt.Sprintf("audio/pcm;rate=%d", sampleRate),
	}
}

// EncodeFloat32 maps samples within [-1.0, 1.0] linearly onto the signed
// 16-bit range, clamping out-of-range input, and encodes the result.
func EncodeFloat32(samples []float32, sampleRate int) Envelope {
	pcm := make([]int16, len(samples))

	for i, sample := range samples {
		v := int32(sample * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		pcm[i] = int16(v)
	}

	return Encode(pcm, sampleRate)
}

// Decode unpacks an envelope back into samples. It fails with a wrapped
// ErrDecode if the payload is not valid base64 or its byte length is not a
// multiple of 2.
func Decode(e Envelope) ([]int16, error) {
	b, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 payload: %s", ErrDecode, err)
	}

	return SamplesFromBytes(b)
}

// SamplesFromBytes interprets b as little-endian 16-bit PCM.
func SamplesFromBytes(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of the 16-bit sample size", ErrDecode, len(b))
	}

	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}

	return samples, nil
}

// Rate extracts the sample rate from an audio/pcm MIME tag,
// e.g. "audio/pcm;rate=24000". It returns fallback if the tag carries none.
func Rate(mimeType string, fallback int) int {
	for _, param := range strings.Split(mimeType, ";") {
		param = strings.TrimSpace(param)
		if value, ok := strings.CutPrefix(param, "rate="); ok {
			rate, err := strconv.Atoi(value)
			if err == nil && rate > 0 {
				return rate
			}
		}
	}

	return fallback
}

// Duration returns the playback duration of sampleCount mono samples.
func Duration(sampleCount, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}

	return time.Duration(sampleCount) * time.Second / time.Duration(sampleRate)
}

func pcmBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(b[i*2:i*2+2], uint16(sample))
	}

	return b
}
