// Package vad wraps the silero voice activity detector to end a user turn
// automatically after a stretch of silence, as an alternative to pressing a
// key.
package vad

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/voicebridge/voicebridge/internal/codec"
)

// Monitor observes captured audio frames and invokes a callback once the
// speaker fell silent. A turn only ends after speech was heard first, so an
// open microphone in a quiet room does not immediately end the turn.
type Monitor struct {
	silenceTimeout time.Duration
	onSilence      func()

	mutex      sync.Mutex
	detector   *speech.Detector
	speechSeen bool
	silentFor  time.Duration
	closed     bool
}

func NewMonitor(modelPath string, silenceTimeout time.Duration, onSilence func()) (*Monitor, error) {
	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           codec.InputSampleRate,
		Threshold:            0.5,
		MinSilenceDurationMs: 0,
		SpeechPadMs:          0,
	})
	if err != nil {
		return nil, fmt.Errorf("create silero vad: %w", err)
	}

	return &Monitor{
		silenceTimeout: silenceTimeout,
		onSilence:      onSilence,
		detector:       detector,
	}, nil
}

// Observe feeds one captured frame to the detector. It is meant to be called
// from the capture callback and never blocks on the callback it triggers.
func (m *Monitor) Observe(samples []int16) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return
	}

	segments, err := m.detector.Detect(toFloat32(samples))
	if err != nil {
		slog.Warn(fmt.Sprintf("detect voice: %s", err))
		return
	}

	if len(segments) > 0 {
		m.speechSeen = true
		m.silentFor = 0
		return
	}

	if !m.speechSeen {
		return
	}

	m.silentFor += codec.Duration(len(samples), codec.InputSampleRate)
	if m.silentFor >= m.silenceTimeout {
		m.speechSeen = false
		m.silentFor = 0
		go m.onSilence()
	}
}

// Reset clears the speech state, e.g. when a new turn starts.
func (m *Monitor) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.speechSeen = false
	m.silentFor = 0
}

func (m *Monitor) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	return m.detector.Destroy()
}

func toFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}

	return out
}
