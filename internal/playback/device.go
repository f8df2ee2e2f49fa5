package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/codec"
)

// pumpQuantum is the number of timeline samples written to the device per
// pump iteration.
const pumpQuantum = 1024

// DeviceSink plays scheduled segments on a portaudio output device. It is
// both the scheduler's Sink and its Clock: the timeline position advances
// with the samples actually handed to the device, not with wall time.
type DeviceSink struct {
	sampleRate int
	deviceRate int
	stream     *portaudio.Stream
	out        []int16

	mutex  sync.Mutex
	queue  []segment
	cursor int64
	closed bool
	done   chan struct{}
}

type segment struct {
	startSample int64
	samples     []int16
}

// OpenDeviceSink opens the output device and starts the pump that feeds it.
// sampleRate is the timeline rate of the enqueued segments.
func OpenDeviceSink(deviceNameOrID string, sampleRate int) (*DeviceSink, error) {
	device, err := audio.OutputDevice(deviceNameOrID)
	if err != nil {
		return nil, &DeviceError{Err: err}
	}

	deviceRate := int(device.DefaultSampleRate)
	out := make([]int16, pumpQuantum*deviceRate/sampleRate)

	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: 1,
			Latency:  device.DefaultLowOutputLatency,
		},
		SampleRate:      device.DefaultSampleRate,
		FramesPerBuffer: len(out),
	}, &out)
	if err != nil {
		return nil, &DeviceError{Err: fmt.Errorf("open audio output stream: %w", err)}
	}

	err = stream.Start()
	if err != nil {
		_ = stream.Close()
		return nil, &DeviceError{Err: fmt.Errorf("start audio output stream: %w", err)}
	}

	s := &DeviceSink{
		sampleRate: sampleRate,
		deviceRate: deviceRate,
		stream:     stream,
		out:        out,
		done:       make(chan struct{}),
	}

	go s.pump()

	return s, nil
}

// Now implements Clock on the device timeline.
func (s *DeviceSink) Now() time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return codec.Duration(int(s.cursor), s.sampleRate)
}

// PlayAt implements Sink. Segments scheduled in the past are snapped to the
// current cursor so no audio is lost while the pump advances concurrently.
func (s *DeviceSink) PlayAt(startAt time.Duration, samples []int16) error {
	startSample := int64(startAt) * int64(s.sampleRate) / int64(time.Second)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return &DeviceError{Err: fmt.Errorf("output device closed")}
	}

	if startSample < s.cursor {
		startSample = s.cursor
	}

	s.queue = append(s.queue, segment{startSample: startSample, samples: samples})

	return nil
}

func (s *DeviceSink) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	s.mutex.Unlock()

	<-s.done

	if err := s.stream.Stop(); err != nil {
		slog.Warn(fmt.Sprintf("stop audio output stream: %s", err))
	}

	return s.stream.Close()
}

// pump continuously assembles the next timeline quantum (queued audio where
// scheduled, silence elsewhere), resamples it to the device rate and writes
// it to the stream.
func (s *DeviceSink) pump() {
	defer close(s.done)

	quantum := make([]int16, pumpQuantum)

	for {
		s.mutex.Lock()
		if s.closed {
			s.mutex.Unlock()
			return
		}

		for i := range quantum {
			quantum[i] = 0
		}

		s.fillQuantumLocked(quantum)
		s.cursor += pumpQuantum
		s.mutex.Unlock()

		resampled := codec.Resample(quantum, s.sampleRate, s.deviceRate)
		n := copy(s.out, resampled)
		for i := n; i < len(s.out); i++ {
			s.out[i] = 0
		}

		err := s.stream.Write()
		if err != nil {
			// Occasional underflow reports are harmless as long as the write
			// itself went through.
			slog.Warn(fmt.Sprintf("play audio: write quantum: %s", err))
		}
	}
}

func (s *DeviceSink) fillQuantumLocked(quantum []int16) {
	end := s.cursor + int64(len(quantum))
	remaining := s.queue[:0]

	for _, seg := range s.queue {
		segEnd := seg.startSample + int64(len(seg.samples))

		if segEnd <= s.cursor {
			continue // fully played
		}

		if seg.startSample < end {
			from := int64(0)
			to := s.cursor
			if seg.startSample > to {
				to = seg.startSample
			}
			from = to - seg.startSample

			for i := from; i < int64(len(seg.samples)) && seg.startSample+i < end; i++ {
				quantum[seg.startSample+i-s.cursor] = seg.samples[i]
			}
		}

		if segEnd > end {
			remaining = append(remaining, seg)
		}
	}

	s.queue = remaining
}
