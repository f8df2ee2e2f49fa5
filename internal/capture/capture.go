// Package capture owns the live audio input device. While started it emits
// fixed-size 16kHz mono sample blocks to a callback, in capture order.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/codec"
)

// DeviceError indicates that the input device could not be opened or read,
// e.g. because permission was denied or it is in use by another program.
// The driver does not retry internally; retry policy belongs to the caller.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio input device: %s", e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Driver produces a steady stream of audio blocks from the input device.
type Driver struct {
	Device     string
	SampleRate int
	BlockSize  int

	// source overrides the portaudio-backed block source in tests.
	source blockSource
}

type blockSource interface {
	// ReadBlock blocks until the next fixed-size sample block was captured.
	ReadBlock() ([]int16, error)
	Close() error
}

// Handle controls one active capture run.
type Handle struct {
	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
	source   blockSource
	stopErr  error
}

// Start opens the input device and invokes onFrame once per captured block
// until Stop is called or ctx is cancelled. Frames are delivered in capture
// order from a single goroutine.
func (d *Driver) Start(ctx context.Context, onFrame func([]int16)) (*Handle, error) {
	sampleRate := d.SampleRate
	if sampleRate <= 0 {
		sampleRate = codec.InputSampleRate
	}

	blockSize := d.BlockSize
	if blockSize <= 0 {
		blockSize = codec.BlockSize
	}

	source := d.source
	if source == nil {
		var err error

		source, err = openPortaudioSource(d.Device, sampleRate, blockSize)
		if err != nil {
			return nil, &DeviceError{Err: err}
		}
	}

	h := &Handle{
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		source:   source,
	}

	go func() {
		defer close(h.done)

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopping:
				return
			default:
			}

			block, err := source.ReadBlock()
			if err != nil {
				slog.Warn(fmt.Sprintf("read audio input block: %s", err))
				continue
			}

			select {
			case <-h.stopping:
				// Stopped while the block was being captured - discard it.
				return
			default:
			}

			onFrame(block)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-h.done:
		}

		// Idempotent, releases the device also when the loop exited due to
		// context cancellation.
		h.Stop()
	}()

	return h, nil
}

// Stop terminates capture and releases the input device. It is idempotent
// and returns only once no further frame will be delivered.
func (h *Handle) Stop() error {
	h.stopOnce.Do(func() {
		close(h.stopping)
		<-h.done

		h.stopErr = h.source.Close()
	})

	return h.stopErr
}

type portaudioSource struct {
	stream     *portaudio.Stream
	buffer     []int16
	deviceRate int
	sampleRate int
	blockSize  int
}

func openPortaudioSource(deviceNameOrID string, sampleRate, blockSize int) (*portaudioSource, error) {
	device, err := audio.InputDevice(deviceNameOrID)
	if err != nil {
		return nil, err
	}

	deviceRate := int(device.DefaultSampleRate)

	// Capture at the device's native rate and resample to the target rate,
	// sizing the native block so that each emitted block has blockSize samples.
	nativeBlockSize := blockSize * deviceRate / sampleRate
	buffer := make([]int16, nativeBlockSize)

	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: 1,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      device.DefaultSampleRate,
		FramesPerBuffer: len(buffer),
	}, &buffer)
	if err != nil {
		return nil, fmt.Errorf("opening audio input stream: %w", err)
	}

	err = stream.Start()
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("starting audio input stream: %w", err)
	}

	return &portaudioSource{
		stream:     stream,
		buffer:     buffer,
		deviceRate: deviceRate,
		sampleRate: sampleRate,
		blockSize:  blockSize,
	}, nil
}

func (s *portaudioSource) ReadBlock() ([]int16, error) {
	err := s.stream.Read()
	if err != nil {
		if err == portaudio.InputOverflowed {
			return nil, fmt.Errorf("audio input overflowed - dropped samples")
		}
		return nil, fmt.Errorf("read audio stream: %w", err)
	}

	block := make([]int16, len(s.buffer))
	copy(block, s.buffer)

	if s.deviceRate != s.sampleRate {
		block = codec.Resample(block, s.deviceRate, s.sampleRate)
	}

	return block, nil
}

func (s *portaudioSource) Close() error {
	if err := s.stream.Stop(); err != nil {
		slog.Warn(fmt.Sprintf("stop audio input stream: %s", err))
	}

	return s.stream.Close()
}
