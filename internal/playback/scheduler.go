// Package playback schedules arriving audio segments on a continuous output
// timeline so that they play back-to-back without gaps or overlaps,
// regardless of arrival jitter.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/internal/codec"
)

// DeviceError indicates that the output device could not be opened or
// resumed. The caller should surface a status message and drop the segment
// rather than block the queue.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio output device: %s", e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Clock reports the current position on the output device timeline.
type Clock interface {
	Now() time.Duration
}

// Sink plays a segment starting at an absolute timeline offset.
type Sink interface {
	PlayAt(startAt time.Duration, samples []int16) error
}

// Scheduler tracks the next free slot on the playback timeline.
//
// Each enqueued segment starts at max(now, nextPlayTime): segments arriving
// faster than real time queue back-to-back with zero gap, while a segment
// arriving after the queue drained starts immediately, introducing an
// audible gap but no glitch.
type Scheduler struct {
	clock      Clock
	sink       Sink
	sampleRate int

	mutex        sync.Mutex
	nextPlayTime time.Duration
	scheduled    bool
}

func NewScheduler(clock Clock, sink Sink, sampleRate int) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = codec.OutputSampleRate
	}

	return &Scheduler{
		clock:      clock,
		sink:       sink,
		sampleRate: sampleRate,
	}
}

// Enqueue schedules samples for playback. Zero-length segments are accepted
// and do not advance the cursor.
func (s *Scheduler) Enqueue(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.clock.Now()

	startAt := now
	if s.scheduled && s.nextPlayTime > startAt {
		startAt = s.nextPlayTime
	}

	err := s.sink.PlayAt(startAt, samples)
	if err != nil {
		return err
	}

	s.nextPlayTime = startAt + codec.Duration(len(samples), s.sampleRate)
	s.scheduled = true

	return nil
}

// ResetCursor forgets the previous turn's scheduling debt so that the next
// segment starts at the current device time.
func (s *Scheduler) ResetCursor() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.nextPlayTime = 0
	s.scheduled = false
}
