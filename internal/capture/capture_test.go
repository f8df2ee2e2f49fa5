package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mutex  sync.Mutex
	blocks [][]int16
	pos    int
	closed bool
}

func (s *fakeSource) ReadBlock() ([]int16, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.pos >= len(s.blocks) {
		s.mutex.Unlock()
		time.Sleep(5 * time.Millisecond)
		s.mutex.Lock()
		return []int16{}, nil
	}

	block := s.blocks[s.pos]
	s.pos++

	return block, nil
}

func (s *fakeSource) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true

	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.closed
}

func TestDriverEmitsBlocksInCaptureOrder(t *testing.T) {
	source := &fakeSource{blocks: [][]int16{{1, 1}, {2, 2}, {3, 3}}}
	testee := &Driver{source: source}

	var mutex sync.Mutex
	received := make([][]int16, 0, 3)
	gotAll := make(chan struct{})

	handle, err := testee.Start(context.Background(), func(block []int16) {
		mutex.Lock()
		defer mutex.Unlock()

		if len(block) == 0 {
			return
		}

		received = append(received, block)
		if len(received) == 3 {
			close(gotAll)
		}
	})
	require.NoError(t, err)

	select {
	case <-gotAll:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for captured blocks")
	}

	handle.Stop()

	mutex.Lock()
	defer mutex.Unlock()
	require.Equal(t, [][]int16{{1, 1}, {2, 2}, {3, 3}}, received[:3])
}

func TestStopPreventsFurtherFrames(t *testing.T) {
	source := &fakeSource{blocks: [][]int16{{1}, {2}, {3}, {4}, {5}}}
	testee := &Driver{source: source}

	var mutex sync.Mutex
	frameCount := 0
	first := make(chan struct{}, 1)

	handle, err := testee.Start(context.Background(), func(block []int16) {
		mutex.Lock()
		defer mutex.Unlock()

		frameCount++
		select {
		case first <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	<-first
	handle.Stop()

	mutex.Lock()
	countAtStop := frameCount
	mutex.Unlock()

	time.Sleep(50 * time.Millisecond)

	mutex.Lock()
	defer mutex.Unlock()
	require.Equal(t, countAtStop, frameCount, "no frame must be delivered after Stop returned")
	require.True(t, source.isClosed(), "device must be released")
}

func TestStopIsIdempotent(t *testing.T) {
	source := &fakeSource{}
	testee := &Driver{source: source}

	handle, err := testee.Start(context.Background(), func([]int16) {})
	require.NoError(t, err)

	require.NoError(t, handle.Stop())
	require.NotPanics(t, func() { _ = handle.Stop() })
}

func TestContextCancellationStopsCapture(t *testing.T) {
	source := &fakeSource{}
	testee := &Driver{source: source}

	ctx, cancel := context.WithCancel(context.Background())

	handle, err := testee.Start(ctx, func([]int16) {})
	require.NoError(t, err)

	cancel()
	handle.Stop()
	require.True(t, source.isClosed())
}
