package audio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

// TurnRecorder optionally dumps the captured user audio of each turn as a
// RIFF wave file for debugging. Samples are appended while listening and
// flushed to Dir when the turn completes.
type TurnRecorder struct {
	Dir        string
	SampleRate int
	samples    []int
}

func (r *TurnRecorder) Enabled() bool {
	return r != nil && r.Dir != ""
}

func (r *TurnRecorder) Append(samples []int16) {
	if !r.Enabled() {
		return
	}

	for _, sample := range samples {
		r.samples = append(r.samples, int(sample))
	}
}

// Flush writes the accumulated turn audio as a wave file and resets the
// recorder. Recording nothing is not an error.
func (r *TurnRecorder) Flush() (string, error) {
	if !r.Enabled() || len(r.samples) == 0 {
		return "", nil
	}

	samples := r.samples
	r.samples = nil

	riffWav, err := samplesToRiffWav(samples, r.SampleRate)
	if err != nil {
		return "", fmt.Errorf("encode turn recording: %w", err)
	}

	path := filepath.Join(r.Dir, fmt.Sprintf("turn-%d.wav", time.Now().UnixNano()))

	err = os.WriteFile(path, riffWav, 0o644)
	if err != nil {
		return "", fmt.Errorf("write turn recording: %w", err)
	}

	return path, nil
}

func samplesToRiffWav(samples []int, sampleRate int) ([]byte, error) {
	wavFile := &writerseeker.WriterSeeker{}
	encoder := wav.NewEncoder(wavFile, sampleRate, 16, 1, 1)

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: sampleRate, NumChannels: 1},
		SourceBitDepth: 16,
		Data:           samples,
	}

	if err := encoder.Write(buffer); err != nil {
		return nil, fmt.Errorf("encoder write buffer: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encoder close: %w", err)
	}

	riffWav, err := io.ReadAll(wavFile.Reader())
	if err != nil {
		return nil, fmt.Errorf("reading wav into memory: %w", err)
	}

	return riffWav, nil
}
