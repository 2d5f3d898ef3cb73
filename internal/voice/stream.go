package voice

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"encore/pkg/models"

	"layeh.com/gopus"
)

// stream is one track being sent to a voice connection. A seek restarts the
// decoder at the new offset; every decoder run is a segment.
type stream struct {
	track    models.Track
	done     func(error)
	finished chan struct{}
	wake     chan struct{}

	mu          sync.Mutex
	stopped     bool
	paused      bool
	seekPending bool
	offset      time.Duration // track position where the segment started
	frames      int64         // frames sent in the segment
	cancel      context.CancelFunc
}

func newStream(track models.Track, done func(error)) *stream {
	return &stream{
		track:    track,
		done:     done,
		finished: make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// halt stops the stream for good.
func (s *stream) halt() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *stream) seek(offset time.Duration) {
	s.mu.Lock()
	s.seekPending = true
	s.offset = offset
	s.frames = 0
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *stream) setPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()

	if !paused {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *stream) position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset + time.Duration(s.frames)*frameDuration
}

// beginSegment prepares a decoder run from the latest offset. It reports false
// once the stream is stopped.
func (s *stream) beginSegment() (context.Context, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, 0, false
	}
	s.seekPending = false
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	return ctx, s.offset, true
}

type segmentEnd int

const (
	segmentDone segmentEnd = iota
	segmentStopped
	segmentSeek
)

// endSegment reports why the segment just ended.
func (s *stream) endSegment() segmentEnd {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	switch {
	case s.stopped:
		return segmentStopped
	case s.seekPending:
		return segmentSeek
	default:
		return segmentDone
	}
}

func (s *stream) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *stream) addFrame() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return s.frames
}

// waitWhilePaused blocks while the stream is paused. It reports false when the
// segment was interrupted.
func (s *stream) waitWhilePaused(ctx context.Context) bool {
	for s.isPaused() {
		select {
		case <-s.wake:
		case <-ctx.Done():
			return false
		}
	}
	return ctx.Err() == nil
}

// pump decodes and sends the track until it ends, fails or is stopped.
func (s *stream) pump(src pcmSource, link voiceLink, bitrate int) error {
	encoder, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return fmt.Errorf("encoder error: %w", err)
	}
	if bitrate > 0 {
		encoder.SetBitrate(bitrate)
	}

	for {
		ctx, offset, ok := s.beginSegment()
		if !ok {
			return nil
		}

		pcm, wait, err := src.Open(ctx, s.track.StreamURL, offset)
		if err != nil {
			s.endSegment()
			return err
		}

		sent, sendErr := s.sendFrames(ctx, pcm, encoder, link.Send())
		pcm.Close()
		waitErr := wait()

		switch s.endSegment() {
		case segmentStopped:
			return nil
		case segmentSeek:
			continue
		}

		if sendErr != nil {
			return sendErr
		}
		// A decoder that exits before producing audio could not read the source.
		if waitErr != nil && sent == 0 {
			return waitErr
		}
		return nil
	}
}

// sendFrames reads PCM frames, encodes them and sends them until the input
// ends or ctx is cancelled. It returns how many frames were sent.
func (s *stream) sendFrames(ctx context.Context, pcm io.Reader, encoder *gopus.Encoder, out chan<- []byte) (int64, error) {
	pcmBuf := make([]byte, frameSize*channels*2)
	intBuf := make([]int16, frameSize*channels)

	var sent int64
	for {
		if !s.waitWhilePaused(ctx) {
			return sent, nil
		}

		if _, err := io.ReadFull(pcm, pcmBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil {
				return sent, nil
			}
			return sent, fmt.Errorf("read error: %w", err)
		}

		for i := range intBuf {
			intBuf[i] = int16(binary.LittleEndian.Uint16(pcmBuf[i*2 : i*2+2]))
		}

		opus, err := encoder.Encode(intBuf, frameSize, maxOpusBytes)
		if err != nil {
			return sent, fmt.Errorf("encode error: %w", err)
		}

		select {
		case out <- opus:
			sent = s.addFrame()
		case <-ctx.Done():
			return sent, nil
		}
	}
}
