package voice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// pcmSource produces 48kHz stereo s16le PCM for a stream URL. wait releases
// the decoder and reports how it exited.
type pcmSource interface {
	Open(ctx context.Context, url string, offset time.Duration) (pcm io.ReadCloser, wait func() error, err error)
}

type ffmpegSource struct {
	path string
}

// Open starts ffmpeg; cancelling ctx kills it.
func (f ffmpegSource) Open(ctx context.Context, url string, offset time.Duration) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, f.path, ffmpegArgs(url, offset)...)

	stderr := &tailBuffer{limit: 2048}
	cmd.Stderr = stderr

	reader, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe error: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("command start error: %w", err)
	}

	wait := func() error {
		if err := cmd.Wait(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return fmt.Errorf("ffmpeg: %w: %s", err, msg)
			}
			return fmt.Errorf("ffmpeg: %w", err)
		}
		return nil
	}
	return reader, wait, nil
}

// ffmpegArgs builds the decoder command line. Remote inputs reconnect on
// dropped connections.
func ffmpegArgs(url string, offset time.Duration) []string {
	var args []string
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	}
	if offset > 0 {
		args = append(args, "-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64))
	}
	return append(args,
		"-i", url,
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-loglevel", "warning",
		"pipe:1",
	)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
