package metadata

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
	"github.com/tcolgate/mp3"
)

// Info is what the extractor learns about a local audio file.
type Info struct {
	Title    string
	Artist   string
	Album    string
	Duration time.Duration
	Size     int64
}

// DisplayTitle joins artist and title the way queue listings show them.
func (i Info) DisplayTitle() string {
	if i.Artist == "" {
		return i.Title
	}
	return i.Artist + " - " + i.Title
}

// Extractor reads tags and durations from local audio files
type Extractor struct {
	supportedFormats []string
	logger           *logrus.Entry
}

// NewExtractor creates a new metadata extractor
func NewExtractor(supportedFormats []string, logger *logrus.Entry) *Extractor {
	return &Extractor{
		supportedFormats: supportedFormats,
		logger:           logger,
	}
}

// ExtractFromFile extracts metadata from an audio file. Missing tags fall back
// to the file name; an undecodable duration is reported as zero.
func (e *Extractor) ExtractFromFile(filePath string) (Info, error) {
	startTime := time.Now()

	file, err := os.Open(filePath)
	if err != nil {
		return Info{}, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return Info{}, err
	}
	if stat.IsDir() {
		return Info{}, fmt.Errorf("%s is a directory", filePath)
	}

	duration, err := e.calculateDuration(filePath)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"filePath": filePath,
			"error":    err.Error(),
		}).Warn("Failed to calculate duration, setting to 0")
		duration = 0
	}

	fallbackTitle := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))

	metadata, err := tag.ReadFrom(file)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"filePath": filePath,
			"error":    err.Error(),
		}).Debug("No readable tags, using filename")

		return Info{
			Title:    fallbackTitle,
			Duration: duration,
			Size:     stat.Size(),
		}, nil
	}

	title := metadata.Title()
	if title == "" {
		title = fallbackTitle
	}

	e.logger.WithFields(logrus.Fields{
		"filePath":       filePath,
		"title":          title,
		"artist":         metadata.Artist(),
		"duration":       duration,
		"processingTime": time.Since(startTime),
	}).Debug("Successfully extracted metadata")

	return Info{
		Title:    title,
		Artist:   metadata.Artist(),
		Album:    metadata.Album(),
		Duration: duration,
		Size:     stat.Size(),
	}, nil
}

// calculateDuration calculates the duration of an audio file
func (e *Extractor) calculateDuration(filePath string) (time.Duration, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return e.durationMP3(filePath)
	case ".flac":
		return e.durationFLAC(filePath)
	case ".wav":
		return e.durationWAV(filePath)
	default:
		return 0, fmt.Errorf("unsupported format: %s", ext)
	}
}

// MP3 duration using frame decoding; falls back to bitrate estimation only if
// no frame decodes at all.
func (e *Extractor) durationMP3(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := mp3.NewDecoder(f)
	var total time.Duration
	var skipped int
	frames := 0
	for {
		var fr mp3.Frame
		if err := dec.Decode(&fr, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if frames == 0 {
				return e.estimateFromFileSize(path, 192000)
			}
			break
		}
		total += fr.Duration()
		frames++
	}
	return total, nil
}

// FLAC duration via STREAMINFO metadata block
func (e *Extractor) durationFLAC(path string) (time.Duration, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	si := stream.Info
	if si.NSamples > 0 && si.SampleRate > 0 {
		secs := float64(si.NSamples) / float64(si.SampleRate)
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("flac stream missing sample info")
}

// WAV duration from the header and the PCM payload size
func (e *Extractor) durationWAV(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file")
	}
	if dec.SampleRate == 0 || dec.BitDepth == 0 || dec.NumChans == 0 {
		return 0, fmt.Errorf("invalid wav header")
	}

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	pcmBytes := st.Size() - 44
	if pcmBytes < 0 {
		pcmBytes = 0
	}
	bytesPerSampleFrame := int64(dec.BitDepth/8) * int64(dec.NumChans)
	if bytesPerSampleFrame <= 0 {
		return 0, fmt.Errorf("invalid sample frame size")
	}
	sampleFrames := pcmBytes / bytesPerSampleFrame
	secs := float64(sampleFrames) / float64(dec.SampleRate)
	return time.Duration(secs * float64(time.Second)), nil
}

// estimateFromFileSize is the last resort when no frame can be parsed.
func (e *Extractor) estimateFromFileSize(path string, bitrate int) (time.Duration, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if bitrate <= 0 {
		return 0, fmt.Errorf("invalid bitrate")
	}
	secs := (st.Size() * 8) / int64(bitrate)
	return time.Duration(secs) * time.Second, nil
}

// IsAudioFile checks if a file is a supported audio format
func (e *Extractor) IsAudioFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	for _, format := range e.supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}
