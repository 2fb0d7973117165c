// Package audioconv normalizes voice recordings for the transcription API
// and probes audio stream properties.
package audioconv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

const defaultFFmpeg = "ffmpeg"

// ErrOutputMismatch is returned when the converted file does not have the
// requested stream properties.
var ErrOutputMismatch = errors.New("audioconv: converted stream does not match target format")

// Transcoder converts any ffmpeg-readable input into MP3 via the ffmpeg CLI.
type Transcoder struct {
	Bin        string
	SampleRate int
	Channels   int
	Bitrate    int // kbit/s

	// Verify probes the output after conversion.
	Verify bool
}

// NewTranscoder returns a transcoder targeting mono, 16 kHz, 128 kbit/s MP3.
func NewTranscoder(bin string) *Transcoder {
	if strings.TrimSpace(bin) == "" {
		bin = defaultFFmpeg
	}
	return &Transcoder{
		Bin:        bin,
		SampleRate: 16000,
		Channels:   1,
		Bitrate:    128,
		Verify:     true,
	}
}

// ToMP3 writes the converted audio of src to dst. dst is removed on failure.
func (t *Transcoder) ToMP3(ctx context.Context, src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.Bin, t.args(src, dst)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Debug("Transcoding", "src", src, "dst", dst)

	if err := cmd.Run(); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	if !t.Verify {
		return nil
	}

	info, err := Probe(ctx, dst)
	if err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("probe output: %w", err)
	}
	if info.SampleRate != t.SampleRate || info.Channels != t.Channels || info.Bitrate != t.Bitrate {
		_ = os.Remove(dst)
		return fmt.Errorf("%w: got %d Hz, %d ch, %d kbit/s", ErrOutputMismatch, info.SampleRate, info.Channels, info.Bitrate)
	}
	return nil
}

func (t *Transcoder) args(src, dst string) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", src,
		"-vn",
		"-ac", strconv.Itoa(t.Channels),
		"-ar", strconv.Itoa(t.SampleRate),
		"-codec:a", "libmp3lame",
		"-b:a", strconv.Itoa(t.Bitrate) + "k",
		"-write_xing", "0",
		"-f", "mp3",
		dst,
	}
}
