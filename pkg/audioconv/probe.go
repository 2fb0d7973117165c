package audioconv

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	popus "github.com/pekim/opus"
)

// ErrUnknownFormat is returned when no decoder recognises the file.
var ErrUnknownFormat = errors.New("audioconv: cannot probe audio format")

// Info describes the stream properties of an audio file.
type Info struct {
	Format     string
	SampleRate int
	Channels   int
	Bitrate    int // kbit/s, MP3 only
	Duration   time.Duration
}

// Probe decodes just enough of path to report its stream properties.
// WAV, MP3 and Ogg (Vorbis or Opus) are supported.
func Probe(_ context.Context, path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".wav":
		return probeWAV(f)
	case ".mp3":
		return probeMP3(f)
	case ".ogg", ".oga", ".opus":
		return probeOgg(f)
	default:
		br := bufio.NewReader(f)
		magic, _ := br.Peek(4)
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return Info{}, err
		}
		switch {
		case string(magic) == "RIFF":
			return probeWAV(f)
		case string(magic) == "OggS":
			return probeOgg(f)
		case string(magic[:min(3, len(magic))]) == "ID3", len(magic) > 1 && magic[0] == 0xFF && magic[1]&0xE0 == 0xE0:
			return probeMP3(f)
		default:
			return Info{}, fmt.Errorf("%w: %s", ErrUnknownFormat, ext)
		}
	}
}

func probeWAV(r io.ReadSeeker) (Info, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Info{}, errors.New("invalid wav")
	}
	pb, err := dec.FullPCMBuffer()
	if err != nil || pb == nil {
		if err == nil {
			err = errors.New("empty wav")
		}
		return Info{}, err
	}

	info := Info{Format: "wav", Channels: 1, SampleRate: 44100}
	if pb.Format != nil {
		if pb.Format.NumChannels > 0 {
			info.Channels = pb.Format.NumChannels
		}
		if pb.Format.SampleRate > 0 {
			info.SampleRate = pb.Format.SampleRate
		}
	}
	frames := len(pb.Data) / info.Channels
	info.Duration = framesToDuration(int64(frames), info.SampleRate)
	return info, nil
}

func probeMP3(r io.ReadSeeker) (Info, error) {
	hdr, err := readMP3Header(r)
	if err != nil {
		return Info{}, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Info{}, err
	}

	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return Info{}, err
	}

	info := Info{
		Format:     "mp3",
		SampleRate: dec.SampleRate(),
		Channels:   hdr.channels,
		Bitrate:    hdr.bitrate,
	}
	if info.SampleRate <= 0 {
		info.SampleRate = hdr.sampleRate
	}
	// decoder output is always 16-bit stereo
	if n := dec.Length(); n > 0 {
		info.Duration = framesToDuration(n/4, info.SampleRate)
	}
	return info, nil
}

func probeOgg(r io.ReadSeeker) (Info, error) {
	if pcm, format, err := oggvorbis.ReadAll(r); err == nil && format != nil && format.Channels > 0 {
		return Info{
			Format:     "ogg/vorbis",
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			Duration:   framesToDuration(int64(len(pcm)/format.Channels), format.SampleRate),
		}, nil
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Info{}, err
	}

	dec, err := popus.NewDecoder(r)
	if err != nil {
		return Info{}, fmt.Errorf("cannot decode ogg as vorbis or opus: %w", err)
	}
	defer dec.Destroy()

	ch := dec.ChannelCount()
	if ch <= 0 {
		ch = 1
	}

	// opus always decodes at 48 kHz
	var (
		frames int64
		buf    = make([]int16, 48_000*ch/2)
	)
	for {
		n, err := dec.Read(buf)
		frames += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return Info{}, err
		}
	}

	return Info{
		Format:     "ogg/opus",
		SampleRate: 48000,
		Channels:   ch,
		Duration:   framesToDuration(frames, 48000),
	}, nil
}

func framesToDuration(frames int64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

type mp3Header struct {
	version    int // 1, 2 or 25 (MPEG 2.5)
	bitrate    int
	sampleRate int
	channels   int
	padding    int
}

var (
	mp3BitratesV1 = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, -1}
	mp3BitratesV2 = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, -1}
	mp3Rates      = map[int][3]int{
		1:  {44100, 48000, 32000},
		2:  {22050, 24000, 16000},
		25: {11025, 12000, 8000},
	}
)

// parseMP3Header decodes a Layer III frame header.
func parseMP3Header(b []byte) (mp3Header, bool) {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return mp3Header{}, false
	}

	var h mp3Header
	switch (b[1] >> 3) & 0x3 {
	case 3:
		h.version = 1
	case 2:
		h.version = 2
	case 0:
		h.version = 25
	default:
		return mp3Header{}, false
	}
	if (b[1]>>1)&0x3 != 1 {
		return mp3Header{}, false
	}

	bi := int(b[2] >> 4)
	si := int((b[2] >> 2) & 0x3)
	if si == 3 {
		return mp3Header{}, false
	}
	if h.version == 1 {
		h.bitrate = mp3BitratesV1[bi]
	} else {
		h.bitrate = mp3BitratesV2[bi]
	}
	if h.bitrate <= 0 {
		return mp3Header{}, false
	}
	h.sampleRate = mp3Rates[h.version][si]
	h.padding = int((b[2] >> 1) & 0x1)

	h.channels = 2
	if (b[3]>>6)&0x3 == 3 {
		h.channels = 1
	}
	return h, true
}

func (h mp3Header) frameLen() int {
	coef := 144
	if h.version != 1 {
		coef = 72
	}
	return coef*h.bitrate*1000/h.sampleRate + h.padding
}

// readMP3Header skips an ID3v2 tag and a Xing/Info frame and returns the
// header of the first audio frame.
func readMP3Header(r io.ReadSeeker) (mp3Header, error) {
	var tag [10]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return mp3Header{}, fmt.Errorf("read mp3 header: %w", err)
	}

	offset := int64(0)
	if string(tag[:3]) == "ID3" {
		size := int64(tag[6]&0x7F)<<21 | int64(tag[7]&0x7F)<<14 | int64(tag[8]&0x7F)<<7 | int64(tag[9]&0x7F)
		offset = 10 + size
	}
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return mp3Header{}, err
	}

	buf := make([]byte, 16*1024)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return mp3Header{}, fmt.Errorf("read mp3 frames: %w", err)
	}
	buf = buf[:n]

	for i := 0; i+4 <= len(buf); i++ {
		h, ok := parseMP3Header(buf[i:])
		if !ok {
			continue
		}
		end := min(i+h.frameLen(), len(buf))
		frame := buf[i:end]
		if bytes.Contains(frame[:min(64, len(frame))], []byte("Xing")) ||
			bytes.Contains(frame[:min(64, len(frame))], []byte("Info")) {
			i = end - 1
			continue
		}
		return h, nil
	}
	return mp3Header{}, fmt.Errorf("%w: no mp3 frame found", ErrUnknownFormat)
}
