package stt

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxmail/internal/fault"
)

type fakeConverter struct {
	calls  atomic.Int32
	ToMP3F func(ctx context.Context, src, dst string) error
}

func (f *fakeConverter) ToMP3(ctx context.Context, src, dst string) error {
	f.calls.Add(1)
	if f.ToMP3F != nil {
		return f.ToMP3F(ctx, src, dst)
	}
	return os.WriteFile(dst, []byte("converted"), 0o644)
}

type upload struct {
	model    string
	format   string
	language string
	content  string
}

func newTestClient(t *testing.T, handler http.HandlerFunc, conv Converter, cfg Config) (*Client, *atomic.Int32) {
	t.Helper()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	api := openai.NewClient(
		option.WithAPIKey("test-key"),
		option.WithBaseURL(srv.URL+"/v1/"),
		option.WithMaxRetries(0),
	)
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	if conv == nil {
		conv = &fakeConverter{}
	}
	return NewClient(api, conv, cfg, nil), &hits
}

func readUpload(t *testing.T, r *http.Request) upload {
	t.Helper()

	require.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
	require.NoError(t, r.ParseMultipartForm(32<<20))

	f, hdr, err := r.FormFile("file")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, ".mp3", filepath.Ext(hdr.Filename))

	return upload{
		model:    r.FormValue("model"),
		format:   r.FormValue("response_format"),
		language: r.FormValue("language"),
		content:  string(data),
	}
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestTranscribeMP3IsUploadedUnchanged(t *testing.T) {
	var got upload
	conv := &fakeConverter{}
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = readUpload(t, r)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "  Send an email to alice@example.com about the launch.\n")
	}, conv, Config{})

	src := writeFile(t, "memo.mp3", []byte("ID3 original mp3 bytes"))

	text, err := c.Transcribe(context.Background(), src, Options{Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "Send an email to alice@example.com about the launch.", text)

	assert.EqualValues(t, 1, hits.Load())
	assert.Zero(t, conv.calls.Load())
	assert.Equal(t, "ID3 original mp3 bytes", got.content)
	assert.Equal(t, DefaultModel, got.model)
	assert.Equal(t, "text", got.format)
	assert.Equal(t, "en", got.language)
}

func TestTranscribeConvertsOtherFormats(t *testing.T) {
	var got upload
	conv := &fakeConverter{}
	tmp := t.TempDir()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = readUpload(t, r)
		_, _ = io.WriteString(w, "hello")
	}, conv, Config{TempDir: tmp, Model: "gpt-4o-transcribe"})

	src := writeFile(t, "voice.ogg", []byte("OggS voice"))

	text, err := c.Transcribe(context.Background(), src, Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.EqualValues(t, 1, conv.calls.Load())
	assert.Equal(t, "converted", got.content)
	assert.Equal(t, "gpt-4o-transcribe", got.model)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary mp3 must be removed")

	_, err = os.Stat(src)
	assert.NoError(t, err, "source must be left alone")
}

func TestTranscribeJSONFormats(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatVerboseJSON} {
		t.Run(string(format), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				got := readUpload(t, r)
				assert.Equal(t, string(format), got.format)
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `{"text":" Remind Bob about Friday. ","language":"english","duration":2.5}`)
			}, nil, Config{})

			text, err := c.Transcribe(context.Background(), writeFile(t, "a.mp3", []byte("x")), Options{ResponseFormat: format})
			require.NoError(t, err)
			assert.Equal(t, "Remind Bob about Friday.", text)
		})
	}
}

func TestTranscribeSubtitleFormatsAreReturnedAsIs(t *testing.T) {
	const vtt = "WEBVTT\n\n00:00:00.000 --> 00:00:01.500\nHello there"
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, vtt+"\n\n")
	}, nil, Config{})

	text, err := c.Transcribe(context.Background(), writeFile(t, "a.wav", []byte("RIFF")), Options{ResponseFormat: FormatVTT})
	require.NoError(t, err)
	assert.Equal(t, vtt, text)
}

func TestTranscribePreconditions(t *testing.T) {
	dir := t.TempDir()
	bigWav := filepath.Join(dir, "big.wav")
	f, err := os.Create(bigWav)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(30*1024*1024))
	require.NoError(t, f.Close())

	temp := 1.5

	cases := []struct {
		name string
		path string
		opt  Options
		want error
	}{
		{name: "missing", path: filepath.Join(dir, "missing.ogg"), want: ErrNotFound},
		{name: "empty", path: writeFile(t, "empty.ogg", nil), want: ErrEmptyFile},
		{name: "too large", path: bigWav, want: ErrTooLarge},
		{name: "unsupported", path: writeFile(t, "notes.txt", []byte("hi")), want: ErrUnsupportedFormat},
		{name: "bad format", path: writeFile(t, "a.ogg", []byte("x")), opt: Options{ResponseFormat: "xml"}, want: ErrInvalidOptions},
		{name: "bad temperature", path: writeFile(t, "b.ogg", []byte("x")), opt: Options{Temperature: &temp}, want: ErrInvalidOptions},
		{name: "bad language", path: writeFile(t, "c.ogg", []byte("x")), opt: Options{Language: "English"}, want: ErrInvalidOptions},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conv := &fakeConverter{}
			c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				t.Error("no request expected")
			}, conv, Config{})

			_, err := c.Transcribe(context.Background(), tc.path, tc.opt)
			require.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, fault.ErrValidation)
			assert.Zero(t, hits.Load())
			assert.Zero(t, conv.calls.Load())
		})
	}
}

func TestTranscribeUpstreamErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: ErrInvalidCredentials},
		{name: "rate limited", status: http.StatusTooManyRequests, want: ErrRateLimited},
		{name: "server error", status: http.StatusInternalServerError, want: ErrTranscriptionFailed},
		{name: "bad request", status: http.StatusBadRequest, want: ErrTranscriptionFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tmp := t.TempDir()
			c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, `{"error":{"message":"upstream says no","type":"invalid_request_error"}}`)
			}, nil, Config{TempDir: tmp})

			_, err := c.Transcribe(context.Background(), writeFile(t, "v.ogg", []byte("x")), Options{})
			require.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, fault.ErrUpstream)
			assert.EqualValues(t, 1, hits.Load(), "requests are not retried")

			entries, err := os.ReadDir(tmp)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestTranscribeTimeout(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, nil, Config{Timeout: 50 * time.Millisecond})

	_, err := c.Transcribe(context.Background(), writeFile(t, "v.mp3", []byte("x")), Options{})
	require.ErrorIs(t, err, ErrUpstreamTimeout)
}

func TestTranscribeConversionFailure(t *testing.T) {
	tmp := t.TempDir()
	conv := &fakeConverter{ToMP3F: func(_ context.Context, _, dst string) error {
		_ = os.WriteFile(dst, []byte("partial"), 0o644)
		return assert.AnError
	}}
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}, conv, Config{TempDir: tmp})

	_, err := c.Transcribe(context.Background(), writeFile(t, "v.webm", []byte("x")), Options{})
	require.ErrorIs(t, err, ErrTranscriptionFailed)
	assert.Zero(t, hits.Load())

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTempPathIsUnique(t *testing.T) {
	c := NewClient(openai.NewClient(option.WithAPIKey("k")), nil, Config{TempDir: "/tmp/x"}, nil)
	var n int64
	c.now = func() time.Time {
		n++
		return time.Unix(0, n)
	}

	a := c.tempPath("/data/file_abc.ogg")
	b := c.tempPath("/data/file_abc.ogg")
	assert.NotEqual(t, a, b)
	assert.Equal(t, "/tmp/x/file_abc_1.mp3", a)
}
