package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"voxmail/pkg/stt"
)

// HTTPDownloader streams a file URL to disk.
type HTTPDownloader struct {
	Client   *http.Client
	MaxBytes int64 // 0 means unlimited
}

func NewHTTPDownloader(client *http.Client, maxBytes int64) *HTTPDownloader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPDownloader{Client: client, MaxBytes: maxBytes}
}

// Download writes the body of url to dst. dst is removed on any failure.
func (d *HTTPDownloader) Download(ctx context.Context, url, dst string) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if d.MaxBytes > 0 && resp.ContentLength > d.MaxBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", stt.ErrTooLarge, resp.ContentLength, d.MaxBytes)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	var body io.Reader = resp.Body
	if d.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, d.MaxBytes+1)
	}

	n, err := io.Copy(f, body)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if d.MaxBytes > 0 && n > d.MaxBytes {
		return fmt.Errorf("%w: body exceeds limit of %d bytes", stt.ErrTooLarge, d.MaxBytes)
	}
	return nil
}
