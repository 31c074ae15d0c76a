package gtfs

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DownloadTimeout bounds a whole static feed download.
const DownloadTimeout = 5 * time.Minute

// Downloader handles GTFS zip file downloads with conditional requests.
type Downloader struct {
	client *http.Client
	url    string
	dir    string // Directory to store downloaded files
	logger *slog.Logger
}

// NewDownloader creates a Downloader for the given GTFS URL.
func NewDownloader(url, dir string, logger *slog.Logger) *Downloader {
	return &Downloader{
		client: &http.Client{Timeout: DownloadTimeout},
		url:    url,
		dir:    dir,
		logger: logger,
	}
}

// CheckResult holds the result of a conditional check.
type CheckResult struct {
	NeedsUpdate  bool
	LastModified string
	ETag         string
}

// Check sends a HEAD request with If-Modified-Since to see if the feed has changed.
func (d *Downloader) Check(ctx context.Context, lastModified, etag string) (*CheckResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HEAD request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		d.logger.Info("GTFS feed not modified")
		return &CheckResult{NeedsUpdate: false}, nil
	}
	newModified := resp.Header.Get("Last-Modified")
	newETag := resp.Header.Get("ETag")
	if (etag != "" && newETag == etag) || (etag == "" && lastModified != "" && newModified == lastModified) {
		d.logger.Info("GTFS feed unchanged")
		return &CheckResult{NeedsUpdate: false}, nil
	}

	return &CheckResult{
		NeedsUpdate:  true,
		LastModified: newModified,
		ETag:         newETag,
	}, nil
}

// Download fetches the GTFS zip and unpacks its .txt members into a new
// directory under the downloader's directory. The caller removes the
// returned directory when done.
func (d *Downloader) Download(ctx context.Context) (feedDir string, result *CheckResult, err error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("create request: %w", err)
	}

	d.logger.Info("downloading GTFS feed", "url", d.url)
	resp, err := d.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("GET request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	tmpFile, err := os.CreateTemp(d.dir, "gtfs-*.zip")
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	written, err := io.Copy(tmpFile, resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("write file: %w", err)
	}

	feedDir, err = os.MkdirTemp(d.dir, "gtfs-")
	if err != nil {
		return "", nil, fmt.Errorf("create feed dir: %w", err)
	}
	if err := extractZip(tmpFile, written, feedDir); err != nil {
		os.RemoveAll(feedDir)
		return "", nil, err
	}

	d.logger.Info("GTFS feed downloaded",
		"dir", filepath.Base(feedDir),
		"size_mb", fmt.Sprintf("%.1f", float64(written)/(1024*1024)),
	)
	return feedDir, &CheckResult{
		NeedsUpdate:  true,
		LastModified: resp.Header.Get("Last-Modified"),
		ETag:         resp.Header.Get("ETag"),
	}, nil
}

// extractZip writes every .txt member of the archive into dir, flattening
// any folder the feed was packed in.
func extractZip(r io.ReaderAt, size int64, dir string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(f.Name, ".txt") {
			continue
		}
		if err := extractMember(f, filepath.Join(dir, filepath.Base(f.Name))); err != nil {
			return err
		}
	}
	return nil
}

func extractMember(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dest), err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}
