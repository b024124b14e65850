package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"scenarioforge/internal/services"
	"scenarioforge/internal/services/extract"
)

// sourceDownloader fetches remote source documents for URL submissions.
type sourceDownloader struct {
	client   *http.Client
	maxBytes int64
}

func newSourceDownloader(maxBytes int64) *sourceDownloader {
	return &sourceDownloader{
		client:   &http.Client{Timeout: 60 * time.Second},
		maxBytes: maxBytes,
	}
}

// Fetch downloads rawURL into destDir and returns the document name, the
// stored path, and the size. The download is capped at the upload limit.
func (d *sourceDownloader) Fetch(ctx context.Context, rawURL, destDir string) (string, string, int64, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", "", 0, services.Wrap(services.ErrValidation, "", "fetch_source",
			"source_url must be an http or https URL", err)
	}

	name := sanitizeFilename(path.Base(parsed.Path))
	if !extract.IsSupported(name) {
		return "", "", 0, services.Wrap(services.ErrValidation, "", "fetch_source",
			fmt.Sprintf("unsupported document type in URL, accepted: %s", strings.Join(extract.SupportedExtensions(), " ")), nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", "", 0, fmt.Errorf("build source request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", "", 0, services.Wrap(services.ErrTransient, "", "fetch_source", "source download failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, services.Wrap(services.ErrValidation, "", "fetch_source",
			fmt.Sprintf("source server replied %d", resp.StatusCode), nil)
	}

	destPath := filepath.Join(destDir, uuid.New().String()+"_"+name)
	dest, err := os.Create(destPath)
	if err != nil {
		return "", "", 0, fmt.Errorf("store source download: %w", err)
	}

	reader := io.Reader(resp.Body)
	if d.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	size, err := io.Copy(dest, reader)
	if closeErr := dest.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(destPath)
		return "", "", 0, services.Wrap(services.ErrTransient, "", "fetch_source", "source download failed", err)
	}
	if d.maxBytes > 0 && size > d.maxBytes {
		os.Remove(destPath)
		return "", "", 0, services.Wrap(services.ErrValidation, "", "fetch_source",
			fmt.Sprintf("source exceeds the %d byte limit", d.maxBytes), nil)
	}
	return name, destPath, size, nil
}

// newStrictDecoder rejects unknown fields so client typos surface as errors.
func newStrictDecoder(r io.Reader) *json.Decoder {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder
}
