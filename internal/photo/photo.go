// Package photo moves a locally captured image into remote object storage
// and returns its public URL.
package photo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

const (
	contentType = "image/jpeg"

	// DefaultMaxDimension bounds the longer edge of an uploaded image.
	DefaultMaxDimension = 2048
	// DefaultJPEGQuality is the encoder quality for normalized images.
	DefaultJPEGQuality = 85
)

// ObjectStore is the slice of the backend client the uploader needs.
type ObjectStore interface {
	UploadObject(ctx context.Context, path string, data []byte, contentType string) error
	PublicURL(path string) string
}

// Options tunes image normalization. Zero values select defaults.
type Options struct {
	MaxDimension int
	JPEGQuality  int
}

// Uploader uploads report photos. It never retries; the caller owns the
// retry budget.
type Uploader struct {
	store    ObjectStore
	opts     Options
	log      *slog.Logger
	now      func() time.Time
	readFile func(string) ([]byte, error)
}

// NewUploader builds an Uploader writing to store.
func NewUploader(store ObjectStore, opts Options, logger *slog.Logger) *Uploader {
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultMaxDimension
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = DefaultJPEGQuality
	}
	return &Uploader{
		store:    store,
		opts:     opts,
		log:      logger,
		now:      time.Now,
		readFile: os.ReadFile,
	}
}

// Upload sends the image at fileURI to {reportID}/{epochMillis}.jpg and
// returns its public URL. On any failure it logs and returns ok=false.
func (u *Uploader) Upload(ctx context.Context, fileURI, reportID string) (publicURL string, ok bool) {
	path, err := LocalPath(fileURI)
	if err != nil {
		u.log.Warn("photo uri rejected", "report", reportID, "uri", fileURI, "error", err)
		return "", false
	}

	raw, err := u.readFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			u.log.Warn("photo missing on disk", "report", reportID, "path", path)
		} else {
			u.log.Warn("photo read failed", "report", reportID, "path", path, "error", err)
		}
		return "", false
	}

	data := u.normalize(raw, reportID)
	objectPath := ObjectPath(reportID, u.now())
	if err := u.store.UploadObject(ctx, objectPath, data, contentType); err != nil {
		u.log.Warn("photo upload failed", "report", reportID, "object", objectPath, "error", err)
		return "", false
	}

	publicURL = u.store.PublicURL(objectPath)
	u.log.Debug("photo uploaded", "report", reportID, "object", objectPath, "bytes", len(data))
	return publicURL, true
}

// normalize re-encodes raw as an oriented, size-bounded JPEG. Data that
// cannot be decoded is returned unchanged.
func (u *Uploader) normalize(raw []byte, reportID string) []byte {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		u.log.Debug("photo not decodable, uploading as-is", "report", reportID, "error", err)
		return raw
	}

	b := img.Bounds()
	if b.Dx() > u.opts.MaxDimension || b.Dy() > u.opts.MaxDimension {
		img = imaging.Fit(img, u.opts.MaxDimension, u.opts.MaxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(u.opts.JPEGQuality)); err != nil {
		u.log.Debug("photo re-encode failed, uploading as-is", "report", reportID, "error", err)
		return raw
	}
	return buf.Bytes()
}

// ObjectPath returns the storage key for a photo of reportID taken at t.
func ObjectPath(reportID string, t time.Time) string {
	return fmt.Sprintf("%s/%d.jpg", reportID, t.UnixMilli())
}

// LocalPath converts a file:// URI or plain path into a filesystem path.
func LocalPath(uri string) (string, error) {
	if uri == "" {
		return "", errors.New("empty photo reference")
	}
	if !strings.Contains(uri, "://") {
		return uri, nil
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing photo uri: %w", err)
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("unsupported photo uri scheme %q", parsed.Scheme)
	}
	if parsed.Path == "" {
		return "", errors.New("photo uri has no path")
	}
	return parsed.Path, nil
}
