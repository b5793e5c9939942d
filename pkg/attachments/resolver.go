// Package attachments stores uploaded files and resolves image references
// into inline data URLs for providers that accept images.
package attachments

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // GIF decode support
	_ "image/jpeg" // JPEG decode support
	_ "image/png"  // PNG decode support
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relay/pkg/llm"
	"relay/pkg/utils"

	_ "golang.org/x/image/webp" // WebP decode support
)

var (
	// ErrTooLarge is returned for attachments above the size limit.
	ErrTooLarge = errors.New("attachment too large")
	// ErrNotImage is returned when an image reference holds something else.
	ErrNotImage = errors.New("attachment is not a supported image")
)

// Resolver resolves image references and stores uploads under Dir.
type Resolver struct {
	Dir      string
	MaxBytes int64
	Client   *http.Client
}

// NewResolver creates a Resolver. timeout bounds remote downloads.
func NewResolver(dir string, maxBytes int64, timeout time.Duration) *Resolver {
	return &Resolver{
		Dir:      dir,
		MaxBytes: maxBytes,
		Client:   &http.Client{Timeout: timeout},
	}
}

// Resolve turns a reference into a base64 data URL. A reference is a data URL,
// an http(s) URL, or a path (relative paths are taken under Dir).
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case strings.HasPrefix(ref, "data:"):
		_, data, err = llm.ParseDataURL(ref)
		if err == nil {
			err = r.checkSize(int64(len(data)))
		}
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		data, err = r.Fetch(ctx, ref)
	default:
		data, err = r.readLocal(ref)
	}
	if err != nil {
		return "", err
	}

	mimeType, err := sniffImage(data)
	if err != nil {
		return "", err
	}
	return llm.EncodeDataURL(mimeType, data), nil
}

// Fetch downloads a remote attachment, bounded by MaxBytes.
func (r *Resolver) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download attachment: status code %d", resp.StatusCode)
	}
	if resp.ContentLength > 0 {
		if err := r.checkSize(resp.ContentLength); err != nil {
			return nil, err
		}
	}

	limit := r.MaxBytes
	if limit <= 0 {
		limit = 1<<63 - 1
	} else {
		limit++
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	if err := r.checkSize(int64(len(data))); err != nil {
		return nil, err
	}
	return data, nil
}

// Store saves an upload under a content addressed name prefixed with the
// current timestamp and returns its path and sniffed MIME type. Identical
// content stored twice in the same second shares one file.
func (r *Resolver) Store(data []byte, name string) (string, string, error) {
	if err := r.checkSize(int64(len(data))); err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create attachments dir: %w", err)
	}

	mimeType, ext := utils.DetectMimeAndExt(data)
	if orig := filepath.Ext(name); orig != "" && !utils.IsImageMime(mimeType) {
		ext = strings.ToLower(orig)
	}

	hash := sha256.Sum256(data)
	path := filepath.Join(r.Dir, utils.GenerateTimestampPrefix()+hex.EncodeToString(hash[:16])+ext)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, data, 0644); err != nil {
			return "", "", fmt.Errorf("failed to save attachment: %w", err)
		}
	}
	slog.Debug("Attachment stored", "name", name, "path", path, "mime", mimeType, "bytes", len(data))
	return path, mimeType, nil
}

// Download fetches a remote file and stores it.
func (r *Resolver) Download(ctx context.Context, url, name string) (string, string, error) {
	data, err := r.Fetch(ctx, url)
	if err != nil {
		return "", "", err
	}
	return r.Store(data, name)
}

// Prune removes stored attachments older than maxAge and returns how many
// were deleted. Files without a timestamp prefix are kept.
func (r *Resolver) Prune(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(r.Dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !utils.IsOlderThan(e.Name(), maxAge) {
			continue
		}
		if err := os.Remove(filepath.Join(r.Dir, e.Name())); err != nil {
			slog.Warn("Failed to prune attachment", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (r *Resolver) readLocal(ref string) ([]byte, error) {
	path := ref
	if !filepath.IsAbs(path) && r.Dir != "" && !strings.HasPrefix(filepath.Clean(path), filepath.Clean(r.Dir)) {
		path = filepath.Join(r.Dir, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("attachment not found: %w", err)
	}
	if err := r.checkSize(info.Size()); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (r *Resolver) checkSize(n int64) error {
	if r.MaxBytes > 0 && n > r.MaxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, n, r.MaxBytes)
	}
	return nil
}

// sniffImage returns the MIME type of an image the providers can take.
func sniffImage(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	switch format {
	case "jpeg", "png", "gif", "webp":
		return "image/" + format, nil
	default:
		return "", fmt.Errorf("%w: format %s", ErrNotImage, format)
	}
}
