// Package thumbnail turns a session's artwork reference into a small decoded
// image, keeping the most recent one in memory.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"

	"github.com/boxes-ltd/imaging"
	"golang.org/x/sync/singleflight"

	"mediasessiond/internal/session"
)

const (
	// DefaultHeight matches the 90x90 artwork box of the flyout.
	DefaultHeight = 90
	// DefaultMaxBytes bounds how much encoded artwork is read into memory.
	DefaultMaxBytes int64 = 8 << 20
)

var (
	ErrTooLarge = errors.New("thumbnail: artwork exceeds size limit")
	ErrEmpty    = errors.New("thumbnail: artwork stream is empty")
)

type Options struct {
	Height   int
	MaxBytes int64
	Logger   *slog.Logger
}

// Resolver decodes artwork at display height and caches the last result under
// the track's title and artist. Only one entry is kept: the flyout shows one
// track at a time.
type Resolver struct {
	height   int
	maxBytes int64
	logger   *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	key     string
	img     image.Image
	encoded []byte

	// decodes counts successful decodes, for tests.
	decodes int
}

func New(opts Options) *Resolver {
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		height:   opts.Height,
		maxBytes: opts.MaxBytes,
		logger:   opts.Logger,
	}
}

// Resolve returns the artwork of meta scaled to the configured height, or nil
// when there is none or it cannot be read or decoded.
func (r *Resolver) Resolve(ctx context.Context, meta session.MetadataSnapshot) image.Image {
	if meta.Thumbnail == nil {
		return nil
	}
	key := meta.CacheKey()
	if img, ok := r.cached(key); ok {
		return img
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		// Another caller may have filled the entry while we waited to lead.
		if img, ok := r.cached(key); ok {
			return img, nil
		}
		img, err := r.load(ctx, meta.Thumbnail)
		if err != nil {
			return nil, err
		}
		r.store(key, img)
		return img, nil
	})
	if err != nil {
		r.logger.Debug("thumbnail unavailable", "key", key, "art_url", meta.ArtURL, "error", err)
		return nil
	}
	return v.(image.Image)
}

// Encode returns the resolved artwork as PNG. The encoding is cached with the
// image it came from.
func (r *Resolver) Encode(ctx context.Context, meta session.MetadataSnapshot) ([]byte, bool) {
	img := r.Resolve(ctx, meta)
	if img == nil {
		return nil, false
	}
	key := meta.CacheKey()

	r.mu.Lock()
	if r.key == key && r.encoded != nil {
		out := r.encoded
		r.mu.Unlock()
		return out, true
	}
	r.mu.Unlock()

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		r.logger.Debug("thumbnail encode failed", "key", key, "error", err)
		return nil, false
	}

	r.mu.Lock()
	if r.key == key {
		r.encoded = buf.Bytes()
	}
	r.mu.Unlock()
	return buf.Bytes(), true
}

// Reset drops the cached entry.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.key, r.img, r.encoded = "", nil, nil
}

func (r *Resolver) cached(key string) (image.Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.img != nil && r.key == key {
		return r.img, true
	}
	return nil, false
}

func (r *Resolver) store(key string, img image.Image) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.key, r.img, r.encoded = key, img, nil
	r.decodes++
}

func (r *Resolver) load(ctx context.Context, ref session.ThumbnailRef) (image.Image, error) {
	rc, err := ref.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open artwork: %w", err)
	}
	defer rc.Close()

	data, err := readBounded(rc, r.maxBytes)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode artwork: %w", err)
	}
	if img.Bounds().Dy() != r.height {
		img = imaging.Resize(img, 0, r.height, imaging.Lanczos)
	}
	return img, nil
}

// readBounded reads all of rd, failing with ErrTooLarge past limit bytes.
func readBounded(rd io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(rd, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read artwork: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}
