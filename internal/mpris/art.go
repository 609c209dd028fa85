package mpris

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"mediasessiond/internal/session"
)

const (
	DefaultHTTPTimeout = 3 * time.Second
	DefaultHTTPRetries = 2
)

var errUnsupportedArtURL = errors.New("mpris: unsupported artwork url")

// artFetcher opens mpris:artUrl locators.
type artFetcher struct {
	client *retryablehttp.Client
}

func newArtFetcher(timeout time.Duration, retries int, logger *slog.Logger) *artFetcher {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	if retries < 0 {
		retries = DefaultHTTPRetries
	}
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = logger
	return &artFetcher{client: client}
}

// artRef is a session.ThumbnailRef for one artwork locator.
type artRef struct {
	url     string
	fetcher *artFetcher
}

func (a artRef) Open(ctx context.Context) (io.ReadCloser, error) {
	return a.fetcher.open(ctx, a.url)
}

// ref returns nil when the player advertises no artwork.
func (f *artFetcher) ref(artURL string) session.ThumbnailRef {
	if artURL == "" {
		return nil
	}
	return artRef{url: artURL, fetcher: f}
}

func (f *artFetcher) open(ctx context.Context, raw string) (io.ReadCloser, error) {
	if strings.HasPrefix(raw, "data:") {
		data, err := decodeDataURI(raw)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse artwork url: %w", err)
	}
	switch u.Scheme {
	case "file":
		return os.Open(u.Path)
	case "http", "https":
		return f.get(ctx, u.String())
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedArtURL, u.Scheme)
	}
}

func (f *artFetcher) get(ctx context.Context, target string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artwork: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch artwork: unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}

// decodeDataURI handles data:[<mediatype>][;base64],<data>.
func decodeDataURI(raw string) ([]byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("%w: malformed data uri", errUnsupportedArtURL)
	}
	if strings.HasSuffix(header, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("decode data uri: %w", err)
		}
		return data, nil
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data uri: %w", err)
	}
	return []byte(s), nil
}
