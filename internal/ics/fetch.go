package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	appLog "dashcal/internal/log"
)

const defaultFetchTimeout = 15 * time.Second

// ErrEmptyURL is returned when a source has no URL configured.
var ErrEmptyURL = errors.New("source URL is empty")

// TextFetcher retrieves the raw text behind a feed URL.
type TextFetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// cacheEntry holds HTTP validators and the last body for a single ICS URL.
type cacheEntry struct {
	ETag         string
	LastModified string
	Body         string
	UpdatedAt    time.Time
}

// Fetcher fetches ICS feeds over HTTP. It remembers ETag / Last-Modified per
// URL and reuses the previous body when the server answers 304. Any other
// non-2xx status is an error; there is no fallback to stale data here.
type Fetcher struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewFetcher creates a Fetcher whose requests time out after timeout
// (15s when zero).
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		cache: make(map[string]cacheEntry),
	}
}

// FetchText implements TextFetcher.
func (f *Fetcher) FetchText(ctx context.Context, url string) (string, error) {
	if url == "" {
		return "", ErrEmptyURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", redactURL(url), err)
	}
	req.Header.Set("User-Agent", "dashcal/1.0")
	req.Header.Set("Accept", "text/calendar")

	f.mu.Lock()
	meta, cached := f.cache[url]
	f.mu.Unlock()

	// Conditional headers from the previous response.
	if cached {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "url", redactURL(url))

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", redactURL(url), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if !cached {
			return "", fmt.Errorf("fetch %s: 304 Not Modified but no cached body available", redactURL(url))
		}
		appLog.Debug("ics fetch not modified; using cache", "url", redactURL(url))
		return meta.Body, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return "", fmt.Errorf("read %s: %w", redactURL(url), readErr)
		}

		etag := resp.Header.Get("ETag")
		lastModified := resp.Header.Get("Last-Modified")
		f.mu.Lock()
		if etag != "" || lastModified != "" {
			f.cache[url] = cacheEntry{
				ETag:         etag,
				LastModified: lastModified,
				Body:         string(body),
				UpdatedAt:    time.Now().UTC(),
			}
		} else {
			delete(f.cache, url)
		}
		f.mu.Unlock()

		appLog.Debug("ics fetch success", "url", redactURL(url), "status", resp.StatusCode, "bytes", len(body))
		return string(body), nil

	default:
		return "", fmt.Errorf("fetch %s: unexpected status %s", redactURL(url), resp.Status)
	}
}

// redactURL hides sensitive parts of an ICS URL for logging purposes.
func redactURL(u string) string {
	// Private calendar links usually carry a secret in the path or query.
	// Example:
	//   https://example.com/path/to/private.ics?token=abcd
	// -> https://example.com/...(redacted)
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	// Find next slash after host.
	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}

	return u[:j] + redactedSuffix
}
