// Package filecache implements the on-disk LRU cache of downloaded datasets.
// Entries are keyed by SHA-256 of the URL plus the URL's file suffix, written
// through temp files and published with an atomic rename, so concurrent
// workers sharing one directory never observe partial downloads.
package filecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/observability"
)

// ErrTooLarge is returned when a download exceeds the per-file size cap.
var ErrTooLarge = errors.New("file exceeds size limit")

var errRedirectDenied = errors.New("redirect denied")

const tempPrefix = ".download_"

// Cache is a size-bounded directory of downloaded dataset files. Access time
// is tracked through mtime (bumped on every hit) because atime is unreliable
// on noatime mounts.
type Cache struct {
	dir          string
	maxFileBytes int64
	totalCap     int64

	// Download retry tuning; transient network failures only.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxElapsed      time.Duration

	// CheckRedirect vets every redirect target before the client follows
	// it. Nil allows all redirects. Set before the first Download.
	CheckRedirect func(ctx context.Context, rawURL string) error

	client *http.Client
}

// New creates the cache directory if needed and returns a Cache.
func New(dir string, maxFileBytes, totalCap int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=filecache.New: %w", err)
	}
	c := &Cache{
		dir:                  dir,
		maxFileBytes:         maxFileBytes,
		totalCap:             totalCap,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		RetryMaxElapsed:      30 * time.Second,
	}
	c.client = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			if c.CheckRedirect != nil {
				if err := c.CheckRedirect(req.Context(), req.URL.String()); err != nil {
					return fmt.Errorf("%w: %v", errRedirectDenied, err)
				}
			}
			return nil
		},
	}
	return c, nil
}

// Suffix extracts a safe file suffix (including the dot) from rawURL.
// Unusable suffixes collapse to the empty string.
func Suffix(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// MaxFileBytes reports the per-file size cap.
func (c *Cache) MaxFileBytes() int64 {
	return c.maxFileBytes
}

// Path returns the on-disk location a URL maps to, whether or not it exists.
func (c *Cache) Path(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+Suffix(rawURL))
}

// Get returns the cached path for rawURL when present, touching its access
// time so eviction sees it as fresh.
func (c *Cache) Get(rawURL string) (string, bool) {
	p := c.Path(rawURL)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", false
	}
	now := time.Now()
	_ = os.Chtimes(p, now, now)
	return p, true
}

// Download returns the cached path for rawURL, fetching it first when absent.
// Transient network errors are retried with exponential backoff; writes past
// the per-file cap abort with ErrTooLarge. Publication is an atomic rename,
// last writer wins. A successful download triggers eviction.
func (c *Cache) Download(ctx context.Context, rawURL string) (string, error) {
	if p, ok := c.Get(rawURL); ok {
		return p, nil
	}

	final := c.Path(rawURL)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.RetryInitialInterval
	bo.MaxInterval = c.RetryMaxInterval
	bo.MaxElapsedTime = c.RetryMaxElapsed
	op := func() error { return c.fetchOnce(ctx, rawURL, final) }
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return "", fmt.Errorf("op=filecache.Download url=%s: %w", rawURL, err)
	}

	if n, err := c.evict(); err != nil {
		slog.Warn("file cache eviction failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Debug("file cache evicted entries", slog.Int("count", n))
	}
	return final, nil
}

func (c *Cache) fetchOnce(ctx context.Context, rawURL, final string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, errRedirectDenied) {
			return backoff.Permanent(err)
		}
		// transport failures are the retryable class
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("server status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("fetch failed with status %d", resp.StatusCode))
	}
	if resp.ContentLength > 0 && resp.ContentLength > c.maxFileBytes {
		return backoff.Permanent(fmt.Errorf("%w: content-length %d > %d", ErrTooLarge, resp.ContentLength, c.maxFileBytes))
	}

	tmp, err := os.CreateTemp(c.dir, tempPrefix+"*"+filepath.Ext(final))
	if err != nil {
		return backoff.Permanent(err)
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, io.LimitReader(resp.Body, c.maxFileBytes+1))
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		if err == nil {
			err = closeErr
		}
		return err
	}
	if written > c.maxFileBytes {
		_ = os.Remove(tmpName)
		return backoff.Permanent(fmt.Errorf("%w: exceeded %d bytes", ErrTooLarge, c.maxFileBytes))
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return backoff.Permanent(err)
	}
	return nil
}

// evict removes oldest-accessed entries until total bytes fit under the cap.
func (c *Cache) evict() (int, error) {
	entries, total, err := c.scan()
	if err != nil {
		return 0, err
	}
	observability.FileCacheBytes.Set(float64(total))
	if total <= c.totalCap {
		return 0, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime.Before(entries[j].mtime) })
	removed := 0
	for _, e := range entries {
		if total <= c.totalCap {
			break
		}
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			continue
		}
		total -= e.size
		removed++
		observability.FileCacheEvictionsTotal.Inc()
	}
	observability.FileCacheBytes.Set(float64(total))
	return removed, nil
}

type entry struct {
	path  string
	size  int64
	mtime time.Time
}

func (c *Cache) scan() ([]entry, int64, error) {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("op=filecache.scan: %w", err)
	}
	var entries []entry
	var total int64
	for _, de := range dirents {
		if de.IsDir() || strings.HasPrefix(de.Name(), tempPrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entry{path: filepath.Join(c.dir, de.Name()), size: info.Size(), mtime: info.ModTime()})
		total += info.Size()
	}
	return entries, total, nil
}

// TotalBytes reports the current size of all published entries.
func (c *Cache) TotalBytes() int64 {
	_, total, _ := c.scan()
	return total
}

// CleanupTemp deletes stale temp files older than maxAge and returns how many
// were removed. Fresh temps belong to in-flight downloads and are kept.
func (c *Cache) CleanupTemp(maxAge time.Duration) int {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, de := range dirents {
		if de.IsDir() || !strings.HasPrefix(de.Name(), tempPrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(c.dir, de.Name())) == nil {
				removed++
			}
		}
	}
	return removed
}

// RunMaintenance periodically prunes stale temp files until ctx is done.
func (c *Cache) RunMaintenance(ctx context.Context, interval, tempMaxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.CleanupTemp(tempMaxAge); n > 0 {
				slog.Info("removed stale download temps", slog.Int("count", n))
			}
		}
	}
}
