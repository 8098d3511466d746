package network

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aoyama86/segpull/pkg/errors"
	"github.com/aoyama86/segpull/pkg/types"
)

// Prober discovers a source's size, range support and validators before a
// download is planned. The same probe doubles as the mirror health check.
type Prober struct {
	pool      *ClientPool
	userAgent string
	timeout   time.Duration
}

// NewProber creates a prober using clients from the pool.
func NewProber(pool *ClientPool, userAgent string, timeout time.Duration) *Prober {
	return &Prober{pool: pool, userAgent: userAgent, timeout: timeout}
}

// ValidateURL rejects URLs the engine cannot download from.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.WrapURL(err, errors.CodeInvalidURL, "failed to parse URL", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.WrapURL(errors.ErrInvalidURL, errors.CodeInvalidURL,
			fmt.Sprintf("unsupported URL scheme %q", u.Scheme), rawURL)
	}
	if u.Host == "" {
		return errors.WrapURL(errors.ErrInvalidURL, errors.CodeInvalidURL, "URL has no host", rawURL)
	}
	return nil
}

// Probe issues a HEAD request against the URL and falls back to a one-byte
// ranged GET for servers that reject HEAD. The returned FileInfo drives
// segment planning: SupportsRanges false forces a single-segment download.
func (p *Prober) Probe(ctx context.Context, rawURL string, headers map[string]string) (*types.FileInfo, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	info, err := p.probeHead(ctx, rawURL, headers)
	if err == nil {
		return info, nil
	}
	return p.probeRangedGet(ctx, rawURL, headers)
}

func (p *Prober) probeHead(ctx context.Context, rawURL string, headers map[string]string) (*types.FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, errors.WrapURL(err, errors.CodeInvalidURL, "failed to build probe request", rawURL)
	}
	p.applyHeaders(req, headers)

	resp, err := p.pool.ClientFor(rawURL).Do(req)
	if err != nil {
		return nil, errors.WrapURL(err, errors.CodeNetworkError, "probe request failed", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.FromHTTPStatus(resp.StatusCode, rawURL)
	}

	info := &types.FileInfo{
		URL:            rawURL,
		Size:           resp.ContentLength,
		SupportsRanges: strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes"),
		ETag:           resp.Header.Get("ETag"),
		ContentType:    resp.Header.Get("Content-Type"),
	}
	if info.Size < 0 {
		info.Size = 0
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info, nil
}

// probeRangedGet requests the first byte. A 206 response proves range
// support and its Content-Range header carries the total size.
func (p *Prober) probeRangedGet(ctx context.Context, rawURL string, headers map[string]string) (*types.FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.WrapURL(err, errors.CodeInvalidURL, "failed to build probe request", rawURL)
	}
	p.applyHeaders(req, headers)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := p.pool.ClientFor(rawURL).Do(req)
	if err != nil {
		return nil, errors.WrapURL(err, errors.CodeNetworkError, "probe request failed", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, errors.FromHTTPStatus(resp.StatusCode, rawURL)
	}

	info := &types.FileInfo{
		URL:         rawURL,
		ETag:        resp.Header.Get("ETag"),
		ContentType: resp.Header.Get("Content-Type"),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}

	if resp.StatusCode == http.StatusPartialContent {
		info.SupportsRanges = true
		info.Size = parseContentRangeTotal(resp.Header.Get("Content-Range"))
	} else if resp.ContentLength > 0 {
		info.Size = resp.ContentLength
	}
	return info, nil
}

func (p *Prober) applyHeaders(req *http.Request, headers map[string]string) {
	req.Header.Set("User-Agent", p.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

// parseContentRangeTotal extracts the total size from a header shaped like
// "bytes 0-0/12345". Returns 0 for the unknown-size form "bytes 0-0/*".
func parseContentRangeTotal(value string) int64 {
	idx := strings.LastIndex(value, "/")
	if idx < 0 {
		return 0
	}
	total, err := strconv.ParseInt(value[idx+1:], 10, 64)
	if err != nil || total < 0 {
		return 0
	}
	return total
}
