// Package fetch performs metadata probes and byte-range reads against
// remote targets.
//
// All state lives in the shared HTTP client; individual fetches are
// independent request/response cycles, so concurrent reads at any
// offsets are safe. Transient failures are retried with backoff,
// definite failures (404, unexpected statuses) surface immediately.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/higlass/simple-httpfs/internal/logging"
	"github.com/higlass/simple-httpfs/internal/metrics"
	"github.com/higlass/simple-httpfs/pkg/fserr"
	"github.com/higlass/simple-httpfs/pkg/resolver"
	"github.com/higlass/simple-httpfs/pkg/retry"
)

// Attributes describe a remote resource as established by a metadata
// probe.
type Attributes struct {
	Size        int64
	ContentType string
	Validated   time.Time
}

// ResultKind tags how the server answered a range request.
type ResultKind int

const (
	// Partial means the server honored the Range header; Data holds
	// exactly the served range.
	Partial ResultKind = iota

	// Full means the server ignored the Range header and sent the
	// whole resource; Data holds the entire body and the caller
	// slices the window it asked for.
	Full
)

// RangeResult is the outcome of a successful range fetch. Not-found
// and failure outcomes are reported as fserr errors instead.
type RangeResult struct {
	Kind      ResultKind
	Data      []byte
	Status    int
	TotalSize int64 // total resource size when reported, else -1
}

// Window returns the bytes for the requested [offset, offset+length)
// window. For a Partial result the data already starts at offset; for
// a Full result the window is sliced out of the complete body. The
// excess of a full-body fetch is discarded, not cached.
func (r *RangeResult) Window(offset, length int64) []byte {
	switch r.Kind {
	case Full:
		if offset >= int64(len(r.Data)) {
			return nil
		}
		end := offset + length
		if end > int64(len(r.Data)) {
			end = int64(len(r.Data))
		}
		return r.Data[offset:end]
	default:
		if int64(len(r.Data)) > length {
			return r.Data[:length]
		}
		return r.Data
	}
}

// Config holds fetcher configuration.
type Config struct {
	Timeout   time.Duration
	Retry     retry.Config
	UserAgent string
}

// Client fetches over HTTP(S). Safe for concurrent use; connections
// are pooled in the underlying transport.
type Client struct {
	httpClient  *http.Client
	retryConfig retry.Config
	userAgent   string
}

// New creates a new fetch client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.Retry,
		userAgent:   cfg.UserAgent,
	}
}

// Probe establishes existence, size and content type of the target
// without fetching its content. HEAD is tried first (redirects are
// followed); servers that reject HEAD or omit Content-Length fall
// back to a one-byte range request.
func (c *Client) Probe(ctx context.Context, target resolver.Target) (Attributes, error) {
	start := time.Now()
	attrs, err := retry.DoWithResult(ctx, c.retryConfig, func() (Attributes, error) {
		return c.probeOnce(ctx, target)
	})
	metrics.RecordProbe(probeOutcome(err), time.Since(start))
	return attrs, err
}

func probeOutcome(err error) string {
	switch {
	case err == nil:
		return "valid"
	case fserr.Is(err, fserr.NotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (c *Client) probeOnce(ctx context.Context, target resolver.Target) (Attributes, error) {
	url := target.URL()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return Attributes{}, fserr.New(fserr.NotFound, url, err)
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Attributes{}, fserr.New(fserr.Network, url, err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if resp.ContentLength >= 0 {
			return Attributes{
				Size:        resp.ContentLength,
				ContentType: resp.Header.Get("Content-Type"),
				Validated:   time.Now(),
			}, nil
		}
		// No usable length on HEAD; ask for one byte instead.
		return c.rangeProbe(ctx, target)
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return c.rangeProbe(ctx, target)
	default:
		return Attributes{}, fserr.FromStatus(resp.StatusCode, url)
	}
}

// rangeProbe establishes attributes via a bytes=0-0 GET, reading the
// total size out of Content-Range.
func (c *Client) rangeProbe(ctx context.Context, target resolver.Target) (Attributes, error) {
	url := target.URL()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Attributes{}, fserr.New(fserr.NotFound, url, err)
	}
	c.applyHeaders(req)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Attributes{}, fserr.New(fserr.Network, url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total, ok := parseTotalSize(resp.Header.Get("Content-Range"))
		if !ok {
			return Attributes{}, fserr.Newf(fserr.Protocol, url, "unparseable Content-Range %q", resp.Header.Get("Content-Range"))
		}
		io.Copy(io.Discard, resp.Body)
		return Attributes{
			Size:        total,
			ContentType: resp.Header.Get("Content-Type"),
			Validated:   time.Now(),
		}, nil
	case http.StatusOK:
		// Server ignored the range. The declared length is all we
		// need; the body is abandoned rather than downloaded.
		if resp.ContentLength < 0 {
			return Attributes{}, fserr.Newf(fserr.Protocol, url, "no content length on probe")
		}
		return Attributes{
			Size:        resp.ContentLength,
			ContentType: resp.Header.Get("Content-Type"),
			Validated:   time.Now(),
		}, nil
	default:
		return Attributes{}, fserr.FromStatus(resp.StatusCode, url)
	}
}

// FetchRange issues a GET for [offset, offset+length). The result is
// Partial when the server honored the range and Full when it sent the
// whole body; fewer bytes than requested signals end-of-resource.
func (c *Client) FetchRange(ctx context.Context, target resolver.Target, offset, length int64) (*RangeResult, error) {
	start := time.Now()
	result, err := retry.DoWithResult(ctx, c.retryConfig, func() (*RangeResult, error) {
		return c.fetchOnce(ctx, target, offset, length)
	})

	var served int64
	if result != nil {
		served = int64(len(result.Data))
	}
	metrics.RecordRangeRead(served, time.Since(start), err == nil)
	return result, err
}

func (c *Client) fetchOnce(ctx context.Context, target resolver.Target, offset, length int64) (*RangeResult, error) {
	url := target.URL()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fserr.New(fserr.NotFound, url, err)
	}
	c.applyHeaders(req)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fserr.New(fserr.Network, url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		contentRange := resp.Header.Get("Content-Range")
		// A 206 may legally serve a different range than requested;
		// serving it as if it started at offset would corrupt reads.
		start, ok := parseRangeStart(contentRange)
		if !ok || start != offset {
			return nil, fserr.Newf(fserr.Protocol, url, "requested offset %d but got Content-Range %q", offset, contentRange)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fserr.New(fserr.Network, url, err)
		}
		total := int64(-1)
		if t, ok := parseTotalSize(contentRange); ok {
			total = t
		}
		return &RangeResult{Kind: Partial, Data: data, Status: resp.StatusCode, TotalSize: total}, nil

	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fserr.New(fserr.Network, url, err)
		}
		logging.Debug("server ignored range request, fetched full body",
			zap.String("url", url),
			zap.Int("bytes", len(data)))
		metrics.RecordFullBodyFallback()
		return &RangeResult{Kind: Full, Data: data, Status: resp.StatusCode, TotalSize: int64(len(data))}, nil

	case http.StatusRequestedRangeNotSatisfiable:
		// Reading at or past end-of-resource: zero bytes, not an
		// error.
		total := int64(-1)
		if t, ok := parseTotalSize(resp.Header.Get("Content-Range")); ok {
			total = t
		}
		return &RangeResult{Kind: Partial, Status: resp.StatusCode, TotalSize: total}, nil

	default:
		return nil, fserr.FromStatus(resp.StatusCode, url)
	}
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// parseRangeStart extracts the first byte position from a Content-Range
// header of the form "bytes 4-7/16".
func parseRangeStart(contentRange string) (int64, bool) {
	rest, ok := strings.CutPrefix(contentRange, "bytes ")
	if !ok {
		return 0, false
	}
	rangePart, _, ok := strings.Cut(rest, "/")
	if !ok || rangePart == "*" {
		return 0, false
	}
	startPart, _, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, false
	}
	start, err := strconv.ParseInt(startPart, 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}
	return start, true
}

// parseTotalSize extracts the total from a Content-Range header of the
// form "bytes 0-0/1234" or "bytes */1234".
func parseTotalSize(contentRange string) (int64, bool) {
	rest, ok := strings.CutPrefix(contentRange, "bytes ")
	if !ok {
		return 0, false
	}
	_, totalPart, ok := strings.Cut(rest, "/")
	if !ok || totalPart == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(totalPart, 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}
