// Package downloader fetches pages and images of one site under that site's
// request-rate and in-flight limits.
package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/brogergvhs/noveld/internal/site"
)

const defaultMaxBody = 32 << 20

// NetworkError is a failed request: either a transport failure (Err) or a
// non-success HTTP status (Status).
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Status)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitedError is an HTTP 429. RetryAfter is zero when the server sent
// no usable Retry-After header.
// RetryAfterRaw keeps the header as sent, including values that do not parse.
type RateLimitedError struct {
	URL           string
	RetryAfter    time.Duration
	RetryAfterRaw string
}

func (e *RateLimitedError) Error() string {
	switch {
	case e.RetryAfter > 0:
		return fmt.Sprintf("GET %s: rate limited, retry after %s", e.URL, e.RetryAfter)
	case e.RetryAfterRaw != "":
		return fmt.Sprintf("GET %s: rate limited, Retry-After %q", e.URL, e.RetryAfterRaw)
	}
	return fmt.Sprintf("GET %s: rate limited", e.URL)
}

var ErrNotImage = errors.New("response is not an image")

type Options struct {
	Client *http.Client
	// Base resolves relative links, normally the book page URL.
	Base         string
	MaxBodyBytes int64
	Logger       *zap.SugaredLogger
}

// Downloader is safe for concurrent use.
type Downloader struct {
	client   *http.Client
	base     *url.URL
	referer  string
	limiter  *rate.Limiter
	inflight *semaphore.Weighted
	maxBody  int64
	jitter   [2]time.Duration
	log      *zap.SugaredLogger

	requests atomic.Int64
	bytes    atomic.Int64
}

func New(s *site.Site, opts Options) (*Downloader, error) {
	base := opts.Base
	if base == "" {
		base = s.Origin() + "/"
	}
	u, err := url.Parse(base)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("downloader base %q is not an absolute URL", base)
	}

	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	d := &Downloader{
		client:  client,
		base:    u,
		referer: s.RefererURL(),
		limiter: rate.NewLimiter(rate.Inf, 0),
		maxBody: maxBody,
		log:     log.With("site", s.Name),
	}

	if rl := s.RateLimit; rl != nil {
		every := rl.Window() / time.Duration(rl.Num)
		if every <= 0 {
			every = time.Millisecond
		}
		// burst 1 keeps any window at Num requests; a burst of Num would let
		// up to twice that through right after a quiet period
		d.limiter = rate.NewLimiter(rate.Every(every), 1)
	}
	if s.ConcurrencyLimit > 0 {
		d.inflight = semaphore.NewWeighted(int64(s.ConcurrencyLimit))
	}

	lo, hi := s.JitterRange()
	d.jitter = [2]time.Duration{lo, hi}

	return d, nil
}

// Resolve makes ref absolute against the downloader base.
func (d *Downloader) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty URL")
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("bad URL %q: %w", ref, err)
	}
	return d.base.ResolveReference(u).String(), nil
}

func (d *Downloader) FetchDocument(ctx context.Context, rawURL string) (*goquery.Document, error) {
	body, final, _, err := d.get(ctx, rawURL, "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8", "")
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", final, err)
	}
	doc.Url = final

	return doc, nil
}

// FetchChapter fetches a chapter page. It differs from FetchDocument only in
// sending the site referer.
func (d *Downloader) FetchChapter(ctx context.Context, rawURL string) (*goquery.Document, error) {
	body, final, _, err := d.get(ctx, rawURL, "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8", d.referer)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", final, err)
	}
	doc.Url = final

	return doc, nil
}

type Image struct {
	Data        []byte
	Ext         string
	ContentType string
}

func (d *Downloader) FetchImage(ctx context.Context, rawURL string) (*Image, error) {
	body, final, header, err := d.get(ctx, rawURL, "image/avif,image/webp,image/apng,image/*,*/*;q=0.8", d.referer)
	if err != nil {
		return nil, err
	}

	ct := header.Get("Content-Type")
	mt := ""
	if ct != "" {
		mt, _, _ = mime.ParseMediaType(ct)
		if !strings.HasPrefix(mt, "image/") {
			return nil, &NetworkError{URL: final.String(), Status: http.StatusOK, Err: fmt.Errorf("%w: %s", ErrNotImage, ct)}
		}
	}
	if len(body) == 0 {
		return nil, &NetworkError{URL: final.String(), Status: http.StatusOK, Err: errors.New("empty image")}
	}

	return &Image{Data: body, Ext: imageExt(mt, final.Path), ContentType: mt}, nil
}

// Pause sleeps a random duration within the site's jitter range.
func (d *Downloader) Pause(ctx context.Context) error {
	lo, hi := d.jitter[0], d.jitter[1]
	wait := lo
	if hi > lo {
		wait += rand.N(hi - lo)
	}
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the request count and decoded body bytes so far.
func (d *Downloader) Stats() (requests, received int64) {
	return d.requests.Load(), d.bytes.Load()
}

func (d *Downloader) get(ctx context.Context, rawURL, accept, referer string) ([]byte, *url.URL, http.Header, error) {
	target, err := d.Resolve(rawURL)
	if err != nil {
		return nil, nil, nil, &NetworkError{URL: rawURL, Err: err}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, nil, nil, err
	}
	if d.inflight != nil {
		if err := d.inflight.Acquire(ctx, 1); err != nil {
			return nil, nil, nil, err
		}
		defer d.inflight.Release(1)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, nil, &NetworkError{URL: target, Err: err}
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	d.requests.Add(1)
	d.log.Debugf("GET %s", target)

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, nil, ctx.Err()
		}
		return nil, nil, nil, &NetworkError{URL: target, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
		return nil, nil, nil, &RateLimitedError{URL: target, RetryAfter: retryAfter(raw, time.Now()), RetryAfterRaw: raw}
	default:
		return nil, nil, nil, &NetworkError{URL: target, Status: resp.StatusCode}
	}

	var last int64
	body, err := readBody(resp, d.maxBody, func(done int64) {
		d.bytes.Add(done - last)
		last = done
	})
	if err != nil {
		return nil, nil, nil, &NetworkError{URL: target, Status: resp.StatusCode, Err: err}
	}

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	return body, final, resp.Header, nil
}

// retryAfter reads delay-seconds or an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now).Round(time.Second)
	}
	return 0
}

var imageExts = map[string]string{
	"image/jpeg":    "jpg",
	"image/jpg":     "jpg",
	"image/png":     "png",
	"image/gif":     "gif",
	"image/webp":    "webp",
	"image/avif":    "avif",
	"image/bmp":     "bmp",
	"image/svg+xml": "svg",
}

func imageExt(mediaType, urlPath string) string {
	if ext, ok := imageExts[mediaType]; ok {
		return ext
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(urlPath), "."))
	switch ext {
	case "jpeg":
		return "jpg"
	case "jpg", "png", "gif", "webp", "avif", "bmp", "svg":
		return ext
	}
	return "jpg"
}
