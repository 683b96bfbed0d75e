package downloader

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"go.uber.org/zap"

	"github.com/brogergvhs/noveld/internal/site"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

type ClientOptions struct {
	Timeout   time.Duration
	UserAgent string
	Auth      site.Auth
	// Origin receives the Auth cookies, e.g. https://example.com.
	Origin     string
	Cloudflare bool
	Transport  http.RoundTripper
	Logger     *zap.SugaredLogger
}

// NewClient builds the HTTP client one site's downloads go through.
func NewClient(opts ClientOptions) (*http.Client, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	if len(opts.Auth.Cookies) > 0 {
		u, err := url.Parse(opts.Origin)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("cookie origin %q is not an absolute URL", opts.Origin)
		}
		jar.SetCookies(u, cookieList(opts.Auth.Cookies))
	}

	base := opts.Transport
	if base == nil {
		base = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxConnsPerHost:     100,
			MaxIdleConnsPerHost: 100,
			ForceAttemptHTTP2:   true,
		}
	}
	if opts.Cloudflare {
		base = cloudflarebp.AddCloudFlareByPass(base)
	}

	client := &http.Client{
		Timeout: opts.Timeout,
		Transport: roundTripper{
			base:  base,
			ua:    PickUserAgent(opts.UserAgent),
			token: opts.Auth.Token,
			log:   log,
		},
		Jar: jar,
	}

	log.Debugf("HTTP client initialized (timeout=%s, cloudflare=%t, cookies=%d, token=%t)",
		opts.Timeout, opts.Cloudflare, len(opts.Auth.Cookies), opts.Auth.Token != "")

	return client, nil
}

type roundTripper struct {
	base  http.RoundTripper
	ua    string
	token string
	log   *zap.SugaredLogger
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())

	if rt.ua != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", rt.ua)
	}
	if rt.token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+rt.token)
	}

	rt.log.Debugf("HTTP %s %s", req.Method, req.URL.String())

	return rt.base.RoundTrip(req)
}

// cookieList returns the cookies sorted by name so requests are stable.
func cookieList(m map[string]string) []*http.Cookie {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]*http.Cookie, 0, len(m))
	for _, k := range names {
		out = append(out, &http.Cookie{Name: k, Value: m[k], Path: "/"})
	}
	return out
}

func PickUserAgent(override string) string {
	if override != "" {
		return override
	}
	return defaultUserAgent
}
