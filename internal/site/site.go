// Package site holds the declarative description of one source website: where
// it lives, how hard it may be hit, and the extraction rules for its book,
// volume, chapter and content pages.
package site

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/brogergvhs/noveld/internal/extract"
	"github.com/brogergvhs/noveld/internal/util"
)

const (
	DefaultTitlePattern     = `^{title}(\s*[（(]\d+/\d+[)）])?$`
	DefaultCoverPlaceholder = "nocover"

	defaultJitterMin = 500 * time.Millisecond
	defaultJitterMax = 1500 * time.Millisecond
)

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

type Mode int

const (
	// ModeTree crawls book pages that enumerate every chapter.
	ModeTree Mode = iota
	// ModeSequential follows next links from the first chapter.
	ModeSequential
)

func (m Mode) String() string {
	if m == ModeSequential {
		return "sequential"
	}
	return "tree"
}

// RateLimit allows Num requests per Secs-second window.
type RateLimit struct {
	Num  int `yaml:"num"`
	Secs int `yaml:"secs"`
}

func (r RateLimit) Window() time.Duration {
	return time.Duration(r.Secs) * time.Second
}

// Jitter is the random pause range between sequential page fetches.
type Jitter struct {
	Min util.Duration `yaml:"min"`
	Max util.Duration `yaml:"max"`
}

type Site struct {
	Name             string     `yaml:"name"`
	BaseURL          string     `yaml:"base_url"`
	Lang             string     `yaml:"lang"`
	Host             string     `yaml:"host,omitempty"`
	RateLimit        *RateLimit `yaml:"rate_limit,omitempty"`
	ConcurrencyLimit int        `yaml:"concurrency_limit,omitempty"`
	Cloudflare       bool       `yaml:"cloudflare,omitempty"`
	Jitter           Jitter     `yaml:"jitter,omitempty"`
	CoverPlaceholder string     `yaml:"cover_placeholder,omitempty"`
	Book             BookRules  `yaml:"book"`
}

type BookRules struct {
	This        *extract.Selector `yaml:"this"`
	Title       *extract.Rule     `yaml:"title"`
	Author      *extract.Rule     `yaml:"author"`
	Illustrator *extract.Rule     `yaml:"illustrator,omitempty"`
	Tags        *extract.Rule     `yaml:"tags,omitempty"`
	Summary     *extract.Rule     `yaml:"summary,omitempty"`
	CoverURL    *extract.Rule     `yaml:"cover_url,omitempty"`
	Volumes     *VolumeRules      `yaml:"volumes,omitempty"`
	Chapters    *ChapterRules     `yaml:"chapters,omitempty"`
}

type VolumeRules struct {
	This     *extract.Selector `yaml:"this"`
	Title    *extract.Rule     `yaml:"title"`
	CoverURL *extract.Rule     `yaml:"cover_url,omitempty"`
	Chapters ChapterRules      `yaml:"chapters"`
}

type ChapterRules struct {
	This       *extract.Selector `yaml:"this"`
	Title      *extract.Rule     `yaml:"title"`
	ContentURL *extract.Rule     `yaml:"content_url"`
	Content    ContentRules      `yaml:"content"`
}

// ContentRules describe a chapter page. NextURL switches the site into
// sequential mode; Title and TitlePattern then decide whether the next page
// continues the current chapter.
type ContentRules struct {
	This         *extract.Selector `yaml:"this"`
	Paragraphs   *extract.Rule     `yaml:"paragraphs"`
	NextURL      *extract.Rule     `yaml:"next_url,omitempty"`
	Title        *extract.Rule     `yaml:"title,omitempty"`
	TitlePattern string            `yaml:"title_pattern,omitempty"`
}

// Auth is a per-site credential record from the app config.
type Auth struct {
	Token   string            `yaml:"token,omitempty"`
	Cookies map[string]string `yaml:"cookies,omitempty"`
}

func (a Auth) IsZero() bool {
	return a.Token == "" && len(a.Cookies) == 0
}

// ChapterRules returns the chapter rules in effect: the volume's when volumes
// are configured, otherwise the flat chapter list's.
func (s *Site) ChapterRules() *ChapterRules {
	if s.Book.Volumes != nil {
		return &s.Book.Volumes.Chapters
	}
	return s.Book.Chapters
}

// ContentRules returns the chapter page rules, or nil when no chapter rules exist.
func (s *Site) ContentRules() *ContentRules {
	ch := s.ChapterRules()
	if ch == nil {
		return nil
	}
	return &ch.Content
}

func (s *Site) Mode() Mode {
	if c := s.ContentRules(); c != nil && c.NextURL != nil {
		return ModeSequential
	}
	return ModeTree
}

// Placeholders lists the distinct {param} names in the base URL in order of
// first appearance.
func (s *Site) Placeholders() []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(s.BaseURL, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// BuildURL fills the base URL placeholders. Every placeholder must have a value.
func (s *Site) BuildURL(values map[string]string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(s.BaseURL, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := values[name]
		if !ok || v == "" {
			missing = append(missing, name)
			return m
		}
		return url.PathEscape(v)
	})

	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("site %s: missing value for %s", s.Name, strings.Join(missing, ", "))
	}
	return out, nil
}

// Origin is scheme://host of the base URL.
func (s *Site) Origin() string {
	u, err := url.Parse(placeholderRe.ReplaceAllString(s.BaseURL, "x"))
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// RefererURL is the value image requests send as Referer. A host override
// without a scheme takes the scheme of the base URL.
func (s *Site) RefererURL() string {
	if s.Host == "" {
		return s.Origin() + "/"
	}
	if strings.Contains(s.Host, "://") {
		return s.Host
	}

	scheme := "https"
	if u, err := url.Parse(s.Origin()); err == nil && u.Scheme != "" {
		scheme = u.Scheme
	}
	return scheme + "://" + s.Host + "/"
}

// IsPlaceholderCover reports cover URLs that point at the site's stock
// "no cover" image.
func (s *Site) IsPlaceholderCover(coverURL string) bool {
	p := s.CoverPlaceholder
	if p == "" {
		p = DefaultCoverPlaceholder
	}
	return strings.Contains(coverURL, p)
}

// JitterRange returns the sequential pause range, falling back to defaults
// when the site leaves both ends unset.
func (s *Site) JitterRange() (time.Duration, time.Duration) {
	if s.Jitter.Min.IsZero() && s.Jitter.Max.IsZero() {
		return defaultJitterMin, defaultJitterMax
	}
	return s.Jitter.Min.Duration, s.Jitter.Max.Duration
}

func (c *ContentRules) Pattern() string {
	if c.TitlePattern == "" {
		return DefaultTitlePattern
	}
	return c.TitlePattern
}
