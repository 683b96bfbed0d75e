package site

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// ConfigError reports a site file that could not be loaded. A site with a
// ConfigError is never crawled.
type ConfigError struct {
	Site  string
	Path  string
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("site")
	if e.Site != "" {
		b.WriteString(" " + e.Site)
	}
	if e.Path != "" {
		b.WriteString(" (" + e.Path + ")")
	}
	if e.Field != "" {
		b.WriteString(": " + e.Field)
	}
	b.WriteString(": " + e.Err.Error())
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Load decodes and validates one site description.
func Load(r io.Reader, path string) (*Site, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var s Site
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("file is empty")
		}
		return nil, &ConfigError{Path: path, Err: err}
	}

	if err := s.validate(); err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}

	return &s, nil
}

func LoadFile(path string) (*Site, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return Load(bytes.NewReader(raw), path)
}

// Sites indexes loaded sites by name.
type Sites map[string]*Site

func (s Sites) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Sites) Get(name string) (*Site, error) {
	st, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("unknown site %q", name)
	}
	return st, nil
}

// LoadDir loads every *.yaml / *.yml file in dir. Files that fail are left
// out of the result and reported together in the returned error; the other
// sites stay usable.
func LoadDir(dir string) (Sites, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sites dir: %w", err)
	}

	sites := Sites{}
	var errs []error

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, e.Name())
		s, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if prev, dup := sites[s.Name]; dup {
			errs = append(errs, &ConfigError{
				Site:  s.Name,
				Path:  path,
				Field: "name",
				Err:   fmt.Errorf("already defined by another file (base_url %s)", prev.BaseURL),
			})
			continue
		}
		sites[s.Name] = s
	}

	return sites, errors.Join(errs...)
}

func (s *Site) validate() error {
	fail := func(field string, err error) error {
		return &ConfigError{Site: s.Name, Field: field, Err: err}
	}
	missing := errors.New("is required")

	if strings.TrimSpace(s.Name) == "" {
		return fail("name", missing)
	}

	if s.BaseURL == "" {
		return fail("base_url", missing)
	}
	u, err := url.Parse(placeholderRe.ReplaceAllString(s.BaseURL, "x"))
	if err != nil {
		return fail("base_url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fail("base_url", fmt.Errorf("%q is not an absolute http(s) URL", s.BaseURL))
	}

	if s.Lang == "" {
		return fail("lang", missing)
	}
	if _, err := language.Parse(s.Lang); err != nil {
		return fail("lang", fmt.Errorf("%q is not a BCP 47 tag: %w", s.Lang, err))
	}

	if rl := s.RateLimit; rl != nil && (rl.Num <= 0 || rl.Secs <= 0) {
		return fail("rate_limit", fmt.Errorf("num and secs must be positive, got %d/%ds", rl.Num, rl.Secs))
	}
	if s.ConcurrencyLimit < 0 {
		return fail("concurrency_limit", errors.New("must not be negative"))
	}
	if s.Jitter.Max.IsZero() {
		s.Jitter.Max = s.Jitter.Min
	}
	if lo, hi := s.Jitter.Min.Duration, s.Jitter.Max.Duration; hi < lo {
		return fail("jitter", fmt.Errorf("max %s is below min %s", hi, lo))
	}

	b := &s.Book
	switch {
	case b.This.Empty():
		return fail("book.this", missing)
	case b.Title == nil:
		return fail("book.title", missing)
	case b.Author == nil:
		return fail("book.author", missing)
	}

	if v := b.Volumes; v != nil {
		switch {
		case v.This.Empty():
			return fail("book.volumes.this", missing)
		case v.Title == nil:
			return fail("book.volumes.title", missing)
		}
		if field, err := v.Chapters.validate(); err != nil {
			return fail("book.volumes.chapters."+field, err)
		}
	}
	if c := b.Chapters; c != nil {
		if field, err := c.validate(); err != nil {
			return fail("book.chapters."+field, err)
		}
	}

	return nil
}

func (c *ChapterRules) validate() (string, error) {
	missing := errors.New("is required")

	switch {
	case c.This.Empty():
		return "this", missing
	case c.Title == nil:
		return "title", missing
	case c.ContentURL == nil:
		return "content_url", missing
	case c.Content.This.Empty():
		return "content.this", missing
	case c.Content.Paragraphs == nil:
		return "content.paragraphs", missing
	case c.Content.NextURL != nil && c.Content.Title == nil:
		return "content.title", errors.New("is required when next_url is set")
	}

	pattern := c.Content.Pattern()
	if !strings.Contains(pattern, "{title}") {
		return "content.title_pattern", fmt.Errorf("%q has no {title} placeholder", pattern)
	}
	if _, err := regexp.Compile(strings.ReplaceAll(pattern, "{title}", "x")); err != nil {
		return "content.title_pattern", err
	}

	return "", nil
}
