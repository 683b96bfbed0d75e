package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"
)

// Selector is a CSS selector compiled once when a site file is loaded. A nil
// or empty Selector matches the selection it is applied to.
type Selector struct {
	src string
	m   cascadia.Selector
}

func CompileSelector(src string) (*Selector, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty selector")
	}

	m, err := cascadia.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", src, err)
	}

	return &Selector{src: src, m: m}, nil
}

func MustCompile(src string) *Selector {
	s, err := CompileSelector(src)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.src
}

// Empty reports a selector that was left out or written as "".
func (s *Selector) Empty() bool {
	return s == nil || s.m == nil
}

// Find returns every descendant of sel matching s, or sel itself when s is
// empty.
func (s *Selector) Find(sel *goquery.Selection) *goquery.Selection {
	if s.Empty() {
		return sel
	}
	return sel.FindMatcher(s.m)
}

// First returns the first descendant of sel matching s.
func (s *Selector) First(sel *goquery.Selection) *goquery.Selection {
	return s.Find(sel).First()
}

func (s *Selector) UnmarshalYAML(node *yaml.Node) error {
	var src string
	if err := node.Decode(&src); err != nil {
		return fmt.Errorf("line %d: selector must be a string", node.Line)
	}
	if strings.TrimSpace(src) == "" {
		*s = Selector{}
		return nil
	}

	compiled, err := CompileSelector(src)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}

	*s = *compiled
	return nil
}

func (s Selector) MarshalYAML() (any, error) {
	return s.src, nil
}
