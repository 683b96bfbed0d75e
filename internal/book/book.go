// Package book is the crawled aggregate handed to the packager.
package book

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

type Book struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Lang        string   `json:"lang"`
	Author      string   `json:"author"`
	Illustrator string   `json:"illustrator,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Cover       string   `json:"cover,omitempty"`
	CoverURL    string   `json:"cover_url,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	URL         string   `json:"url"`

	// Exactly one of Volumes and Chapters is set.
	Volumes  []*Volume  `json:"volumes,omitempty"`
	Chapters []*Chapter `json:"chapters,omitempty"`
}

type Volume struct {
	Index    int    `json:"index"`
	Title    string `json:"title"`
	CoverURL string `json:"cover_url,omitempty"`
	Cover    string `json:"cover,omitempty"`
	// Divider is the synthetic chapter-zero page opening the volume.
	Divider  *Chapter   `json:"divider"`
	Chapters []*Chapter `json:"chapters"`
}

type Chapter struct {
	Index            int      `json:"index"`
	Title            string   `json:"title"`
	URL              string   `json:"url,omitempty"`
	Filename         string   `json:"filename"`
	Images           []string `json:"images,omitempty"`
	HasIllustrations bool     `json:"has_illustrations,omitempty"`
}

func (b *Book) HasVolumes() bool {
	return len(b.Volumes) > 0
}

// ChapterCount counts real chapters, not volume dividers.
func (b *Book) ChapterCount() int {
	if !b.HasVolumes() {
		return len(b.Chapters)
	}

	n := 0
	for _, v := range b.Volumes {
		n += len(v.Chapters)
	}
	return n
}

// EachChapter visits real chapters in reading order.
func (b *Book) EachChapter(fn func(v *Volume, ch *Chapter)) {
	if !b.HasVolumes() {
		for _, ch := range b.Chapters {
			fn(nil, ch)
		}
		return
	}

	for _, v := range b.Volumes {
		for _, ch := range v.Chapters {
			fn(v, ch)
		}
	}
}

// ChapterFilename names chapter c (1-based) of volume v; v == 0 means the
// book has no volumes.
func ChapterFilename(v, c int) string {
	if v == 0 {
		return fmt.Sprintf("%d.xhtml", c)
	}
	return fmt.Sprintf("%d_%d.xhtml", v, c)
}

func DividerFilename(v int) string {
	return fmt.Sprintf("%d_cover.xhtml", v)
}

// NewDivider builds the chapter-zero page for volume v.
func NewDivider(v int, title string) *Chapter {
	return &Chapter{
		Index:    0,
		Title:    title,
		Filename: DividerFilename(v),
	}
}

var underscores = regexp.MustCompile(`_+`)

// Sanitize turns a title into a path segment.
func Sanitize(s string) string {
	s = strings.ToLower(s)

	repl := strings.NewReplacer(
		"•", "_",
		"-", "_",
		"—", "_",
		"–", "_",
		"/", "_",
		"\\", "_",
		".", "_",
		" ", "_",
		"(", "",
		")", "",
	)
	s = repl.Replace(s)

	clean := make([]rune, 0, len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			clean = append(clean, r)
		}
	}
	s = underscores.ReplaceAllString(string(clean), "_")

	return strings.Trim(s, "_")
}
