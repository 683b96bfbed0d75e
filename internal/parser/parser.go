// Package parser applies a site's rules to fetched documents.
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/brogergvhs/noveld/internal/book"
	"github.com/brogergvhs/noveld/internal/extract"
	"github.com/brogergvhs/noveld/internal/site"
)

// ExtractionError reports a mandatory field that resolved to nothing.
// Volume and Chapter are 1-based positions, zero when not applicable.
type ExtractionError struct {
	Field   string
	Volume  int
	Chapter int
}

func (e *ExtractionError) Error() string {
	switch {
	case e.Volume > 0 && e.Chapter > 0:
		return fmt.Sprintf("cannot extract %s of volume %d chapter %d", e.Field, e.Volume, e.Chapter)
	case e.Volume > 0:
		return fmt.Sprintf("cannot extract %s of volume %d", e.Field, e.Volume)
	case e.Chapter > 0:
		return fmt.Sprintf("cannot extract %s of chapter %d", e.Field, e.Chapter)
	default:
		return fmt.Sprintf("cannot extract %s", e.Field)
	}
}

const (
	FieldBook       = "book"
	FieldTitle      = "title"
	FieldAuthor     = "author"
	FieldContent    = "content"
	FieldContentURL = "content url"
	FieldParagraphs = "chapter content"
)

type Parser struct {
	site *site.Site
}

func New(s *site.Site) *Parser {
	return &Parser{site: s}
}

func (p *Parser) Site() *site.Site { return p.site }

// NovelInfo reads book metadata and the volume/chapter tree from a book page.
func (p *Parser) NovelInfo(doc *goquery.Document, id string) (*book.Book, error) {
	rules := &p.site.Book

	root := rules.This.First(doc.Selection)
	if root.Length() == 0 {
		return nil, &ExtractionError{Field: FieldBook}
	}

	title, ok := required(rules.Title, root)
	if !ok {
		return nil, &ExtractionError{Field: FieldTitle}
	}

	author, ok := required(rules.Author, root)
	if !ok {
		return nil, &ExtractionError{Field: FieldAuthor}
	}

	b := &book.Book{
		ID:          id,
		Title:       title,
		Lang:        p.site.Lang,
		Author:      author,
		Illustrator: optional(rules.Illustrator, root),
		Summary:     strings.TrimSpace(rules.Summary.Extract(root).Join("\n")),
		CoverURL:    optional(rules.CoverURL, root),
		Tags:        rules.Tags.Extract(root).Strings(),
	}
	if doc.Url != nil {
		b.URL = doc.Url.String()
	}
	if b.CoverURL != "" && p.site.IsPlaceholderCover(b.CoverURL) {
		b.CoverURL = ""
	}

	if err := p.children(root, b); err != nil {
		return nil, err
	}

	return b, nil
}

func (p *Parser) children(root *goquery.Selection, b *book.Book) error {
	rules := &p.site.Book

	if rules.Volumes != nil {
		vols, err := p.volumes(root, rules.Volumes)
		if err != nil {
			return err
		}
		if len(vols) > 0 {
			b.Volumes = vols
			return nil
		}
	}

	if rules.Chapters != nil {
		chs, err := p.chapters(root, rules.Chapters, 0)
		if err != nil {
			return err
		}
		b.Chapters = chs
		return nil
	}

	return &ExtractionError{Field: FieldContent}
}

func (p *Parser) volumes(root *goquery.Selection, rules *site.VolumeRules) ([]*book.Volume, error) {
	var out []*book.Volume

	nodes := rules.This.Find(root)
	for i := range nodes.Length() {
		el := nodes.Eq(i)
		idx := i + 1

		title, ok := required(rules.Title, el)
		if !ok {
			return nil, &ExtractionError{Field: FieldTitle, Volume: idx}
		}

		chapters, err := p.chapters(el, &rules.Chapters, idx)
		if err != nil {
			return nil, err
		}

		v := &book.Volume{
			Index:    idx,
			Title:    title,
			CoverURL: optional(rules.CoverURL, el),
			Divider:  book.NewDivider(idx, title),
			Chapters: chapters,
		}
		if p.site.IsPlaceholderCover(v.CoverURL) {
			v.CoverURL = ""
		}
		out = append(out, v)
	}

	return out, nil
}

func (p *Parser) chapters(root *goquery.Selection, rules *site.ChapterRules, volume int) ([]*book.Chapter, error) {
	var out []*book.Chapter

	nodes := rules.This.Find(root)
	for i := range nodes.Length() {
		el := nodes.Eq(i)
		idx := i + 1

		title, ok := required(rules.Title, el)
		if !ok {
			return nil, &ExtractionError{Field: FieldTitle, Volume: volume, Chapter: idx}
		}

		link, ok := rules.ContentURL.Extract(el).Single()
		if !ok || strings.TrimSpace(link) == "" {
			return nil, &ExtractionError{Field: FieldContentURL, Volume: volume, Chapter: idx}
		}

		out = append(out, &book.Chapter{
			Index:    idx,
			Title:    title,
			URL:      strings.TrimSpace(link),
			Filename: book.ChapterFilename(volume, idx),
		})
	}

	return out, nil
}

// ChapterContent returns the body markup of an enumerable chapter page.
func (p *Parser) ChapterContent(doc *goquery.Document) (string, error) {
	rules := p.site.ContentRules()
	if rules == nil {
		return "", &ExtractionError{Field: FieldContent}
	}

	root := rules.This.First(doc.Selection)
	if root.Length() == 0 {
		return "", &ExtractionError{Field: FieldParagraphs}
	}

	body, ok := rules.Paragraphs.Extract(root).Single()
	if !ok {
		return "", &ExtractionError{Field: FieldParagraphs}
	}
	return body, nil
}

// Page is one page of a paginated chapter.
type Page struct {
	Title   string
	Body    string
	NextURL string
}

// ChapterPage extracts body, title and next link from one sequential page.
// Title and NextURL are empty when the page has none.
func (p *Parser) ChapterPage(doc *goquery.Document) (*Page, error) {
	body, err := p.ChapterContent(doc)
	if err != nil {
		return nil, err
	}

	rules := p.site.ContentRules()
	root := rules.This.First(doc.Selection)

	page := &Page{Body: body}
	// Title and next link may sit outside the content root.
	page.Title = firstOf(rules.Title, root, doc.Selection)
	page.NextURL = firstOf(rules.NextURL, root, doc.Selection)

	return page, nil
}

// MatchesTitle reports whether candidate is another page of the chapter
// titled current. It is false when the pattern cannot be built.
func (p *Parser) MatchesTitle(current, candidate string) bool {
	rules := p.site.ContentRules()
	if rules == nil {
		return false
	}

	pattern := strings.ReplaceAll(rules.Pattern(), "{title}", regexp.QuoteMeta(current))
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(candidate)
}

// ImageNodes selects the img elements under sel with a non-blank src, in
// document order.
func ImageNodes(sel *goquery.Selection) *goquery.Selection {
	return sel.Find("img[src]").FilterFunction(func(_ int, img *goquery.Selection) bool {
		return strings.TrimSpace(img.AttrOr("src", "")) != ""
	})
}

// ChapterImageSources lists the src values of ImageNodes in body.
func ChapterImageSources(body string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil
	}

	return ImageNodes(doc.Selection).Map(func(_ int, img *goquery.Selection) string {
		return strings.TrimSpace(img.AttrOr("src", ""))
	})
}

func required(r *extract.Rule, sel *goquery.Selection) (string, bool) {
	v, ok := r.Extract(sel).First()
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func optional(r *extract.Rule, sel *goquery.Selection) string {
	v, _ := required(r, sel)
	return v
}

func firstOf(r *extract.Rule, sels ...*goquery.Selection) string {
	if r == nil {
		return ""
	}
	for _, sel := range sels {
		if v, ok := required(r, sel); ok {
			return v
		}
	}
	return ""
}
