// Package crawler drives one book crawl: the book page, its volumes and
// their chapters, all under a single shared task budget.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/brogergvhs/noveld/internal/book"
	"github.com/brogergvhs/noveld/internal/parser"
	"github.com/brogergvhs/noveld/internal/processor"
	"github.com/brogergvhs/noveld/internal/site"
	"github.com/brogergvhs/noveld/internal/task"
)

// ErrNoSeedChapter means a sequential site listed no chapter to start from.
var ErrNoSeedChapter = errors.New("no chapter to start the sequential crawl from")

// Fetcher is what the crawler needs from the downloader.
type Fetcher interface {
	processor.ImageFetcher
	FetchDocument(ctx context.Context, rawURL string) (*goquery.Document, error)
	FetchChapter(ctx context.Context, rawURL string) (*goquery.Document, error)
	Pause(ctx context.Context) error
}

// Tracker follows the chapters of one volume, or of a book without volumes.
type Tracker interface {
	// Grow raises the expected total, used when chapters are discovered while crawling.
	Grow(n int)
	Increment()
	Done()
}

type Progress interface {
	Track(name string, total int) Tracker
}

type Options struct {
	Budget   *task.Budget
	Progress Progress
	Logger   *zap.SugaredLogger
}

type Crawler struct {
	site     *site.Site
	parser   *parser.Parser
	fetch    Fetcher
	proc     *processor.Processor
	budget   *task.Budget
	progress Progress
	log      *zap.SugaredLogger
}

func New(s *site.Site, f Fetcher, proc *processor.Processor, opts Options) *Crawler {
	c := &Crawler{
		site:     s,
		parser:   parser.New(s),
		fetch:    f,
		proc:     proc,
		budget:   opts.Budget,
		progress: opts.Progress,
		log:      opts.Logger,
	}
	if c.budget == nil {
		c.budget = task.NewBudget(1)
	}
	if c.progress == nil {
		c.progress = noProgress{}
	}
	if c.log == nil {
		c.log = zap.NewNop().Sugar()
	}
	return c
}

type bookUnit struct {
	book     *book.Book
	tracker  Tracker
	volumes  []*task.Handle[*volumeUnit]
	chapters []*task.Handle[*book.Chapter]
}

type volumeUnit struct {
	volume   *book.Volume
	tracker  Tracker
	chapters []*task.Handle[*book.Chapter]
}

// Crawl fetches the book at bookURL with everything under it, writes the
// output tree and returns the index-ordered aggregate.
func (c *Crawler) Crawl(ctx context.Context, bookURL, id string) (*book.Book, error) {
	root := task.Spawn(ctx, c.budget, func(ctx context.Context) (*bookUnit, error) {
		return c.crawlBook(ctx, bookURL, id)
	})

	bu, err := root.Wait(ctx)
	if err != nil {
		return nil, err
	}
	b := bu.book

	if bu.volumes != nil {
		vols, err := task.Collect(ctx, bu.volumes, func(u *volumeUnit) int { return u.volume.Index })
		if err != nil {
			return nil, err
		}

		b.Volumes = b.Volumes[:0]
		for _, vu := range vols {
			chs, err := task.Collect(ctx, vu.chapters, chapterIndex)
			if err != nil {
				return nil, fmt.Errorf("volume %d: %w", vu.volume.Index, err)
			}
			vu.volume.Chapters = chs
			vu.tracker.Done()
			b.Volumes = append(b.Volumes, vu.volume)
		}
	} else {
		chs, err := task.Collect(ctx, bu.chapters, chapterIndex)
		if err != nil {
			return nil, err
		}
		b.Chapters = chs
		bu.tracker.Done()
	}

	if err := c.proc.WriteManifest(b); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	c.log.Infof("Crawled %q: %d chapters", b.Title, b.ChapterCount())
	return b, nil
}

func chapterIndex(ch *book.Chapter) int { return ch.Index }

func (c *Crawler) crawlBook(ctx context.Context, bookURL, id string) (*bookUnit, error) {
	c.log.Infof("Fetching book %s", bookURL)

	doc, err := c.fetch.FetchDocument(ctx, bookURL)
	if err != nil {
		return nil, err
	}

	b, err := c.parser.NovelInfo(doc, id)
	if err != nil {
		return nil, fmt.Errorf("book %s: %w", bookURL, err)
	}
	if b.URL == "" {
		b.URL = bookURL
	}

	b.Cover = c.proc.SaveCover(ctx, c.fetch, b.CoverURL)

	mode := c.site.Mode()
	c.log.Debugf("Book %q: %d volumes, %d listed chapters, %s mode", b.Title, len(b.Volumes), b.ChapterCount(), mode)

	bu := &bookUnit{book: b}

	if !b.HasVolumes() {
		bu.tracker = c.progress.Track(b.Title, len(b.Chapters))
		if mode == site.ModeSequential {
			bu.chapters, err = c.walk(ctx, b.Chapters, 0, "", bu.tracker)
			return bu, err
		}
		bu.chapters = c.spawnChapters(ctx, b.Chapters, 0, bu.tracker)
		return bu, nil
	}

	bu.volumes = make([]*task.Handle[*volumeUnit], 0, len(b.Volumes))

	if mode == site.ModeSequential {
		// pages are fetched one at a time across the whole book, so the
		// volumes are walked here in order and only chapter processing fans out
		if b.ChapterCount() == 0 {
			return nil, ErrNoSeedChapter
		}
		walked := false
		for i, v := range b.Volumes {
			if walked && len(v.Chapters) > 0 {
				if err := c.fetch.Pause(ctx); err != nil {
					return nil, err
				}
			}
			walked = walked || len(v.Chapters) > 0

			vu, err := c.walkVolume(ctx, v, c.boundary(b.Volumes[i+1:]))
			if err != nil {
				return nil, err
			}
			bu.volumes = append(bu.volumes, task.Ready(vu))
		}
		return bu, nil
	}

	for _, v := range b.Volumes {
		bu.volumes = append(bu.volumes, task.Spawn(ctx, c.budget, func(ctx context.Context) (*volumeUnit, error) {
			return c.crawlVolume(ctx, v)
		}))
	}

	return bu, nil
}

// openVolume saves the volume cover and writes its divider page.
func (c *Crawler) openVolume(ctx context.Context, v *book.Volume) (*volumeUnit, error) {
	v.Cover = c.proc.SaveCover(ctx, c.fetch, v.CoverURL)
	if err := c.proc.WriteVolumeCover(v); err != nil {
		return nil, err
	}
	return &volumeUnit{volume: v, tracker: c.progress.Track(v.Title, len(v.Chapters))}, nil
}

func (c *Crawler) crawlVolume(ctx context.Context, v *book.Volume) (*volumeUnit, error) {
	vu, err := c.openVolume(ctx, v)
	if err != nil {
		return nil, err
	}
	vu.chapters = c.spawnChapters(ctx, v.Chapters, v.Index, vu.tracker)
	return vu, nil
}

// walkVolume follows the pages of one volume up to stop. A volume without
// listed chapters keeps its divider and contributes no chapters.
func (c *Crawler) walkVolume(ctx context.Context, v *book.Volume, stop string) (*volumeUnit, error) {
	vu, err := c.openVolume(ctx, v)
	if err != nil {
		return nil, err
	}
	if len(v.Chapters) == 0 {
		c.log.Debugf("Volume %d %q lists no chapters", v.Index, v.Title)
		return vu, nil
	}

	chs, err := c.walk(ctx, v.Chapters, v.Index, stop, vu.tracker)
	if err != nil {
		return nil, fmt.Errorf("volume %d: %w", v.Index, err)
	}
	vu.chapters = chs
	return vu, nil
}

func (c *Crawler) spawnChapters(ctx context.Context, chapters []*book.Chapter, volume int, tr Tracker) []*task.Handle[*book.Chapter] {
	handles := make([]*task.Handle[*book.Chapter], 0, len(chapters))
	for _, ch := range chapters {
		handles = append(handles, task.Spawn(ctx, c.budget, func(ctx context.Context) (*book.Chapter, error) {
			if err := c.crawlChapter(ctx, ch); err != nil {
				return nil, positioned(err, volume, ch.Index)
			}
			tr.Increment()
			return ch, nil
		}))
	}
	return handles
}

func (c *Crawler) crawlChapter(ctx context.Context, ch *book.Chapter) error {
	doc, err := c.fetch.FetchChapter(ctx, ch.URL)
	if err != nil {
		return err
	}

	body, err := c.parser.ChapterContent(doc)
	if err != nil {
		return err
	}

	if err := c.proc.ProcessChapter(ctx, c.fetch, body, ch); err != nil {
		return err
	}

	c.log.Debugf("Chapter %s done", ch.Filename)
	return nil
}

// positioned fills in the chapter position of an extraction error and
// prefixes anything else with it.
func positioned(err error, volume, chapter int) error {
	var ee *parser.ExtractionError
	if errors.As(err, &ee) && ee.Chapter == 0 {
		return &parser.ExtractionError{Field: ee.Field, Volume: volume, Chapter: chapter}
	}
	if volume > 0 {
		return fmt.Errorf("volume %d chapter %d: %w", volume, chapter, err)
	}
	return fmt.Errorf("chapter %d: %w", chapter, err)
}

// boundary is the absolute URL of the first chapter listed after the current
// volume, where its walk stops.
func (c *Crawler) boundary(rest []*book.Volume) string {
	for _, v := range rest {
		if len(v.Chapters) == 0 {
			continue
		}
		abs, err := c.fetch.Resolve(v.Chapters[0].URL)
		if err != nil {
			return ""
		}
		return abs
	}
	return ""
}

type pendingChapter struct {
	index int
	title string
	url   string
	parts []string
}

// walk follows next links from the first listed chapter. Consecutive pages
// whose title matches the current chapter's title pattern are joined into
// one chapter. Each finished chapter is handed to its own unit for image
// processing. The walk ends at a missing next link, a page already seen or
// the stop URL.
func (c *Crawler) walk(ctx context.Context, listed []*book.Chapter, volume int, stop string, tr Tracker) ([]*task.Handle[*book.Chapter], error) {
	if len(listed) == 0 {
		return nil, ErrNoSeedChapter
	}
	seed := listed[0]

	next, err := c.fetch.Resolve(seed.URL)
	if err != nil {
		return nil, positioned(err, volume, 1)
	}

	var (
		handles []*task.Handle[*book.Chapter]
		cur     *pendingChapter
		visited = map[string]bool{}
		pages   int
	)

	flush := func() {
		if cur == nil {
			return
		}
		ch := &book.Chapter{
			Index:    cur.index,
			Title:    cur.title,
			URL:      cur.url,
			Filename: book.ChapterFilename(volume, cur.index),
		}
		body := strings.Join(cur.parts, "\n")
		handles = append(handles, task.Spawn(ctx, c.budget, func(ctx context.Context) (*book.Chapter, error) {
			if err := c.proc.ProcessChapter(ctx, c.fetch, body, ch); err != nil {
				return nil, positioned(err, volume, ch.Index)
			}
			tr.Increment()
			return ch, nil
		}))
		cur = nil
	}

	// the listed chapters are an estimate until the walk ends
	discovered := len(listed)

	for next != "" && next != stop && !visited[next] {
		visited[next] = true

		if pages > 0 {
			if err := c.fetch.Pause(ctx); err != nil {
				return nil, err
			}
		}
		pages++

		doc, err := c.fetch.FetchChapter(ctx, next)
		if err != nil {
			return nil, positioned(err, volume, chapterNumber(cur))
		}

		page, err := c.parser.ChapterPage(doc)
		if err != nil {
			return nil, positioned(err, volume, chapterNumber(cur))
		}

		title := page.Title
		switch {
		case cur != nil && (title == "" || c.parser.MatchesTitle(cur.title, title)):
			cur.parts = append(cur.parts, page.Body)
		default:
			index := 1
			if cur != nil {
				index = cur.index + 1
			}
			flush()
			if title == "" {
				title = seed.Title
			}
			cur = &pendingChapter{index: index, title: title, url: next, parts: []string{page.Body}}
			if index > discovered {
				discovered++
				tr.Grow(1)
			}
		}

		next = nextURL(doc, page.NextURL)
	}
	flush()

	c.log.Debugf("Sequential walk of volume %d: %d pages, %d chapters", volume, pages, len(handles))
	return handles, nil
}

func chapterNumber(cur *pendingChapter) int {
	if cur == nil {
		return 1
	}
	return cur.index
}

// nextURL resolves a next link against the page it was found on.
func nextURL(doc *goquery.Document, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "javascript:") || ref == "#" {
		return ""
	}

	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if doc.Url != nil {
		u = doc.Url.ResolveReference(u)
	}
	if !u.IsAbs() {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

type noProgress struct{}

func (noProgress) Track(string, int) Tracker { return noTracker{} }

type noTracker struct{}

func (noTracker) Grow(int) {}
func (noTracker) Increment() {}
func (noTracker) Done() {}
