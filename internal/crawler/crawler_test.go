package crawler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brogergvhs/noveld/internal/book"
	"github.com/brogergvhs/noveld/internal/downloader"
	"github.com/brogergvhs/noveld/internal/parser"
	"github.com/brogergvhs/noveld/internal/processor"
	"github.com/brogergvhs/noveld/internal/site"
	"github.com/brogergvhs/noveld/internal/task"
)

const treeSite = `
name: tree
base_url: "{{srv}}/book/{id}"
lang: en
book:
  this: main
  title: {type: text, selector: h1}
  author: {type: text, selector: .author}
  cover_url: {type: attr, selector: img.cover, name: src}
  volumes:
    this: section.volume
    title: {type: text, selector: h2}
    cover_url: {type: attr, selector: img, name: src}
    chapters:
      this: li
      title: {type: text, selector: a}
      content_url: {type: attr, selector: a, name: href}
      content:
        this: "#content"
        paragraphs: {type: html}
  chapters:
    this: ul.flat li
    title: {type: text, selector: a}
    content_url: {type: attr, selector: a, name: href}
    content:
      this: "#content"
      paragraphs: {type: html}
`

const sequentialSite = `
name: seq
base_url: "{{srv}}/novel/{id}"
lang: en
jitter: {min: 1ms, max: 2ms}
book:
  this: .book
  title: {type: text, selector: h1}
  author: {type: text, selector: .author}
  volumes:
    this: section
    title: {type: text, selector: h2}
    chapters:
      this: li
      title: {type: text, selector: a}
      content_url: {type: attr, selector: a, name: href}
      content:
        this: "#main"
        paragraphs: {type: html, selector: "#text"}
        title: {type: text, selector: h1}
        next_url: {type: attr, selector: a.next, name: href}
  chapters:
    this: ul.flat li
    title: {type: text, selector: a}
    content_url: {type: attr, selector: a, name: href}
    content:
      this: "#main"
      paragraphs: {type: html, selector: "#text"}
      title: {type: text, selector: h1}
      next_url: {type: attr, selector: a.next, name: href}
`

type recordingProgress struct {
	mu       sync.Mutex
	trackers map[string]*recordingTracker
}

func (p *recordingProgress) Track(name string, total int) Tracker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.trackers == nil {
		p.trackers = map[string]*recordingTracker{}
	}
	tr := &recordingTracker{}
	tr.total.Store(int64(total))
	p.trackers[name] = tr
	return tr
}

func (p *recordingProgress) get(name string) *recordingTracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trackers[name]
}

type recordingTracker struct {
	total atomic.Int64
	done  atomic.Int64
	ended atomic.Bool
}

func (t *recordingTracker) Grow(n int) { t.total.Add(int64(n)) }
func (t *recordingTracker) Increment() { t.done.Add(1) }
func (t *recordingTracker) Done() { t.ended.Store(true) }

type fixture struct {
	crawler  *Crawler
	proc     *processor.Processor
	root     string
	budget   *task.Budget
	progress *recordingProgress
}

func newFixture(t *testing.T, siteYAML, srvURL, bookURL string, budget int) *fixture {
	t.Helper()

	s, err := site.Load(strings.NewReader(strings.ReplaceAll(siteYAML, "{{srv}}", srvURL)), "test.yaml")
	require.NoError(t, err)

	log := zaptest.NewLogger(t).Sugar()

	client, err := downloader.NewClient(downloader.ClientOptions{Timeout: 5 * time.Second, Origin: s.Origin(), Logger: log})
	require.NoError(t, err)

	d, err := downloader.New(s, downloader.Options{Client: client, Base: bookURL, Logger: log})
	require.NoError(t, err)

	root := t.TempDir()
	proc, err := processor.New(root, 2, log)
	require.NoError(t, err)

	f := &fixture{
		proc:     proc,
		root:     root,
		budget:   task.NewBudget(budget),
		progress: &recordingProgress{},
	}
	f.crawler = New(s, d, proc, Options{Budget: f.budget, Progress: f.progress, Logger: log})
	return f
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, processor.TextDir, name))
	require.NoError(t, err)
	return string(data)
}

func pngBytes(tag string) []byte {
	return []byte("\x89PNG\r\n\x1a\n" + tag)
}

func TestCrawl_TreeModeKeepsSourceOrder(t *testing.T) {
	const bookPage = `<html><body><main>
<h1>Tree Book</h1><span class="author">Writer</span><img class="cover" src="/img/cover.png">
<section class="volume"><h2>Volume One</h2><img src="/img/v1.png">
<ul><li><a href="/c/1">One</a></li><li><a href="/c/2">Two</a></li><li><a href="/c/3">Three</a></li></ul></section>
<section class="volume"><h2>Volume Two</h2>
<ul><li><a href="/c/4">Four</a></li><li><a href="/c/5">Five</a></li></ul></section>
</main></body></html>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/book/7":
			_, _ = w.Write([]byte(bookPage))
		case strings.HasPrefix(r.URL.Path, "/c/"):
			time.Sleep(time.Duration(rand.IntN(15)) * time.Millisecond)
			n := strings.TrimPrefix(r.URL.Path, "/c/")
			fmt.Fprintf(w, `<html><body><div id="content"><p>Body %s</p><img src="/img/shared.png"></div></body></html>`, n)
		case strings.HasPrefix(r.URL.Path, "/img/"):
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(pngBytes(r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newFixture(t, treeSite, srv.URL, srv.URL+"/book/7", 2)

	b, err := f.crawler.Crawl(context.Background(), srv.URL+"/book/7", "7")
	require.NoError(t, err)

	assert.Equal(t, "Tree Book", b.Title)
	assert.Equal(t, "Writer", b.Author)
	assert.NotEmpty(t, b.Cover)
	assert.Empty(t, b.Chapters)
	require.Len(t, b.Volumes, 2)

	v1, v2 := b.Volumes[0], b.Volumes[1]
	assert.Equal(t, "Volume One", v1.Title)
	assert.NotEmpty(t, v1.Cover)
	assert.Empty(t, v2.Cover)

	var titles []string
	b.EachChapter(func(_ *book.Volume, ch *book.Chapter) { titles = append(titles, ch.Title) })
	assert.Equal(t, []string{"One", "Two", "Three", "Four", "Five"}, titles)
	assert.Equal(t, "2_2.xhtml", v2.Chapters[1].Filename)

	for _, ch := range v1.Chapters {
		assert.True(t, ch.HasIllustrations)
		require.Len(t, ch.Images, 1)
	}

	assert.Contains(t, f.read(t, "1_2.xhtml"), "Body 2")
	assert.Contains(t, f.read(t, "1_2.xhtml"), `src="../images/`+v1.Chapters[1].Images[0]+`"`)
	assert.Contains(t, f.read(t, "1_cover.xhtml"), v1.Cover)
	assert.NotContains(t, f.read(t, "2_cover.xhtml"), "<img")

	_, err = os.Stat(filepath.Join(f.root, processor.ManifestName))
	assert.NoError(t, err)

	stats := f.proc.Stats()
	assert.EqualValues(t, 3, stats.Images)
	assert.EqualValues(t, 4, stats.Duplicates)
	assert.EqualValues(t, 5, stats.Chapters)

	assert.LessOrEqual(t, f.budget.Peak(), 2)
	assert.Zero(t, f.budget.InFlight())

	tr := f.progress.get("Volume One")
	require.NotNil(t, tr)
	assert.EqualValues(t, 3, tr.total.Load())
	assert.EqualValues(t, 3, tr.done.Load())
	assert.True(t, tr.ended.Load())
}

func TestCrawl_FlatChaptersWhenNoVolumes(t *testing.T) {
	const bookPage = `<main><h1>Flat</h1><span class="author">W</span>
<ul class="flat"><li><a href="/c/1">First</a></li><li><a href="/c/2">Second</a></li></ul></main>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/book/1" {
			_, _ = w.Write([]byte(bookPage))
			return
		}
		fmt.Fprintf(w, `<div id="content"><p>%s</p></div>`, r.URL.Path)
	}))
	defer srv.Close()

	f := newFixture(t, treeSite, srv.URL, srv.URL+"/book/1", 1)

	b, err := f.crawler.Crawl(context.Background(), srv.URL+"/book/1", "1")
	require.NoError(t, err)

	assert.False(t, b.HasVolumes())
	require.Len(t, b.Chapters, 2)
	assert.Equal(t, "First", b.Chapters[0].Title)
	assert.Equal(t, "1.xhtml", b.Chapters[0].Filename)
	assert.Contains(t, f.read(t, "2.xhtml"), "/c/2")
	assert.Equal(t, 1, f.budget.Peak())
}

func TestCrawl_ChapterExtractionErrorIsPositioned(t *testing.T) {
	const bookPage = `<main><h1>Flat</h1><span class="author">W</span>
<ul class="flat"><li><a href="/c/1">First</a></li><li><a href="/c/2">Second</a></li></ul></main>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/book/1":
			_, _ = w.Write([]byte(bookPage))
		case "/c/2":
			_, _ = w.Write([]byte(`<div id="other"></div>`))
		default:
			_, _ = w.Write([]byte(`<div id="content"><p>ok</p></div>`))
		}
	}))
	defer srv.Close()

	f := newFixture(t, treeSite, srv.URL, srv.URL+"/book/1", 2)

	_, err := f.crawler.Crawl(context.Background(), srv.URL+"/book/1", "1")

	var ee *parser.ExtractionError
	require.True(t, errors.As(err, &ee), "got %v", err)
	assert.Equal(t, parser.FieldParagraphs, ee.Field)
	assert.Equal(t, 2, ee.Chapter)
	assert.Zero(t, ee.Volume)
}

func TestCrawl_RateLimitAbortsTheBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newFixture(t, treeSite, srv.URL, srv.URL+"/book/1", 2)

	_, err := f.crawler.Crawl(context.Background(), srv.URL+"/book/1", "1")

	var rl *downloader.RateLimitedError
	require.True(t, errors.As(err, &rl), "got %v", err)
	assert.Equal(t, 5*time.Second, rl.RetryAfter)
}

func TestCrawl_SequentialJoinsPagesOfOneChapter(t *testing.T) {
	const bookPage = `<div class="book"><h1>Seq</h1><span class="author">W</span>
<ul class="flat"><li><a href="/c/1">Chapter 1</a></li></ul></div>`

	var hits sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)

		switch r.URL.Path {
		case "/novel/3":
			_, _ = w.Write([]byte(bookPage))
		case "/c/1":
			_, _ = w.Write([]byte(`<div id="main"><h1>Chapter 1</h1><div id="text"><p>Part A</p></div><a class="next" href="/c/1_2">next</a></div>`))
		case "/c/1_2":
			_, _ = w.Write([]byte(`<div id="main"><h1>Chapter 1 (2/2)</h1><div id="text"><p>Part B</p></div><a class="next" href="2">next</a></div>`))
		case "/c/2":
			// links back to the start; the walk must not loop
			_, _ = w.Write([]byte(`<div id="main"><h1>Chapter 2</h1><div id="text"><p>Part C</p></div><a class="next" href="/c/1">next</a></div>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newFixture(t, sequentialSite, srv.URL, srv.URL+"/novel/3", 2)

	b, err := f.crawler.Crawl(context.Background(), srv.URL+"/novel/3", "3")
	require.NoError(t, err)

	require.Len(t, b.Chapters, 2)
	assert.Equal(t, "Chapter 1", b.Chapters[0].Title)
	assert.Equal(t, "Chapter 2", b.Chapters[1].Title)
	assert.Equal(t, srv.URL+"/c/2", b.Chapters[1].URL)

	first := f.read(t, "1.xhtml")
	assert.Contains(t, first, "Part A")
	assert.Contains(t, first, "Part B")
	assert.Less(t, strings.Index(first, "Part A"), strings.Index(first, "Part B"))
	assert.Contains(t, f.read(t, "2.xhtml"), "Part C")

	n, ok := hits.Load("/c/1")
	require.True(t, ok)
	assert.EqualValues(t, 1, n.(*atomic.Int32).Load())

	tr := f.progress.get("Seq")
	require.NotNil(t, tr)
	assert.EqualValues(t, 2, tr.total.Load())
	assert.EqualValues(t, 2, tr.done.Load())
}

func TestCrawl_SequentialVolumesStopAtNextVolume(t *testing.T) {
	const bookPage = `<div class="book"><h1>Seq</h1><span class="author">W</span>
<section><h2>Vol A</h2><ul><li><a href="/v1/1">A</a></li></ul></section>
<section><h2>Vol B</h2><ul><li><a href="/v2/1">C</a></li></ul></section></div>`

	var v2hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/novel/9":
			_, _ = w.Write([]byte(bookPage))
		case "/v1/1":
			_, _ = w.Write([]byte(`<div id="main"><h1>A</h1><div id="text">a</div><a class="next" href="/v1/2">n</a></div>`))
		case "/v1/2":
			_, _ = w.Write([]byte(`<div id="main"><h1>B</h1><div id="text">b</div><a class="next" href="/v2/1">n</a></div>`))
		case "/v2/1":
			v2hits.Add(1)
			_, _ = w.Write([]byte(`<div id="main"><h1>C</h1><div id="text">c</div></div>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newFixture(t, sequentialSite, srv.URL, srv.URL+"/novel/9", 3)

	b, err := f.crawler.Crawl(context.Background(), srv.URL+"/novel/9", "9")
	require.NoError(t, err)
	require.Len(t, b.Volumes, 2)

	var a []string
	for _, ch := range b.Volumes[0].Chapters {
		a = append(a, ch.Title)
	}
	assert.Equal(t, []string{"A", "B"}, a)

	require.Len(t, b.Volumes[1].Chapters, 1)
	assert.Equal(t, "C", b.Volumes[1].Chapters[0].Title)
	assert.Equal(t, "2_1.xhtml", b.Volumes[1].Chapters[0].Filename)
	assert.EqualValues(t, 1, v2hits.Load())
}

func TestCrawl_SequentialVolumesAreWalkedOneAtATime(t *testing.T) {
	var listing strings.Builder
	listing.WriteString(`<div class="book"><h1>Seq</h1><span class="author">W</span>`)
	for v := 1; v <= 4; v++ {
		fmt.Fprintf(&listing, `<section><h2>Vol %d</h2><ul><li><a href="/v%d/1">V%d</a></li></ul></section>`, v, v, v)
	}
	listing.WriteString(`</div>`)

	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/novel/4" {
			_, _ = w.Write([]byte(listing.String()))
			return
		}

		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)

		var v, page int
		if _, err := fmt.Sscanf(r.URL.Path, "/v%d/%d", &v, &page); err != nil {
			http.NotFound(w, r)
			return
		}
		next := ""
		if page == 1 {
			next = fmt.Sprintf(`<a class="next" href="/v%d/2">n</a>`, v)
		}
		fmt.Fprintf(w, `<div id="main"><h1>V%d</h1><div id="text">%d.%d</div>%s</div>`, v, v, page, next)
	}))
	defer srv.Close()

	f := newFixture(t, sequentialSite, srv.URL, srv.URL+"/novel/4", 8)

	b, err := f.crawler.Crawl(context.Background(), srv.URL+"/novel/4", "4")
	require.NoError(t, err)
	require.Len(t, b.Volumes, 4)
	for _, v := range b.Volumes {
		require.Len(t, v.Chapters, 1, v.Title)
	}

	assert.EqualValues(t, 1, peak.Load())
	assert.Contains(t, f.read(t, "3_1.xhtml"), "3.2")
}

func TestCrawl_SequentialSkipsEmptyVolume(t *testing.T) {
	const bookPage = `<div class="book"><h1>Seq</h1><span class="author">W</span>
<section><h2>Extras</h2><ul></ul></section>
<section><h2>Main</h2><ul><li><a href="/m/1">One</a></li></ul></section></div>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/novel/5":
			_, _ = w.Write([]byte(bookPage))
		case "/m/1":
			_, _ = w.Write([]byte(`<div id="main"><h1>One</h1><div id="text">one</div></div>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newFixture(t, sequentialSite, srv.URL, srv.URL+"/novel/5", 2)

	b, err := f.crawler.Crawl(context.Background(), srv.URL+"/novel/5", "5")
	require.NoError(t, err)
	require.Len(t, b.Volumes, 2)

	assert.Empty(t, b.Volumes[0].Chapters)
	assert.Contains(t, f.read(t, "1_cover.xhtml"), "Extras")

	require.Len(t, b.Volumes[1].Chapters, 1)
	assert.Equal(t, "One", b.Volumes[1].Chapters[0].Title)
	assert.True(t, f.progress.get("Extras").ended.Load())
}

func TestCrawl_SequentialVolumesWithoutAnyChapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<div class="book"><h1>Seq</h1><span class="author">W</span><section><h2>Extras</h2><ul></ul></section></div>`))
	}))
	defer srv.Close()

	f := newFixture(t, sequentialSite, srv.URL, srv.URL+"/novel/6", 1)

	_, err := f.crawler.Crawl(context.Background(), srv.URL+"/novel/6", "6")
	assert.ErrorIs(t, err, ErrNoSeedChapter)
}

func TestCrawl_SequentialWithoutSeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<div class="book"><h1>Seq</h1><span class="author">W</span><ul class="flat"></ul></div>`))
	}))
	defer srv.Close()

	f := newFixture(t, sequentialSite, srv.URL, srv.URL+"/novel/1", 1)

	_, err := f.crawler.Crawl(context.Background(), srv.URL+"/novel/1", "1")
	assert.ErrorIs(t, err, ErrNoSeedChapter)
}

func TestNextURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<p></p>`))
	}))
	defer srv.Close()

	s := &site.Site{Name: "x", BaseURL: srv.URL + "/", Lang: "en"}
	d, err := downloader.New(s, downloader.Options{})
	require.NoError(t, err)

	doc, err := d.FetchDocument(context.Background(), srv.URL+"/a/b.html")
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/a/c.html", nextURL(doc, "c.html"))
	assert.Equal(t, srv.URL+"/x", nextURL(doc, "/x#top"))
	assert.Empty(t, nextURL(doc, ""))
	assert.Empty(t, nextURL(doc, "#"))
	assert.Empty(t, nextURL(doc, "javascript:void(0)"))
}
