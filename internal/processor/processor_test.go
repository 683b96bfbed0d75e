package processor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brogergvhs/noveld/internal/book"
	"github.com/brogergvhs/noveld/internal/downloader"
)

type fakeFetcher struct {
	mu     sync.Mutex
	images map[string]*downloader.Image
	calls  []string
}

func (f *fakeFetcher) FetchImage(_ context.Context, rawURL string) (*downloader.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, rawURL)
	img, ok := f.images[rawURL]
	if !ok {
		return nil, &downloader.NetworkError{URL: rawURL, Status: 404}
	}
	return img, nil
}

func (f *fakeFetcher) Resolve(ref string) (string, error) {
	if strings.HasPrefix(ref, "http") {
		return ref, nil
	}
	return "https://example.com" + ref, nil
}

func newProcessor(t *testing.T) (*Processor, string) {
	t.Helper()

	root := t.TempDir()
	p, err := New(root, 2, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return p, root
}

func TestNew_CreatesLayout(t *testing.T) {
	_, root := newProcessor(t)

	for _, dir := range []string{ImagesDir, TextDir} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestWriteImage_ContentAddressed(t *testing.T) {
	p, root := newProcessor(t)

	a, err := p.WriteImage([]byte("same bytes"), "png")
	require.NoError(t, err)
	b, err := p.WriteImage([]byte("same bytes"), ".PNG")
	require.NoError(t, err)
	c, err := p.WriteImage([]byte("other bytes"), "png")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, strings.TrimSuffix(a, ".png"), 64)

	entries, err := os.ReadDir(filepath.Join(root, ImagesDir))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	stats := p.Stats()
	assert.EqualValues(t, 2, stats.Images)
	assert.EqualValues(t, 1, stats.Duplicates)
	assert.EqualValues(t, len("same bytes")+len("other bytes"), stats.Bytes)

	d, err := p.WriteImage([]byte("x"), "")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(d, ".jpg"))
}

func TestWriteImage_ConcurrentIdenticalContent(t *testing.T) {
	p, root := newProcessor(t)

	const writers = 16
	names := make([]string, writers)

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := p.WriteImage([]byte("shared illustration"), "png")
			assert.NoError(t, err)
			names[i] = name
		}()
	}
	wg.Wait()

	for _, n := range names {
		assert.Equal(t, names[0], n)
	}

	entries, err := os.ReadDir(filepath.Join(root, ImagesDir))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	stats := p.Stats()
	assert.EqualValues(t, 1, stats.Images)
	assert.EqualValues(t, writers-1, stats.Duplicates)
}

func TestWriteChapter_EscapesTitle(t *testing.T) {
	p, root := newProcessor(t)

	ch := &book.Chapter{Index: 1, Title: `Tom & "Jerry" <1>`, Filename: "1_1.xhtml"}
	require.NoError(t, p.WriteChapter("<p>body</p>", ch))

	data, err := os.ReadFile(filepath.Join(root, TextDir, "1_1.xhtml"))
	require.NoError(t, err)

	out := string(data)
	assert.True(t, strings.HasPrefix(out, `<?xml version="1.0" encoding="UTF-8"?>`))
	assert.Contains(t, out, `<h1>Tom &amp; &#34;Jerry&#34; &lt;1&gt;</h1>`)
	assert.Contains(t, out, "<p>body</p>")
	assert.EqualValues(t, 1, p.Stats().Chapters)
}

func TestWriteVolumeCover(t *testing.T) {
	p, root := newProcessor(t)

	v := &book.Volume{Index: 2, Title: "Volume 2", Cover: "abc.jpg"}
	require.NoError(t, p.WriteVolumeCover(v))
	require.NotNil(t, v.Divider)
	assert.Equal(t, "2_cover.xhtml", v.Divider.Filename)

	data, err := os.ReadFile(filepath.Join(root, TextDir, "2_cover.xhtml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `src="../images/abc.jpg"`)

	bare := &book.Volume{Index: 3, Title: "Volume 3"}
	require.NoError(t, p.WriteVolumeCover(bare))
	data, err = os.ReadFile(filepath.Join(root, TextDir, "3_cover.xhtml"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "<img")
}

func TestProcessChapter_RewritesImages(t *testing.T) {
	p, root := newProcessor(t)

	f := &fakeFetcher{images: map[string]*downloader.Image{
		"/i/1.png": {Data: []byte("one"), Ext: "png"},
		"/i/2.png": {Data: []byte("one"), Ext: "png"},
		"/i/3.jpg": {Data: []byte("three"), Ext: "jpg"},
	}}

	body := `<div id="c"><p>text</p><img src="/i/1.png"/><img src="/i/2.png"/><img src=" /i/3.jpg "/><img src="/i/missing.png"/><img src=""/></div>`
	ch := &book.Chapter{Index: 1, Title: "One", Filename: "1.xhtml"}

	require.NoError(t, p.ProcessChapter(context.Background(), f, body, ch))

	assert.True(t, ch.HasIllustrations)
	require.Len(t, ch.Images, 2)

	data, err := os.ReadFile(filepath.Join(root, TextDir, "1.xhtml"))
	require.NoError(t, err)
	out := string(data)

	for _, name := range ch.Images {
		assert.Contains(t, out, `src="../images/`+name+`"`)
		_, err := os.Stat(filepath.Join(root, ImagesDir, name))
		assert.NoError(t, err)
	}
	assert.Contains(t, out, `src="https://example.com/i/missing.png"`)
	assert.Contains(t, out, "<p>text</p>")

	stats := p.Stats()
	assert.EqualValues(t, 2, stats.Images)
	assert.EqualValues(t, 1, stats.Duplicates)
	assert.EqualValues(t, 1, stats.ImageFailures)
}

func TestProcessChapter_NoImages(t *testing.T) {
	p, root := newProcessor(t)

	ch := &book.Chapter{Index: 4, Title: "Plain", Filename: "4.xhtml"}
	require.NoError(t, p.ProcessChapter(context.Background(), &fakeFetcher{}, "<p>only text</p>", ch))

	assert.False(t, ch.HasIllustrations)
	assert.Empty(t, ch.Images)

	data, err := os.ReadFile(filepath.Join(root, TextDir, "4.xhtml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<p>only text</p>")
}

func TestProcessChapter_Canceled(t *testing.T) {
	p, _ := newProcessor(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := &book.Chapter{Index: 1, Title: "One", Filename: "1.xhtml"}
	err := p.ProcessChapter(ctx, &fakeFetcher{}, `<img src="/i/1.png"/>`, ch)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestSaveCover(t *testing.T) {
	p, _ := newProcessor(t)

	f := &fakeFetcher{images: map[string]*downloader.Image{
		"/cover.jpg": {Data: []byte("cover"), Ext: "jpg"},
	}}

	name := p.SaveCover(context.Background(), f, "/cover.jpg")
	assert.True(t, strings.HasSuffix(name, ".jpg"))

	assert.Empty(t, p.SaveCover(context.Background(), f, "/nope.jpg"))
	assert.Empty(t, p.SaveCover(context.Background(), f, ""))
	assert.EqualValues(t, 1, p.Stats().ImageFailures)
}

func TestWriteManifest(t *testing.T) {
	p, root := newProcessor(t)

	b := &book.Book{ID: "42", Title: "Novel", Author: "Someone", Lang: "en"}
	require.NoError(t, p.WriteManifest(b))

	data, err := os.ReadFile(filepath.Join(root, ManifestName))
	require.NoError(t, err)

	var got book.Book
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Novel", got.Title)
	assert.Equal(t, "42", got.ID)
}
