// Package processor persists chapter text and images for one book.
package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/brogergvhs/noveld/internal/book"
	"github.com/brogergvhs/noveld/internal/downloader"
	"github.com/brogergvhs/noveld/internal/parser"
)

const (
	ImagesDir    = "images"
	TextDir      = "text"
	ManifestName = "book.json"

	defaultImageWorkers = 4
)

// ImageFetcher is the part of the downloader the processor needs.
type ImageFetcher interface {
	FetchImage(ctx context.Context, rawURL string) (*downloader.Image, error)
	Resolve(ref string) (string, error)
}

// ImageError is an image that could not be fetched or stored. It is logged
// and the chapter keeps the remote reference.
type ImageError struct {
	URL string
	Err error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("image %s: %v", e.URL, e.Err)
}

func (e *ImageError) Unwrap() error { return e.Err }

type Stats struct {
	Chapters      int64
	Images        int64
	Duplicates    int64
	ImageFailures int64
	Bytes         int64
}

type Processor struct {
	root     string
	imageDir string
	textDir  string
	workers  int
	log      *zap.SugaredLogger

	// joins concurrent writes of the same content; distinct images never wait
	// on each other
	writes singleflight.Group

	chapters   atomic.Int64
	images     atomic.Int64
	duplicates atomic.Int64
	failures   atomic.Int64
	bytes      atomic.Int64
}

// New prepares root/images and root/text.
func New(root string, imageWorkers int, log *zap.SugaredLogger) (*Processor, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if imageWorkers < 1 {
		imageWorkers = defaultImageWorkers
	}

	p := &Processor{
		root:     root,
		imageDir: filepath.Join(root, ImagesDir),
		textDir:  filepath.Join(root, TextDir),
		workers:  imageWorkers,
		log:      log,
	}

	for _, dir := range []string{p.imageDir, p.textDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return p, nil
}

func (p *Processor) Root() string { return p.root }

// WriteImage stores data under the hex SHA-256 of its content and returns
// the file name. Identical content is written once.
func (p *Processor) WriteImage(data []byte, ext string) (string, error) {
	sum := sha256.Sum256(data)

	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "jpg"
	}
	name := hex.EncodeToString(sum[:]) + "." + ext
	path := filepath.Join(p.imageDir, name)

	wrote := false
	_, err, _ := p.writes.Do(name, func() (any, error) {
		if _, err := os.Stat(path); err == nil {
			return nil, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err := writeFileAtomic(path, data); err != nil {
			return nil, err
		}
		wrote = true
		return nil, nil
	})
	if err != nil {
		return "", err
	}

	if !wrote {
		p.duplicates.Add(1)
		p.log.Debugf("Duplicate image %s", name)
		return name, nil
	}

	p.images.Add(1)
	p.bytes.Add(int64(len(data)))
	p.log.Debugf("Saved image %s (%d bytes)", name, len(data))

	return name, nil
}

// WriteChapter wraps content in an XHTML page named after the chapter.
func (p *Processor) WriteChapter(content string, ch *book.Chapter) error {
	title := html.EscapeString(ch.Title)

	var b strings.Builder
	b.WriteString(xhtmlHead(title))
	b.WriteString("<body>\n    <h1>" + title + "</h1>\n")
	b.WriteString("    <div class=\"chapter-content\">\n")
	b.WriteString(content)
	b.WriteString("\n    </div>\n</body>\n</html>\n")

	if err := writeFileAtomic(filepath.Join(p.textDir, ch.Filename), []byte(b.String())); err != nil {
		return fmt.Errorf("write chapter %s: %w", ch.Filename, err)
	}

	p.chapters.Add(1)
	return nil
}

// WriteVolumeCover writes the divider page that opens a volume.
func (p *Processor) WriteVolumeCover(v *book.Volume) error {
	if v.Divider == nil {
		v.Divider = book.NewDivider(v.Index, v.Title)
	}
	title := html.EscapeString(v.Divider.Title)

	var b strings.Builder
	b.WriteString(xhtmlHead(title))
	b.WriteString("<body>\n    <div class=\"cover\">\n")
	b.WriteString("        <h1>" + title + "</h1>\n")
	if v.Cover != "" {
		b.WriteString(`        <img src="../` + ImagesDir + "/" + html.EscapeString(v.Cover) + `" alt="` + title + `" class="volume-cover-img"/>` + "\n")
	}
	b.WriteString("    </div>\n</body>\n</html>\n")

	if err := writeFileAtomic(filepath.Join(p.textDir, v.Divider.Filename), []byte(b.String())); err != nil {
		return fmt.Errorf("write volume cover %s: %w", v.Divider.Filename, err)
	}
	return nil
}

// ProcessChapter downloads the images referenced by body, points their src at
// the local copies, records them on ch and writes the chapter page. Image
// failures are logged and leave the remote reference in place.
func (p *Processor) ProcessChapter(ctx context.Context, f ImageFetcher, body string, ch *book.Chapter) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse chapter %d body: %w", ch.Index, err)
	}

	imgs := parser.ImageNodes(doc.Selection)
	if imgs.Length() == 0 {
		return p.WriteChapter(body, ch)
	}

	names := make([]string, imgs.Length())
	remote := make([]string, imgs.Length())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	imgs.Each(func(i int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		g.Go(func() error {
			name, err := p.saveImage(gctx, f, src)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.failures.Add(1)
				p.log.Warnf("Chapter %q: %v", ch.Title, err)
				remote[i] = p.absolute(f, src)
				return nil
			}
			names[i] = name
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return err
	}

	seen := map[string]bool{}
	ch.Images = ch.Images[:0]
	imgs.Each(func(i int, s *goquery.Selection) {
		if names[i] == "" {
			s.SetAttr("src", remote[i])
			return
		}
		s.SetAttr("src", "../"+ImagesDir+"/"+names[i])
		if !seen[names[i]] {
			seen[names[i]] = true
			ch.Images = append(ch.Images, names[i])
		}
	})
	ch.HasIllustrations = len(ch.Images) > 0

	rewritten, err := doc.Find("body").Html()
	if err != nil {
		return fmt.Errorf("render chapter %d body: %w", ch.Index, err)
	}

	return p.WriteChapter(rewritten, ch)
}

// SaveCover fetches and stores a cover image. It returns "" and logs when
// the cover cannot be saved.
func (p *Processor) SaveCover(ctx context.Context, f ImageFetcher, coverURL string) string {
	if coverURL == "" {
		return ""
	}

	name, err := p.saveImage(ctx, f, coverURL)
	if err != nil {
		if ctx.Err() == nil {
			p.failures.Add(1)
			p.log.Warnf("Cover: %v", err)
		}
		return ""
	}
	return name
}

// WriteManifest writes the finished aggregate as book.json.
func (p *Processor) WriteManifest(b *book.Book) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(p.root, ManifestName), append(data, '\n'))
}

func (p *Processor) Stats() Stats {
	return Stats{
		Chapters:      p.chapters.Load(),
		Images:        p.images.Load(),
		Duplicates:    p.duplicates.Load(),
		ImageFailures: p.failures.Load(),
		Bytes:         p.bytes.Load(),
	}
}

func (p *Processor) saveImage(ctx context.Context, f ImageFetcher, src string) (string, error) {
	img, err := f.FetchImage(ctx, src)
	if err != nil {
		return "", &ImageError{URL: src, Err: err}
	}

	name, err := p.WriteImage(img.Data, img.Ext)
	if err != nil {
		return "", &ImageError{URL: src, Err: err}
	}
	return name, nil
}

func (p *Processor) absolute(f ImageFetcher, src string) string {
	if abs, err := f.Resolve(src); err == nil {
		return abs
	}
	return src
}

func xhtmlHead(title string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html PUBLIC "-//W3C//DTD XHTML 1.1//EN" "http://www.w3.org/TR/xhtml11/DTD/xhtml11.dtd">
<html xmlns="http://www.w3.org/1999/xhtml">
<head>
    <title>` + title + `</title>
    <meta http-equiv="Content-Type" content="text/html; charset=UTF-8"/>
</head>
`
}

// writeFileAtomic writes through a temp file in the same directory so a
// reader never sees a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}
