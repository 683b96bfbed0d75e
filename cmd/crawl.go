package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/brogergvhs/noveld/internal/book"
	"github.com/brogergvhs/noveld/internal/config"
	"github.com/brogergvhs/noveld/internal/crawler"
	"github.com/brogergvhs/noveld/internal/downloader"
	"github.com/brogergvhs/noveld/internal/history"
	"github.com/brogergvhs/noveld/internal/processor"
	"github.com/brogergvhs/noveld/internal/site"
	"github.com/brogergvhs/noveld/internal/task"
	"github.com/brogergvhs/noveld/internal/ui"
	"github.com/brogergvhs/noveld/internal/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// selection
	flagSite   string
	flagURL    string
	flagID     string
	flagParams map[string]string

	// runtime
	flagOutput       string
	flagConcurrency  int
	flagImageWorkers int
	flagSitesDir     string
	flagTimeout      time.Duration
	flagNoHistory    bool
	flagNoProgress   bool

	// headers
	flagUserAgent string
)

func init() {
	crawlCmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a novel into an ordered tree of chapters and images. Uses the defaults from the selected config, overwritten by CLI flags",
		RunE:  runCrawl,
	}

	// selection
	crawlCmd.Flags().StringVar(&flagSite, "site", "", "site name from the sites directory (optional when only one site is loaded)")
	crawlCmd.Flags().StringVar(&flagURL, "url", "", "book page URL")
	crawlCmd.Flags().StringVar(&flagID, "id", "", "book id; fills {id} in the site base URL and names the output folder")
	crawlCmd.Flags().StringToStringVar(&flagParams, "param", nil, "other base URL placeholders, e.g. --param lang=en")

	// runtime
	crawlCmd.Flags().StringVar(&flagOutput, "output", "", "output root folder")
	crawlCmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "crawl units running at once across the whole book")
	crawlCmd.Flags().IntVar(&flagImageWorkers, "image-workers", 0, "parallel image downloads per chapter")
	crawlCmd.Flags().StringVar(&flagSitesDir, "sites-dir", "", "directory with site YAML files")
	crawlCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "HTTP request timeout")
	crawlCmd.Flags().BoolVar(&flagNoHistory, "no-history", false, "do not record this crawl in the history database")
	crawlCmd.Flags().BoolVar(&flagNoProgress, "no-progress", false, "hide progress bars")

	// headers
	crawlCmd.Flags().StringVar(&flagUserAgent, "user-agent", "", "override User-Agent")

	rootCmd.AddCommand(crawlCmd)
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	cfg, usedPath, err := config.LoadMerged(config.Options{
		IgnoreConfig: flagIgnoreConfig,
		Debug:        flagDebug,
		NoHistory:    flagNoHistory,
		Output:       flagOutput,
		Concurrency:  flagConcurrency,
		ImageWorkers: flagImageWorkers,
		SitesDir:     flagSitesDir,
		UserAgent:    flagUserAgent,
		Timeout:      flagTimeout,
	})
	if err != nil {
		return err
	}

	log, err := ui.NewLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Debugf("Config file: %s", usedPath)

	s, err := pickSite(cfg.SitesDir, flagSite, log)
	if err != nil {
		return err
	}

	bookURL, err := resolveBookURL(s, flagURL, flagID, flagParams)
	if err != nil {
		return err
	}
	id := bookID(bookURL, flagID)

	root := filepath.Join(cfg.Output, book.Sanitize(s.Name), outputSegment(id))

	client, err := downloader.NewClient(downloader.ClientOptions{
		Timeout:    cfg.Timeout.Duration,
		UserAgent:  downloader.PickUserAgent(cfg.UserAgent),
		Auth:       cfg.AuthFor(s.Name),
		Origin:     s.Origin(),
		Cloudflare: s.Cloudflare,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	dl, err := downloader.New(s, downloader.Options{Client: client, Base: bookURL, Logger: log})
	if err != nil {
		return err
	}

	proc, err := processor.New(root, cfg.ImageWorkers, log)
	if err != nil {
		return fmt.Errorf("cannot create output folder: %w", err)
	}

	ctx, cancel := util.WithInterrupt(cmd.Context(), log)
	defer cancel()

	var out io.Writer
	if !flagNoProgress && !cfg.Debug {
		out = os.Stdout
	}
	pm := ui.NewProgressManager(out, func() int64 {
		_, received := dl.Stats()
		return received
	})

	c := crawler.New(s, dl, proc, crawler.Options{
		Budget:   task.NewBudget(cfg.Concurrency),
		Progress: pm,
		Logger:   log.With("site", s.Name, "book", id),
	})

	log.Infof("Crawling %s from %s into %s", id, bookURL, root)

	start := time.Now()
	b, crawlErr := c.Crawl(ctx, bookURL, id)
	if crawlErr != nil {
		pm.Close()
	} else {
		pm.Wait()
	}

	rec := &history.Record{
		Site:      s.Name,
		BookID:    id,
		URL:       bookURL,
		Output:    root,
		Status:    history.StatusDone,
		StartedAt: start,
	}
	stats := proc.Stats()
	rec.Images = int(stats.Images)
	if b != nil {
		rec.Title = b.Title
		rec.Chapters = b.ChapterCount()
	}
	if crawlErr != nil {
		rec.Status = history.StatusFailed
		rec.Error = crawlErr.Error()
	}

	if cfg.History {
		recordHistory(cfg.HistoryDir, rec, log)
	}

	if crawlErr != nil {
		util.CleanupUnfinished(root, log)
		util.RemoveEmptyDirs(root, log)
		return describeCrawlError(crawlErr)
	}

	requests, received := dl.Stats()
	ui.Summary{
		Title:         b.Title,
		Output:        root,
		Chapters:      stats.Chapters,
		Images:        stats.Images,
		Duplicates:    stats.Duplicates,
		ImageFailures: stats.ImageFailures,
		Requests:      requests,
		Bytes:         received,
		Elapsed:       time.Since(start),
	}.Print(cmd.OutOrStdout())
	fmt.Fprintln(cmd.OutOrStdout(), "\nAll done.")

	return nil
}

// pickSite loads the sites directory and selects one. A broken site file only
// disables that site.
func pickSite(dir, name string, log *zap.SugaredLogger) (*site.Site, error) {
	sites, err := site.LoadDir(dir)
	if err != nil {
		if len(sites) == 0 && !isConfigError(err) {
			return nil, fmt.Errorf("%w\nRun `noveld config init` to create a sample site", err)
		}
		for _, e := range unjoin(err) {
			log.Warnf("Skipping site: %v", e)
		}
	}

	if name == "" {
		names := sites.Names()
		switch len(names) {
		case 0:
			return nil, fmt.Errorf("no usable sites in %s", dir)
		case 1:
			name = names[0]
		default:
			return nil, fmt.Errorf("missing --site, available: %s", strings.Join(names, ", "))
		}
	}

	return sites.Get(name)
}

func isConfigError(err error) bool {
	var ce *site.ConfigError
	return errors.As(err, &ce)
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// resolveBookURL prefers --url, then the base URL filled from --id and --param.
func resolveBookURL(s *site.Site, rawURL, id string, params map[string]string) (string, error) {
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil || !u.IsAbs() {
			return "", fmt.Errorf("--url %q is not an absolute URL", rawURL)
		}
		return rawURL, nil
	}

	values := map[string]string{}
	for k, v := range params {
		values[k] = v
	}
	if id != "" {
		values["id"] = id
	}

	if len(s.Placeholders()) > 0 && len(values) == 0 {
		return "", fmt.Errorf("missing --url or --id for site %s (base URL %s)", s.Name, s.BaseURL)
	}
	return s.BuildURL(values)
}

// bookID is --id, or else the last path segment of the book URL without
// its extension.
func bookID(bookURL, id string) string {
	if id != "" {
		return id
	}

	u, err := url.Parse(bookURL)
	if err != nil {
		return "book"
	}
	seg := path.Base(strings.TrimSuffix(u.Path, "/"))
	seg = strings.TrimSuffix(seg, path.Ext(seg))
	if seg == "" || seg == "." || seg == "/" {
		return "book"
	}
	return seg
}

func outputSegment(id string) string {
	if s := book.Sanitize(id); s != "" {
		return s
	}
	return "book"
}

func recordHistory(dir string, rec *history.Record, log *zap.SugaredLogger) {
	store, err := history.Open(dir)
	if err != nil {
		log.Warnf("History disabled: %v", err)
		return
	}
	defer func() { _ = store.Close() }()

	if err := store.Record(context.Background(), rec); err != nil {
		log.Warnf("Cannot record crawl: %v", err)
	}
}

func describeCrawlError(err error) error {
	var rl *downloader.RateLimitedError
	if errors.As(err, &rl) {
		if rl.RetryAfter > 0 {
			return fmt.Errorf("%w\nThe site is rate limiting; try again in %s or lower rate_limit in the site file", err, rl.RetryAfter)
		}
		return fmt.Errorf("%w\nThe site is rate limiting; lower rate_limit in the site file", err)
	}
	if task.Canceled(err) {
		return errors.New("crawl interrupted")
	}
	return err
}
