package ui

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/brogergvhs/noveld/internal/crawler"
)

// MPBProgressManager draws one bar per volume.
type MPBProgressManager struct {
	p     *mpb.Progress
	bytes func() int64
}

// NewProgressManager renders to out; a nil out disables drawing. bytes, when
// set, reports the bytes received so far for the whole crawl.
func NewProgressManager(out io.Writer, bytes func() int64) *MPBProgressManager {
	opts := []mpb.ContainerOption{
		mpb.WithWidth(52),
		mpb.WithRefreshRate(120 * time.Millisecond),
	}
	if out == nil {
		opts = append(opts, mpb.WithOutput(nil))
	} else {
		opts = append(opts, mpb.WithOutput(out))
	}

	return &MPBProgressManager{p: mpb.New(opts...), bytes: bytes}
}

func (pm *MPBProgressManager) Close() {
	pm.p.Shutdown()
}

// Wait blocks until every bar is complete.
func (pm *MPBProgressManager) Wait() {
	pm.p.Wait()
}

func (pm *MPBProgressManager) Track(name string, total int) crawler.Tracker {
	h := &ProgressHandle{pm: pm, prefix: name}
	h.total.Store(int64(total))
	h.initBar()
	h.bar.SetTotal(int64(total), false)
	return h
}

type ProgressHandle struct {
	pm     *MPBProgressManager
	prefix string
	bar    *mpb.Bar

	total atomic.Int64

	start   time.Time
	elapsed atomic.Int64

	final atomic.Bool
}

func (h *ProgressHandle) initBar() {
	h.start = time.Now()

	h.bar = h.pm.p.New(
		0,
		mpb.BarStyle().Rbound("]"),

		mpb.PrependDecorators(
			decor.Name(h.prefix+"  "),
		),

		mpb.AppendDecorators(
			decor.Percentage(decor.WCSyncWidth),
			decor.CountersNoUnit(" | %d/%d chapters", decor.WCSyncWidth),
			decor.Any(func(_ decor.Statistics) string {
				if h.pm.bytes == nil {
					return ""
				}
				return " | " + humanBytes(h.pm.bytes())
			}),

			decor.Any(func(_ decor.Statistics) string {
				if h.final.Load() {
					return fmt.Sprintf(" | %ds", h.elapsed.Load())
				}
				return fmt.Sprintf(" | %ds", int(time.Since(h.start).Seconds()))
			}),
		),
	)
}

func (h *ProgressHandle) Grow(n int) {
	if h.final.Load() {
		return
	}
	h.bar.SetTotal(h.total.Add(int64(n)), false)
}

func (h *ProgressHandle) Increment() {
	if h.final.Load() {
		return
	}
	h.bar.Increment()
}

func (h *ProgressHandle) Done() {
	if h.final.Swap(true) {
		return
	}

	h.elapsed.Store(int64(time.Since(h.start).Seconds()))
	// the bar completes at whatever was reached, which may be below the estimate
	h.bar.SetTotal(-1, true)
}
