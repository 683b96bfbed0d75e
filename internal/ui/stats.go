package ui

import (
	"fmt"
	"io"
	"time"
)

// Summary is the end-of-run report.
type Summary struct {
	Title         string
	Output        string
	Chapters      int64
	Images        int64
	Duplicates    int64
	ImageFailures int64
	Requests      int64
	Bytes         int64
	Elapsed       time.Duration
}

func (s Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "\n%s\n", s.Title)
	fmt.Fprintf(w, " -output: %s\n", s.Output)
	fmt.Fprintf(w, " -chapters: %d\n", s.Chapters)
	fmt.Fprintf(w, " -images: %d saved, %d duplicate", s.Images, s.Duplicates)
	if s.ImageFailures > 0 {
		fmt.Fprintf(w, ", %d failed", s.ImageFailures)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, " -requests: %d (%s)\n", s.Requests, humanBytes(s.Bytes))
	fmt.Fprintf(w, " -elapsed: %s\n", s.Elapsed.Round(time.Second))
}

func humanBytes(n int64) string {
	const unit = 1 << 10
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 2; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMG"[exp])
}
