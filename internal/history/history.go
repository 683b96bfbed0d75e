// Package history keeps a SQLite ledger of finished and failed crawls.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const FileName = "history.db"

// fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

type Record struct {
	ID         int64
	Site       string
	BookID     string
	Title      string
	URL        string
	Output     string
	Status     Status
	Chapters   int
	Images     int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r *Record) Elapsed() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is one history database. A single connection serializes writers.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates dir/history.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	path := filepath.Join(dir, FileName)
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history tables: %w", err)
	}

	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS crawls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		site TEXT NOT NULL,
		book_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		chapters INTEGER NOT NULL DEFAULT 0,
		images INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_crawls_site ON crawls(site, book_id);
	CREATE INDEX IF NOT EXISTS idx_crawls_started ON crawls(started_at);
	`

	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Record appends r and sets its ID.
func (s *Store) Record(ctx context.Context, r *Record) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO crawls (site, book_id, title, url, output, status, chapters, images, error, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Site,
		r.BookID,
		r.Title,
		r.URL,
		r.Output,
		string(r.Status),
		r.Chapters,
		r.Images,
		r.Error,
		formatTime(r.StartedAt),
		formatTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert crawl record: %w", err)
	}

	r.ID, err = res.LastInsertId()
	return err
}

type Filter struct {
	Site   string
	BookID string
	Limit  int
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `
	SELECT id, site, book_id, title, url, output, status, chapters, images, error, started_at, finished_at
	FROM crawls
	WHERE 1=1`
	var args []any

	if f.Site != "" {
		query += " AND site = ?"
		args = append(args, f.Site)
	}
	if f.BookID != "" {
		query += " AND book_id = ?"
		args = append(args, f.BookID)
	}
	query += " ORDER BY started_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query crawl records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r                 Record
			status            string
			started, finished string
		)
		if err := rows.Scan(&r.ID, &r.Site, &r.BookID, &r.Title, &r.URL, &r.Output, &status,
			&r.Chapters, &r.Images, &r.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan crawl record: %w", err)
		}
		r.Status = Status(status)
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}

	return out, rows.Err()
}

// Last returns the newest successful crawl of a book, or nil.
func (s *Store) Last(ctx context.Context, site, bookID string) (*Record, error) {
	recs, err := s.List(ctx, Filter{Site: site, BookID: bookID})
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Status == StatusDone {
			return &recs[i], nil
		}
	}
	return nil, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
