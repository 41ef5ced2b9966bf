package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iconidentify/rangegrab/internal/domain"
)

// SQLiteDownloadRepository keeps the download history in a SQLite file.
type SQLiteDownloadRepository struct {
	db *sql.DB
}

// NewSQLiteDownloadRepository opens (or creates) the history database at path.
func NewSQLiteDownloadRepository(ctx context.Context, path string) (*SQLiteDownloadRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS downloads (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			output_path TEXT NOT NULL,
			audio_only INTEGER NOT NULL,
			status TEXT NOT NULL,
			video_rendition TEXT NOT NULL DEFAULT '',
			audio_rendition TEXT NOT NULL DEFAULT '',
			bytes_written INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_downloads_started ON downloads(started_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &SQLiteDownloadRepository{db: db}, nil
}

// Create records a new run.
func (r *SQLiteDownloadRepository) Create(ctx context.Context, d *domain.Download) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (id, source, output_path, audio_only, status, video_rendition,
			audio_rendition, bytes_written, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d.ID), d.Source, d.OutputPath, d.AudioOnly, string(d.Status), d.VideoRendition,
		d.AudioRendition, d.BytesWritten, d.Error, d.StartedAt.UnixNano(), nullTime(d.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert download: %w", err)
	}
	return nil
}

// Update overwrites a run record.
func (r *SQLiteDownloadRepository) Update(ctx context.Context, d *domain.Download) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, video_rendition = ?, audio_rendition = ?,
			bytes_written = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		string(d.Status), d.VideoRendition, d.AudioRendition,
		d.BytesWritten, d.Error, nullTime(d.FinishedAt), string(d.ID),
	)
	if err != nil {
		return fmt.Errorf("update download: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrDownloadNotFound
	}
	return nil
}

const selectDownload = `SELECT id, source, output_path, audio_only, status, video_rendition,
	audio_rendition, bytes_written, error, started_at, finished_at FROM downloads`

// Get retrieves a run by ID.
func (r *SQLiteDownloadRepository) Get(ctx context.Context, id domain.DownloadID) (*domain.Download, error) {
	row := r.db.QueryRowContext(ctx, selectDownload+" WHERE id = ?", string(id))
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDownloadNotFound
	}
	return d, err
}

// List returns runs, newest first.
func (r *SQLiteDownloadRepository) List(ctx context.Context, limit, offset int) ([]*domain.Download, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, selectDownload+" ORDER BY started_at DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer rows.Close()

	var result []*domain.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// Close closes the database.
func (r *SQLiteDownloadRepository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDownload(s scanner) (*domain.Download, error) {
	var (
		d        domain.Download
		id       string
		status   string
		started  int64
		finished sql.NullInt64
	)
	err := s.Scan(&id, &d.Source, &d.OutputPath, &d.AudioOnly, &status, &d.VideoRendition,
		&d.AudioRendition, &d.BytesWritten, &d.Error, &started, &finished)
	if err != nil {
		return nil, err
	}
	d.ID = domain.DownloadID(id)
	d.Status = domain.DownloadStatus(status)
	d.StartedAt = time.Unix(0, started)
	if finished.Valid {
		t := time.Unix(0, finished.Int64)
		d.FinishedAt = &t
	}
	return &d, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// InMemoryDownloadRepository keeps the history for the life of the process.
type InMemoryDownloadRepository struct {
	mu        sync.RWMutex
	downloads map[domain.DownloadID]domain.Download
}

// NewInMemoryDownloadRepository creates an empty history.
func NewInMemoryDownloadRepository() *InMemoryDownloadRepository {
	return &InMemoryDownloadRepository{
		downloads: make(map[domain.DownloadID]domain.Download),
	}
}

// Create records a new run.
func (r *InMemoryDownloadRepository) Create(ctx context.Context, d *domain.Download) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloads[d.ID] = *d
	return nil
}

// Update overwrites a run record.
func (r *InMemoryDownloadRepository) Update(ctx context.Context, d *domain.Download) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.downloads[d.ID]; !ok {
		return domain.ErrDownloadNotFound
	}
	r.downloads[d.ID] = *d
	return nil
}

// Get retrieves a run by ID.
func (r *InMemoryDownloadRepository) Get(ctx context.Context, id domain.DownloadID) (*domain.Download, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.downloads[id]
	if !ok {
		return nil, domain.ErrDownloadNotFound
	}
	return &d, nil
}

// List returns runs, newest first.
func (r *InMemoryDownloadRepository) List(ctx context.Context, limit, offset int) ([]*domain.Download, error) {
	r.mu.RLock()
	all := make([]*domain.Download, 0, len(r.downloads))
	for _, d := range r.downloads {
		d := d
		all = append(all, &d)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// Close is a no-op.
func (r *InMemoryDownloadRepository) Close() error {
	return nil
}
