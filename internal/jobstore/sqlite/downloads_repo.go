package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// DownloadRepo persists model download jobs and their per-file state.
type DownloadRepo struct{ db *sql.DB }

// NewDownloadRepo constructs a DownloadRepo over db.
func NewDownloadRepo(db *sql.DB) *DownloadRepo { return &DownloadRepo{db: db} }

var downloadsTracer = otel.Tracer("jobstore.downloads")

// Create inserts a new download and its initial file rows.
func (r *DownloadRepo) Create(ctx domain.Context, d *domain.Download) error {
	ctx, span := downloadsTracer.Start(ctx, "downloads.Create")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "sqlite"), attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "downloads"))

	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = domain.DownloadPending
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=downloads.create.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO downloads (id, repo, status, bytes_downloaded, total_bytes, speed_bytes_per_s, eta_seconds, error, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Repo, d.Status, d.BytesDownloaded, d.TotalBytes, d.SpeedBytesPerS, d.ETASeconds, d.Error, d.StartedAt, d.CompletedAt)
	if err != nil {
		return fmt.Errorf("op=downloads.create: %w", err)
	}

	if err := insertFiles(ctx, tx, d.ID, d.Files); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=downloads.create.commit: %w", err)
	}
	committed = true
	return nil
}

func insertFiles(ctx domain.Context, tx *sql.Tx, downloadID string, files []domain.DownloadFile) error {
	for _, f := range files {
		_, err := tx.ExecContext(ctx, `INSERT INTO download_files (download_id, remote_path, dest_path, total_bytes, downloaded, complete)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT(download_id, remote_path) DO UPDATE SET
				dest_path=excluded.dest_path, total_bytes=excluded.total_bytes,
				downloaded=excluded.downloaded, complete=excluded.complete`,
			downloadID, f.RemotePath, f.DestPath, f.TotalBytes, f.Downloaded, boolToInt(f.Complete))
		if err != nil {
			return fmt.Errorf("op=downloads.insert_files: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Update persists the download's current aggregate state and per-file
// progress (§4.5: the download engine calls this on each progress tick,
// every 500ms by default, with no byte-count trigger).
func (r *DownloadRepo) Update(ctx domain.Context, d *domain.Download) error {
	ctx, span := downloadsTracer.Start(ctx, "downloads.Update")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "sqlite"), attribute.String("db.operation", "UPDATE"), attribute.String("db.sql.table", "downloads"))

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=downloads.update.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE downloads SET status=?, bytes_downloaded=?, total_bytes=?, speed_bytes_per_s=?, eta_seconds=?, error=?, completed_at=? WHERE id=?`,
		d.Status, d.BytesDownloaded, d.TotalBytes, d.SpeedBytesPerS, d.ETASeconds, d.Error, d.CompletedAt, d.ID)
	if err != nil {
		return fmt.Errorf("op=downloads.update: %w", err)
	}
	if err := checkAffected("downloads.update", res); err != nil {
		return err
	}

	if err := insertFiles(ctx, tx, d.ID, d.Files); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=downloads.update.commit: %w", err)
	}
	committed = true
	return nil
}

// Get loads a download with its per-file rows.
func (r *DownloadRepo) Get(ctx domain.Context, id string) (domain.Download, error) {
	ctx, span := downloadsTracer.Start(ctx, "downloads.Get")
	defer span.End()
	row := r.db.QueryRowContext(ctx, `SELECT id, repo, status, bytes_downloaded, total_bytes, speed_bytes_per_s, eta_seconds, error, started_at, completed_at FROM downloads WHERE id=?`, id)
	d, err := scanDownload(row)
	if err != nil {
		return domain.Download{}, mapNoRows("downloads.get", err)
	}
	d.Files, err = r.filesFor(ctx, id)
	if err != nil {
		return domain.Download{}, err
	}
	return d, nil
}

func scanDownload(row *sql.Row) (domain.Download, error) {
	var d domain.Download
	var completedAt sql.NullTime
	err := row.Scan(&d.ID, &d.Repo, &d.Status, &d.BytesDownloaded, &d.TotalBytes, &d.SpeedBytesPerS, &d.ETASeconds, &d.Error, &d.StartedAt, &completedAt)
	if err != nil {
		return domain.Download{}, err
	}
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Time
	}
	return d, nil
}

func (r *DownloadRepo) filesFor(ctx domain.Context, downloadID string) ([]domain.DownloadFile, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT remote_path, dest_path, total_bytes, downloaded, complete FROM download_files WHERE download_id=? ORDER BY remote_path ASC`, downloadID)
	if err != nil {
		return nil, fmt.Errorf("op=downloads.files_for: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []domain.DownloadFile
	for rows.Next() {
		var f domain.DownloadFile
		var complete int
		if err := rows.Scan(&f.RemotePath, &f.DestPath, &f.TotalBytes, &f.Downloaded, &complete); err != nil {
			return nil, fmt.Errorf("op=downloads.files_for.scan: %w", err)
		}
		f.Complete = complete != 0
		files = append(files, f)
	}
	return files, rows.Err()
}

// All lists every download, most recently started first.
func (r *DownloadRepo) All(ctx domain.Context) ([]domain.Download, error) {
	ctx, span := downloadsTracer.Start(ctx, "downloads.All")
	defer span.End()
	rows, err := r.db.QueryContext(ctx, `SELECT id, repo, status, bytes_downloaded, total_bytes, speed_bytes_per_s, eta_seconds, error, started_at, completed_at FROM downloads ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("op=downloads.all: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Download
	for rows.Next() {
		var d domain.Download
		var completedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.Repo, &d.Status, &d.BytesDownloaded, &d.TotalBytes, &d.SpeedBytesPerS, &d.ETASeconds, &d.Error, &d.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("op=downloads.all.scan: %w", err)
		}
		if completedAt.Valid {
			d.CompletedAt = &completedAt.Time
		}
		files, err := r.filesFor(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		d.Files = files
		out = append(out, d)
	}
	return out, rows.Err()
}

// Delete removes a download and its file rows.
func (r *DownloadRepo) Delete(ctx domain.Context, id string) error {
	ctx, span := downloadsTracer.Start(ctx, "downloads.Delete")
	defer span.End()
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("op=downloads.delete: %w", err)
	}
	return checkAffected("downloads.delete", res)
}

// CleanupOlderThan removes completed/failed/cancelled downloads whose
// completed_at predates cutoff, returning the number removed.
func (r *DownloadRepo) CleanupOlderThan(ctx domain.Context, cutoff time.Time) (int, error) {
	ctx, span := downloadsTracer.Start(ctx, "downloads.CleanupOlderThan")
	defer span.End()
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE status IN (?,?,?) AND completed_at IS NOT NULL AND completed_at < ?`,
		domain.DownloadCompleted, domain.DownloadFailed, domain.DownloadCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=downloads.cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=downloads.cleanup: %w", err)
	}
	return int(n), nil
}
