package sqlite

import (
	"database/sql"
	"fmt"
)

const createJobs = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	model_id TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	negative_prompt TEXT NOT NULL DEFAULT '',
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	seed INTEGER,
	batch_size INTEGER NOT NULL DEFAULT 1,
	quality TEXT NOT NULL DEFAULT '',
	style TEXT NOT NULL DEFAULT '',
	source_image_path TEXT NOT NULL DEFAULT '',
	mask_image_path TEXT NOT NULL DEFAULT '',
	strength REAL,
	params_json TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	model_loading_time_ms INTEGER NOT NULL DEFAULT 0,
	generation_time_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
`

const createImages = `
CREATE TABLE IF NOT EXISTS generated_images (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	idx INTEGER NOT NULL,
	mime_type TEXT NOT NULL DEFAULT '',
	file_path TEXT NOT NULL,
	revised_prompt TEXT NOT NULL DEFAULT '',
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_images_job ON generated_images(job_id);
`

const createDownloads = `
CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY,
	repo TEXT NOT NULL,
	status TEXT NOT NULL,
	bytes_downloaded INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	speed_bytes_per_s REAL NOT NULL DEFAULT 0,
	eta_seconds REAL NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);
`

const createDownloadFiles = `
CREATE TABLE IF NOT EXISTS download_files (
	download_id TEXT NOT NULL REFERENCES downloads(id) ON DELETE CASCADE,
	remote_path TEXT NOT NULL,
	dest_path TEXT NOT NULL,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	downloaded INTEGER NOT NULL DEFAULT 0,
	complete INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (download_id, remote_path)
);
`

const createModels = `
CREATE TABLE IF NOT EXISTS models (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL DEFAULT '',
	args_json TEXT NOT NULL DEFAULT '[]',
	api_url TEXT NOT NULL DEFAULT '',
	load_mode TEXT NOT NULL DEFAULT '',
	exec_mode TEXT NOT NULL DEFAULT '',
	port INTEGER NOT NULL DEFAULT 0,
	startup_timeout_ms INTEGER NOT NULL DEFAULT 0,
	generation_params_json TEXT NOT NULL DEFAULT '{}',
	registry_repo TEXT NOT NULL DEFAULT '',
	registry_files_json TEXT NOT NULL DEFAULT '[]',
	capabilities_json TEXT NOT NULL DEFAULT '[]'
);
`

// migrate creates every table the store needs if absent, then applies
// any additive column changes introduced since. Tables are never
// dropped or altered destructively (§SPEC_FULL supplemented feature:
// additive-only schema migrations).
func migrate(db *sql.DB) error {
	for _, stmt := range []string{createJobs, createImages, createDownloads, createDownloadFiles, createModels} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("op=sqlite.migrate: %w", err)
		}
	}
	return addColumnsIfMissing(db)
}

// addColumnsIfMissing is where future releases append ALTER TABLE ...
// ADD COLUMN statements, guarded by a PRAGMA table_info lookup so
// re-running migrate against an already-upgraded database is a no-op.
func addColumnsIfMissing(db *sql.DB) error {
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("op=sqlite.hasColumn: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &primaryKey); err != nil {
			return false, fmt.Errorf("op=sqlite.hasColumn: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
