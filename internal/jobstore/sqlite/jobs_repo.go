package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// JobRepo persists jobs and their generated images in sqlite.
type JobRepo struct{ db *sql.DB }

// NewJobRepo constructs a JobRepo over db.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{db: db} }

var jobsTracer = otel.Tracer("jobstore.jobs")

// Enqueue inserts a new pending job (§4.3 step 1).
func (r *JobRepo) Enqueue(ctx domain.Context, j *domain.Job) error {
	ctx, span := jobsTracer.Start(ctx, "jobs.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "sqlite"), attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "jobs"))

	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	paramsJSON, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("op=jobs.enqueue: %w", err)
	}

	const q = `INSERT INTO jobs (
		id, type, model_id, prompt, negative_prompt, width, height, seed, batch_size,
		quality, style, source_image_path, mask_image_path, strength, params_json,
		status, progress, error, created_at, updated_at, model_loading_time_ms, generation_time_ms
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err = r.db.ExecContext(ctx, q,
		j.ID, j.Type, j.ModelID, j.Prompt, j.NegativePrompt, j.Width, j.Height, j.Seed, j.BatchSize,
		j.Quality, j.Style, j.SourceImagePath, j.MaskImagePath, j.Strength, string(paramsJSON),
		j.Status, j.Progress, j.Error, j.CreatedAt, j.UpdatedAt, j.ModelLoadingTimeMS, j.GenerationTimeMS,
	)
	if err != nil {
		return fmt.Errorf("op=jobs.enqueue: %w", err)
	}
	return nil
}

// ClaimNextPending atomically selects the oldest pending job and
// transitions it to processing in one transaction, so two callers can
// never claim the same job (§4.3 step 2, §8 property 6).
func (r *JobRepo) ClaimNextPending(ctx domain.Context) (*domain.Job, error) {
	ctx, span := jobsTracer.Start(ctx, "jobs.ClaimNextPending")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "sqlite"), attribute.String("db.operation", "UPDATE"), attribute.String("db.sql.table", "jobs"))

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=jobs.claim_next.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1`, domain.JobPending).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("op=jobs.claim_next: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=jobs.claim_next.select: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.JobProcessing, now, now, id, domain.JobPending)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.claim_next.update: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("op=jobs.claim_next: %w: job %s was claimed concurrently", domain.ErrConflict, id)
	}

	j, err := scanJobTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("op=jobs.claim_next.commit: %w", err)
	}
	committed = true
	return &j, nil
}

const jobColumns = `id, type, model_id, prompt, negative_prompt, width, height, seed, batch_size,
	quality, style, source_image_path, mask_image_path, strength, params_json,
	status, progress, error, created_at, updated_at, started_at, completed_at,
	model_loading_time_ms, generation_time_ms`

func scanJobRow(row *sql.Row) (domain.Job, error) {
	var j domain.Job
	var paramsJSON string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.Type, &j.ModelID, &j.Prompt, &j.NegativePrompt, &j.Width, &j.Height, &j.Seed, &j.BatchSize,
		&j.Quality, &j.Style, &j.SourceImagePath, &j.MaskImagePath, &j.Strength, &paramsJSON,
		&j.Status, &j.Progress, &j.Error, &j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt,
		&j.ModelLoadingTimeMS, &j.GenerationTimeMS)
	if err != nil {
		return domain.Job{}, err
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal([]byte(paramsJSON), &j.Params)
	return j, nil
}

func scanJobTx(ctx domain.Context, tx *sql.Tx, id string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJobRow(row)
	if err != nil {
		return domain.Job{}, mapNoRows("jobs.get", err)
	}
	return attachImagesTx(ctx, tx, j)
}

func attachImagesTx(ctx domain.Context, tx *sql.Tx, j domain.Job) (domain.Job, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, job_id, idx, mime_type, file_path, revised_prompt, width, height, created_at FROM generated_images WHERE job_id=? ORDER BY idx ASC`, j.ID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.attach_images: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var img domain.GeneratedImage
		if err := rows.Scan(&img.ID, &img.JobID, &img.Index, &img.MimeType, &img.FilePath, &img.RevisedPrompt, &img.Width, &img.Height, &img.CreatedAt); err != nil {
			return domain.Job{}, fmt.Errorf("op=jobs.attach_images.scan: %w", err)
		}
		j.Images = append(j.Images, img)
	}
	return j, rows.Err()
}

// Get loads a job by id, including its generated images.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	ctx, span := jobsTracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "sqlite"), attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "jobs"))

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.get.begin_tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return scanJobTx(ctx, tx, id)
}

// SetStatus updates a job's status and optional error message.
func (r *JobRepo) SetStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	ctx, span := jobsTracer.Start(ctx, "jobs.SetStatus")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "sqlite"), attribute.String("db.operation", "UPDATE"), attribute.String("db.sql.table", "jobs"))

	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	now := time.Now().UTC()
	var completedAt interface{}
	if status == domain.JobCompleted || status == domain.JobFailed || status == domain.JobCancelled {
		completedAt = now
	}
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET status=?, error=?, updated_at=?, completed_at=COALESCE(?, completed_at) WHERE id=?`,
		status, errVal, now, completedAt, id)
	if err != nil {
		return fmt.Errorf("op=jobs.set_status: %w", err)
	}
	return checkAffected("jobs.set_status", res)
}

// SetProgress updates a job's progress fraction.
func (r *JobRepo) SetProgress(ctx domain.Context, id string, progress float64) error {
	ctx, span := jobsTracer.Start(ctx, "jobs.SetProgress")
	defer span.End()
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET progress=?, updated_at=? WHERE id=?`, progress, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("op=jobs.set_progress: %w", err)
	}
	return checkAffected("jobs.set_progress", res)
}

// SetTimings records the model-loading and generation durations (§4.4 step 8).
func (r *JobRepo) SetTimings(ctx domain.Context, id string, modelLoadingMS, generationMS int64) error {
	ctx, span := jobsTracer.Start(ctx, "jobs.SetTimings")
	defer span.End()
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET model_loading_time_ms=?, generation_time_ms=?, updated_at=? WHERE id=?`,
		modelLoadingMS, generationMS, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("op=jobs.set_timings: %w", err)
	}
	return checkAffected("jobs.set_timings", res)
}

// AppendImage attaches a generated image to a job.
func (r *JobRepo) AppendImage(ctx domain.Context, jobID string, img domain.GeneratedImage) error {
	ctx, span := jobsTracer.Start(ctx, "jobs.AppendImage")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "sqlite"), attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "generated_images"))

	if img.ID == "" {
		img.ID = uuid.New().String()
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO generated_images (id, job_id, idx, mime_type, file_path, revised_prompt, width, height, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		img.ID, jobID, img.Index, img.MimeType, img.FilePath, img.RevisedPrompt, img.Width, img.Height, img.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=jobs.append_image: %w", err)
	}
	return nil
}

// GetImage loads a single generated image by its own id, independent
// of its owning job, for the binary-serving endpoint (§6).
func (r *JobRepo) GetImage(ctx domain.Context, imageID string) (domain.GeneratedImage, error) {
	ctx, span := jobsTracer.Start(ctx, "jobs.GetImage")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "sqlite"), attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "generated_images"))

	row := r.db.QueryRowContext(ctx, `SELECT id, job_id, idx, mime_type, file_path, revised_prompt, width, height, created_at FROM generated_images WHERE id=?`, imageID)
	var img domain.GeneratedImage
	err := row.Scan(&img.ID, &img.JobID, &img.Index, &img.MimeType, &img.FilePath, &img.RevisedPrompt, &img.Width, &img.Height, &img.CreatedAt)
	if err != nil {
		return domain.GeneratedImage{}, mapNoRows("jobs.get_image", err)
	}
	return img, nil
}

// List returns a paginated, optionally status-filtered list of jobs.
func (r *JobRepo) List(ctx domain.Context, filter domain.JobFilter) ([]domain.Job, domain.Page, error) {
	ctx, span := jobsTracer.Start(ctx, "jobs.List")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "sqlite"), attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "jobs"))

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	whereClause, args := "", []any{}
	if filter.Status != "" {
		whereClause = "WHERE status = ?"
		args = append(args, filter.Status)
	}

	var total int
	countQ := `SELECT COUNT(*) FROM jobs ` + whereClause
	if err := r.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, domain.Page{}, fmt.Errorf("op=jobs.list.count: %w", err)
	}

	listQ := `SELECT ` + jobColumns + ` FROM jobs ` + whereClause + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, listQ, append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, domain.Page{}, fmt.Errorf("op=jobs.list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		var j domain.Job
		var paramsJSON string
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&j.ID, &j.Type, &j.ModelID, &j.Prompt, &j.NegativePrompt, &j.Width, &j.Height, &j.Seed, &j.BatchSize,
			&j.Quality, &j.Style, &j.SourceImagePath, &j.MaskImagePath, &j.Strength, &paramsJSON,
			&j.Status, &j.Progress, &j.Error, &j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt,
			&j.ModelLoadingTimeMS, &j.GenerationTimeMS); err != nil {
			return nil, domain.Page{}, fmt.Errorf("op=jobs.list.scan: %w", err)
		}
		if startedAt.Valid {
			j.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			j.CompletedAt = &completedAt.Time
		}
		_ = json.Unmarshal([]byte(paramsJSON), &j.Params)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Page{}, fmt.Errorf("op=jobs.list.rows: %w", err)
	}

	page := domain.Page{Total: total, Limit: limit, Offset: offset, HasMore: offset+len(jobs) < total}
	return jobs, page, nil
}

// Cancel marks a pending job cancelled. A job already claimed for
// processing is not cancellable (§3, §4.3, §5): cancellation is only
// honoured while the job is still pending.
func (r *JobRepo) Cancel(ctx domain.Context, id string) error {
	ctx, span := jobsTracer.Start(ctx, "jobs.Cancel")
	defer span.End()
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=?, completed_at=? WHERE id=? AND status=?`,
		domain.JobCancelled, now, now, id, domain.JobPending)
	if err != nil {
		return fmt.Errorf("op=jobs.cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("op=jobs.cancel: %w", domain.ErrConflict)
	}
	return nil
}

// Delete removes a job and its images.
func (r *JobRepo) Delete(ctx domain.Context, id string) error {
	ctx, span := jobsTracer.Start(ctx, "jobs.Delete")
	defer span.End()
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("op=jobs.delete: %w", err)
	}
	return checkAffected("jobs.delete", res)
}

// ListStuckProcessing returns jobs stuck in processing since before
// olderThan, grounded on the teacher's stuck-jobs sweep.
func (r *JobRepo) ListStuckProcessing(ctx domain.Context, olderThan time.Time) ([]domain.Job, error) {
	ctx, span := jobsTracer.Start(ctx, "jobs.ListStuckProcessing")
	defer span.End()
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=? AND started_at IS NOT NULL AND started_at < ?`,
		domain.JobProcessing, olderThan)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.list_stuck: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		var j domain.Job
		var paramsJSON string
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&j.ID, &j.Type, &j.ModelID, &j.Prompt, &j.NegativePrompt, &j.Width, &j.Height, &j.Seed, &j.BatchSize,
			&j.Quality, &j.Style, &j.SourceImagePath, &j.MaskImagePath, &j.Strength, &paramsJSON,
			&j.Status, &j.Progress, &j.Error, &j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt,
			&j.ModelLoadingTimeMS, &j.GenerationTimeMS); err != nil {
			return nil, fmt.Errorf("op=jobs.list_stuck.scan: %w", err)
		}
		if startedAt.Valid {
			j.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			j.CompletedAt = &completedAt.Time
		}
		_ = json.Unmarshal([]byte(paramsJSON), &j.Params)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func checkAffected(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return nil
}
