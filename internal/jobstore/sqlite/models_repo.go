package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// ModelRepo mirrors config-loaded model descriptors into sqlite for
// cross-process visibility (§6). The server writes this table at
// startup; the HTTP API reads descriptors from the Model Manager and
// enginectl goes through the HTTP API, so neither reads this table.
type ModelRepo struct{ db *sql.DB }

// NewModelRepo constructs a ModelRepo over db.
func NewModelRepo(db *sql.DB) *ModelRepo { return &ModelRepo{db: db} }

var modelsTracer = otel.Tracer("jobstore.models")

// Upsert inserts or replaces the row for m.ID.
func (r *ModelRepo) Upsert(ctx domain.Context, m domain.ModelDescriptor) error {
	ctx, span := modelsTracer.Start(ctx, "models.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "sqlite"), attribute.String("db.operation", "UPSERT"), attribute.String("db.sql.table", "models"))

	argsJSON, err := json.Marshal(m.Args)
	if err != nil {
		return fmt.Errorf("op=models.upsert: %w", err)
	}
	paramsJSON, err := json.Marshal(m.GenerationParams)
	if err != nil {
		return fmt.Errorf("op=models.upsert: %w", err)
	}
	filesJSON, err := json.Marshal(m.RegistryFiles)
	if err != nil {
		return fmt.Errorf("op=models.upsert: %w", err)
	}
	capsJSON, err := json.Marshal(m.Capabilities)
	if err != nil {
		return fmt.Errorf("op=models.upsert: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO models (
		id, name, description, command, args_json, api_url, load_mode, exec_mode, port,
		startup_timeout_ms, generation_params_json, registry_repo, registry_files_json, capabilities_json
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET
		name=excluded.name, description=excluded.description, command=excluded.command,
		args_json=excluded.args_json, api_url=excluded.api_url, load_mode=excluded.load_mode,
		exec_mode=excluded.exec_mode, port=excluded.port, startup_timeout_ms=excluded.startup_timeout_ms,
		generation_params_json=excluded.generation_params_json, registry_repo=excluded.registry_repo,
		registry_files_json=excluded.registry_files_json, capabilities_json=excluded.capabilities_json`,
		m.ID, m.Name, m.Description, m.Command, string(argsJSON), m.APIURL, m.LoadMode, m.ExecMode, m.Port,
		m.StartupTimeoutMS, string(paramsJSON), m.RegistryRepo, string(filesJSON), string(capsJSON))
	if err != nil {
		return fmt.Errorf("op=models.upsert: %w", err)
	}
	return nil
}

const modelColumns = `id, name, description, command, args_json, api_url, load_mode, exec_mode, port,
	startup_timeout_ms, generation_params_json, registry_repo, registry_files_json, capabilities_json`

func scanModel(row interface {
	Scan(dest ...any) error
}) (domain.ModelDescriptor, error) {
	var m domain.ModelDescriptor
	var argsJSON, paramsJSON, filesJSON, capsJSON string
	err := row.Scan(&m.ID, &m.Name, &m.Description, &m.Command, &argsJSON, &m.APIURL, &m.LoadMode, &m.ExecMode, &m.Port,
		&m.StartupTimeoutMS, &paramsJSON, &m.RegistryRepo, &filesJSON, &capsJSON)
	if err != nil {
		return domain.ModelDescriptor{}, err
	}
	_ = json.Unmarshal([]byte(argsJSON), &m.Args)
	_ = json.Unmarshal([]byte(paramsJSON), &m.GenerationParams)
	_ = json.Unmarshal([]byte(filesJSON), &m.RegistryFiles)
	_ = json.Unmarshal([]byte(capsJSON), &m.Capabilities)
	return m, nil
}

// Get loads a model descriptor by id.
func (r *ModelRepo) Get(ctx domain.Context, id string) (domain.ModelDescriptor, error) {
	ctx, span := modelsTracer.Start(ctx, "models.Get")
	defer span.End()
	row := r.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE id=?`, id)
	m, err := scanModel(row)
	if err != nil {
		return domain.ModelDescriptor{}, mapNoRows("models.get", err)
	}
	return m, nil
}

// All lists every mirrored model descriptor.
func (r *ModelRepo) All(ctx domain.Context) ([]domain.ModelDescriptor, error) {
	ctx, span := modelsTracer.Start(ctx, "models.All")
	defer span.End()
	rows, err := r.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM models ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=models.all: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ModelDescriptor
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("op=models.all.scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
