package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/promptloom/promptloom/internal/apperr"
	"github.com/promptloom/promptloom/trace"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns the default pool configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Postgres implements Store on a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens a connection pool for dsn and verifies connectivity.
func NewPostgres(dsn string, config *PostgresConfig) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing database handle. The caller owns
// the handle's lifecycle configuration.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB exposes the underlying handle so migrations can share the pool.
func (s *Postgres) DB() *sql.DB { return s.db }

// Close releases database resources.
func (s *Postgres) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Postgres) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Projects

func (s *Postgres) CreateProject(ctx context.Context, name string) (*Project, error) {
	p := &Project{Name: name}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (name) VALUES ($1)
		RETURNING id, created_at
	`, name).Scan(&p.ID, &p.CreatedAt)
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func (s *Postgres) GetOrCreateProject(ctx context.Context, name string) (*Project, error) {
	p := &Project{}
	// DO UPDATE keeps RETURNING populated on the conflict path.
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at
	`, name).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create project: %w", err)
	}
	return p, nil
}

func (s *Postgres) GetProject(ctx context.Context, id int64) (*Project, error) {
	p := &Project{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *Postgres) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	p := &Project{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM projects WHERE name = $1
	`, name).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project by name: %w", err)
	}
	return p, nil
}

func (s *Postgres) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at FROM projects ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p := &Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Tasks

const taskColumns = `id, project_id, path, name, description, production_version_id, created_at, updated_at`

func scanTask(sc scanner) (*Task, error) {
	t := &Task{}
	err := sc.Scan(&t.ID, &t.ProjectID, &t.Path, &t.Name, &t.Description, &t.ProductionVersionID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Postgres) CreateTask(ctx context.Context, t *Task) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (project_id, path, name, description, production_version_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, t.ProjectID, t.Path, t.Name, t.Description, t.ProductionVersionID).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Postgres) GetTask(ctx context.Context, id int64) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Postgres) ListTasks(ctx context.Context, projectID int64) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateTask(ctx context.Context, id int64, upd TaskUpdate) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET name = COALESCE($2, name),
			description = COALESCE($3, description),
			updated_at = now()
		WHERE id = $1
		RETURNING `+taskColumns+`
	`, id, upd.Name, upd.Description))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

func (s *Postgres) SetProductionVersion(ctx context.Context, taskID, implementationID int64) error {
	var implTaskID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id FROM implementations WHERE id = $1
	`, implementationID).Scan(&implTaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("set production version: %w", err)
	}
	if implTaskID != taskID {
		return apperr.BadRequest("implementation %d does not belong to task %d", implementationID, taskID)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET production_version_id = $2, updated_at = now() WHERE id = $1
	`, taskID, implementationID)
	if err != nil {
		return fmt.Errorf("set production version: %w", err)
	}
	return requireRow(res)
}

// Implementations

const implementationColumns = `id, task_id, prompt, model, temperature, max_output_tokens, tools, tool_choice, reasoning, temp, created_at`

func scanImplementation(sc scanner) (*Implementation, error) {
	impl := &Implementation{}
	var tools, toolChoice, reasoning []byte
	err := sc.Scan(&impl.ID, &impl.TaskID, &impl.Prompt, &impl.Model, &impl.Temperature,
		&impl.MaxOutputTokens, &tools, &toolChoice, &reasoning, &impl.Temp, &impl.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := fromJSON(tools, &impl.Tools); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	if err := fromJSON(toolChoice, &impl.ToolChoice); err != nil {
		return nil, fmt.Errorf("decode tool choice: %w", err)
	}
	if err := fromJSON(reasoning, &impl.Reasoning); err != nil {
		return nil, fmt.Errorf("decode reasoning: %w", err)
	}
	return impl, nil
}

func (s *Postgres) CreateImplementation(ctx context.Context, impl *Implementation) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO implementations (task_id, prompt, model, temperature, max_output_tokens, tools, tool_choice, reasoning, temp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, impl.TaskID, impl.Prompt, impl.Model, impl.Temperature, impl.MaxOutputTokens,
		jsonb{impl.Tools}, jsonb{impl.ToolChoice}, jsonb{impl.Reasoning}, impl.Temp).Scan(&impl.ID, &impl.CreatedAt)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("create implementation: %w", err)
	}
	return nil
}

func (s *Postgres) GetImplementation(ctx context.Context, id int64) (*Implementation, error) {
	impl, err := scanImplementation(s.db.QueryRowContext(ctx, `
		SELECT `+implementationColumns+` FROM implementations WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get implementation: %w", err)
	}
	return impl, nil
}

func (s *Postgres) ListImplementations(ctx context.Context, projectID int64, model string) ([]*Implementation, error) {
	query := `
		SELECT i.id, i.task_id, i.prompt, i.model, i.temperature, i.max_output_tokens, i.tools, i.tool_choice, i.reasoning, i.temp, i.created_at
		FROM implementations i
		JOIN tasks t ON t.id = i.task_id
		WHERE t.project_id = $1`
	args := []any{projectID}
	if model != "" {
		query += ` AND i.model = $2`
		args = append(args, model)
	}
	query += ` ORDER BY i.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list implementations: %w", err)
	}
	defer rows.Close()
	return collectImplementations(rows)
}

func (s *Postgres) ListTaskImplementations(ctx context.Context, taskID int64) ([]*Implementation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+implementationColumns+` FROM implementations WHERE task_id = $1 ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task implementations: %w", err)
	}
	defer rows.Close()
	return collectImplementations(rows)
}

func collectImplementations(rows *sql.Rows) ([]*Implementation, error) {
	var out []*Implementation
	for rows.Next() {
		impl, err := scanImplementation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan implementation: %w", err)
		}
		out = append(out, impl)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteImplementation(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE implementation_id = $1`, id); err != nil {
			return fmt.Errorf("delete executions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE traces SET implementation_id = NULL, prompt_variables = NULL WHERE implementation_id = $1
		`, id); err != nil {
			return fmt.Errorf("unlink traces: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET production_version_id = NULL, updated_at = now() WHERE production_version_id = $1
		`, id); err != nil {
			return fmt.Errorf("clear production version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM evaluation_configs WHERE implementation_id = $1`, id); err != nil {
			return fmt.Errorf("delete evaluation configs: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM implementations WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete implementation: %w", err)
		}
		return requireRow(res)
	})
}

// Traces

const traceColumns = `id, project_id, implementation_id, http_trace_id, path, model, started_at, completed_at,
	output, instructions, prompt, temperature, max_output_tokens, tool_choice, tools,
	prompt_tokens, completion_tokens, total_tokens, cached_tokens, reasoning_tokens,
	finish_reason, system_fingerprint, reasoning, response_schema, result, error,
	prompt_variables, trace_metadata, created_at`

func scanTrace(sc scanner) (*Trace, error) {
	tr := &Trace{}
	var output, toolChoice, tools, reasoning, schema, vars, meta []byte
	err := sc.Scan(
		&tr.ID, &tr.ProjectID, &tr.ImplementationID, &tr.HTTPTraceID, &tr.Path, &tr.Model,
		&tr.StartedAt, &tr.CompletedAt,
		&output, &tr.Instructions, &tr.Prompt, &tr.Temperature, &tr.MaxOutputTokens, &toolChoice, &tools,
		&tr.PromptTokens, &tr.CompletionTokens, &tr.TotalTokens, &tr.CachedTokens, &tr.ReasoningTokens,
		&tr.FinishReason, &tr.SystemFingerprint, &reasoning, &schema, &tr.Result, &tr.Error,
		&vars, &meta, &tr.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := fromJSON(output, &tr.Output); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if err := fromJSON(toolChoice, &tr.ToolChoice); err != nil {
		return nil, fmt.Errorf("decode tool choice: %w", err)
	}
	if err := fromJSON(tools, &tr.Tools); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	if err := fromJSON(reasoning, &tr.Reasoning); err != nil {
		return nil, fmt.Errorf("decode reasoning: %w", err)
	}
	if err := fromJSON(schema, &tr.ResponseSchema); err != nil {
		return nil, fmt.Errorf("decode response schema: %w", err)
	}
	if err := fromJSON(vars, &tr.PromptVariables); err != nil {
		return nil, fmt.Errorf("decode prompt variables: %w", err)
	}
	if err := fromJSON(meta, &tr.TraceMetadata); err != nil {
		return nil, fmt.Errorf("decode trace metadata: %w", err)
	}
	return tr, nil
}

func (s *Postgres) CreateTrace(ctx context.Context, tr *Trace) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO traces (project_id, implementation_id, http_trace_id, path, model, started_at, completed_at,
				output, instructions, prompt, temperature, max_output_tokens, tool_choice, tools,
				prompt_tokens, completion_tokens, total_tokens, cached_tokens, reasoning_tokens,
				finish_reason, system_fingerprint, reasoning, response_schema, result, error,
				prompt_variables, trace_metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
				$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
			RETURNING id, created_at
		`,
			tr.ProjectID, tr.ImplementationID, tr.HTTPTraceID, tr.Path, tr.Model, tr.StartedAt, tr.CompletedAt,
			jsonb{tr.Output}, tr.Instructions, tr.Prompt, tr.Temperature, tr.MaxOutputTokens,
			jsonb{tr.ToolChoice}, jsonb{tr.Tools},
			tr.PromptTokens, tr.CompletionTokens, tr.TotalTokens, tr.CachedTokens, tr.ReasoningTokens,
			tr.FinishReason, tr.SystemFingerprint, jsonb{tr.Reasoning}, jsonb{tr.ResponseSchema},
			tr.Result, tr.Error, jsonb{tr.PromptVariables}, jsonb{tr.TraceMetadata},
		).Scan(&tr.ID, &tr.CreatedAt)
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}

		for i, item := range tr.InputItems {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO trace_input_items (trace_id, ordinal, item) VALUES ($1, $2, $3)
			`, tr.ID, i, jsonb{item}); err != nil {
				return fmt.Errorf("create input item %d: %w", i, err)
			}
		}
		return nil
	})
}

func (s *Postgres) GetTrace(ctx context.Context, id int64) (*Trace, error) {
	tr, err := scanTrace(s.db.QueryRowContext(ctx, `
		SELECT `+traceColumns+` FROM traces WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}
	if err := s.loadInputItems(ctx, []*Trace{tr}); err != nil {
		return nil, err
	}
	return tr, nil
}

func (s *Postgres) ListTraces(ctx context.Context, f TraceFilter) ([]*Trace, error) {
	query := `SELECT ` + traceColumns + ` FROM traces WHERE 1=1`
	var args []any
	if f.ProjectID != nil {
		args = append(args, *f.ProjectID)
		query += fmt.Sprintf(` AND project_id = $%d`, len(args))
	}
	if f.Path != nil {
		args = append(args, *f.Path)
		query += fmt.Sprintf(` AND path = $%d`, len(args))
	}
	if f.Unmatched {
		query += ` AND implementation_id IS NULL`
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()
	return s.collectTraces(ctx, rows)
}

func (s *Postgres) ListUnmatchedTraces(ctx context.Context, projectID int64, path *string) ([]*Trace, error) {
	query := `SELECT ` + traceColumns + ` FROM traces WHERE project_id = $1 AND implementation_id IS NULL`
	args := []any{projectID}
	if path == nil {
		query += ` AND path IS NULL`
	} else {
		query += ` AND path = $2`
		args = append(args, *path)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unmatched traces: %w", err)
	}
	defer rows.Close()
	return s.collectTraces(ctx, rows)
}

func (s *Postgres) collectTraces(ctx context.Context, rows *sql.Rows) ([]*Trace, error) {
	var out []*Trace
	for rows.Next() {
		tr, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadInputItems(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// loadInputItems hydrates input items for the given traces with one query.
func (s *Postgres) loadInputItems(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}
	byID := make(map[int64]*Trace, len(traces))
	ids := make([]int64, 0, len(traces))
	for _, tr := range traces {
		byID[tr.ID] = tr
		ids = append(ids, tr.ID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, item FROM trace_input_items
		WHERE trace_id = ANY($1)
		ORDER BY trace_id, ordinal
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load input items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var traceID int64
		var raw []byte
		if err := rows.Scan(&traceID, &raw); err != nil {
			return fmt.Errorf("scan input item: %w", err)
		}
		var item trace.InputItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("decode input item: %w", err)
		}
		if tr := byID[traceID]; tr != nil {
			tr.InputItems = append(tr.InputItems, item)
		}
	}
	return rows.Err()
}

func (s *Postgres) AssignImplementation(ctx context.Context, traceID, implementationID int64, vars map[string]string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE traces SET implementation_id = $2, prompt_variables = $3 WHERE id = $1
	`, traceID, implementationID, jsonb{vars})
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("assign implementation: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) ListUnmatchedKeys(ctx context.Context, minCount int) ([]UnmatchedKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, path, MAX(id), COUNT(*)
		FROM traces
		WHERE implementation_id IS NULL
		GROUP BY project_id, path
		HAVING COUNT(*) >= $1
		ORDER BY project_id, MAX(id)
	`, minCount)
	if err != nil {
		return nil, fmt.Errorf("list unmatched keys: %w", err)
	}
	defer rows.Close()

	var out []UnmatchedKey
	for rows.Next() {
		var k UnmatchedKey
		if err := rows.Scan(&k.ProjectID, &k.Path, &k.MaxTraceID, &k.Count); err != nil {
			return nil, fmt.Errorf("scan unmatched key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Postgres) AssignCluster(ctx context.Context, task *Task, impl *Implementation, bindings map[int64]map[string]string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO tasks (project_id, path, name, description)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at
		`, task.ProjectID, task.Path, task.Name, task.Description).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("create cluster task: %w", err)
		}

		impl.TaskID = task.ID
		err = tx.QueryRowContext(ctx, `
			INSERT INTO implementations (task_id, prompt, model, temperature, max_output_tokens, tools, tool_choice, reasoning, temp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id, created_at
		`, impl.TaskID, impl.Prompt, impl.Model, impl.Temperature, impl.MaxOutputTokens,
			jsonb{impl.Tools}, jsonb{impl.ToolChoice}, jsonb{impl.Reasoning}, impl.Temp).Scan(&impl.ID, &impl.CreatedAt)
		if err != nil {
			return fmt.Errorf("create cluster implementation: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET production_version_id = $2, updated_at = now() WHERE id = $1
		`, task.ID, impl.ID); err != nil {
			return fmt.Errorf("set cluster production version: %w", err)
		}
		implID := impl.ID
		task.ProductionVersionID = &implID

		for traceID, vars := range bindings {
			// Skip members claimed by a concurrent match instead of
			// overwriting their assignment.
			res, err := tx.ExecContext(ctx, `
				UPDATE traces SET implementation_id = $2, prompt_variables = $3
				WHERE id = $1 AND implementation_id IS NULL
			`, traceID, impl.ID, jsonb{vars})
			if err != nil {
				return fmt.Errorf("assign cluster trace %d: %w", traceID, err)
			}
			if _, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("assign cluster trace %d: %w", traceID, err)
			}
		}
		return nil
	})
}

// HTTP traces

func (s *Postgres) CreateHTTPTrace(ctx context.Context, ht *HTTPTrace) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO http_traces (method, request_path, status_code, request_body, response_body,
			request_headers, response_headers, started_at, completed_at, error, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`, ht.Method, ht.RequestPath, ht.StatusCode, ht.RequestBody, ht.ResponseBody,
		jsonb{ht.RequestHeaders}, jsonb{ht.ResponseHeaders}, ht.StartedAt, ht.CompletedAt,
		ht.Error, jsonb{ht.Metadata}).Scan(&ht.ID, &ht.CreatedAt)
	if err != nil {
		return fmt.Errorf("create http trace: %w", err)
	}
	return nil
}

func (s *Postgres) GetHTTPTrace(ctx context.Context, id int64) (*HTTPTrace, error) {
	ht := &HTTPTrace{}
	var reqHeaders, respHeaders, metadata []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, method, request_path, status_code, request_body, response_body,
			request_headers, response_headers, started_at, completed_at, error, metadata, created_at
		FROM http_traces WHERE id = $1
	`, id).Scan(&ht.ID, &ht.Method, &ht.RequestPath, &ht.StatusCode, &ht.RequestBody, &ht.ResponseBody,
		&reqHeaders, &respHeaders, &ht.StartedAt, &ht.CompletedAt, &ht.Error, &metadata, &ht.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get http trace: %w", err)
	}
	if err := fromJSON(reqHeaders, &ht.RequestHeaders); err != nil {
		return nil, fmt.Errorf("decode request headers: %w", err)
	}
	if err := fromJSON(respHeaders, &ht.ResponseHeaders); err != nil {
		return nil, fmt.Errorf("decode response headers: %w", err)
	}
	if err := fromJSON(metadata, &ht.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return ht, nil
}

// Graders

func (s *Postgres) CreateGrader(ctx context.Context, g *Grader) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO graders (project_id, name, prompt, model)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, g.ProjectID, g.Name, g.Prompt, g.Model).Scan(&g.ID, &g.CreatedAt)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("create grader: %w", err)
	}
	return nil
}

func (s *Postgres) GetGrader(ctx context.Context, id int64) (*Grader, error) {
	g := &Grader{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, prompt, model, created_at FROM graders WHERE id = $1
	`, id).Scan(&g.ID, &g.ProjectID, &g.Name, &g.Prompt, &g.Model, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grader: %w", err)
	}
	return g, nil
}

func (s *Postgres) ListGraders(ctx context.Context, projectID int64) ([]*Grader, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, prompt, model, created_at FROM graders WHERE project_id = $1 ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list graders: %w", err)
	}
	defer rows.Close()

	var out []*Grader
	for rows.Next() {
		g := &Grader{}
		if err := rows.Scan(&g.ID, &g.ProjectID, &g.Name, &g.Prompt, &g.Model, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan grader: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Evaluation configs

const evaluationConfigColumns = `id, task_id, implementation_id, grader_configs, trace_evaluation_percentage, created_at`

func scanEvaluationConfig(sc scanner) (*EvaluationConfig, error) {
	cfg := &EvaluationConfig{}
	var graders []byte
	err := sc.Scan(&cfg.ID, &cfg.TaskID, &cfg.ImplementationID, &graders, &cfg.TraceEvaluationPercentage, &cfg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := fromJSON(graders, &cfg.GraderConfigs); err != nil {
		return nil, fmt.Errorf("decode grader configs: %w", err)
	}
	return cfg, nil
}

func (s *Postgres) CreateEvaluationConfig(ctx context.Context, cfg *EvaluationConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	projectID, err := s.configProject(ctx, cfg)
	if err != nil {
		return err
	}
	if err := s.checkGraderProjects(ctx, cfg.GraderConfigs, projectID); err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO evaluation_configs (task_id, implementation_id, grader_configs, trace_evaluation_percentage)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, cfg.TaskID, cfg.ImplementationID, jsonb{cfg.GraderConfigs}, cfg.TraceEvaluationPercentage).Scan(&cfg.ID, &cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("create evaluation config: %w", err)
	}
	return nil
}

func (s *Postgres) configProject(ctx context.Context, cfg *EvaluationConfig) (int64, error) {
	var projectID int64
	var err error
	if cfg.TaskID != nil {
		err = s.db.QueryRowContext(ctx, `
			SELECT project_id FROM tasks WHERE id = $1
		`, *cfg.TaskID).Scan(&projectID)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT t.project_id FROM implementations i JOIN tasks t ON t.id = i.task_id WHERE i.id = $1
		`, *cfg.ImplementationID).Scan(&projectID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolve config project: %w", err)
	}
	return projectID, nil
}

func (s *Postgres) checkGraderProjects(ctx context.Context, configs []GraderConfig, projectID int64) error {
	ids := make([]int64, 0, len(configs))
	for _, gc := range configs {
		ids = append(ids, gc.GraderID)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id FROM graders WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("check graders: %w", err)
	}
	defer rows.Close()

	projects := make(map[int64]int64, len(ids))
	for rows.Next() {
		var id, pid int64
		if err := rows.Scan(&id, &pid); err != nil {
			return fmt.Errorf("scan grader: %w", err)
		}
		projects[id] = pid
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, gc := range configs {
		pid, ok := projects[gc.GraderID]
		if !ok {
			return ErrNotFound
		}
		if pid != projectID {
			return apperr.BadRequest("grader %d belongs to project %d, not %d", gc.GraderID, pid, projectID)
		}
	}
	return nil
}

func (s *Postgres) ResolveEvaluationConfig(ctx context.Context, implementationID int64) (*EvaluationConfig, error) {
	cfg, err := scanEvaluationConfig(s.db.QueryRowContext(ctx, `
		SELECT `+evaluationConfigColumns+` FROM evaluation_configs
		WHERE implementation_id = $1 ORDER BY id LIMIT 1
	`, implementationID))
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolve evaluation config: %w", err)
	}

	cfg, err = scanEvaluationConfig(s.db.QueryRowContext(ctx, `
		SELECT c.id, c.task_id, c.implementation_id, c.grader_configs, c.trace_evaluation_percentage, c.created_at
		FROM evaluation_configs c
		JOIN implementations i ON i.task_id = c.task_id
		WHERE i.id = $1
		ORDER BY c.id LIMIT 1
	`, implementationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve evaluation config: %w", err)
	}
	return cfg, nil
}

// Executions

const executionColumns = `id, grader_id, trace_id, implementation_id, status, score, reasoning, error, created_at, completed_at`

func scanExecution(sc scanner) (*Execution, error) {
	e := &Execution{}
	err := sc.Scan(&e.ID, &e.GraderID, &e.TraceID, &e.ImplementationID, &e.Status,
		&e.Score, &e.Reasoning, &e.Error, &e.CreatedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Postgres) CreateExecution(ctx context.Context, e *Execution) error {
	if e.Status == "" {
		e.Status = ExecutionPending
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO executions (grader_id, trace_id, implementation_id, status, score, reasoning, error, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, e.GraderID, e.TraceID, e.ImplementationID, e.Status, e.Score, e.Reasoning, e.Error, e.CompletedAt).Scan(&e.ID, &e.CreatedAt)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateExecution(ctx context.Context, e *Execution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $2, score = $3, reasoning = $4, error = $5, completed_at = $6
		WHERE id = $1
	`, e.ID, e.Status, e.Score, e.Reasoning, e.Error, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) GetExecution(ctx context.Context, id int64) (*Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

func (s *Postgres) ListTraceExecutions(ctx context.Context, traceID int64) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE trace_id = $1 ORDER BY id
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list trace executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// helpers

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// jsonb marshals its value when used as a query argument.
type jsonb struct{ v any }

func (j jsonb) Value() (driver.Value, error) { return json.Marshal(j.v) }

func fromJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
