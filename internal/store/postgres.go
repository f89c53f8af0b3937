package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/loomworks/loom/pkg/models"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// PostgresOptions configures the connection pool.
type PostgresOptions struct {
	URL             string
	MaxConnections  int
	ConnMaxLifetime time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL DEFAULT '',
	account_id TEXT NOT NULL DEFAULT '',
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL REFERENCES threads(id),
	project_id TEXT NOT NULL DEFAULT '',
	type       TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT '',
	content    JSONB NOT NULL,
	is_llm     BOOLEAN NOT NULL DEFAULT false,
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);

CREATE TABLE IF NOT EXISTS agents (
	id                 TEXT PRIMARY KEY,
	account_id         TEXT NOT NULL DEFAULT '',
	name               TEXT NOT NULL,
	current_version_id TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agent_versions (
	id               TEXT PRIMARY KEY,
	agent_id         TEXT NOT NULL REFERENCES agents(id),
	system_prompt    TEXT NOT NULL DEFAULT '',
	model            TEXT NOT NULL DEFAULT '',
	configured_tools JSONB,
	configured_mcps  JSONB,
	custom_mcps      JSONB,
	output_schema    JSONB,
	version_tag      TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agent_runs (
	id            TEXT PRIMARY KEY,
	thread_id     TEXT NOT NULL REFERENCES threads(id),
	agent_id      TEXT NOT NULL DEFAULT '',
	version_id    TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	error_kind    TEXT NOT NULL DEFAULT '',
	instance_id   TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at      TIMESTAMPTZ,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_thread ON agent_runs(thread_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status) WHERE status = 'running';
`

// NewPostgresStore opens the pool, pings it, and applies the schema.
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	db, err := sql.Open("postgres", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxConnections > 0 {
		db.SetMaxOpenConns(opts.MaxConnections)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	metadata, err := marshalJSONB(thread.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, project_id, account_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		thread.ID, thread.ProjectID, thread.AccountID, metadata, thread.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	var thread models.Thread
	var metadata []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, account_id, metadata, created_at FROM threads WHERE id = $1`, id,
	).Scan(&thread.ID, &thread.ProjectID, &thread.AccountID, &metadata, &thread.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select thread: %w", err)
	}
	if err := unmarshalJSONB(metadata, &thread.Metadata); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (s *PostgresStore) AddMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	metadata, err := marshalJSONB(msg.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, project_id, type, role, content, is_llm, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.ThreadID, msg.ProjectID, msg.Type, msg.Role, []byte(msg.Content), msg.IsLLM, metadata, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadID string, filter MessageFilter) (*MessagePage, error) {
	where := "thread_id = $1"
	args := []any{threadID}
	if filter.LLMOnly {
		where += " AND is_llm"
	}
	if len(filter.Types) > 0 {
		where += fmt.Sprintf(" AND type = ANY($%d)", len(args)+1)
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		args = append(args, pq.Array(types))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM messages WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	query := `SELECT id, thread_id, project_id, type, role, content, is_llm, metadata, created_at
		 FROM messages WHERE ` + where + " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	page := &MessagePage{Total: total}
	for rows.Next() {
		var msg models.Message
		var content, metadata []byte
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.ProjectID, &msg.Type, &msg.Role,
			&content, &msg.IsLLM, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Content = json.RawMessage(content)
		if err := unmarshalJSONB(metadata, &msg.Metadata); err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, &msg)
	}
	return page, rows.Err()
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, account_id, name, current_version_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		agent.ID, agent.AccountID, agent.Name, agent.CurrentVersionID, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, name, current_version_id, created_at, updated_at FROM agents WHERE id = $1`, id,
	).Scan(&agent.ID, &agent.AccountID, &agent.Name, &agent.CurrentVersionID, &agent.CreatedAt, &agent.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select agent: %w", err)
	}
	return &agent, nil
}

func (s *PostgresStore) CreateAgentVersion(ctx context.Context, version *models.AgentVersion) error {
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	tools, err := marshalJSONB(version.ConfiguredTools)
	if err != nil {
		return err
	}
	mcps, err := marshalJSONB(version.ConfiguredMCPs)
	if err != nil {
		return err
	}
	custom, err := marshalJSONB(version.CustomMCPs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_versions (id, agent_id, system_prompt, model, configured_tools, configured_mcps, custom_mcps, output_schema, version_tag, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		version.ID, version.AgentID, version.SystemPrompt, version.Model,
		tools, mcps, custom, nullableRaw(version.OutputSchema), version.VersionTag, version.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent version: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgentVersion(ctx context.Context, id string) (*models.AgentVersion, error) {
	var version models.AgentVersion
	var tools, mcps, custom, schema []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, system_prompt, model, configured_tools, configured_mcps, custom_mcps, output_schema, version_tag, created_at
		 FROM agent_versions WHERE id = $1`, id,
	).Scan(&version.ID, &version.AgentID, &version.SystemPrompt, &version.Model,
		&tools, &mcps, &custom, &schema, &version.VersionTag, &version.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select agent version: %w", err)
	}
	if err := unmarshalJSONB(tools, &version.ConfiguredTools); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(mcps, &version.ConfiguredMCPs); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(custom, &version.CustomMCPs); err != nil {
		return nil, err
	}
	if len(schema) > 0 {
		version.OutputSchema = json.RawMessage(schema)
	}
	return &version, nil
}

func (s *PostgresStore) SetCurrentVersion(ctx context.Context, agentID, versionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET current_version_id = $2, updated_at = now() WHERE id = $1`,
		agentID, versionID,
	)
	if err != nil {
		return fmt.Errorf("update agent version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.AgentRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, thread_id, agent_id, version_id, status, error, error_kind, instance_id, started_at, ended_at, input_tokens, output_tokens)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.ThreadID, run.AgentID, run.VersionID, run.Status, run.Error, run.ErrorKind,
		run.InstanceID, run.StartedAt, run.EndedAt, run.InputTokens, run.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, agent_id, version_id, status, error, error_kind, instance_id, started_at, ended_at, input_tokens, output_tokens
		 FROM agent_runs WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	set := "status = COALESCE(NULLIF($2, ''), status)"
	args := []any{id, string(update.Status)}

	set += ", error = COALESCE(NULLIF($3, ''), error)"
	args = append(args, update.Error)
	set += ", error_kind = COALESCE(NULLIF($4, ''), error_kind)"
	args = append(args, update.ErrorKind)
	set += ", ended_at = COALESCE($5, ended_at)"
	args = append(args, update.EndedAt)
	set += ", input_tokens = COALESCE($6, input_tokens)"
	args = append(args, update.InputTokens)
	set += ", output_tokens = COALESCE($7, output_tokens)"
	args = append(args, update.OutputTokens)

	res, err := s.db.ExecContext(ctx, "UPDATE agent_runs SET "+set+" WHERE id = $1", args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, threadID string) ([]*models.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, agent_id, version_id, status, error, error_kind, instance_id, started_at, ended_at, input_tokens, output_tokens
		 FROM agent_runs WHERE thread_id = $1 ORDER BY started_at DESC`, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *PostgresStore) ListRunningRuns(ctx context.Context) ([]*models.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, agent_id, version_id, status, error, error_kind, instance_id, started_at, ended_at, input_tokens, output_tokens
		 FROM agent_runs WHERE status = $1`, models.RunStatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("select running runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *PostgresStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.AgentRun, error) {
	var run models.AgentRun
	var endedAt sql.NullTime
	err := row.Scan(&run.ID, &run.ThreadID, &run.AgentID, &run.VersionID, &run.Status,
		&run.Error, &run.ErrorKind, &run.InstanceID, &run.StartedAt, &endedAt,
		&run.InputTokens, &run.OutputTokens)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]*models.AgentRun, error) {
	out := make([]*models.AgentRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	return data, nil
}

func unmarshalJSONB(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal jsonb: %w", err)
	}
	return nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
