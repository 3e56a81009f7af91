// Package store provides SQLite-backed persistence for all taskpilot
// entities. Writes go through the single-connection writer pool; reads
// go through the read-only pool.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store provides SQLite-based storage operations for every entity.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// New creates a Store over existing writer/reader pools and initializes
// the schema.
func New(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying writer sql.DB instance for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

func (s *Store) initSchema() error {
	if err := s.initProjectSchema(); err != nil {
		return err
	}
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initRunSchema(); err != nil {
		return err
	}
	if err := s.initHistorySchema(); err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *Store) initProjectSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		description TEXT DEFAULT '',
		config TEXT DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pipelines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		task_type TEXT NOT NULL UNIQUE,
		statuses TEXT NOT NULL DEFAULT '[]',
		transitions TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS features (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT DEFAULT 'open',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initTaskSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		pipeline_id TEXT NOT NULL,
		feature_id TEXT,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT NOT NULL,
		priority INTEGER DEFAULT 0,
		tags TEXT DEFAULT '[]',
		parent_task_id TEXT DEFAULT '',
		assignee TEXT DEFAULT '',
		pr_link TEXT DEFAULT '',
		branch_name TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
		FOREIGN KEY (pipeline_id) REFERENCES pipelines(id),
		FOREIGN KEY (feature_id) REFERENCES features(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_task_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_task_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_artifacts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initRunSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS agent_runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		output TEXT DEFAULT '',
		outcome TEXT DEFAULT '',
		payload TEXT DEFAULT '{}',
		exit_code INTEGER DEFAULT 0,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		cost_input_tokens INTEGER DEFAULT 0,
		cost_output_tokens INTEGER DEFAULT 0,
		prompt TEXT DEFAULT '',
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_phases (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		agent_run_id TEXT DEFAULT '',
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS pending_prompts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_run_id TEXT DEFAULT '',
		prompt_type TEXT NOT NULL,
		payload TEXT DEFAULT '{}',
		response TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		resume_outcome TEXT DEFAULT '',
		created_at INTEGER NOT NULL,
		answered_at INTEGER,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initHistorySchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS transition_history (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		trigger TEXT NOT NULL,
		actor TEXT DEFAULT '',
		guard_results TEXT DEFAULT '[]',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_events (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		category TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'info',
		message TEXT NOT NULL,
		data TEXT DEFAULT '{}',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS activity_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		summary TEXT DEFAULT '',
		data TEXT DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	`)
	return err
}

func (s *Store) initIndexes() error {
	_, err := s.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_pipeline_id ON tasks(pipeline_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent_task_id ON tasks(parent_task_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_feature_id ON tasks(feature_id);
	CREATE INDEX IF NOT EXISTS idx_task_events_task_created ON task_events(task_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transition_history_task_created ON transition_history(task_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_task_started ON agent_runs(task_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);
	CREATE INDEX IF NOT EXISTS idx_activity_log_entity ON activity_log(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_pending_prompts_task_status ON pending_prompts(task_id, status);
	CREATE INDEX IF NOT EXISTS idx_task_phases_task_id ON task_phases(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_artifacts_task_id ON task_artifacts(task_id);
	`)
	return err
}

// marshalJSON is a small helper that never fails the caller: invalid
// values degrade to the provided fallback literal.
func marshalJSON(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(b)
}
