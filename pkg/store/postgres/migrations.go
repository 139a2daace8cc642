package postgres

// migrations returns the schema migrations keyed by version. Node
// results live in their own table so a branch can append without
// rewriting the execution row; the execution row only tracks lifecycle
// columns and the last write time for the stall sweep.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflows (
				id         TEXT PRIMARY KEY,
				name       TEXT NOT NULL,
				active     BOOLEAN NOT NULL DEFAULT FALSE,
				nodes      JSONB NOT NULL DEFAULT '[]',
				edges      JSONB NOT NULL DEFAULT '[]',
				triggers   JSONB NOT NULL DEFAULT '[]',
				variables  JSONB,
				settings   JSONB,
				tags       TEXT[] NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_workflows_active
				ON workflows (active) WHERE deleted_at IS NULL;
			CREATE INDEX IF NOT EXISTS idx_workflows_tags
				ON workflows USING GIN (tags);

			CREATE TABLE IF NOT EXISTS executions (
				id              TEXT PRIMARY KEY,
				workflow_id     TEXT NOT NULL,
				trigger_id      TEXT,
				idempotency_key TEXT,
				trigger_data    JSONB,
				status          TEXT NOT NULL,
				error           JSONB,
				created_at      TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at      TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at      TIMESTAMP WITH TIME ZONE,
				ended_at        TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_executions_workflow
				ON executions (workflow_id, created_at DESC);
			CREATE INDEX IF NOT EXISTS idx_executions_status
				ON executions (status, updated_at);

			CREATE TABLE IF NOT EXISTS node_results (
				seq          BIGSERIAL PRIMARY KEY,
				execution_id TEXT NOT NULL REFERENCES executions (id),
				node_id      TEXT NOT NULL,
				status       TEXT NOT NULL,
				attempts     INTEGER NOT NULL DEFAULT 0,
				started_at   TIMESTAMP WITH TIME ZONE,
				ended_at     TIMESTAMP WITH TIME ZONE,
				output       JSONB,
				error        TEXT,
				error_kind   TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_node_results_execution
				ON node_results (execution_id, seq);
		`,
	}
}
