package observability

import "database/sql"

// Schema contains the DDL for the observability tables. They live in a
// database separate from the application tables to keep write contention off
// the ingestion path.
const Schema = `
-- Daemon liveness heartbeats
CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    worker_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    worker_pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb REAL,
    memory_sys_mb REAL,
    gc_count INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
    ON worker_heartbeats(worker_name, timestamp DESC);

-- Pipeline metric datapoints
CREATE TABLE IF NOT EXISTS pipeline_metrics (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON pipeline_metrics(metric_name, timestamp DESC);

-- Human correction audit trail
CREATE TABLE IF NOT EXISTS correction_audit (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    belief_id TEXT NOT NULL,
    action TEXT NOT NULL,
    new_belief_id TEXT,
    status TEXT NOT NULL,
    error_message TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_correction_audit_time ON correction_audit(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_correction_audit_belief ON correction_audit(belief_id);
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
