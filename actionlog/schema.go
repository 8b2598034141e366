package actionlog

import "database/sql"

// Schema is the DDL for the action log. Lives in the settings database;
// idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS action_log (
    entry_id  TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    source    TEXT NOT NULL,
    action    TEXT NOT NULL,
    page_id   TEXT,
    page_host TEXT,
    handle_id TEXT,
    value     REAL,
    detail    TEXT,
    error     TEXT
);
CREATE INDEX IF NOT EXISTS idx_action_log_time ON action_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_action_log_host ON action_log(page_host, action);
`

// Init applies the schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
