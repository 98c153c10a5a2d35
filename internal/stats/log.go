package stats

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"skeld/internal/logging"
)

// Log is the append-only SQLite record of dispatched actions. It exists so
// external tooling can recover a session's numbers after the daemon exits;
// the in-memory Session never reads it back.
type Log struct {
	conn   *sql.DB
	logger *logging.Logger
}

// OpenLog opens or creates the stats database and resets the current
// session's rows.
func OpenLog(dbPath string, logger *logging.Logger) (*Log, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS action_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		action TEXT NOT NULL,
		tokens_served INTEGER NOT NULL,
		tokens_avoided INTEGER NOT NULL
	)`
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize stats schema: %w", err)
	}

	// one session per database lifetime
	if _, err := conn.Exec("DELETE FROM action_log"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to reset stats log: %w", err)
	}

	return &Log{conn: conn, logger: logger}, nil
}

// Append writes one row. Best effort: a failed insert is logged and the
// session's in-memory counters stay authoritative.
func (l *Log) Append(action string, tokensServed, tokensAvoided int64) {
	_, err := l.conn.Exec(
		"INSERT INTO action_log (ts, action, tokens_served, tokens_avoided) VALUES (?, ?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339), action, tokensServed, tokensAvoided,
	)
	if err != nil {
		l.logger.Warn("stats log append failed", map[string]interface{}{
			"action": action,
			"error":  err.Error(),
		})
	}
}

// Totals reads the logged aggregate back; used by external status tooling
// and tests.
func (l *Log) Totals() (calls, tokensServed, tokensAvoided int64, err error) {
	row := l.conn.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(tokens_served), 0), COALESCE(SUM(tokens_avoided), 0) FROM action_log")
	err = row.Scan(&calls, &tokensServed, &tokensAvoided)
	return calls, tokensServed, tokensAvoided, err
}

func (l *Log) Close() error {
	return l.conn.Close()
}
