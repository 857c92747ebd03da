package cachesrc

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/holon-app/holon/value"
)

// OpKind is the kind of mutation recorded in the operation log.
type OpKind uint8

const (
	OpCreate OpKind = iota
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// OpStatus is the lifecycle state of a logged operation (spec §4.3).
type OpStatus uint8

const (
	StatusPending OpStatus = iota
	StatusInProgress
	StatusSucceeded
	StatusFailed
	StatusConflict
)

func (s OpStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// LogEntry is one row of the per-source operation log.
type LogEntry struct {
	ID            int64
	Timestamp     time.Time
	ItemID        string
	SourceName    string
	Kind          OpKind
	Data          []byte // serialized value.Updates, or the full entity for Create
	Retries       int
	Status        OpStatus
	ServerVersion string // set on StatusConflict
	Retryable     bool   // set on StatusFailed
	LastError     string
}

func oplogTableName(sourceName string) string {
	return "oplog_" + sourceName
}

func createOplogTableSQL(sourceName string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		item_id TEXT NOT NULL,
		source_name TEXT NOT NULL,
		kind INTEGER NOT NULL,
		data BLOB,
		retries INTEGER NOT NULL DEFAULT 0,
		status INTEGER NOT NULL,
		server_version TEXT NOT NULL DEFAULT '',
		retryable INTEGER NOT NULL DEFAULT 1,
		last_error TEXT NOT NULL DEFAULT ''
	)`, oplogTableName(sourceName))
}

func insertOplogSQL(sourceName string) string {
	return fmt.Sprintf(`INSERT INTO "%s"
		(ts, item_id, source_name, kind, data, retries, status, server_version, retryable, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, oplogTableName(sourceName))
}

func (e LogEntry) insertArgs() []interface{} {
	return []interface{}{
		e.Timestamp.UTC().Format(value.SQLTimeFormat),
		e.ItemID,
		e.SourceName,
		uint8(e.Kind),
		e.Data,
		e.Retries,
		uint8(e.Status),
		e.ServerVersion,
		boolToInt(e.Retryable),
		e.LastError,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func updateOplogStatusSQL(sourceName string) string {
	return fmt.Sprintf(`UPDATE "%s" SET status = ?, retries = ?, server_version = ?, retryable = ?, last_error = ? WHERE id = ?`,
		oplogTableName(sourceName))
}

func deleteSucceededOplogBeforeSQL(sourceName string) string {
	t := oplogTableName(sourceName)
	return fmt.Sprintf(`DELETE FROM "%s" WHERE id IN (SELECT id FROM "%s" WHERE status = ? AND ts < ? LIMIT ?)`, t, t)
}

func pendingOplogSQL(sourceName string) string {
	return fmt.Sprintf(`SELECT id, ts, item_id, source_name, kind, data, retries, status, server_version, retryable, last_error
		FROM "%s" WHERE status IN (?, ?) ORDER BY id ASC`, oplogTableName(sourceName))
}

func scanLogEntry(rows *sql.Rows) (LogEntry, error) {
	var e LogEntry
	var ts string
	var kind, status, retryable uint8
	if err := rows.Scan(&e.ID, &ts, &e.ItemID, &e.SourceName, &kind, &e.Data, &e.Retries, &status, &e.ServerVersion, &retryable, &e.LastError); err != nil {
		return LogEntry{}, err
	}
	e.Kind = OpKind(kind)
	e.Status = OpStatus(status)
	e.Retryable = retryable != 0
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return LogEntry{}, err
	}
	e.Timestamp = t
	return e, nil
}
