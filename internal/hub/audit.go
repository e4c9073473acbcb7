package hub

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const auditColumns = "id, timestamp, actor, action, target, args, result, error, duration_ms, ip_address"

type AuditEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	Args       string    `json:"args,omitempty"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	DurationMs int       `json:"durationMs"`
	IPAddress  string    `json:"ipAddress,omitempty"`
}

// Origin identifies who issued an operation.
type Origin struct {
	Actor string
	IP    string
}

type AuditLogger struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewAuditLogger(db *sql.DB, logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{db: db, logger: logger, now: time.Now}
}

// LogOperation records one operator-visible operation. A nil logger or
// database makes it a no-op.
func (a *AuditLogger) LogOperation(origin Origin, action, target string, args map[string]interface{}, opErr error, duration time.Duration) {
	if a == nil || a.db == nil {
		return
	}

	entry := AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  a.now().UTC(),
		Actor:      origin.Actor,
		Action:     action,
		Target:     target,
		Args:       SanitizeArgs(args),
		Result:     "success",
		DurationMs: int(duration.Milliseconds()),
		IPAddress:  origin.IP,
	}
	if entry.Actor == "" {
		entry.Actor = "anonymous"
	}
	if entry.Target == "" {
		entry.Target = "unknown"
	}
	if opErr != nil {
		entry.Result = "failure"
		entry.Error = opErr.Error()
	}

	if err := a.insertEntry(entry); err != nil {
		a.logger.Warn("failed to write audit log entry",
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}

func (a *AuditLogger) insertEntry(entry AuditEntry) error {
	_, err := a.db.Exec(`
		INSERT INTO audit_log (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Timestamp.Format(sortableTime), entry.Actor, entry.Action,
		entry.Target, entry.Args, entry.Result, entry.Error, entry.DurationMs, entry.IPAddress)
	return err
}

func (a *AuditLogger) Recent(limit int) ([]AuditEntry, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return a.queryEntries("SELECT "+auditColumns+" FROM audit_log ORDER BY timestamp DESC LIMIT ?", limit)
}

func (a *AuditLogger) QueryByActor(actor string, limit int) ([]AuditEntry, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return a.queryEntries("SELECT "+auditColumns+" FROM audit_log WHERE actor = ? ORDER BY timestamp DESC LIMIT ?", actor, limit)
}

func (a *AuditLogger) QueryByAction(action string, limit int) ([]AuditEntry, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return a.queryEntries("SELECT "+auditColumns+" FROM audit_log WHERE action = ? ORDER BY timestamp DESC LIMIT ?", action, limit)
}

func (a *AuditLogger) PurgeOlderThan(retentionDays int) (int64, error) {
	if a == nil || a.db == nil {
		return 0, nil
	}
	cutoff := a.now().UTC().AddDate(0, 0, -retentionDays).Format(sortableTime)
	result, err := a.db.Exec("DELETE FROM audit_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (a *AuditLogger) queryEntries(query string, args ...interface{}) ([]AuditEntry, error) {
	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &e.Target, &e.Args, &e.Result, &e.Error, &e.DurationMs, &e.IPAddress); err != nil {
			return nil, err
		}
		if t, err := time.Parse(sortableTime, ts); err == nil {
			e.Timestamp = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
