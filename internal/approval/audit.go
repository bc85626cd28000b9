package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// AuditRecord is one append-only entry describing how an approval request was
// resolved.
type AuditRecord struct {
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	UserID       string    `json:"userId" db:"user_id"`
	SessionID    string    `json:"sessionId" db:"session_id"`
	ThreadID     string    `json:"threadId,omitempty" db:"thread_id"`
	TurnID       string    `json:"turnId,omitempty" db:"turn_id"`
	Action       Action    `json:"action" db:"action"`
	Command      string    `json:"command,omitempty" db:"command"`
	Changes      any       `json:"changes,omitempty" db:"-"`
	Decision     string    `json:"decision" db:"decision"`
	Approver     string    `json:"approver" db:"approver"`
	Reason       string    `json:"reason,omitempty" db:"reason"`
	AutoApproved bool      `json:"autoApproved" db:"auto_approved"`
}

// Auditor is the append-only sink for approval outcomes.
type Auditor interface {
	Record(ctx context.Context, rec *AuditRecord) error
	ByUser(ctx context.Context, userID string) ([]*AuditRecord, error)
}

// MemoryAuditor keeps records in process memory, queryable by user.
type MemoryAuditor struct {
	mu      sync.RWMutex
	records []*AuditRecord
}

// NewMemoryAuditor creates an empty in-memory auditor.
func NewMemoryAuditor() *MemoryAuditor {
	return &MemoryAuditor{}
}

// Record appends an entry.
func (a *MemoryAuditor) Record(_ context.Context, rec *AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

// ByUser returns all entries for a user in insertion order.
func (a *MemoryAuditor) ByUser(_ context.Context, userID string) ([]*AuditRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*AuditRecord
	for _, rec := range a.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// All returns every entry in insertion order.
func (a *MemoryAuditor) All() []*AuditRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*AuditRecord, len(a.records))
	copy(out, a.records)
	return out
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS approval_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	turn_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	command TEXT NOT NULL DEFAULT '',
	changes TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL,
	approver TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	auto_approved INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_approval_audit_user ON approval_audit(user_id);
`

// SQLiteAuditor persists records in a local SQLite database.
type SQLiteAuditor struct {
	db *sqlx.DB
}

// NewSQLiteAuditor opens (creating if needed) the audit database at path.
func NewSQLiteAuditor(path string) (*SQLiteAuditor, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	return &SQLiteAuditor{db: db}, nil
}

// Record inserts an entry.
func (a *SQLiteAuditor) Record(ctx context.Context, rec *AuditRecord) error {
	changes := ""
	if rec.Changes != nil {
		data, err := json.Marshal(rec.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
		changes = string(data)
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO approval_audit
			(timestamp, user_id, session_id, thread_id, turn_id, action,
			 command, changes, decision, approver, reason, auto_approved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.UserID, rec.SessionID, rec.ThreadID, rec.TurnID,
		string(rec.Action), rec.Command, changes, rec.Decision, rec.Approver,
		rec.Reason, rec.AutoApproved)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

type auditRow struct {
	Timestamp    time.Time `db:"timestamp"`
	UserID       string    `db:"user_id"`
	SessionID    string    `db:"session_id"`
	ThreadID     string    `db:"thread_id"`
	TurnID       string    `db:"turn_id"`
	Action       string    `db:"action"`
	Command      string    `db:"command"`
	Changes      string    `db:"changes"`
	Decision     string    `db:"decision"`
	Approver     string    `db:"approver"`
	Reason       string    `db:"reason"`
	AutoApproved bool      `db:"auto_approved"`
}

// ByUser returns all entries for a user in insertion order.
func (a *SQLiteAuditor) ByUser(ctx context.Context, userID string) ([]*AuditRecord, error) {
	var rows []auditRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT timestamp, user_id, session_id, thread_id, turn_id, action,
		       command, changes, decision, approver, reason, auto_approved
		FROM approval_audit WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}

	out := make([]*AuditRecord, 0, len(rows))
	for _, row := range rows {
		rec := &AuditRecord{
			Timestamp:    row.Timestamp,
			UserID:       row.UserID,
			SessionID:    row.SessionID,
			ThreadID:     row.ThreadID,
			TurnID:       row.TurnID,
			Action:       Action(row.Action),
			Command:      row.Command,
			Decision:     row.Decision,
			Approver:     row.Approver,
			Reason:       row.Reason,
			AutoApproved: row.AutoApproved,
		}
		if row.Changes != "" {
			var changes any
			if err := json.Unmarshal([]byte(row.Changes), &changes); err == nil {
				rec.Changes = changes
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying database.
func (a *SQLiteAuditor) Close() error {
	return a.db.Close()
}
