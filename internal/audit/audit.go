// Package audit persists the dispatch trail: one row per broadcast plus the
// per-plugin verdicts that produced its outcome, and a log of lifecycle
// transitions. Operators read it through the API or `starhost watch` to
// answer "who vetoed this and when".
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kestrelworks/starhost/internal/protocol"
)

type Log struct {
	db *sql.DB
}

func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Result is one plugin's contribution to a broadcast, in load order.
type Result struct {
	Plugin      string
	Fingerprint string
	Verdict     protocol.Verdict
	Elapsed     time.Duration
}

// Entry is a recorded broadcast with its per-plugin results.
type Entry struct {
	ID          string
	Command     string
	SessionID   string
	RemoteAddr  string
	Approved    *bool // nil while pending or after an aborted broadcast
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
	Results     []Result
}

// Begin records the start of a broadcast.
func (l *Log) Begin(ctx context.Context, id, command string, sess *protocol.Session) error {
	if id == "" {
		return fmt.Errorf("dispatch id is empty")
	}
	if command == "" {
		return fmt.Errorf("command is empty")
	}

	var sessionID, remoteAddr string
	if sess != nil {
		sessionID = sess.ID
		remoteAddr = sess.RemoteAddr
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := l.db.ExecContext(ctx, `
INSERT INTO dispatch_log(id, command, session_id, remote_addr, started_at)
VALUES(?, ?, ?, ?, ?);
`, id, command, sessionID, remoteAddr, now)
	if err != nil {
		return fmt.Errorf("record dispatch start: %w", err)
	}
	return nil
}

// Complete records the aggregate outcome and every plugin's verdict.
func (l *Log) Complete(ctx context.Context, id string, approved bool, results []Result) error {
	return l.finish(ctx, id, &approved, "", results)
}

// Fail records a broadcast aborted by an invocation failure. Results hold
// the verdicts collected before the abort.
func (l *Log) Fail(ctx context.Context, id, errMsg string, results []Result) error {
	return l.finish(ctx, id, nil, errMsg, results)
}

func (l *Log) finish(ctx context.Context, id string, approved *bool, errMsg string, results []Result) error {
	if id == "" {
		return fmt.Errorf("dispatch id is empty")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	var approvedVal any
	if approved != nil {
		if *approved {
			approvedVal = 1
		} else {
			approvedVal = 0
		}
	}
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}

	res, err := tx.ExecContext(ctx, `
UPDATE dispatch_log SET approved = ?, error = ?, completed_at = ? WHERE id = ?;
`, approvedVal, errVal, now, id)
	if err != nil {
		return fmt.Errorf("record dispatch outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dispatch %q was never started", id)
	}

	for i, r := range results {
		_, err := tx.ExecContext(ctx, `
INSERT INTO dispatch_result(dispatch_id, position, plugin, fingerprint, verdict, elapsed_ms)
VALUES(?, ?, ?, ?, ?, ?);
`, id, i, r.Plugin, r.Fingerprint, string(r.Verdict), r.Elapsed.Milliseconds())
		if err != nil {
			return fmt.Errorf("record dispatch result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RecordLifecycle logs one activate/deactivate hook invocation.
func (l *Log) RecordLifecycle(ctx context.Context, plugin, hook string, hookErr error) error {
	status := "ok"
	var errVal any
	if hookErr != nil {
		status = "error"
		errVal = hookErr.Error()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := l.db.ExecContext(ctx, `
INSERT INTO lifecycle_log(plugin, hook, status, error, at)
VALUES(?, ?, ?, ?, ?);
`, plugin, hook, status, errVal, now)
	if err != nil {
		return fmt.Errorf("record lifecycle: %w", err)
	}
	return nil
}

// Recent returns the latest broadcasts, newest first, with their results.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
SELECT id, command, session_id, remote_addr, approved, error, started_at, completed_at
FROM dispatch_log
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatch log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e           Entry
			sessionID   sql.NullString
			remoteAddr  sql.NullString
			approved    sql.NullInt64
			errMsg      sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Command, &sessionID, &remoteAddr, &approved, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch row: %w", err)
		}
		e.SessionID = sessionID.String
		e.RemoteAddr = remoteAddr.String
		e.Error = errMsg.String
		if approved.Valid {
			v := approved.Int64 != 0
			e.Approved = &v
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			e.StartedAt = t
		}
		if completedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
				e.CompletedAt = &t
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch log: %w", err)
	}

	for i := range entries {
		results, err := l.resultsFor(ctx, entries[i].ID)
		if err != nil {
			return nil, err
		}
		entries[i].Results = results
	}
	return entries, nil
}

func (l *Log) resultsFor(ctx context.Context, dispatchID string) ([]Result, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT plugin, fingerprint, verdict, elapsed_ms
FROM dispatch_result
WHERE dispatch_id = ?
ORDER BY position ASC;
`, dispatchID)
	if err != nil {
		return nil, fmt.Errorf("query dispatch results: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r           Result
			fingerprint sql.NullString
			verdict     string
			elapsedMS   int64
		)
		if err := rows.Scan(&r.Plugin, &fingerprint, &verdict, &elapsedMS); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		r.Fingerprint = fingerprint.String
		r.Verdict = protocol.Verdict(verdict)
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}
