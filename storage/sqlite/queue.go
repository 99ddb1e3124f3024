package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/synckit"
)

const queueColumns = `id, op_type, resource, entity_key, target_id, payload, priority, state,
	created_at, retry_count, next_attempt_at, lease_until, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (synckit.QueuedOperation, error) {
	var (
		op                             synckit.QueuedOperation
		opType, priority, state        string
		payload                        sql.NullString
		created, nextAttempt, leaseEnd int64
	)
	err := row.Scan(&op.ID, &opType, &op.Resource, &op.EntityKey, &op.TargetID, &payload, &priority, &state,
		&created, &op.RetryCount, &nextAttempt, &leaseEnd, &op.LastError)
	if err != nil {
		return op, err
	}
	op.Type = synckit.OpType(opType)
	op.Priority = synckit.Priority(priority)
	op.State = synckit.OpState(state)
	op.CreatedAt = fromNanos(created)
	op.NextAttemptAt = fromNanos(nextAttempt)
	op.LeaseUntil = fromNanos(leaseEnd)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &op.Payload); err != nil {
			return op, fmt.Errorf("decode payload of %s: %w", op.ID, err)
		}
	}
	return op, nil
}

func (s *Store) Enqueue(ctx context.Context, op synckit.QueuedOperation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if op.ID == "" {
		return syncErrors.E(syncErrors.Op(opEnqueue), syncErrors.Component(componentName), syncErrors.KindInvalid, "operation id is required")
	}
	if op.State == "" {
		op.State = synckit.StatePending
	}

	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return syncErrors.E(syncErrors.Op(opEnqueue), syncErrors.Component(componentName), syncErrors.KindInvalid, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (`+queueColumns+`, priority_rank)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Type), op.Resource, op.EntityKey, op.TargetID, string(payload), string(op.Priority), string(op.State),
		toNanos(op.CreatedAt), op.RetryCount, toNanos(op.NextAttemptAt), toNanos(op.LeaseUntil), op.LastError,
		op.Priority.Rank())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return syncErrors.E(syncErrors.Op(opEnqueue), syncErrors.Component(componentName), syncErrors.KindInvalid,
				fmt.Sprintf("operation %s already queued", op.ID))
		}
		return wrap(err, opEnqueue)
	}
	return nil
}

func (s *Store) Dequeue(ctx context.Context, opID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, opID)
	return wrap(err, opDequeue)
}

func (s *Store) ListQueue(ctx context.Context, filter synckit.QueueFilter) ([]synckit.QueuedOperation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, filter.Resource)
	}
	if filter.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.DueBefore.IsZero() {
		where = append(where, "next_attempt_at <= ?")
		args = append(args, toNanos(filter.DueBefore))
	}

	query := `SELECT ` + queueColumns + ` FROM sync_queue`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority_rank, created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, opListQueue)
	}
	defer rows.Close()

	var out []synckit.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, wrap(err, opListQueue)
		}
		out = append(out, op)
	}
	return out, wrap(rows.Err(), opListQueue)
}

func (s *Store) GetOperation(ctx context.Context, opID string) (synckit.QueuedOperation, error) {
	if err := s.checkOpen(); err != nil {
		return synckit.QueuedOperation{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, opID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return op, syncErrors.E(syncErrors.Op(opGetOperation), syncErrors.Component(componentName), syncErrors.KindNotFound,
			fmt.Sprintf("operation %s not found", opID))
	}
	if err != nil {
		return op, wrap(err, opGetOperation)
	}
	return op, nil
}

func (s *Store) UpdateOperation(ctx context.Context, op synckit.QueuedOperation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return syncErrors.E(syncErrors.Op(opUpdate), syncErrors.Component(componentName), syncErrors.KindInvalid, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET
			op_type = ?, resource = ?, entity_key = ?, target_id = ?, payload = ?,
			priority = ?, priority_rank = ?, state = ?, created_at = ?, retry_count = ?,
			next_attempt_at = ?, lease_until = ?, last_error = ?
		WHERE id = ?`,
		string(op.Type), op.Resource, op.EntityKey, op.TargetID, string(payload),
		string(op.Priority), op.Priority.Rank(), string(op.State), toNanos(op.CreatedAt), op.RetryCount,
		toNanos(op.NextAttemptAt), toNanos(op.LeaseUntil), op.LastError,
		op.ID)
	if err != nil {
		return wrap(err, opUpdate)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(err, opUpdate)
	}
	if n == 0 {
		return syncErrors.E(syncErrors.Op(opUpdate), syncErrors.Component(componentName), syncErrors.KindNotFound,
			fmt.Sprintf("operation %s not found", op.ID))
	}
	return nil
}

// ClaimOperation is a compare-and-set on the state column. SQLite serializes
// writers across processes, so only one UPDATE can observe 'pending'.
func (s *Store) ClaimOperation(ctx context.Context, opID string, leaseUntil time.Time) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET state = ?, lease_until = ? WHERE id = ? AND state = ?`,
		string(synckit.StateInFlight), toNanos(leaseUntil), opID, string(synckit.StatePending))
	if err != nil {
		return false, wrap(err, opClaim)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap(err, opClaim)
	}
	return n == 1, nil
}

func (s *Store) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET state = ?, lease_until = 0 WHERE state = ? AND lease_until < ?`,
		string(synckit.StatePending), string(synckit.StateInFlight), toNanos(now))
	if err != nil {
		return 0, wrap(err, opRelease)
	}
	n, err := res.RowsAffected()
	return int(n), wrap(err, opRelease)
}
