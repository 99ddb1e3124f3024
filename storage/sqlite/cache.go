package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dukafiti/dukasync/synckit"
)

// Match implements synckit.CacheStorage.
func (s *Store) Match(ctx context.Context, partition, key string) (*synckit.CachedResponse, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		resp   = synckit.CachedResponse{Partition: partition, Key: key}
		header sql.NullString
		stored int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_responses WHERE partition = ? AND cache_key = ?`,
		partition, key).Scan(&resp.Status, &header, &resp.Body, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, opCache)
	}
	if header.Valid && header.String != "" {
		resp.Header = http.Header{}
		if err := json.Unmarshal([]byte(header.String), &resp.Header); err != nil {
			return nil, wrap(err, opCache)
		}
	}
	resp.StoredAt = fromNanos(stored)
	return &resp, nil
}

func (s *Store) PutResponse(ctx context.Context, resp synckit.CachedResponse) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return wrap(err, opCache)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_responses (partition, cache_key, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (partition, cache_key) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		resp.Partition, resp.Key, resp.Status, string(header), resp.Body, toNanos(resp.StoredAt))
	return wrap(err, opCache)
}

func (s *Store) DeletePartition(ctx context.Context, partition string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_responses WHERE partition = ?`, partition)
	return wrap(err, opCache)
}

func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT partition FROM cache_responses ORDER BY partition`)
	if err != nil {
		return nil, wrap(err, opCache)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, wrap(err, opCache)
		}
		out = append(out, p)
	}
	return out, wrap(rows.Err(), opCache)
}
