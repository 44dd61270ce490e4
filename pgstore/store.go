// Package pgstore implements the repository, snapshot store, and native
// batch commit on Postgres via database/sql and lib/pq. One transaction
// covers a whole commit batch, so aggregates, outbox entities, and
// read-model upserts land atomically.
package pgstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/sourced-io/sourced"
	"github.com/sourced-io/sourced/codec"
	"github.com/sourced-io/sourced/model"
)

const uniqueViolation = "23505"

// Store is a Postgres-backed repository plus snapshot store. The *sql.DB
// is owned by the caller and shared safely across goroutines.
type Store struct {
	db    *sql.DB
	codec codec.Codec
}

type Option func(s *Store)

// Codec overrides the codec used to encode read models, default msgpack.
func Codec(c codec.Codec) Option {
	return func(s *Store) {
		s.codec = c
	}
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		codec: codec.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects with the lib/pq driver and returns a store over the
// connection.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return New(db, opts...), nil
}

// Migrate creates the backing tables when absent.
func (s *Store) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sourced_events (
			id           TEXT   NOT NULL,
			sequence     BIGINT NOT NULL,
			name         TEXT   NOT NULL,
			version      INT    NOT NULL DEFAULT 1,
			payload      BYTEA,
			timestamp_ms BIGINT NOT NULL,
			metadata     JSONB,
			PRIMARY KEY (id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS sourced_snapshots (
			id      TEXT   PRIMARY KEY,
			version BIGINT NOT NULL,
			payload BYTEA,
			codec   TEXT   NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sourced_models (
			collection TEXT   NOT NULL,
			id         TEXT   NOT NULL,
			version    BIGINT NOT NULL,
			data       BYTEA,
			PRIMARY KEY (collection, id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sourced: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Get(id string, opts ...sourced.GetOption) (*sourced.Entity, error) {
	o, err := sourced.ConfigureGet(opts...)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT sequence, name, version, payload, timestamp_ms, metadata
		 FROM sourced_events WHERE id = $1 AND sequence > $2 ORDER BY sequence`,
		id, int64(o.AfterSequence))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 && o.AfterSequence == 0 {
		return nil, nil
	}
	if len(records) == 0 {
		// Partial load past a snapshot: distinguish an empty tail from a
		// missing id.
		var n int
		if err := s.db.QueryRow(`SELECT count(*) FROM sourced_events WHERE id = $1`, id).Scan(&n); err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
	}

	e := sourced.NewEntityWithID(id)
	if o.AfterSequence > 0 {
		e.SetSnapshotVersion(o.AfterSequence)
	}
	e.LoadHistory(records)
	return e, nil
}

func scanRecords(rows *sql.Rows) ([]*sourced.EventRecord, error) {
	var records []*sourced.EventRecord
	for rows.Next() {
		var (
			rec  sourced.EventRecord
			meta []byte
		)
		if err := rows.Scan(&rec.Sequence, &rec.Name, &rec.Version, &rec.Payload, &rec.Timestamp, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("sourced: decode event metadata: %w", err)
			}
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *Store) GetAll(ids ...string) ([]*sourced.Entity, error) {
	entities := make([]*sourced.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			entities = append(entities, e)
		}
	}
	return entities, nil
}

// Find loads every entity and filters in memory. Fine for worker scans
// over bounded sets (the outbox); large fleets should query read models
// instead.
func (s *Store) Find(pred func(*sourced.Entity) bool) ([]*sourced.Entity, error) {
	rows, err := s.db.Query(`SELECT DISTINCT id FROM sourced_events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*sourced.Entity
	for _, id := range ids {
		e, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if e != nil && pred(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) FindOne(pred func(*sourced.Entity) bool) (*sourced.Entity, error) {
	matches, err := s.Find(pred)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (s *Store) Exists(pred func(*sourced.Entity) bool) (bool, error) {
	e, err := s.FindOne(pred)
	return e != nil, err
}

func (s *Store) Count(pred func(*sourced.Entity) bool) (int, error) {
	matches, err := s.Find(pred)
	return len(matches), err
}

func (s *Store) Commit(entities ...*sourced.Entity) error {
	return s.CommitBatch(entities, nil)
}

// CommitBatch persists entities and read-model upserts in one
// transaction. Version checks run first for every entity; the (id,
// sequence) primary key backstops races between the check and the
// insert, mapping to a VersionConflictError either way.
func (s *Store) CommitBatch(entities []*sourced.Entity, models []model.Model) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entities {
		if e.ID() == "" {
			return sourced.ErrIDRequired
		}
		var actual uint64
		err := tx.QueryRow(
			`SELECT COALESCE(MAX(sequence), 0) FROM sourced_events WHERE id = $1`,
			e.ID()).Scan(&actual)
		if err != nil {
			return err
		}
		if actual != e.Version() {
			return &sourced.VersionConflictError{ID: e.ID(), Expected: e.Version(), Actual: actual}
		}
	}

	for _, e := range entities {
		for _, rec := range e.Pending() {
			var meta []byte
			if len(rec.Metadata) > 0 {
				meta, err = json.Marshal(rec.Metadata)
				if err != nil {
					return fmt.Errorf("sourced: encode event metadata: %w", err)
				}
			}
			_, err = tx.Exec(
				`INSERT INTO sourced_events (id, sequence, name, version, payload, timestamp_ms, metadata)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				e.ID(), int64(rec.Sequence), rec.Name, int32(rec.Version), rec.Payload, rec.Timestamp, meta)
			if err != nil {
				if isUniqueViolation(err) {
					return &sourced.VersionConflictError{ID: e.ID(), Expected: e.Version(), Actual: rec.Sequence}
				}
				return err
			}
		}
	}

	for _, m := range models {
		data, err := s.codec.Marshal(m)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO sourced_models (collection, id, version, data) VALUES ($1, $2, 1, $3)
			 ON CONFLICT (collection, id)
			 DO UPDATE SET data = EXCLUDED.data, version = sourced_models.version + 1`,
			m.Collection(), m.ModelID(), data)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, e := range entities {
		e.MarkCommitted()
		e.EmitQueued()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func (s *Store) GetSnapshot(id string) (*sourced.SnapshotRecord, error) {
	var rec sourced.SnapshotRecord
	err := s.db.QueryRow(
		`SELECT id, version, payload, codec FROM sourced_snapshots WHERE id = $1`,
		id).Scan(&rec.ID, &rec.Version, &rec.Payload, &rec.Codec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutSnapshot(rec *sourced.SnapshotRecord) error {
	if rec.ID == "" {
		return sourced.ErrIDRequired
	}
	_, err := s.db.Exec(
		`INSERT INTO sourced_snapshots (id, version, payload, codec) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version,
		 payload = EXCLUDED.payload, codec = EXCLUDED.codec`,
		rec.ID, int64(rec.Version), rec.Payload, rec.Codec)
	return err
}

func (s *Store) DeleteSnapshot(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM sourced_snapshots WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

var (
	_ sourced.Repository      = (*Store)(nil)
	_ sourced.BatchRepository = (*Store)(nil)
	_ sourced.SnapshotStore   = (*Store)(nil)
)
