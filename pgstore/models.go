package pgstore

import (
	"database/sql"
	"errors"

	"github.com/sourced-io/sourced/model"
)

// Models returns a read-model store over the same database. Records
// written through CommitBatch and through this store share the
// sourced_models table.
func (s *Store) Models() *ModelStore {
	return &ModelStore{store: s}
}

// ModelStore implements the read-model contract on Postgres.
type ModelStore struct {
	store *Store
}

func (m *ModelStore) Get(collection, id string) (*model.Versioned, error) {
	var rec model.Versioned
	err := m.store.db.QueryRow(
		`SELECT collection, id, version, data FROM sourced_models
		 WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&rec.Collection, &rec.ID, &rec.Version, &rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *ModelStore) Insert(v model.Model) (*model.Versioned, error) {
	data, err := m.store.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	_, err = m.store.db.Exec(
		`INSERT INTO sourced_models (collection, id, version, data) VALUES ($1, $2, 1, $3)`,
		v.Collection(), v.ModelID(), data)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, model.ErrAlreadyExists
		}
		return nil, err
	}
	return &model.Versioned{Collection: v.Collection(), ID: v.ModelID(), Version: 1, Data: data}, nil
}

func (m *ModelStore) Upsert(v model.Model) (*model.Versioned, error) {
	data, err := m.store.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	var version uint64
	err = m.store.db.QueryRow(
		`INSERT INTO sourced_models (collection, id, version, data) VALUES ($1, $2, 1, $3)
		 ON CONFLICT (collection, id)
		 DO UPDATE SET data = EXCLUDED.data, version = sourced_models.version + 1
		 RETURNING version`,
		v.Collection(), v.ModelID(), data).Scan(&version)
	if err != nil {
		return nil, err
	}
	return &model.Versioned{Collection: v.Collection(), ID: v.ModelID(), Version: version, Data: data}, nil
}

func (m *ModelStore) Update(v model.Model, expectedVersion uint64) (*model.Versioned, error) {
	data, err := m.store.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	res, err := m.store.db.Exec(
		`UPDATE sourced_models SET data = $4, version = version + 1
		 WHERE collection = $1 AND id = $2 AND version = $3`,
		v.Collection(), v.ModelID(), int64(expectedVersion), data)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var actual uint64
		err := m.store.db.QueryRow(
			`SELECT COALESCE(MAX(version), 0) FROM sourced_models WHERE collection = $1 AND id = $2`,
			v.Collection(), v.ModelID()).Scan(&actual)
		if err != nil {
			return nil, err
		}
		return nil, &model.VersionConflictError{
			Collection: v.Collection(),
			ID:         v.ModelID(),
			Expected:   expectedVersion,
			Actual:     actual,
		}
	}
	return &model.Versioned{Collection: v.Collection(), ID: v.ModelID(), Version: expectedVersion + 1, Data: data}, nil
}

func (m *ModelStore) Delete(collection, id string) (bool, error) {
	res, err := m.store.db.Exec(
		`DELETE FROM sourced_models WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (m *ModelStore) Find(collection string, pred func(*model.Versioned) bool) ([]*model.Versioned, error) {
	rows, err := m.store.db.Query(
		`SELECT collection, id, version, data FROM sourced_models WHERE collection = $1`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Versioned
	for rows.Next() {
		var rec model.Versioned
		if err := rows.Scan(&rec.Collection, &rec.ID, &rec.Version, &rec.Data); err != nil {
			return nil, err
		}
		if pred(&rec) {
			out = append(out, &rec)
		}
	}
	return out, rows.Err()
}

func (m *ModelStore) FindOne(collection string, pred func(*model.Versioned) bool) (*model.Versioned, error) {
	matches, err := m.Find(collection, pred)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (m *ModelStore) Decode(rec *model.Versioned, v any) error {
	return m.store.codec.Unmarshal(rec.Data, v)
}

var _ model.Store = (*ModelStore)(nil)
