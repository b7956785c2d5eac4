package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"querybuilder/internal/domain"
)

// SavedQueryStore implements domain.SavedQueryStore using SQLite.
type SavedQueryStore struct {
	db *DB
}

func NewSavedQueryStore(db *DB) *SavedQueryStore {
	return &SavedQueryStore{db: db}
}

const savedQueryColumns = `id, owner_id, name, description, query_text, connection_id, metadata_json, public, created_at, updated_at`

func (s *SavedQueryStore) CreateQuery(q *domain.SavedQuery) error {
	now := time.Now().UTC()
	q.CreatedAt = now
	q.UpdatedAt = now
	meta, err := json.Marshal(q.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.conn.Exec(
		`INSERT INTO saved_queries (`+savedQueryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.OwnerID, q.Name, q.Description, q.Query, q.ConnectionID, string(meta), q.Public, q.CreatedAt, q.UpdatedAt,
	)
	return err
}

// GetQuery loads a saved query together with its parameters.
func (s *SavedQueryStore) GetQuery(id string) (*domain.SavedQuery, error) {
	row := s.db.conn.QueryRow(`SELECT `+savedQueryColumns+` FROM saved_queries WHERE id = ?`, id)
	q, err := scanSavedQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: saved query %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if q.Parameters, err = s.ListParameters(id); err != nil {
		return nil, err
	}
	return q, nil
}

// ListQueries returns the caller's queries and every public one. Parameters
// are not loaded.
func (s *SavedQueryStore) ListQueries(ownerID string) ([]domain.SavedQuery, error) {
	rows, err := s.db.conn.Query(
		`SELECT `+savedQueryColumns+` FROM saved_queries WHERE owner_id = ? OR public = 1 ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.SavedQuery{}
	for rows.Next() {
		q, err := scanSavedQuery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func (s *SavedQueryStore) UpdateQuery(q *domain.SavedQuery) error {
	q.UpdatedAt = time.Now().UTC()
	meta, err := json.Marshal(q.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := s.db.conn.Exec(
		`UPDATE saved_queries SET name=?, description=?, query_text=?, connection_id=?, metadata_json=?, public=?, updated_at=?
		 WHERE id=?`,
		q.Name, q.Description, q.Query, q.ConnectionID, string(meta), q.Public, q.UpdatedAt, q.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "saved query", q.ID)
}

// DeleteQuery removes the query; its parameters go with it.
func (s *SavedQueryStore) DeleteQuery(id string) error {
	tx, err := s.db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM query_parameters WHERE query_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM saved_queries WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireAffected(res, "saved query", id); err != nil {
		return err
	}
	return tx.Commit()
}

const parameterColumns = `id, query_id, name, type, default_json, required, validation, description`

func (s *SavedQueryStore) CreateParameter(p *domain.QueryParameter) error {
	def, err := json.Marshal(p.DefaultValue)
	if err != nil {
		return fmt.Errorf("encode default: %w", err)
	}
	_, err = s.db.conn.Exec(
		`INSERT INTO query_parameters (`+parameterColumns+`, sort_order)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(sort_order), 0) + 1 FROM query_parameters WHERE query_id = ?))`,
		p.ID, p.QueryID, p.Name, string(p.Type), string(def), p.Required, p.Validation, p.Description, p.QueryID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: parameter %q", domain.ErrDuplicateName, p.Name)
	}
	return err
}

func (s *SavedQueryStore) UpdateParameter(p *domain.QueryParameter) error {
	def, err := json.Marshal(p.DefaultValue)
	if err != nil {
		return fmt.Errorf("encode default: %w", err)
	}
	res, err := s.db.conn.Exec(
		`UPDATE query_parameters SET name=?, type=?, default_json=?, required=?, validation=?, description=? WHERE id=?`,
		p.Name, string(p.Type), string(def), p.Required, p.Validation, p.Description, p.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: parameter %q", domain.ErrDuplicateName, p.Name)
	}
	if err != nil {
		return err
	}
	return requireAffected(res, "parameter", p.ID)
}

func (s *SavedQueryStore) DeleteParameter(id string) error {
	res, err := s.db.conn.Exec(`DELETE FROM query_parameters WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "parameter", id)
}

// ListParameters returns parameters in declaration order.
func (s *SavedQueryStore) ListParameters(queryID string) ([]domain.QueryParameter, error) {
	rows, err := s.db.conn.Query(
		`SELECT `+parameterColumns+` FROM query_parameters WHERE query_id = ? ORDER BY sort_order, name`, queryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	params := []domain.QueryParameter{}
	for rows.Next() {
		var (
			p       domain.QueryParameter
			typ     string
			defJSON string
		)
		if err := rows.Scan(&p.ID, &p.QueryID, &p.Name, &typ, &defJSON, &p.Required, &p.Validation, &p.Description); err != nil {
			return nil, err
		}
		p.Type = domain.ParameterType(typ)
		if err := json.Unmarshal([]byte(defJSON), &p.DefaultValue); err != nil {
			return nil, fmt.Errorf("decode default of parameter %s: %w", p.ID, err)
		}
		params = append(params, p)
	}
	return params, rows.Err()
}

func scanSavedQuery(r rowScanner) (*domain.SavedQuery, error) {
	var (
		q    domain.SavedQuery
		meta string
	)
	if err := r.Scan(&q.ID, &q.OwnerID, &q.Name, &q.Description, &q.Query, &q.ConnectionID, &meta, &q.Public, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &q.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", q.ID, err)
	}
	return &q, nil
}
