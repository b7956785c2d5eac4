package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"querybuilder/internal/domain"
)

// ConnectionStore implements domain.ConnectionStore using SQLite.
type ConnectionStore struct {
	db *DB
}

func NewConnectionStore(db *DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

const connectionColumns = `id, owner_id, name, backend, options_json, tags_json, active, encrypted, key_ref,
	last_tested_at, last_test_ok, last_test_error, created_at, updated_at`

func (s *ConnectionStore) CreateConnection(c *domain.ConnectionConfig) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	opts, tags, err := encodeConnection(c)
	if err != nil {
		return err
	}
	_, err = s.db.conn.Exec(
		`INSERT INTO connections (`+connectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Name, string(c.Backend), opts, tags, c.Active, c.Encrypted, c.KeyRef,
		nullTime(c.LastTestedAt), c.LastTestOK, c.LastTestError, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: connection %q", domain.ErrDuplicateName, c.Name)
	}
	return err
}

func (s *ConnectionStore) GetConnection(id string) (*domain.ConnectionConfig, error) {
	row := s.db.conn.QueryRow(`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: connection %s", domain.ErrNotFound, id)
	}
	return c, err
}

func (s *ConnectionStore) ListConnections(ownerID string) ([]domain.ConnectionConfig, error) {
	rows, err := s.db.conn.Query(`SELECT `+connectionColumns+` FROM connections WHERE owner_id = ? ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conns := []domain.ConnectionConfig{}
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *c)
	}
	return conns, rows.Err()
}

func (s *ConnectionStore) UpdateConnection(c *domain.ConnectionConfig) error {
	c.UpdatedAt = time.Now().UTC()
	opts, tags, err := encodeConnection(c)
	if err != nil {
		return err
	}
	res, err := s.db.conn.Exec(
		`UPDATE connections SET name=?, backend=?, options_json=?, tags_json=?, active=?, encrypted=?, key_ref=?,
			last_tested_at=?, last_test_ok=?, last_test_error=?, updated_at=?
		 WHERE id=?`,
		c.Name, string(c.Backend), opts, tags, c.Active, c.Encrypted, c.KeyRef,
		nullTime(c.LastTestedAt), c.LastTestOK, c.LastTestError, c.UpdatedAt, c.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: connection %q", domain.ErrDuplicateName, c.Name)
	}
	if err != nil {
		return err
	}
	return requireAffected(res, "connection", c.ID)
}

func (s *ConnectionStore) DeleteConnection(id string) error {
	res, err := s.db.conn.Exec(`DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "connection", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(r rowScanner) (*domain.ConnectionConfig, error) {
	var (
		c            domain.ConnectionConfig
		backend      string
		opts, tags   string
		lastTestedAt sql.NullTime
	)
	if err := r.Scan(&c.ID, &c.OwnerID, &c.Name, &backend, &opts, &tags, &c.Active, &c.Encrypted, &c.KeyRef,
		&lastTestedAt, &c.LastTestOK, &c.LastTestError, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Backend = domain.Backend(backend)
	if err := json.Unmarshal([]byte(opts), &c.Options); err != nil {
		return nil, fmt.Errorf("decode options of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", c.ID, err)
	}
	if lastTestedAt.Valid {
		t := lastTestedAt.Time
		c.LastTestedAt = &t
	}
	return &c, nil
}

func encodeConnection(c *domain.ConnectionConfig) (opts, tags string, err error) {
	rawOpts, err := json.Marshal(c.Options)
	if err != nil {
		return "", "", fmt.Errorf("encode options: %w", err)
	}
	t := c.Tags
	if t == nil {
		t = []string{}
	}
	rawTags, err := json.Marshal(t)
	if err != nil {
		return "", "", fmt.Errorf("encode tags: %w", err)
	}
	return string(rawOpts), string(rawTags), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
	}
	return nil
}
