package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const profileColumns = `id, name, is_default, keep_tool_pairs, created_at`

func scanProfile(row interface{ Scan(...any) error }) (*FilterProfile, error) {
	var p FilterProfile
	if err := row.Scan(&p.ID, &p.Name, &p.IsDefault, &p.KeepToolPairs, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProfile loads one filter profile; sql.ErrNoRows when absent.
func (s *Store) GetProfile(id string) (*FilterProfile, error) {
	return scanProfile(s.db.QueryRow(`SELECT `+profileColumns+` FROM filter_profiles WHERE id = ?`, id))
}

// DefaultProfile loads the singleton default profile.
func (s *Store) DefaultProfile() (*FilterProfile, error) {
	return scanProfile(s.db.QueryRow(`SELECT ` + profileColumns + ` FROM filter_profiles WHERE is_default = 1 LIMIT 1`))
}

// ListProfiles returns every filter profile oldest-first.
func (s *Store) ListProfiles() ([]*FilterProfile, error) {
	rows, err := s.db.Query(`SELECT ` + profileColumns + ` FROM filter_profiles ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*FilterProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateProfile inserts a new non-default profile and returns its id.
func (s *Store) CreateProfile(name string, keepToolPairs bool) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO filter_profiles (id, name, keep_tool_pairs) VALUES (?, ?, ?)`,
		id, name, keepToolPairs,
	)
	if err != nil {
		return "", fmt.Errorf("create profile: %w", err)
	}
	return id, nil
}

// UpdateProfile rewrites a profile's name and keep_tool_pairs flag.
func (s *Store) UpdateProfile(id, name string, keepToolPairs bool) error {
	_, err := s.db.Exec(
		`UPDATE filter_profiles SET name = ?, keep_tool_pairs = ? WHERE id = ?`,
		name, keepToolPairs, id,
	)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", id, err)
	}
	return nil
}

// DeleteProfile removes a non-default profile; sessions pointing at it fall
// back to the default profile at resolution time.
func (s *Store) DeleteProfile(id string) error {
	res, err := s.db.Exec(`DELETE FROM filter_profiles WHERE id = ? AND is_default = 0`, id)
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete profile %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// ListSystemFilters returns a profile's system patterns oldest-first.
func (s *Store) ListSystemFilters(profileID string) ([]*SystemFilter, error) {
	rows, err := s.db.Query(
		`SELECT id, profile_id, pattern, created_at FROM system_filters WHERE profile_id = ? ORDER BY created_at ASC`,
		profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("list system filters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SystemFilter
	for rows.Next() {
		var f SystemFilter
		if err := rows.Scan(&f.ID, &f.ProfileID, &f.Pattern, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan system filter: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// AddSystemFilter appends one pattern to a profile.
func (s *Store) AddSystemFilter(profileID, pattern string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO system_filters (id, profile_id, pattern) VALUES (?, ?, ?)`,
		id, profileID, pattern,
	)
	if err != nil {
		return "", fmt.Errorf("add system filter: %w", err)
	}
	return id, nil
}

// DeleteSystemFilter removes one pattern row.
func (s *Store) DeleteSystemFilter(id string) error {
	if _, err := s.db.Exec(`DELETE FROM system_filters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete system filter %s: %w", id, err)
	}
	return nil
}

// ListToolFilters returns a profile's dropped tool names oldest-first.
func (s *Store) ListToolFilters(profileID string) ([]*ToolFilter, error) {
	rows, err := s.db.Query(
		`SELECT id, profile_id, name, created_at FROM tool_filters WHERE profile_id = ? ORDER BY created_at ASC`,
		profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tool filters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ToolFilter
	for rows.Next() {
		var f ToolFilter
		if err := rows.Scan(&f.ID, &f.ProfileID, &f.Name, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool filter: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// AddToolFilter appends one dropped tool name to a profile.
func (s *Store) AddToolFilter(profileID, name string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO tool_filters (id, profile_id, name) VALUES (?, ?, ?)`,
		id, profileID, name,
	)
	if err != nil {
		return "", fmt.Errorf("add tool filter: %w", err)
	}
	return id, nil
}

// DeleteToolFilter removes one tool-filter row.
func (s *Store) DeleteToolFilter(id string) error {
	if _, err := s.db.Exec(`DELETE FROM tool_filters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete tool filter %s: %w", id, err)
	}
	return nil
}
