package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tapwire/tapwire/internal/filter"
)

const sessionColumns = `s.id, s.name, s.target_url, s.tls_verify_disabled, s.auth_header,
	s.x_api_key, s.profile_id, s.error_inject, s.webfetch_intercept,
	s.webfetch_whitelist, s.webfetch_tool_names, s.bedrock_region, s.created_at`

func scanSession(row interface{ Scan(...any) error }, withCount bool) (*Session, error) {
	var s Session
	dest := []any{
		&s.ID, &s.Name, &s.TargetURL, &s.TLSVerifyDisabled, &s.AuthHeader,
		&s.XAPIKey, &s.ProfileID, &s.ErrorInject, &s.WebFetchIntercept,
		&s.WebFetchWhitelist, &s.WebFetchToolNames, &s.BedrockRegion, &s.CreatedAt,
	}
	if withCount {
		dest = append(dest, &s.RequestCount)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession loads one session by id, or ErrSessionNotFound.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id)
	sess, err := scanSession(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns all sessions newest-first with request counts.
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + `,
		COALESCE((SELECT COUNT(*) FROM requests r WHERE r.session_id = s.id), 0)
		FROM sessions s ORDER BY s.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionParams carries the writable session fields for create/update.
type SessionParams struct {
	Name              string
	TargetURL         string
	TLSVerifyDisabled bool
	AuthHeader        *string
	XAPIKey           *string
	ProfileID         *string
	BedrockRegion     *string
}

// CreateSession inserts a new session and returns its id.
func (s *Store) CreateSession(p *SessionParams) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, name, target_url, tls_verify_disabled, auth_header, x_api_key, profile_id, bedrock_region)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Name, p.TargetURL, p.TLSVerifyDisabled, p.AuthHeader, p.XAPIKey, p.ProfileID, p.BedrockRegion,
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// UpdateSession rewrites the writable fields of an existing session.
func (s *Store) UpdateSession(id string, p *SessionParams) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET name = ?, target_url = ?, tls_verify_disabled = ?,
		 auth_header = ?, x_api_key = ?, profile_id = ?, bedrock_region = ? WHERE id = ?`,
		p.Name, p.TargetURL, p.TLSVerifyDisabled, p.AuthHeader, p.XAPIKey, p.ProfileID, p.BedrockRegion, id,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return nil
}

// DeleteSession removes a session and, via cascade, its captured requests.
func (s *Store) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// SetErrorInject stores (or clears, with nil) the synthetic-error override.
func (s *Store) SetErrorInject(id string, spec *string) error {
	if _, err := s.db.Exec(`UPDATE sessions SET error_inject = ? WHERE id = ?`, spec, id); err != nil {
		return fmt.Errorf("set error_inject %s: %w", id, err)
	}
	return nil
}

// SetWebFetchIntercept toggles proxy-side tool execution for the session.
func (s *Store) SetWebFetchIntercept(id string, enabled bool) error {
	if _, err := s.db.Exec(`UPDATE sessions SET webfetch_intercept = ? WHERE id = ?`, enabled, id); err != nil {
		return fmt.Errorf("set webfetch_intercept %s: %w", id, err)
	}
	return nil
}

// SetWebFetchWhitelist stores the host whitelist JSON; nil clears it
// (meaning no restriction).
func (s *Store) SetWebFetchWhitelist(id string, whitelist *string) error {
	if _, err := s.db.Exec(`UPDATE sessions SET webfetch_whitelist = ? WHERE id = ?`, whitelist, id); err != nil {
		return fmt.Errorf("set webfetch_whitelist %s: %w", id, err)
	}
	return nil
}

// SetWebFetchToolNames stores the intercepted tool-name list JSON.
func (s *Store) SetWebFetchToolNames(id string, names *string) error {
	if _, err := s.db.Exec(`UPDATE sessions SET webfetch_tool_names = ? WHERE id = ?`, names, id); err != nil {
		return fmt.Errorf("set webfetch_tool_names %s: %w", id, err)
	}
	return nil
}

// Resolve loads a session plus its filter profile (the session's own, or the
// default when unset), compiled and ready for one pipeline run.
//
// Queried per request rather than cached: dashboard writes take effect
// immediately and SQLite point reads are cheap.
func (s *Store) Resolve(sessionID string) (*ResolvedSession, error) {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	profileID := ""
	if sess.ProfileID != nil {
		profileID = *sess.ProfileID
	}
	var prof *FilterProfile
	if profileID != "" {
		prof, err = s.GetProfile(profileID)
		if errors.Is(err, sql.ErrNoRows) {
			prof = nil
			err = nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve profile %s: %w", profileID, err)
		}
	}
	if prof == nil {
		prof, err = s.DefaultProfile()
		if err != nil {
			return nil, ErrProfileMissing
		}
	}

	patterns, err := s.ListSystemFilters(prof.ID)
	if err != nil {
		return nil, fmt.Errorf("load system filters: %w", err)
	}
	tools, err := s.ListToolFilters(prof.ID)
	if err != nil {
		return nil, fmt.Errorf("load tool filters: %w", err)
	}

	sources := make([]string, 0, len(patterns))
	for _, p := range patterns {
		sources = append(sources, p.Pattern)
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}

	return &ResolvedSession{
		Session: *sess,
		Profile: filter.NewProfile(prof.ID, prof.Name, sources, names, prof.KeepToolPairs),
	}, nil
}
