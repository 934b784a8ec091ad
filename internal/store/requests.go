package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const requestColumns = `id, session_id, method, path, timestamp, headers_json, body_json,
	truncated_json, model, tools_json, messages_json, system_json, params_json,
	input_tokens, note, response_status, response_headers_json, response_body,
	response_events_json, webfetch_first_response_body,
	webfetch_first_response_events_json, webfetch_followup_body_json,
	webfetch_rounds_json, created_at`

func scanRequest(row interface{ Scan(...any) error }) (*Request, error) {
	var r Request
	err := row.Scan(
		&r.ID, &r.SessionID, &r.Method, &r.Path, &r.Timestamp, &r.HeadersJSON, &r.BodyJSON,
		&r.TruncJSON, &r.Model, &r.ToolsJSON, &r.MsgsJSON, &r.SystemJSON, &r.ParamsJSON,
		&r.InputTokens, &r.Note, &r.ResponseStatus, &r.ResponseHeadersJSON, &r.ResponseBody,
		&r.ResponseEventsJSON, &r.WebFetchFirstResponseBody,
		&r.WebFetchFirstResponseEventsJSON, &r.WebFetchFollowupBodyJSON,
		&r.WebFetchRoundsJSON, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertRequest writes the completed captured-request row in one statement.
// The pipeline calls this exactly once, after the client-facing response is
// done; dashboard readers never observe a partial row.
func (s *Store) InsertRequest(r *Request) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.db.Exec(
		`INSERT INTO requests (id, session_id, method, path, timestamp, headers_json, body_json,
		 truncated_json, model, tools_json, messages_json, system_json, params_json,
		 input_tokens, note, response_status, response_headers_json, response_body,
		 response_events_json, webfetch_first_response_body,
		 webfetch_first_response_events_json, webfetch_followup_body_json, webfetch_rounds_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Method, r.Path, r.Timestamp, r.HeadersJSON, r.BodyJSON,
		r.TruncJSON, r.Model, r.ToolsJSON, r.MsgsJSON, r.SystemJSON, r.ParamsJSON,
		r.InputTokens, r.Note, r.ResponseStatus, r.ResponseHeadersJSON, r.ResponseBody,
		r.ResponseEventsJSON, r.WebFetchFirstResponseBody,
		r.WebFetchFirstResponseEventsJSON, r.WebFetchFollowupBodyJSON, r.WebFetchRoundsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert request %s: %w", r.ID, err)
	}
	return nil
}

// GetRequest loads one captured request by id.
func (s *Store) GetRequest(id string) (*Request, error) {
	r, err := scanRequest(s.db.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return r, nil
}

// ListRequests returns a session's captured requests newest-first.
func (s *Store) ListRequests(sessionID string, limit, offset int64) ([]*Request, error) {
	rows, err := s.db.Query(
		`SELECT `+requestColumns+` FROM requests WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRequests returns how many requests a session has captured.
func (s *Store) CountRequests(sessionID string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM requests WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return n, nil
}

// ClearRequests deletes all captured requests for a session.
func (s *Store) ClearRequests(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM requests WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear requests: %w", err)
	}
	return nil
}

// SetRequestNote replaces the note on a captured request.
func (s *Store) SetRequestNote(id, note string) error {
	if _, err := s.db.Exec(`UPDATE requests SET note = ? WHERE id = ?`, note, id); err != nil {
		return fmt.Errorf("set request note %s: %w", id, err)
	}
	return nil
}
