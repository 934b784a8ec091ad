package store

import (
	"encoding/json"

	"github.com/tapwire/tapwire/internal/config"
	"github.com/tapwire/tapwire/internal/filter"
)

// Session is one proxy session row: a client-visible id paired with an
// upstream target and its processing policy.
type Session struct {
	ID                string
	Name              string
	TargetURL         string
	TLSVerifyDisabled bool
	AuthHeader        *string
	XAPIKey           *string
	ProfileID         *string
	ErrorInject       *string
	WebFetchIntercept bool
	// WebFetchWhitelist is a JSON array of host suffixes; NULL means no
	// restriction, a non-NULL empty array means allow none.
	WebFetchWhitelist *string
	// WebFetchToolNames is a JSON array of tool names; NULL means the
	// default ["WebFetch"].
	WebFetchToolNames *string
	BedrockRegion     *string
	CreatedAt         string
	RequestCount      int64
}

// ErrorInjectSpec is the parsed error_inject column: a synthetic status plus
// either a JSON body or an ordered SSE event script.
type ErrorInjectSpec struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// ParsedErrorInject decodes the session's error_inject column, returning
// nil when unset or unparseable.
func (s *Session) ParsedErrorInject() *ErrorInjectSpec {
	if s.ErrorInject == nil || *s.ErrorInject == "" {
		return nil
	}
	var spec ErrorInjectSpec
	if err := json.Unmarshal([]byte(*s.ErrorInject), &spec); err != nil || spec.Status == 0 {
		return nil
	}
	return &spec
}

// ToolNames returns the session's intercepted tool names, defaulting to
// ["WebFetch"] when the column is NULL or empty.
func (s *Session) ToolNames() []string {
	if s.WebFetchToolNames != nil {
		var names []string
		if err := json.Unmarshal([]byte(*s.WebFetchToolNames), &names); err == nil && len(names) > 0 {
			return names
		}
	}
	return []string{config.DefaultWebFetchToolName}
}

// Whitelist returns (hosts, set). set is false when the column is NULL,
// which means every host is allowed; an empty non-NULL list allows none.
func (s *Session) Whitelist() ([]string, bool) {
	if s.WebFetchWhitelist == nil {
		return nil, false
	}
	var hosts []string
	if err := json.Unmarshal([]byte(*s.WebFetchWhitelist), &hosts); err != nil {
		return nil, false
	}
	return hosts, true
}

// ResolvedSession is a session denormalized with its compiled filter profile,
// ready for one pipeline run.
type ResolvedSession struct {
	Session
	Profile *filter.Profile
}

// FilterProfile is a reusable filter bundle; exactly one row is the default.
type FilterProfile struct {
	ID            string
	Name          string
	IsDefault     bool
	KeepToolPairs bool
	CreatedAt     string
}

// SystemFilter is one system-prompt pattern belonging to a profile.
type SystemFilter struct {
	ID        string
	ProfileID string
	Pattern   string
	CreatedAt string
}

// ToolFilter is one dropped tool name belonging to a profile.
type ToolFilter struct {
	ID        string
	ProfileID string
	Name      string
	CreatedAt string
}

// Request is one captured request/response row.
type Request struct {
	ID          string
	SessionID   string
	Method      string
	Path        string
	Timestamp   string
	HeadersJSON *string
	BodyJSON    *string
	TruncJSON   *string
	Model       *string
	ToolsJSON   *string
	MsgsJSON    *string
	SystemJSON  *string
	ParamsJSON  *string
	InputTokens *int64
	Note        *string

	ResponseStatus      *int64
	ResponseHeadersJSON *string
	ResponseBody        *string
	ResponseEventsJSON  *string

	WebFetchFirstResponseBody       *string
	WebFetchFirstResponseEventsJSON *string
	WebFetchFollowupBodyJSON        *string
	WebFetchRoundsJSON              *string

	CreatedAt string
}
