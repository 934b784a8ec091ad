package dashboard

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tapwire/tapwire/internal/proxy"
	"github.com/tapwire/tapwire/internal/store"
)

// optional maps a form value to a nullable column: blank means NULL.
func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func sessionParamsFromForm(r *http.Request) *store.SessionParams {
	return &store.SessionParams{
		Name:              strings.TrimSpace(r.FormValue("name")),
		TargetURL:         strings.TrimSpace(r.FormValue("target_url")),
		TLSVerifyDisabled: r.FormValue("tls_verify_disabled") == "1",
		AuthHeader:        optional(r.FormValue("auth_header")),
		XAPIKey:           optional(r.FormValue("x_api_key")),
		ProfileID:         optional(r.FormValue("profile_id")),
		BedrockRegion:     optional(r.FormValue("bedrock_region")),
	}
}

func (d *Dashboard) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := d.store.ListSessions()
	if err != nil {
		serverError(w, err)
		return
	}
	profiles, err := d.store.ListProfiles()
	if err != nil {
		serverError(w, err)
		return
	}
	render(w, "sessions", map[string]any{
		"Sessions": sessions,
		"Profiles": profiles,
	})
}

func (d *Dashboard) createSession(w http.ResponseWriter, r *http.Request) {
	params := sessionParamsFromForm(r)
	if params.Name == "" || params.TargetURL == "" {
		http.Error(w, "name and target URL are required", http.StatusBadRequest)
		return
	}
	id, err := d.store.CreateSession(params)
	if err != nil {
		serverError(w, err)
		return
	}
	http.Redirect(w, r, "/_dashboard/sessions/"+id, http.StatusSeeOther)
}

func (d *Dashboard) showSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := d.store.GetSession(id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	profiles, err := d.store.ListProfiles()
	if err != nil {
		serverError(w, err)
		return
	}
	requests, err := d.store.ListRequests(id, 100, 0)
	if err != nil {
		serverError(w, err)
		return
	}
	count, err := d.store.CountRequests(id)
	if err != nil {
		serverError(w, err)
		return
	}

	whitelistText := ""
	if hosts, set := sess.Whitelist(); set {
		whitelistText = strings.Join(hosts, ", ")
	}
	toolNamesText := ""
	if sess.WebFetchToolNames != nil {
		toolNamesText = strings.Join(sess.ToolNames(), ", ")
	}

	render(w, "session_show", map[string]any{
		"Session":       sess,
		"Profiles":      profiles,
		"Requests":      requests,
		"RequestCount":  count,
		"WhitelistText": whitelistText,
		"ToolNamesText": toolNamesText,
		"ErrorPresets":  proxy.WellKnownErrorKeys(),
	})
}

func (d *Dashboard) updateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.store.UpdateSession(id, sessionParamsFromForm(r)); err != nil {
		serverError(w, err)
		return
	}
	http.Redirect(w, r, "/_dashboard/sessions/"+id, http.StatusSeeOther)
}

func (d *Dashboard) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := d.store.DeleteSession(r.PathValue("id")); err != nil {
		serverError(w, err)
		return
	}
	http.Redirect(w, r, "/_dashboard/sessions", http.StatusSeeOther)
}

func (d *Dashboard) setErrorInject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if r.FormValue("clear") == "1" {
		if err := d.store.SetErrorInject(id, nil); err != nil {
			serverError(w, err)
			return
		}
		http.Redirect(w, r, "/_dashboard/sessions/"+id, http.StatusSeeOther)
		return
	}

	spec := ""
	if key := r.FormValue("error_type"); key != "" {
		spec = proxy.WellKnownErrorSpec(key)
	}
	if spec == "" {
		custom := strings.TrimSpace(r.FormValue("spec"))
		if custom != "" && json.Valid([]byte(custom)) {
			spec = custom
		}
	}

	var stored *string
	if spec != "" {
		stored = &spec
	}
	if err := d.store.SetErrorInject(id, stored); err != nil {
		serverError(w, err)
		return
	}
	http.Redirect(w, r, "/_dashboard/sessions/"+id, http.StatusSeeOther)
}

// splitCommaList parses a comma-separated form field into trimmed entries.
func splitCommaList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (d *Dashboard) setWebFetch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.store.SetWebFetchIntercept(id, r.FormValue("intercept") == "1"); err != nil {
		serverError(w, err)
		return
	}

	var whitelist *string
	if hosts := splitCommaList(r.FormValue("whitelist")); len(hosts) > 0 {
		if data, err := json.Marshal(hosts); err == nil {
			s := string(data)
			whitelist = &s
		}
	}
	if err := d.store.SetWebFetchWhitelist(id, whitelist); err != nil {
		serverError(w, err)
		return
	}

	var toolNames *string
	if names := splitCommaList(r.FormValue("tool_names")); len(names) > 0 {
		if data, err := json.Marshal(names); err == nil {
			s := string(data)
			toolNames = &s
		}
	}
	if err := d.store.SetWebFetchToolNames(id, toolNames); err != nil {
		serverError(w, err)
		return
	}

	http.Redirect(w, r, "/_dashboard/sessions/"+id, http.StatusSeeOther)
}

func (d *Dashboard) clearRequests(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.store.ClearRequests(id); err != nil {
		serverError(w, err)
		return
	}
	http.Redirect(w, r, "/_dashboard/sessions/"+id, http.StatusSeeOther)
}

func (d *Dashboard) showRequest(w http.ResponseWriter, r *http.Request) {
	req, err := d.store.GetRequest(r.PathValue("id"))
	if err != nil {
		http.Error(w, "request not found", http.StatusNotFound)
		return
	}
	render(w, "request_show", map[string]any{"Request": req})
}
