// Package dashboard serves the server-rendered management UI: sessions,
// captured requests, filter profiles, interception and error-inject toggles,
// plus a WebSocket live feed of captured traffic.
package dashboard

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tapwire/tapwire/internal/store"
)

// Dashboard owns the UI routes. Mount its handler under /_dashboard on the
// same listener as the proxy.
type Dashboard struct {
	store *store.Store
	hub   *Hub
}

// New builds the dashboard over an opened store.
func New(st *store.Store) *Dashboard {
	return &Dashboard{store: st, hub: NewHub()}
}

// Hub exposes the live-feed hub so the proxy can publish captures into it.
func (d *Dashboard) Hub() *Hub { return d.hub }

// Register mounts every dashboard route on mux.
func (d *Dashboard) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /_dashboard", d.home)
	mux.HandleFunc("GET /_dashboard/{$}", d.home)
	mux.HandleFunc("GET /_dashboard/live", d.hub.HandleWS)

	mux.HandleFunc("GET /_dashboard/sessions", d.listSessions)
	mux.HandleFunc("POST /_dashboard/sessions", d.createSession)
	mux.HandleFunc("GET /_dashboard/sessions/{id}", d.showSession)
	mux.HandleFunc("POST /_dashboard/sessions/{id}/edit", d.updateSession)
	mux.HandleFunc("POST /_dashboard/sessions/{id}/delete", d.deleteSession)
	mux.HandleFunc("POST /_dashboard/sessions/{id}/error-inject", d.setErrorInject)
	mux.HandleFunc("POST /_dashboard/sessions/{id}/webfetch", d.setWebFetch)
	mux.HandleFunc("POST /_dashboard/sessions/{id}/requests/clear", d.clearRequests)

	mux.HandleFunc("GET /_dashboard/requests/{id}", d.showRequest)

	mux.HandleFunc("GET /_dashboard/profiles", d.listProfiles)
	mux.HandleFunc("POST /_dashboard/profiles", d.createProfile)
	mux.HandleFunc("GET /_dashboard/profiles/{id}", d.showProfile)
	mux.HandleFunc("POST /_dashboard/profiles/{id}", d.updateProfile)
	mux.HandleFunc("POST /_dashboard/profiles/{id}/delete", d.deleteProfile)
	mux.HandleFunc("POST /_dashboard/profiles/{id}/system", d.addSystemFilter)
	mux.HandleFunc("POST /_dashboard/profiles/{id}/system/{fid}/delete", d.deleteSystemFilter)
	mux.HandleFunc("POST /_dashboard/profiles/{id}/tools", d.addToolFilter)
	mux.HandleFunc("POST /_dashboard/profiles/{id}/tools/{fid}/delete", d.deleteToolFilter)
}

// render executes one page template, logging failures.
func render(w http.ResponseWriter, page string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pages.ExecuteTemplate(w, page, data); err != nil {
		log.Error().Err(err).Str("page", page).Msg("dashboard: render failed")
	}
}

func serverError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("dashboard: request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (d *Dashboard) home(w http.ResponseWriter, r *http.Request) {
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
	render(w, "home", map[string]any{
		"SessionCount": len(sessions),
		"ProfileCount": len(profiles),
	})
}
