package dashboard

import (
	"net/http"
	"strings"
)

func (d *Dashboard) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := d.store.ListProfiles()
	if err != nil {
		serverError(w, err)
		return
	}
	render(w, "profiles", map[string]any{"Profiles": profiles})
}

func (d *Dashboard) createProfile(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	id, err := d.store.CreateProfile(name, r.FormValue("keep_tool_pairs") == "1")
	if err != nil {
		serverError(w, err)
		return
	}
	http.Redirect(w, r, "/_dashboard/profiles/"+id, http.StatusSeeOther)
}

func (d *Dashboard) showProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	profile, err := d.store.GetProfile(id)
	if err != nil {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	systemFilters, err := d.store.ListSystemFilters(id)
	if err != nil {
		serverError(w, err)
		return
	}
	toolFilters, err := d.store.ListToolFilters(id)
	if err != nil {
		serverError(w, err)
		return
	}
	render(w, "profile_show", map[string]any{
		"Profile":       profile,
		"SystemFilters": systemFilters,
		"ToolFilters":   toolFilters,
	})
}

func (d *Dashboard) updateProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if err := d.store.UpdateProfile(id, name, r.FormValue("keep_tool_pairs") == "1"); err != nil {
		serverError(w, err)
		return
	}
	http.Redirect(w, r, "/_dashboard/profiles/"+id, http.StatusSeeOther)
}

func (d *Dashboard) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := d.store.DeleteProfile(r.PathValue("id")); err != nil {
		http.Error(w, "cannot delete profile", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "/_dashboard/profiles", http.StatusSeeOther)
}

func (d *Dashboard) addSystemFilter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pattern := strings.TrimSpace(r.FormValue("pattern"))
	if pattern != "" {
		if _, err := d.store.AddSystemFilter(id, pattern); err != nil {
			serverError(w, err)
			return
		}
	}
	http.Redirect(w, r, "/_dashboard/profiles/"+id, http.StatusSeeOther)
}

func (d *Dashboard) deleteSystemFilter(w http.ResponseWriter, r *http.Request) {
	if err := d.store.DeleteSystemFilter(r.PathValue("fid")); err != nil {
		serverError(w, err)
		return
	}
	http.Redirect(w, r, "/_dashboard/profiles/"+r.PathValue("id"), http.StatusSeeOther)
}

func (d *Dashboard) addToolFilter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name := strings.TrimSpace(r.FormValue("name"))
	if name != "" {
		if _, err := d.store.AddToolFilter(id, name); err != nil {
			serverError(w, err)
			return
		}
	}
	http.Redirect(w, r, "/_dashboard/profiles/"+id, http.StatusSeeOther)
}

func (d *Dashboard) deleteToolFilter(w http.ResponseWriter, r *http.Request) {
	if err := d.store.DeleteToolFilter(r.PathValue("fid")); err != nil {
		serverError(w, err)
		return
	}
	http.Redirect(w, r, "/_dashboard/profiles/"+r.PathValue("id"), http.StatusSeeOther)
}
