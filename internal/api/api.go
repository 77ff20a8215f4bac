// Package api registers the REST surface on the gateway mux: installed
// module listing, dashboard CRUD, and module-published assets.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/burakkaraceylan/vessel/internal/assets"
	"github.com/burakkaraceylan/vessel/internal/dashboard"
	"github.com/burakkaraceylan/vessel/internal/wasm"
)

// Handler serves the REST API.
type Handler struct {
	modulesDir string
	dashboards *dashboard.Store
	assets     *assets.Store
}

// NewHandler wires the REST surface.
func NewHandler(modulesDir string, dashboards *dashboard.Store, store *assets.Store) *Handler {
	return &Handler{modulesDir: modulesDir, dashboards: dashboards, assets: store}
}

// RegisterRoutes attaches all routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/modules", h.listModules)
	mux.HandleFunc("GET /api/modules/version", h.apiVersion)
	mux.HandleFunc("GET /api/dashboards", h.listDashboards)
	mux.HandleFunc("POST /api/dashboards", h.saveDashboard)
	mux.HandleFunc("GET /api/dashboards/{id}", h.getDashboard)
	mux.HandleFunc("PUT /api/dashboards/{id}", h.saveDashboard)
	mux.HandleFunc("DELETE /api/dashboards/{id}", h.deleteDashboard)
	mux.HandleFunc("GET /api/assets/{key}", h.getAsset)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api response write failed", "error", err)
	}
}

// moduleInfo is the public view of an installed guest module.
type moduleInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	APIVersion  uint32 `json:"api_version"`
	Description string `json:"description"`
}

func (h *Handler) listModules(w http.ResponseWriter, r *http.Request) {
	result := []moduleInfo{}
	for _, m := range wasm.ListInstalled(h.modulesDir) {
		result = append(result, moduleInfo{
			ID:          m.ID,
			Name:        m.Name,
			Version:     m.Version,
			APIVersion:  m.APIVersion,
			Description: m.Description,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) apiVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint32{"host_api_version": wasm.HostAPIVersion})
}

func (h *Handler) listDashboards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dashboards.List())
}

func (h *Handler) getDashboard(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dashboards.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "dashboard not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) saveDashboard(w http.ResponseWriter, r *http.Request) {
	var d dashboard.Dashboard
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, "invalid dashboard: "+err.Error(), http.StatusBadRequest)
		return
	}
	if id := r.PathValue("id"); id != "" {
		d.ID = id
	}
	if err := h.dashboards.Save(d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) deleteDashboard(w http.ResponseWriter, r *http.Request) {
	if err := h.dashboards.Delete(r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getAsset(w http.ResponseWriter, r *http.Request) {
	data, ok := h.assets.Get(r.PathValue("key"))
	if !ok {
		http.Error(w, "asset not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Write(data)
}
