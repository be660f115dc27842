package api

import "net/http"

// HealthHandler serves GET /healthz → {healthy: true}, per spec §6.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler { return &HealthHandler{} }

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	WriteOk(w, r, map[string]bool{"healthy": true})
}
