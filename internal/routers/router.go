package routers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"collabcanvas/internal/api"
	"collabcanvas/internal/metrics"
)

func New(h *api.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Get("/api/v1/healthz", h.Health)

	r.Get("/api/v1/rooms/{id}", h.RoomStatus)
	r.Get("/api/v1/rooms/{id}/collaborators", h.Collaborators)

	r.Get("/ws/collab/{id}", h.CollabWS)

	r.Handle("/metrics", metrics.Handler())

	return r
}
