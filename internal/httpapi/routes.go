package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rubble-game/rubble-backend/internal/registry"
	"github.com/rubble-game/rubble-backend/internal/ws"
)

// SetupRoutes builds the public router. Room creation and membership happen
// over the socket at /api; the plain HTTP surface is read-only.
func SetupRoutes(reg *registry.Registry, log *zap.Logger, dev bool) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(log.Named("http")))

	r.Get("/healthz", Healthz)
	r.Get("/rooms", ListRooms(reg))
	r.Get("/api", ws.Handler(reg, log.Named("ws"), dev))
	return r
}
