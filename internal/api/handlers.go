// Package api exposes the HTTP surface of the ingest control plane.
package api

import (
	"log/slog"
	"net/http"

	"vidgate/internal/lifecycle"
	"vidgate/internal/objectstore"
	"vidgate/internal/storage"
	"vidgate/internal/upload"
)

// Handler carries the control plane's collaborators for the HTTP layer.
type Handler struct {
	Uploads   *upload.Manager
	Lifecycle *lifecycle.Controller
	Store     storage.Store
	Objects   objectstore.Client
	Logger    *slog.Logger
}

// NewHandler constructs the API handler.
func NewHandler(uploads *upload.Manager, controller *lifecycle.Controller, store storage.Store, objects objectstore.Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Uploads:   uploads,
		Lifecycle: controller,
		Store:     store,
		Objects:   objects,
		Logger:    logger,
	}
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed"})
}
