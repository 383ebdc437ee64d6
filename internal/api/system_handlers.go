package api

import (
	"context"
	"net/http"
	"time"

	"github.com/flowpbx/takeback/internal/logctx"
)

// healthResponse is the shape returned by GET /health.
type healthResponse struct {
	Status    string `json:"status"`
	Store     string `json:"store"`
	Available int64  `json:"available_pairs"`
	InUse     int64  `json:"in_use_pairs"`
	UptimeSec int64  `json:"uptime_sec"`
}

// handleHealth reports whether the allocation store is reachable and how
// many pairs are free.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	available, inUse, err := s.store.CountByState(ctx)
	if err != nil {
		logctx.From(r.Context()).Error("health: store unreachable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "allocation store unreachable")
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Store:     s.storeName,
		Available: available,
		InUse:     inUse,
		UptimeSec: int64(time.Since(s.startTime).Seconds()),
	})
}
