package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/takeback/internal/allocator"
	"github.com/flowpbx/takeback/internal/database/models"
	"github.com/flowpbx/takeback/internal/logctx"
)

// pairResponse is the JSON representation of a number pair.
type pairResponse struct {
	GatewayNumber  string  `json:"gateway_number"`
	RoutingNumber  string  `json:"routing_number"`
	InUse          bool    `json:"in_use"`
	SessionID      string  `json:"session_id,omitempty"`
	ClaimedAt      *string `json:"claimed_at,omitempty"`
	OriginalCaller string  `json:"original_caller,omitempty"`
}

func toPairResponse(p *models.Pair) pairResponse {
	resp := pairResponse{
		GatewayNumber:  p.GatewayNumber,
		RoutingNumber:  p.RoutingNumber,
		InUse:          p.InUse,
		SessionID:      p.SessionID,
		OriginalCaller: p.OriginalCaller,
	}
	if p.ClaimedAt != nil {
		s := p.ClaimedAt.UTC().Format(time.RFC3339)
		resp.ClaimedAt = &s
	}
	return resp
}

// handleListPairs returns every pair with its current state.
func (s *Server) handleListPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.store.List(r.Context())
	if err != nil {
		logctx.From(r.Context()).Error("list pairs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]pairResponse, len(pairs))
	for i := range pairs {
		items[i] = toPairResponse(&pairs[i])
	}

	writeJSON(w, http.StatusOK, items)
}

type seedRequest struct {
	GatewayNumbers []string `json:"gateway_numbers"`
	RoutingNumbers []string `json:"routing_numbers"`
}

// handleSeedPairs provisions every gateway × routing combination.
func (s *Server) handleSeedPairs(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateNumberList("gateway_numbers", req.GatewayNumbers); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateNumberList("routing_numbers", req.RoutingNumbers); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	n, err := allocator.Seed(r.Context(), s.store, req.GatewayNumbers, req.RoutingNumbers)
	if err != nil {
		logctx.From(r.Context()).Error("seed pairs: failed", "error", err, "written", n)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int{"seeded": n})
}

type releaseRequest struct {
	GatewayNumber string `json:"gateway_number"`
	RoutingNumber string `json:"routing_number"`
}

// handleReleasePair frees a pair by hand. It is the remediation path for a
// pair left in use by a call that never reported its hangup.
func (s *Server) handleReleasePair(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateE164("gateway_number", req.GatewayNumber); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateE164("routing_number", req.RoutingNumber); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	key := models.PairKey{GatewayNumber: req.GatewayNumber, RoutingNumber: req.RoutingNumber}
	existing, err := s.store.Get(r.Context(), key)
	if err != nil {
		logctx.From(r.Context()).Error("release pair: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "pair not found")
		return
	}

	if err := s.alloc.Release(r.Context(), key); err != nil {
		writeError(w, http.StatusServiceUnavailable, "allocation store unavailable")
		return
	}

	logctx.From(r.Context()).Info("pair released by admin",
		"gateway_number", key.GatewayNumber,
		"routing_number", key.RoutingNumber,
		"session_id", existing.SessionID,
	)
	existing.InUse = false
	writeJSON(w, http.StatusOK, toPairResponse(existing))
}

type reapRequest struct {
	OlderThan string `json:"older_than"`
}

// handleReapPairs releases pairs claimed longer ago than older_than, or the
// configured lease TTL when omitted.
func (s *Server) handleReapPairs(w http.ResponseWriter, r *http.Request) {
	var req reapRequest
	if errMsg := readOptionalJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	ttl := s.cfg.LeaseTTL
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a positive duration")
			return
		}
		ttl = d
	}
	if ttl <= 0 {
		writeError(w, http.StatusBadRequest, "older_than is required when no lease ttl is configured")
		return
	}

	logger := logctx.From(r.Context())
	n, err := allocator.NewReaper(s.store, ttl, logger).ReapOnce(r.Context())
	if err != nil {
		logger.Error("reap pairs: failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"released": n, "older_than": ttl.String()})
}
