package api

import (
	"errors"
	"net/http"

	"github.com/flowpbx/takeback/internal/logctx"
	"github.com/flowpbx/takeback/internal/sma"
)

// handleSMAEvent runs one SIP media application invocation through the call
// router. The platform always gets a 200 with a well-formed response; a
// failure to serve the call is expressed in the returned actions.
func (s *Server) handleSMAEvent(w http.ResponseWriter, r *http.Request) {
	body, errMsg := readBody(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	resp, err := s.router.Invoke(r.Context(), body)
	if err != nil && !errors.Is(err, sma.ErrMalformedEvent) {
		logctx.From(r.Context()).Error("sma event: call not served", "error", err)
	}

	writeRaw(w, http.StatusOK, resp)
}
