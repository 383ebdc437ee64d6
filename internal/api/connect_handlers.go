package api

import (
	"errors"
	"net/http"

	"github.com/flowpbx/takeback/internal/database/models"
	"github.com/flowpbx/takeback/internal/logctx"
	"github.com/flowpbx/takeback/internal/transfer"
)

// Lookup purposes sent by the contact flow.
const (
	purposeGetData      = "GetData"
	purposeTransferCall = "TransferCall"
)

// connectLookupRequest accepts both the flat form and the contact flow's
// native invocation shape, where the values sit under Details.Parameters.
type connectLookupRequest struct {
	CallingNumber string `json:"calling_number"`
	CalledNumber  string `json:"called_number"`
	Purpose       string `json:"purpose"`

	Details *struct {
		Parameters struct {
			CallingNumber string `json:"CallingNumber"`
			CalledNumber  string `json:"CalledNumber"`
			Purpose       string `json:"Purpose"`
		} `json:"Parameters"`
	} `json:"Details,omitempty"`
}

func (req *connectLookupRequest) normalize() {
	if req.Details == nil {
		return
	}
	p := req.Details.Parameters
	if req.CallingNumber == "" {
		req.CallingNumber = p.CallingNumber
	}
	if req.CalledNumber == "" {
		req.CalledNumber = p.CalledNumber
	}
	if req.Purpose == "" {
		req.Purpose = p.Purpose
	}
}

// connectLookupResponse is flat; contact flows read top-level keys only.
type connectLookupResponse struct {
	OriginalCallingNumber string `json:"original_calling_number,omitempty"`
	TransactionID         string `json:"transaction_id,omitempty"`
	Message               string `json:"message,omitempty"`
}

// handleConnectLookup serves the routing engine's lookups against a number
// pair. The calling number is the gateway number the call arrived from and
// the called number is the routing number it arrived on.
func (s *Server) handleConnectLookup(w http.ResponseWriter, r *http.Request) {
	var req connectLookupRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.normalize()

	if errMsg := validateE164("calling_number", req.CallingNumber); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateE164("called_number", req.CalledNumber); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	key := models.PairKey{GatewayNumber: req.CallingNumber, RoutingNumber: req.CalledNumber}
	logger := logctx.From(r.Context()).With("purpose", req.Purpose)

	var (
		res transfer.Result
		err error
	)
	switch req.Purpose {
	case purposeGetData:
		res, err = s.transfer.OriginalCaller(r.Context(), key)
	case purposeTransferCall:
		if !s.transferEnabled {
			writeError(w, http.StatusServiceUnavailable, "transfer is not configured")
			return
		}
		res, err = s.transfer.FindAndTransfer(r.Context(), key)
	default:
		writeError(w, http.StatusBadRequest, "purpose must be GetData or TransferCall")
		return
	}

	switch {
	case errors.Is(err, transfer.ErrNoSession):
		writeRaw(w, http.StatusNotFound, connectLookupResponse{Message: res.Message})
	case err != nil:
		logger.Error("connect lookup: failed", "error", err)
		writeError(w, http.StatusBadGateway, "lookup failed")
	default:
		writeRaw(w, http.StatusOK, connectLookupResponse{
			OriginalCallingNumber: res.OriginalCaller,
			TransactionID:         res.SessionID,
			Message:               res.Message,
		})
	}
}
