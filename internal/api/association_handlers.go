package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/flowpbx/takeback/internal/association"
	"github.com/flowpbx/takeback/internal/logctx"
)

// Associator attaches phone numbers to contact flows.
type Associator interface {
	Associate(ctx context.Context, instanceID, flowID string, numbers []string) (association.Report, error)
	Disassociate(ctx context.Context, instanceID string, numbers []string) (association.Report, error)
}

// associationRequest overrides the configured instance and contact flow
// when the ids are given.
type associationRequest struct {
	InstanceID    string   `json:"instance_id"`
	ContactFlowID string   `json:"contact_flow_id"`
	PhoneNumbers  []string `json:"phone_numbers"`
}

func (s *Server) decodeAssociationRequest(w http.ResponseWriter, r *http.Request, needFlow bool) (associationRequest, bool) {
	var req associationRequest
	if s.associations == nil {
		writeError(w, http.StatusServiceUnavailable, "contact center association is not configured")
		return req, false
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return req, false
	}
	if req.InstanceID == "" {
		req.InstanceID = s.cfg.ConnectInstanceID
	}
	if req.ContactFlowID == "" {
		req.ContactFlowID = s.cfg.ConnectContactFlowID
	}

	if errMsg := validateRequiredStringLen("instance_id", req.InstanceID, maxShortStringLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return req, false
	}
	if needFlow {
		if errMsg := validateRequiredStringLen("contact_flow_id", req.ContactFlowID, maxShortStringLen); errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return req, false
		}
	}
	if errMsg := validateNumberList("phone_numbers", req.PhoneNumbers); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return req, false
	}
	return req, true
}

// handleAssociateNumbers points phone numbers at a contact flow.
func (s *Server) handleAssociateNumbers(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAssociationRequest(w, r, true)
	if !ok {
		return
	}

	report, err := s.associations.Associate(r.Context(), req.InstanceID, req.ContactFlowID, req.PhoneNumbers)
	s.writeAssociationResult(w, r, "associate numbers", report, err)
}

// handleDisassociateNumbers removes phone numbers from their contact flow.
func (s *Server) handleDisassociateNumbers(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAssociationRequest(w, r, false)
	if !ok {
		return
	}

	report, err := s.associations.Disassociate(r.Context(), req.InstanceID, req.PhoneNumbers)
	s.writeAssociationResult(w, r, "disassociate numbers", report, err)
}

func (s *Server) writeAssociationResult(w http.ResponseWriter, r *http.Request, op string, report association.Report, err error) {
	switch {
	case errors.Is(err, association.ErrNoNumbers):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		logctx.From(r.Context()).Error(op+": failed", "error", err)
		writeError(w, http.StatusBadGateway, "contact center request failed")
	default:
		writeJSON(w, http.StatusOK, report)
	}
}
