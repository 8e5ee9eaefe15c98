package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"merchrewards/auth"
	"merchrewards/claims"
	"merchrewards/permit"
	"merchrewards/reconcile"
	"merchrewards/window"
)

type confirmRequest struct {
	TransactionHash      string         `json:"transactionHash"`
	RecordIDs            []string       `json:"recordIds,omitempty"`
	Permit               *permit.Permit `json:"permit,omitempty"`
	PermitSignature      string         `json:"permitSignature,omitempty"`
	ContractAddress      string         `json:"contractAddress,omitempty"`
	AlternateDisposition bool           `json:"alternateDisposition,omitempty"`
}

// Confirm finalizes a client-reported on-chain action. A body carrying a
// permit echo is a daily entitlement confirmation; a body carrying
// record ids is a payout claim confirmation.
func (s *Server) Confirm(w http.ResponseWriter, r *http.Request) {
	authClaims, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "invalid request body")
		return
	}

	var (
		result *reconcile.Result
		err    error
	)
	switch {
	case req.Permit != nil:
		result, err = s.reconciler.ConfirmDaily(r.Context(), reconcile.DailyConfirmInput{
			SubjectID:            authClaims.SubjectID,
			Wallets:              authClaims.Wallets,
			Permit:               *req.Permit,
			PermitSignature:      req.PermitSignature,
			TransactionHash:      req.TransactionHash,
			ContractAddress:      req.ContractAddress,
			AlternateDisposition: req.AlternateDisposition,
		})
	case len(req.RecordIDs) > 0:
		ids := make([]uuid.UUID, 0, len(req.RecordIDs))
		for _, raw := range req.RecordIDs {
			id, parseErr := uuid.Parse(raw)
			if parseErr != nil {
				s.writeError(w, http.StatusBadRequest, "validation_failed", "invalid record id")
				return
			}
			ids = append(ids, id)
		}
		result, err = s.reconciler.Confirm(r.Context(), reconcile.ConfirmInput{
			SubjectID:            authClaims.SubjectID,
			TransactionHash:      req.TransactionHash,
			RecordIDs:            ids,
			ContractAddress:      req.ContractAddress,
			AlternateDisposition: req.AlternateDisposition,
		})
	default:
		s.writeError(w, http.StatusBadRequest, "validation_failed", "either a permit or record ids are required")
		return
	}
	if err != nil {
		s.writeConfirmError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeConfirmError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reconcile.ErrMissingHash):
		s.writeError(w, http.StatusBadRequest, "validation_failed", "a valid transaction hash is required")
	case errors.Is(err, reconcile.ErrNoRecords):
		s.writeError(w, http.StatusBadRequest, "validation_failed", "no records to confirm")
	case errors.Is(err, reconcile.ErrHashUsed):
		s.writeError(w, http.StatusConflict, "hash_reused", "transaction hash already credited")
	case errors.Is(err, reconcile.ErrWindowCompleted):
		next := window.NextWindowStart(s.now()).Unix()
		s.writeJSON(w, http.StatusConflict, errorBody{
			Code:            "window_completed",
			Message:         "the current window is already completed",
			NextWindowStart: &next,
		})
	case errors.Is(err, reconcile.ErrOwnershipMismatch):
		s.writeError(w, http.StatusForbidden, "ownership_mismatch", "record is not owned by this account")
	case errors.Is(err, reconcile.ErrAlreadyCompleted):
		s.writeError(w, http.StatusConflict, "already_completed", "record already completed")
	case errors.Is(err, reconcile.ErrContractMismatch):
		s.writeError(w, http.StatusConflict, "contract_mismatch", "reported contract does not match")
	case errors.Is(err, reconcile.ErrPermitExpired):
		s.writeError(w, http.StatusForbidden, "permit_expired", "permit expired before confirmation")
	case errors.Is(err, reconcile.ErrPermitInvalid):
		s.writeError(w, http.StatusForbidden, "permit_invalid", "permit failed verification")
	case errors.Is(err, claims.ErrDeadlinePassed):
		s.writeError(w, http.StatusConflict, "claim_expired", "claim deadline passed")
	case errors.Is(err, claims.ErrNotClaimable):
		s.writeError(w, http.StatusConflict, "not_claimable", "record is not claimable")
	case errors.Is(err, claims.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", "record not found")
	default:
		s.writeError(w, http.StatusBadGateway, "confirmation_failed", "confirmation could not be processed")
	}
}
