package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"merchrewards/claims"
	"merchrewards/models"
	"merchrewards/settle"
)

type createClaimRequest struct {
	RewardClass string `json:"rewardClass"`
	SubjectID   uint64 `json:"subjectId"`
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	Reference   string `json:"reference"`
}

// CreateClaim creates a pending payout record, signs it, and promotes it
// to claimable in one operator call.
func (s *Server) CreateClaim(w http.ResponseWriter, r *http.Request) {
	var req createClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "invalid request body")
		return
	}
	class := models.RewardClass(req.RewardClass)
	switch class {
	case models.ClassTaskReward, models.ClassBountyPayout:
	default:
		s.writeError(w, http.StatusBadRequest, "validation_failed", "unsupported reward class")
		return
	}
	if req.SubjectID == 0 {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "subject id required")
		return
	}

	amount, err := claims.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "amount must be a positive integer in smallest units")
		return
	}

	record, err := s.claims.CreatePending(r.Context(), class, req.SubjectID, req.Recipient, req.Amount, req.Reference)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	policy := s.policy.ForClass(string(class), s.domain.VerifyingContract, s.tokenAddr)
	deadline := s.now().Add(policy.ClaimTTL.Duration)
	payload, signature, err := s.issuer.IssueClaimSignature(record.ID.String(), record.Recipient, amount, deadline)
	if err != nil {
		s.log.Error("claim signing failed",
			slog.String("claim_id", record.ID.String()),
			slog.String("error", err.Error()),
		)
		s.writeError(w, http.StatusBadGateway, "signing_failed", "claim could not be signed")
		return
	}
	if err := s.claims.MarkClaimable(r.Context(), record.ID, signature, payload, policy.ContractAddress, policy.TokenAddress, deadline); err != nil {
		s.writeError(w, http.StatusConflict, "conflict", "claim could not be promoted")
		return
	}

	signed, err := s.claims.Get(r.Context(), record.ID)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable")
		return
	}
	s.log.Info("claim created",
		slog.String("claim_id", signed.ID.String()),
		slog.String("reward_class", string(signed.RewardClass)),
		slog.String("wallet", signed.Recipient),
		slog.String("amount", signed.Amount),
	)
	s.writeJSON(w, http.StatusCreated, signed)
}

// ExecuteClaim performs backend-executed settlement for one claimable
// record.
func (s *Server) ExecuteClaim(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "invalid claim id")
		return
	}
	if s.executor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "execution_unavailable", "backend execution is not configured")
		return
	}
	record, err := s.executor.Execute(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, claims.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "not_found", "claim not found")
		case errors.Is(err, claims.ErrDeadlinePassed):
			s.writeError(w, http.StatusConflict, "claim_expired", "claim deadline passed")
		case errors.Is(err, claims.ErrNotClaimable):
			s.writeError(w, http.StatusConflict, "not_claimable", "claim is not in a claimable state")
		case errors.Is(err, settle.ErrExecutionFailed):
			// The record was rolled back; the outcome on-chain is unknown.
			s.writeError(w, http.StatusBadGateway, "execution_failed", "settlement did not complete and was rolled back")
		default:
			s.writeError(w, http.StatusBadGateway, "execution_failed", "settlement could not be processed")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}
