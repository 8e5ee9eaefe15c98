package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"merchrewards/auth"
	"merchrewards/claims"
	"merchrewards/models"
	"merchrewards/permit"
)

type claimDataResponse struct {
	ID              uuid.UUID          `json:"id"`
	RewardClass     models.RewardClass `json:"rewardClass"`
	Recipient       string             `json:"recipient"`
	Amount          string             `json:"amount"`
	UniqueID        string             `json:"uniqueId"`
	Deadline        int64              `json:"deadline"`
	Signature       string             `json:"signature"`
	SigningPayload  string             `json:"signingPayload"`
	ContractAddress string             `json:"contractAddress"`
	TokenAddress    string             `json:"tokenAddress"`
}

// GetClaim serves the cached claim data for a claimable record. The
// signature is only released to the owning subject, for a wallet bound
// to the account, before the deadline, and only while the eligibility
// threshold for the reward class holds.
func (s *Server) GetClaim(w http.ResponseWriter, r *http.Request) {
	authClaims, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "invalid claim id")
		return
	}

	record, err := s.claims.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, claims.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found", "claim not found")
			return
		}
		s.writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable")
		return
	}
	// Foreign records read as absent.
	if record.SubjectID != authClaims.SubjectID {
		s.writeError(w, http.StatusNotFound, "not_found", "claim not found")
		return
	}
	if record.Status != models.StatusClaimable {
		s.reject("not_claimable")
		s.writeError(w, http.StatusConflict, "not_claimable", "claim is not in a claimable state")
		return
	}
	if record.ClaimDeadline == nil || !record.ClaimDeadline.After(s.now()) {
		s.reject("claim_expired")
		s.writeError(w, http.StatusConflict, "claim_expired", "claim deadline passed")
		return
	}
	if !authClaims.HasWallet(record.Recipient) {
		s.reject("wallet_not_bound")
		s.writeError(w, http.StatusForbidden, "wallet_not_bound", "recipient wallet is not bound to this account")
		return
	}

	policy := s.policy.ForClass(string(record.RewardClass), s.domain.VerifyingContract, s.tokenAddr)
	if policy.MinScore > 0 {
		allowed, err := s.eligibility.Allowed(r.Context(), authClaims.SubjectID, policy.MinScore)
		if err != nil {
			s.log.Error("eligibility lookup failed", slog.String("error", err.Error()))
			s.writeError(w, http.StatusBadGateway, "eligibility_unavailable", "eligibility service unavailable")
			return
		}
		if !allowed {
			s.reject("eligibility_failed")
			s.writeError(w, http.StatusForbidden, "eligibility_failed", "account does not meet the eligibility threshold")
			return
		}
	}

	deadline := int64(0)
	if record.ClaimDeadline != nil {
		deadline = record.ClaimDeadline.Unix()
	}
	s.writeJSON(w, http.StatusOK, claimDataResponse{
		ID:              record.ID,
		RewardClass:     record.RewardClass,
		Recipient:       record.Recipient,
		Amount:          record.Amount,
		UniqueID:        permit.ClaimUniqueID(record.ID.String()),
		Deadline:        deadline,
		Signature:       record.Signature,
		SigningPayload:  record.SigningPayload,
		ContractAddress: record.ContractAddress,
		TokenAddress:    record.TokenAddress,
	})
}
