package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"merchrewards/auth"
	"merchrewards/models"
	"merchrewards/permit"
	"merchrewards/window"
)

type permitRequest struct {
	Wallet string `json:"wallet"`
}

type permitResponse struct {
	Permit          permit.Permit `json:"permit"`
	Signature       string        `json:"signature"`
	ContractAddress string        `json:"contractAddress"`
}

// IssuePermit mints a short-lived signed permit for the current daily
// window. The permit is never persisted; only its eventual confirmation
// consumes the window.
func (s *Server) IssuePermit(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return
	}
	var req permitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "invalid request body")
		return
	}
	wallet, err := permit.NormalizeAddress(req.Wallet)
	if err != nil {
		s.rejectPermit(w, http.StatusBadRequest, "validation_failed", "invalid wallet address")
		return
	}
	if !claims.HasWallet(wallet) {
		s.rejectPermit(w, http.StatusForbidden, "wallet_not_bound", "wallet is not bound to this account")
		return
	}

	policy := s.policy.ForClass(string(models.ClassDailyEntitlement), s.domain.VerifyingContract, s.tokenAddr)
	if policy.MinScore > 0 {
		allowed, err := s.eligibility.Allowed(r.Context(), claims.SubjectID, policy.MinScore)
		if err != nil {
			s.log.Error("eligibility lookup failed", slog.String("error", err.Error()))
			s.writeError(w, http.StatusBadGateway, "eligibility_unavailable", "eligibility service unavailable")
			return
		}
		if !allowed {
			s.rejectPermit(w, http.StatusForbidden, "eligibility_failed", "account does not meet the eligibility threshold")
			return
		}
	}

	now := s.now()
	windowStart := window.CurrentWindowStart(now)
	done, err := s.guard.HasCompleted(r.Context(), claims.SubjectID, windowStart.Unix())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable")
		return
	}
	if done {
		next := window.NextWindowStart(now).Unix()
		s.reject("window_completed")
		s.writeJSON(w, http.StatusConflict, errorBody{
			Code:            "window_completed",
			Message:         "the current window is already completed",
			NextWindowStart: &next,
		})
		return
	}

	p, signature, err := s.issuer.IssuePermit(claims.SubjectID, wallet)
	if err != nil {
		s.log.Error("permit signing failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusBadGateway, "signing_failed", "permit could not be issued")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordPermitIssued(string(models.ClassDailyEntitlement))
	}
	s.log.Info("permit issued",
		slog.Uint64("subject_id", claims.SubjectID),
		slog.String("wallet", wallet),
		slog.Int64("window_start", p.WindowStart),
	)
	s.writeJSON(w, http.StatusOK, permitResponse{
		Permit:          p,
		Signature:       signature,
		ContractAddress: s.domain.VerifyingContract,
	})
}

func (s *Server) rejectPermit(w http.ResponseWriter, status int, code, message string) {
	s.reject(code)
	s.writeError(w, status, code, message)
}

func (s *Server) reject(reason string) {
	if s.metrics != nil {
		s.metrics.RecordRejection(reason)
	}
}
