package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"loyaltyd/auth"
	"loyaltyd/balance"
	"loyaltyd/models"
	"loyaltyd/signature"
	"loyaltyd/token"
)

// BalanceReader is the read side of the balance calculator used by handlers.
type BalanceReader interface {
	Compute(ctx context.Context, customerAddress string) (*balance.View, error)
}

type sessionResponse struct {
	ID              uuid.UUID `json:"id"`
	CustomerAddress string    `json:"customer_address"`
	ShopID          string    `json:"shop_id"`
	Amount          string    `json:"amount"`
	AmountWei       string    `json:"amount_wei"`
	Status          string    `json:"status"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
	Message         string    `json:"message,omitempty"`
}

func (s *Server) sessionBody(record *models.RedemptionSession, includeMessage bool) sessionResponse {
	resp := sessionResponse{
		ID:              record.ID,
		CustomerAddress: record.CustomerAddress,
		ShopID:          record.ShopID,
		AmountWei:       record.AmountWei,
		Status:          string(record.Status),
		ExpiresAt:       record.ExpiresAt,
		CreatedAt:       record.CreatedAt,
	}
	if amount, err := token.FromStored(record.AmountWei); err == nil {
		resp.Amount = token.Format(amount)
		if includeMessage && record.Status == models.StatePending {
			resp.Message = signature.CanonicalMessage(signature.Approval{
				SessionID:       record.ID,
				CustomerAddress: record.CustomerAddress,
				ShopID:          record.ShopID,
				AmountWei:       amount,
				ExpiresAt:       record.ExpiresAt,
			})
		}
	}
	return resp
}

// CreateSession opens a pending redemption session. Shop tokens act for
// their own subject; admin tokens must name the shop explicitly.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "missing_identity", "missing identity")
		return
	}

	var req struct {
		CustomerAddress string `json:"customer_address"`
		Amount          string `json:"amount"`
		ShopID          string `json:"shop_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}

	amount, err := token.ParsePositive(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}

	shopID := claims.Subject
	if claims.Role == auth.RoleAdmin {
		shopID = req.ShopID
	}

	record, err := s.sessions.CreateSession(r.Context(), shopID, req.CustomerAddress, amount)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.sessionBody(record, true))
}

// ApproveSession consumes a pending session with the customer's signature.
func (s *Server) ApproveSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_session_id", "invalid session id")
		return
	}
	var req struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	record, err := s.sessions.ApproveSession(r.Context(), sessionID, req.Signature)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.sessionBody(record, false))
}

// RejectSession cancels a pending session.
func (s *Server) RejectSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_session_id", "invalid session id")
		return
	}
	record, err := s.sessions.RejectSession(r.Context(), sessionID)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.sessionBody(record, false))
}

// GetSession returns the current state of a session, including the message
// the customer must sign while it remains pending.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_session_id", "invalid session id")
		return
	}
	record, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.sessionBody(record, true))
}

// GetBalance returns the derived balance view for a customer address.
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	address, err := signature.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_address", err.Error())
		return
	}
	view, err := s.balances.Compute(r.Context(), address)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"customer_address":  view.CustomerAddress,
		"lifetime_earned":   token.Format(view.LifetimeEarned),
		"total_redeemed":    token.Format(view.TotalRedeemed),
		"available_balance": token.Format(view.AvailableBalance),
		"tier":              string(view.Tier),
		"computed_at":       view.ComputedAt,
	})
}

// RecordEarning writes earn and tier bonus entries for a paid service.
func (s *Server) RecordEarning(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "missing_identity", "missing identity")
		return
	}
	var req struct {
		CustomerAddress   string `json:"customer_address"`
		ServicePriceCents int64  `json:"service_price_cents"`
		ShopID            string `json:"shop_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	shopID := claims.Subject
	if claims.Role == auth.RoleAdmin {
		shopID = req.ShopID
	}
	earning, err := s.recorder.RecordService(r.Context(), shopID, req.CustomerAddress, req.ServicePriceCents)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"base":  token.Format(earning.Base),
		"bonus": token.Format(earning.Bonus),
		"tier":  string(earning.Tier),
	})
}

// RecordReferral credits a referral reward to the referrer.
func (s *Server) RecordReferral(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReferrerAddress string `json:"referrer_address"`
		Reward          string `json:"reward"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	reward, err := token.ParsePositive(req.Reward)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}
	entry, err := s.recorder.RecordReferralBonus(r.Context(), req.ReferrerAddress, reward)
	if err != nil {
		s.mapDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"entry_id": entry.ID,
		"reward":   token.Format(reward),
	})
}

// LatestRecon summarises the most recent reconciliation run.
func (s *Server) LatestRecon(w http.ResponseWriter, r *http.Request) {
	if s.recon == nil {
		s.writeError(w, http.StatusNotFound, "recon_disabled", "reconciliation is not configured")
		return
	}
	report := s.recon.Latest()
	if report == nil {
		s.writeError(w, http.StatusNotFound, "no_recon_run", "no reconciliation run has completed yet")
		return
	}
	findings := make([]map[string]any, 0, len(report.Findings))
	for _, finding := range report.Findings {
		item := map[string]any{
			"kind":             finding.Kind,
			"customer_address": finding.CustomerAddress,
			"details":          finding.Details,
			"diverged":         finding.Diverged,
		}
		if finding.EntryID != nil {
			item["entry_id"] = finding.EntryID
		}
		if finding.TxHash != "" {
			item["tx_hash"] = finding.TxHash
		}
		findings = append(findings, item)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"start":      report.Start,
		"end":        report.End,
		"status":     string(report.Status),
		"entries":    len(report.Rows),
		"corrective": len(report.Corrective),
		"findings":   findings,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorBody{Code: code, Message: message})
}
