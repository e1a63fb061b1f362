package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/coordinator"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/dispute"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/stop"
)

// ============================================================================
// JSON HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine error kinds onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	kind := core.ErrorKind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "validation":
		status = http.StatusBadRequest
	case "forbidden":
		status = http.StatusForbidden
	case "not_found":
		status = http.StatusNotFound
	case "invalid_state", "conflict":
		status = http.StatusConflict
	case "stopped":
		status = http.StatusLocked
	case "timeout":
		status = http.StatusRequestTimeout
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  kind,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
			"kind":  "validation",
		})
		return false
	}
	return true
}

// ============================================================================
// TRANSACTIONS
// ============================================================================

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := s.coord.CreateTransaction(r.Context(), principalFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transactions []coordinator.CreateRequest `json:"transactions"`
	}
	if !decode(w, r, &req) {
		return
	}
	result, err := s.coord.CreateBatch(r.Context(), principalFrom(r), req.Transactions)
	if err != nil {
		writeError(w, err)
		return
	}
	// 207 when some items failed, 201 when all went through.
	status := http.StatusCreated
	if len(result.Failures) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.coord.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.coord.ListTransactions(r.Context(), mux.Vars(r)["participant"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	txs, err := s.coord.PendingActions(r.Context(), principal.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"participant": principal.ID,
		"pending":     txs,
		"count":       len(txs),
	})
}

func (s *Server) handleConfirmSent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Evidence *core.Evidence `json:"evidence,omitempty"`
	}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	txID := mux.Vars(r)["id"]
	if err := s.coord.ConfirmSent(r.Context(), txID, principalFrom(r), req.Evidence); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sender_confirmed", "transaction_id": txID})
}

func (s *Server) handleConfirmReceived(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Condition string `json:"condition,omitempty"`
	}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	txID := mux.Vars(r)["id"]
	if err := s.coord.ConfirmReceived(r.Context(), txID, principalFrom(r), req.Condition); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "validated", "transaction_id": txID})
}

// ============================================================================
// DISPUTES
// ============================================================================

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string              `json:"transaction_id"`
		Type          core.DisputeType    `json:"type"`
		Reason        string              `json:"reason"`
		Evidence      *core.EvidenceEntry `json:"evidence,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	d, err := s.coord.OpenDispute(r.Context(), principalFrom(r), dispute.OpenParams{
		TransactionID: req.TransactionID,
		Type:          req.Type,
		Reason:        req.Reason,
		Evidence:      req.Evidence,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.coord.GetDispute(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	var entry core.EvidenceEntry
	if !decode(w, r, &entry) {
		return
	}
	saved, err := s.coord.AddEvidence(r.Context(), mux.Vars(r)["id"], principalFrom(r), entry)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision           core.Decision       `json:"decision"`
		RequiredAction     core.RequiredAction `json:"required_action,omitempty"`
		CompensationAmount float64             `json:"compensation_amount,omitempty"`
		Notes              string              `json:"notes,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.coord.ResolveDispute(r.Context(), mux.Vars(r)["id"], principalFrom(r), dispute.ResolveParams{
		Decision:           req.Decision,
		RequiredAction:     req.RequiredAction,
		CompensationAmount: req.CompensationAmount,
		Notes:              req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if res == nil {
		// ESCALATE leaves no final resolution behind.
		writeJSON(w, http.StatusOK, map[string]string{"status": "escalated"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDisputeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coord.DisputeStatistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ============================================================================
// COMPENSATION
// ============================================================================

func (s *Server) handleApproveCompensation(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["txId"]
	if err := s.coord.ApproveCompensation(r.Context(), txID, principalFrom(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved", "transaction_id": txID})
}

func (s *Server) handleRejectCompensation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	txID := mux.Vars(r)["txId"]
	if err := s.coord.RejectCompensation(r.Context(), txID, principalFrom(r), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "transaction_id": txID})
}

// ============================================================================
// TRUST
// ============================================================================

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	rec, err := s.coord.GetTrust(r.Context(), mux.Vars(r)["participantId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTrustHistory(w http.ResponseWriter, r *http.Request) {
	participantID := mux.Vars(r)["participantId"]
	history, err := s.coord.GetTrustHistory(r.Context(), participantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"participant_id": participantID,
		"history":        history,
		"count":          len(history),
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
				"kind":  "validation",
			})
			return
		}
		limit = n
	}
	top, err := s.coord.Leaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leaderboard": top,
		"count":       len(top),
	})
}

// ============================================================================
// EMERGENCY STOP
// ============================================================================

func (s *Server) handleTriggerStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason       string   `json:"reason"`
		ScopeAll     bool     `json:"scope_all"`
		Transactions []string `json:"transactions,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	es, err := s.coord.TriggerEmergencyStop(r.Context(), principalFrom(r), stop.TriggerParams{
		Reason:       req.Reason,
		ScopeAll:     req.ScopeAll,
		Transactions: req.Transactions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, es)
}

func (s *Server) handleResumeStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GraceMinutes int `json:"grace_minutes,omitempty"`
	}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	stopID := mux.Vars(r)["id"]
	grace := time.Duration(req.GraceMinutes) * time.Minute
	if err := s.coord.ResumeEmergencyStop(r.Context(), stopID, principalFrom(r), grace); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "stop_id": stopID})
}

func (s *Server) handleEmergencyStatus(w http.ResponseWriter, r *http.Request) {
	stops, err := s.coord.GetEmergencyStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	active := false
	for _, es := range stops {
		if es.Status == core.StopActive {
			active = true
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active": active,
		"stops":  stops,
	})
}
