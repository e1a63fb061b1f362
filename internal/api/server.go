// Package api exposes the consensus engine over REST/JSON plus a
// websocket event stream. Authentication is out of scope here: the
// gateway in front of this service resolves identities and forwards
// them as headers, which we trust as-is.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/coordinator"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/events"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/middleware"
)

// Server is the HTTP front of the coordinator.
type Server struct {
	coord    *coordinator.Coordinator
	streamer *Streamer
	limiter  *middleware.RateLimiter
	logger   *log.Logger
	http     *http.Server
}

// NewServer wires the router. The bus feeds the websocket streamer.
func NewServer(coord *coordinator.Coordinator, bus *events.Bus) *Server {
	s := &Server{
		coord:    coord,
		streamer: NewStreamer(bus),
		limiter:  middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	return s
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Participant-ID, X-Role")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Use(middleware.Logging)
	r.Use(s.limiter.Middleware)

	// --- Transactions ---
	r.HandleFunc("/api/transactions", s.handleCreateTransaction).Methods("POST")
	r.HandleFunc("/api/transactions/batch", s.handleCreateBatch).Methods("POST")
	r.HandleFunc("/api/transactions", s.handleListTransactions).Methods("GET").Queries("participant", "{participant}")
	r.HandleFunc("/api/transactions/pending", s.handlePendingActions).Methods("GET")
	r.HandleFunc("/api/transactions/{id}", s.handleGetTransaction).Methods("GET")
	r.HandleFunc("/api/transactions/{id}/confirm-sent", s.handleConfirmSent).Methods("POST")
	r.HandleFunc("/api/transactions/{id}/confirm-received", s.handleConfirmReceived).Methods("POST")

	// --- Disputes ---
	r.HandleFunc("/api/disputes", s.handleOpenDispute).Methods("POST")
	r.HandleFunc("/api/disputes/stats", s.handleDisputeStats).Methods("GET")
	r.HandleFunc("/api/disputes/{id}", s.handleGetDispute).Methods("GET")
	r.HandleFunc("/api/disputes/{id}/evidence", s.handleAddEvidence).Methods("POST")
	r.HandleFunc("/api/disputes/{id}/resolve", s.handleResolveDispute).Methods("POST")

	// --- Compensation ---
	r.HandleFunc("/api/compensations/{txId}/approve", s.handleApproveCompensation).Methods("POST")
	r.HandleFunc("/api/compensations/{txId}/reject", s.handleRejectCompensation).Methods("POST")

	// --- Trust ---
	r.HandleFunc("/api/trust/leaderboard", s.handleLeaderboard).Methods("GET")
	r.HandleFunc("/api/trust/{participantId}", s.handleGetTrust).Methods("GET")
	r.HandleFunc("/api/trust/{participantId}/history", s.handleTrustHistory).Methods("GET")

	// --- Emergency stop ---
	r.HandleFunc("/api/emergency/stop", s.handleTriggerStop).Methods("POST")
	r.HandleFunc("/api/emergency/stops/{id}/resume", s.handleResumeStop).Methods("POST")
	r.HandleFunc("/api/emergency/status", s.handleEmergencyStatus).Methods("GET")

	// --- Stream & ops ---
	r.HandleFunc("/api/events/stream", s.streamer.HandleWebSocket)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	return r
}

// Start runs the streamer hub and serves until the listener fails.
func (s *Server) Start(port int) error {
	go s.streamer.Run()

	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Printf("🚀 Consensus API listening on %s", addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// principalFrom reads the identity the edge gateway forwarded.
func principalFrom(r *http.Request) core.Principal {
	role := core.Role(r.Header.Get("X-Role"))
	switch role {
	case core.RoleParticipant, core.RoleManager, core.RoleAdmin, core.RoleSecurity:
	default:
		role = core.RoleParticipant
	}
	return core.Principal{
		ID:   r.Header.Get("X-Participant-ID"),
		Role: role,
	}
}
