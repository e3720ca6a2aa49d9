package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/botgate/server/fpstore"
	"github.com/botgate/server/ipban"
	"github.com/botgate/server/screening"
	"github.com/botgate/server/token"
	"github.com/botgate/server/verify"
)

type server struct {
	cfg      config
	engine   *ipban.Engine
	issuer   *token.Issuer
	verifier verify.Verifier
	reports  *fpstore.Store
	tampers  *fpstore.TamperLog
	limiter  *ipLimiter
	log      zerolog.Logger
}

func newServer(cfg config, engine *ipban.Engine, issuer *token.Issuer, verifier verify.Verifier,
	reports *fpstore.Store, tampers *fpstore.TamperLog, log zerolog.Logger) *server {
	return &server{
		cfg:      cfg,
		engine:   engine,
		issuer:   issuer,
		verifier: verifier,
		reports:  reports,
		tampers:  tampers,
		limiter:  newIPLimiter(1, 10), // 1 req/s sustained, burst 10
		log:      log,
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS for the widget
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "X-Fingerprint-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	// Everything below runs behind the reputation gate.
	r.Group(func(r chi.Router) {
		r.Use(s.banGate)

		r.With(s.rateLimit).Post("/verify", s.handleVerify)
		r.Post("/token/verify", s.handleTokenVerify)
		r.Post("/tamper/report", s.handleTamperReport)

		r.With(s.requireAdmin).Get("/ip-ban/stats", s.handleBanStats)
		r.With(s.requireAdmin).Post("/ip-ban", s.handleBan)
		r.With(s.requireAdmin).Delete("/ip-ban", s.handleUnban)
		r.With(s.requireAdmin).Post("/ip-ban/clear-expired", s.handleClearExpired)

		// Fingerprint reporting is gated by a live access token.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAccessToken)
			r.Post("/fingerprint/report", s.handleFingerprintReport)
			r.Get("/fingerprint/status", s.handleFingerprintStatus)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ------------------------------------------------------------------
// Verification
// ------------------------------------------------------------------

type verifyRequest struct {
	FingerprintID string `json:"fingerprintId"`
	ProofToken    string `json:"proofToken"`
}

type verifyResponse struct {
	Success     bool      `json:"success"`
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.FingerprintID == "" || req.ProofToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	ip := clientIP(r)
	if findings := screening.Inspect(r, ip); len(findings) > 0 {
		s.log.Warn().
			Str("ip", ip).
			Str("fingerprint_id", req.FingerprintID).
			Float64("risk", screening.Score(findings)).
			Str("findings", screening.Summary(findings)).
			Msg("automation markers on verify request")
	}

	if err := s.verifier.Verify(r.Context(), req.ProofToken, ip); err != nil {
		switch {
		case errors.Is(err, verify.ErrProofUsed), errors.Is(err, verify.ErrProofInvalid):
			writeError(w, http.StatusUnauthorized, "invalid_proof")
		default:
			s.log.Error().Err(err).Msg("verification provider error")
			writeError(w, http.StatusServiceUnavailable, "verification_unavailable")
		}
		return
	}

	accessToken, expiresAt, err := s.issuer.Issue(req.FingerprintID)
	if err != nil {
		s.log.Error().Err(err).Msg("token issue failed")
		writeError(w, http.StatusInternalServerError, "token_issue_failed")
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		Success:     true,
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
	})
}

type tokenVerifyRequest struct {
	Token         string `json:"token"`
	FingerprintID string `json:"fingerprintId"`
}

// handleTokenVerify lets backends check a client-presented token.
func (s *server) handleTokenVerify(w http.ResponseWriter, r *http.Request) {
	var req tokenVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	resp := map[string]any{"valid": true}
	if err := s.issuer.Validate(req.Token, req.FingerprintID); err != nil {
		resp["valid"] = false
		switch {
		case errors.Is(err, token.ErrExpired):
			resp["reason"] = "expired"
		case errors.Is(err, token.ErrFingerprintMismatch):
			resp["reason"] = "fingerprint_mismatch"
		default:
			resp["reason"] = "invalid"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ------------------------------------------------------------------
// IP reputation admin
// ------------------------------------------------------------------

type banRequest struct {
	IPAddress       string   `json:"ipAddress"`
	IPAddresses     []string `json:"ipAddresses"`
	Reason          string   `json:"reason"`
	DurationMinutes int      `json:"durationMinutes"`
}

func (req *banRequest) ips() []string {
	if len(req.IPAddresses) > 0 {
		return req.IPAddresses
	}
	if req.IPAddress != "" {
		return []string{req.IPAddress}
	}
	return nil
}

func (s *server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	ips := req.ips()
	if len(ips) == 0 {
		writeError(w, http.StatusBadRequest, "missing_ip")
		return
	}

	count, err := s.engine.BanBatch(r.Context(), ips, req.Reason, req.DurationMinutes)
	if err != nil {
		switch {
		case errors.Is(err, ipban.ErrInvalidDuration), errors.Is(err, ipban.ErrInvalidIP):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log.Error().Err(err).Msg("ban failed")
			writeError(w, http.StatusInternalServerError, "ban_failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"bannedCount": count})
}

func (s *server) handleUnban(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	ips := req.ips()
	if len(ips) == 0 {
		writeError(w, http.StatusBadRequest, "missing_ip")
		return
	}

	count, err := s.engine.UnbanBatch(r.Context(), ips)
	if err != nil {
		if errors.Is(err, ipban.ErrInvalidIP) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Msg("unban failed")
		writeError(w, http.StatusInternalServerError, "unban_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unbannedCount": count})
}

func (s *server) handleClearExpired(w http.ResponseWriter, r *http.Request) {
	removed, err := s.engine.ClearExpired(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("compaction failed")
		writeError(w, http.StatusInternalServerError, "compaction_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removedCount": removed})
}

func (s *server) handleBanStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.GetStats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("stats scan failed")
		writeError(w, http.StatusInternalServerError, "stats_failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ------------------------------------------------------------------
// Fingerprint reporting
// ------------------------------------------------------------------

type fingerprintReportRequest struct {
	ID string `json:"id"`
}

func (s *server) handleFingerprintReport(w http.ResponseWriter, r *http.Request) {
	var req fingerprintReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	// the report must be for the fingerprint the token is bound to
	if req.ID != fingerprintFromContext(r.Context()) {
		writeError(w, http.StatusUnauthorized, "fingerprint_mismatch")
		return
	}

	s.reports.Record(fpstore.Report{
		FingerprintID: req.ID,
		IP:            clientIP(r),
		UserAgent:     r.Header.Get("User-Agent"),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleFingerprintStatus(w http.ResponseWriter, r *http.Request) {
	fp := fingerprintFromContext(r.Context())
	status := s.reports.Status(fp, clientIP(r), r.Header.Get("User-Agent"))
	writeJSON(w, http.StatusOK, status)
}

// ------------------------------------------------------------------
// Tamper reports
// ------------------------------------------------------------------

type tamperReportRequest struct {
	ElementID    string `json:"elementId"`
	Cause        string `json:"cause"`
	OriginalHash string `json:"originalHash"`
	ObservedHash string `json:"observedHash"`
}

func (s *server) handleTamperReport(w http.ResponseWriter, r *http.Request) {
	var req tamperReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ElementID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	s.tampers.Append(fpstore.TamperReport{
		ElementID:    req.ElementID,
		Cause:        req.Cause,
		OriginalHash: req.OriginalHash,
		ObservedHash: req.ObservedHash,
		RemoteIP:     clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
