package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/settlement"
)

// EscrowService is the lifecycle surface the handlers drive.
type EscrowService interface {
	Initiate(ctx context.Context, caller, buyer, seller identity.Principal, terms string, amount uint64) (escrow.Agreement, error)
	Agree(ctx context.Context, caller identity.Principal, id uint64) error
	Fund(ctx context.Context, caller identity.Principal, id uint64) error
	ConfirmShipped(ctx context.Context, caller identity.Principal, id uint64) error
	ConfirmReceived(ctx context.Context, caller identity.Principal, id uint64, method escrow.ReleaseMethod) error
	Cancel(ctx context.Context, caller identity.Principal, id uint64) error
	ConfirmTransfer(ctx context.Context, caller identity.Principal, id uint64) error
	Get(ctx context.Context, id uint64) (escrow.Agreement, error)
	ListFor(ctx context.Context, caller identity.Principal) ([]escrow.Agreement, error)
	Participants(ctx context.Context, id uint64) (identity.Principal, identity.Principal, error)
}

type DisputeService interface {
	Open(ctx context.Context, caller identity.Principal, id uint64) error
	Resolve(ctx context.Context, caller identity.Principal, id uint64, decision dispute.Decision) error
}

type IdentityService interface {
	GetOwner(ctx context.Context) (identity.Principal, error)
	SetOwner(ctx context.Context, caller, newOwner identity.Principal) error
	SetAdmin(ctx context.Context, caller, admin identity.Principal) error
	SetOffChainServer(ctx context.Context, caller, server identity.Principal) error
	SetVerifierKey(ctx context.Context, caller identity.Principal, key string) error
	VerifyAPIKey(ctx context.Context, key string) error
}

type TransferLister interface {
	ListTransfers(ctx context.Context, escrowID uint64) ([]settlement.Transfer, error)
}

type TokenVerifier interface {
	Verify(token string) (identity.Principal, error)
}

type Server struct {
	escrows    EscrowService
	disputes   DisputeService
	identities IdentityService
	transfers  TransferLister
	tokens     TokenVerifier
	metrics    *metricsRegistry
	httpServer *http.Server
	dbHealthFn func(context.Context) error
}

type Options struct {
	Port       int
	DBHealthFn func(context.Context) error
}

func New(escrows EscrowService, disputes DisputeService, identities IdentityService, transfers TransferLister, tokens TokenVerifier, opts Options) *Server {
	s := &Server{
		escrows:    escrows,
		disputes:   disputes,
		identities: identities,
		transfers:  transfers,
		tokens:     tokens,
		metrics:    newMetricsRegistry(),
		dbHealthFn: opts.DBHealthFn,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/escrows", s.auth(s.handleInitiate))
	mux.HandleFunc("GET /api/v1/escrows", s.auth(s.handleListMyEscrows))
	mux.HandleFunc("GET /api/v1/escrows/{id}", s.auth(s.handleGetEscrow))
	mux.HandleFunc("GET /api/v1/escrows/{id}/participants", s.auth(s.handleParticipants))
	mux.HandleFunc("GET /api/v1/escrows/{id}/transfers", s.auth(s.handleListTransfers))
	mux.HandleFunc("POST /api/v1/escrows/{id}/agree", s.auth(s.handleAgree))
	mux.HandleFunc("POST /api/v1/escrows/{id}/fund", s.auth(s.handleFund))
	mux.HandleFunc("POST /api/v1/escrows/{id}/confirm-transfer", s.auth(s.handleConfirmTransfer))
	mux.HandleFunc("POST /api/v1/escrows/{id}/shipped", s.auth(s.handleConfirmShipped))
	mux.HandleFunc("POST /api/v1/escrows/{id}/received", s.auth(s.handleConfirmReceived))
	mux.HandleFunc("POST /api/v1/escrows/{id}/cancel", s.auth(s.handleCancel))
	mux.HandleFunc("POST /api/v1/escrows/{id}/dispute", s.auth(s.handleOpenDispute))
	mux.HandleFunc("POST /api/v1/escrows/{id}/resolve", s.auth(s.handleResolveDispute))
	mux.HandleFunc("GET /api/v1/whoami", s.auth(s.handleWhoAmI))
	mux.HandleFunc("GET /api/v1/config/owner", s.auth(s.handleGetOwner))
	mux.HandleFunc("PUT /api/v1/config/owner", s.auth(s.handleSetOwner))
	mux.HandleFunc("PUT /api/v1/config/admin", s.auth(s.handleSetAdmin))
	mux.HandleFunc("PUT /api/v1/config/off-chain-server", s.auth(s.handleSetOffChainServer))
	mux.HandleFunc("PUT /api/v1/config/verifier-key", s.auth(s.handleSetVerifierKey))
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(opts.Port),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// ObserveSettlement feeds the settlements counter from the coordinator, so
// outbound payouts are only counted when the ledger was actually called.
// Deduplicated confirmations issue nothing and are not counted here.
func (s *Server) ObserveSettlement(direction settlement.Direction, outcome string) {
	s.metrics.incSettlement(string(direction), outcome)
}

func (s *Server) Start() error {
	log.Printf("escrow API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type principalKey struct{}

func callerFrom(ctx context.Context) identity.Principal {
	p, _ := ctx.Value(principalKey{}).(identity.Principal)
	return p
}

// auth resolves the caller's principal from the bearer token before the
// handler runs. All business endpoints require an authenticated caller.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next(w, r.WithContext(ctx))
	}
}

type initiateRequest struct {
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Terms  string `json:"terms"`
	Amount uint64 `json:"amount"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	ag, err := s.escrows.Initiate(r.Context(), callerFrom(r.Context()),
		identity.Principal(req.Buyer), identity.Principal(req.Seller), req.Terms, req.Amount)
	if err != nil {
		s.metrics.incTransition("initiate", "failed")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incTransition("initiate", "ok")
	writeJSON(w, http.StatusCreated, map[string]any{"escrow_id": ag.ID})
}

func (s *Server) handleAgree(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, "agree", s.escrows.Agree)
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, "fund", s.escrows.Fund)
}

func (s *Server) handleConfirmShipped(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, "confirm_shipped", s.escrows.ConfirmShipped)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, "cancel", s.escrows.Cancel)
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, "open_dispute", s.disputes.Open)
}

type receiveRequest struct {
	ReleaseMethod string `json:"release_method"`
}

func (s *Server) handleConfirmReceived(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	err := s.escrows.ConfirmReceived(r.Context(), callerFrom(r.Context()), id, escrow.ReleaseMethod(req.ReleaseMethod))
	if err != nil {
		s.metrics.incTransition("confirm_received", "failed")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incTransition("confirm_received", "ok")
	writeOK(w)
}

type resolveRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	err := s.disputes.Resolve(r.Context(), callerFrom(r.Context()), id, dispute.Decision(req.Decision))
	if err != nil {
		s.metrics.incTransition("resolve_dispute", "failed")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incTransition("resolve_dispute", "ok")
	writeOK(w)
}

// handleConfirmTransfer additionally checks the verifier's machine API key
// when one is configured.
func (s *Server) handleConfirmTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	if key := r.Header.Get("X-Verifier-Key"); key != "" {
		if err := s.identities.VerifyAPIKey(r.Context(), key); err != nil {
			s.metrics.incSettlement("inbound", "rejected")
			writeError(w, http.StatusForbidden, "verifier key mismatch")
			return
		}
	}

	if err := s.escrows.ConfirmTransfer(r.Context(), callerFrom(r.Context()), id); err != nil {
		s.metrics.incSettlement("inbound", "failed")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incSettlement("inbound", "ok")
	writeOK(w)
}

type agreementResponse struct {
	EscrowID       uint64     `json:"escrow_id"`
	Buyer          string     `json:"buyer"`
	Seller         string     `json:"seller"`
	Terms          string     `json:"terms"`
	Amount         uint64     `json:"amount"`
	Status         string     `json:"status"`
	ReleaseMethod  string     `json:"release_method,omitempty"`
	AgreedByBuyer  bool       `json:"agreed_by_buyer"`
	AgreedBySeller bool       `json:"agreed_by_seller"`
	CreatedAt      time.Time  `json:"created_at"`
	AgreedAt       *time.Time `json:"agreed_at,omitempty"`
	FundedAt       *time.Time `json:"funded_at,omitempty"`
	ShippedAt      *time.Time `json:"shipped_at,omitempty"`
	DisputedAt     *time.Time `json:"disputed_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

func toAgreementResponse(ag escrow.Agreement) agreementResponse {
	resp := agreementResponse{
		EscrowID:       ag.ID,
		Buyer:          string(ag.Buyer),
		Seller:         string(ag.Seller),
		Terms:          ag.Terms,
		Amount:         ag.Amount,
		Status:         string(ag.Status),
		AgreedByBuyer:  ag.AgreedByBuyer,
		AgreedBySeller: ag.AgreedBySeller,
		CreatedAt:      ag.CreatedAt,
		AgreedAt:       ag.AgreedAt,
		FundedAt:       ag.FundedAt,
		ShippedAt:      ag.ShippedAt,
		DisputedAt:     ag.DisputedAt,
		ResolvedAt:     ag.ResolvedAt,
		ReleasedAt:     ag.ReleasedAt,
		CancelledAt:    ag.CancelledAt,
	}
	if ag.ReleaseMethod != nil {
		resp.ReleaseMethod = string(*ag.ReleaseMethod)
	}
	return resp
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	s.metrics.incQuery("get_escrow")

	ag, err := s.escrows.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(ag))
}

func (s *Server) handleListMyEscrows(w http.ResponseWriter, r *http.Request) {
	s.metrics.incQuery("list_my_escrows")

	ags, err := s.escrows.ListFor(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]agreementResponse, 0, len(ags))
	for _, ag := range ags {
		out = append(out, toAgreementResponse(ag))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	s.metrics.incQuery("get_participants")

	buyer, seller, err := s.escrows.Participants(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"buyer":  string(buyer),
		"seller": string(seller),
	})
}

type transferResponse struct {
	ID           string    `json:"id"`
	Direction    string    `json:"direction"`
	Counterparty string    `json:"counterparty"`
	Amount       uint64    `json:"amount"`
	State        string    `json:"state"`
	LedgerRef    string    `json:"ledger_ref,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	s.metrics.incQuery("list_transfers")

	// Confirm the escrow exists first so unknown ids stay a 404.
	if _, err := s.escrows.Get(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	transfers, err := s.transfers.ListTransfers(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]transferResponse, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, transferResponse{
			ID:           t.ID,
			Direction:    string(t.Direction),
			Counterparty: string(t.Counterparty),
			Amount:       t.Amount,
			State:        string(t.State),
			LedgerRef:    t.LedgerRef,
			CreatedAt:    t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	s.metrics.incQuery("whoami")
	writeJSON(w, http.StatusOK, map[string]string{
		"principal": string(callerFrom(r.Context())),
	})
}

func (s *Server) handleGetOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := s.identities.GetOwner(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": string(owner)})
}

type principalRequest struct {
	Principal string `json:"principal"`
}

func (s *Server) handleSetOwner(w http.ResponseWriter, r *http.Request) {
	s.runConfigUpdate(w, r, s.identities.SetOwner)
}

func (s *Server) handleSetAdmin(w http.ResponseWriter, r *http.Request) {
	s.runConfigUpdate(w, r, s.identities.SetAdmin)
}

func (s *Server) handleSetOffChainServer(w http.ResponseWriter, r *http.Request) {
	s.runConfigUpdate(w, r, s.identities.SetOffChainServer)
}

type verifierKeyRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleSetVerifierKey(w http.ResponseWriter, r *http.Request) {
	var req verifierKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if err := s.identities.SetVerifierKey(r.Context(), callerFrom(r.Context()), req.Key); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	healthy := true
	if s.dbHealthFn != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(ctx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			healthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"database": dbInfo,
	})
}

func (s *Server) runTransition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, identity.Principal, uint64) error) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), callerFrom(r.Context()), id); err != nil {
		s.metrics.incTransition(op, "failed")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incTransition(op, "ok")
	writeOK(w)
}

func (s *Server) runConfigUpdate(w http.ResponseWriter, r *http.Request, fn func(context.Context, identity.Principal, identity.Principal) error) {
	var req principalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if req.Principal == "" {
		writeError(w, http.StatusBadRequest, "principal is required")
		return
	}
	if err := fn(r.Context(), callerFrom(r.Context()), identity.Principal(req.Principal)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) escrowID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return 0, false
	}
	return id, true
}

// writeDomainError maps the typed failure taxonomy onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, identity.ErrUnauthorized),
		errors.Is(err, identity.ErrBadVerifierKey):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, settlement.ErrAlreadyIssued):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, settlement.ErrNotConfirmed):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, settlement.ErrFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", uuid.NewString())
		}
		next.ServeHTTP(w, r)
	})
}
