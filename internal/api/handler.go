// Package api provides HTTP handlers for the pilot service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paxlab/ussd-pilot/internal/domain"
	"github.com/paxlab/ussd-pilot/internal/engine"
	"github.com/paxlab/ussd-pilot/internal/store"
)

// Automator is the engine surface the dispatcher drives.
type Automator interface {
	StartBalanceCheck(sec domain.Secrets) (string, error)
	StartSendMoney(sec domain.Secrets, tr domain.TransferParams) (string, error)
	StartLinkBank(sec domain.Secrets) (string, error)
	Cancel(handle string) error
	Status() engine.Status
	Transcript() []engine.TurnEntry
}

// Handler exposes the operation API.
type Handler struct {
	repo store.Repository
	auto Automator
}

// NewHandler creates an API handler.
func NewHandler(repo store.Repository, auto Automator) *Handler {
	return &Handler{repo: repo, auto: auto}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes mounts the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/session/balance", h.startBalance)
		r.Post("/session/send", h.startSend)
		r.Post("/session/link", h.startLink)
		r.Get("/session", h.sessionStatus)
		r.Get("/session/transcript", h.sessionTranscript)
		r.Delete("/session/{handle}", h.cancelSession)
		r.Get("/transactions", h.listTransactions)
		r.Get("/profile", h.getProfile)
		r.Put("/profile", h.putProfile)
	})
}

// loadSecrets fetches the operator profile, translating "no profile"
// into a client error.
func (h *Handler) loadSecrets(w http.ResponseWriter, r *http.Request) (domain.Secrets, bool) {
	profile, err := h.repo.GetProfile(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load profile")
		return domain.Secrets{}, false
	}
	if profile == nil {
		Error(w, http.StatusPreconditionFailed, "no operator profile configured")
		return domain.Secrets{}, false
	}
	return profile.Secrets(), true
}

func (h *Handler) startBalance(w http.ResponseWriter, r *http.Request) {
	sec, ok := h.loadSecrets(w, r)
	if !ok {
		return
	}
	handle, err := h.auto.StartBalanceCheck(sec)
	h.writeStartResult(w, handle, err)
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Remarks   string `json:"remarks"`
}

func (h *Handler) startSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Recipient == "" {
		Error(w, http.StatusBadRequest, "recipient is required")
		return
	}
	if req.Amount <= 0 {
		Error(w, http.StatusBadRequest, "amount must be a positive whole number")
		return
	}

	sec, ok := h.loadSecrets(w, r)
	if !ok {
		return
	}
	handle, err := h.auto.StartSendMoney(sec, domain.TransferParams{
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Remarks:   req.Remarks,
	})
	h.writeStartResult(w, handle, err)
}

func (h *Handler) startLink(w http.ResponseWriter, r *http.Request) {
	sec, ok := h.loadSecrets(w, r)
	if !ok {
		return
	}
	handle, err := h.auto.StartLinkBank(sec)
	h.writeStartResult(w, handle, err)
}

func (h *Handler) writeStartResult(w http.ResponseWriter, handle string, err error) {
	if err != nil {
		if errors.Is(err, engine.ErrEngineBusy) {
			Error(w, http.StatusConflict, "a session is already active")
			return
		}
		Error(w, http.StatusBadGateway, "failed to start session: "+err.Error())
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"handle": handle})
}

func (h *Handler) cancelSession(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if err := h.auto.Cancel(handle); err != nil {
		if errors.Is(err, engine.ErrNoActiveSession) {
			Error(w, http.StatusNotFound, "no active session")
			return
		}
		if errors.Is(err, engine.ErrHandleMismatch) {
			Error(w, http.StatusConflict, "handle does not match active session")
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.auto.Status())
}

func (h *Handler) sessionTranscript(w http.ResponseWriter, r *http.Request) {
	entries := h.auto.Transcript()
	if entries == nil {
		entries = []engine.TurnEntry{}
	}
	JSON(w, http.StatusOK, entries)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			Error(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}

	records, err := h.repo.ListTransactions(r.Context(), limit)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if records == nil {
		records = []*domain.TransactionRecord{}
	}
	JSON(w, http.StatusOK, records)
}

// profileView masks secrets on the way out.
type profileView struct {
	BankName    string    `json:"bank_name"`
	RoutingCode string    `json:"routing_code"`
	CardAnswer  string    `json:"card_answer"`
	PIN         string    `json:"pin"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.repo.GetProfile(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	if profile == nil {
		Error(w, http.StatusNotFound, "no operator profile configured")
		return
	}
	JSON(w, http.StatusOK, profileView{
		BankName:    profile.BankName,
		RoutingCode: profile.RoutingCode,
		CardAnswer:  domain.Mask(profile.CardAnswer),
		PIN:         domain.Mask(profile.PIN),
		UpdatedAt:   profile.UpdatedAt,
	})
}

type profileRequest struct {
	BankName    string `json:"bank_name"`
	RoutingCode string `json:"routing_code"`
	CardAnswer  string `json:"card_answer"`
	PIN         string `json:"pin"`
}

func (h *Handler) putProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BankName == "" || req.PIN == "" {
		Error(w, http.StatusBadRequest, "bank_name and pin are required")
		return
	}

	if err := h.repo.UpsertProfile(r.Context(), &domain.Profile{
		BankName:    req.BankName,
		RoutingCode: req.RoutingCode,
		CardAnswer:  req.CardAnswer,
		PIN:         req.PIN,
	}); err != nil {
		Error(w, http.StatusInternalServerError, "failed to save profile")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "saved"})
}
