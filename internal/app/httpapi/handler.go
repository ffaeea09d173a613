// Package httpapi exposes the exchange core over HTTP. The caller identity
// arrives in the X-Actor-ID header; upstream infrastructure is responsible
// for authenticating it.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/campusmarket/exchange_core/internal/app"
	"github.com/campusmarket/exchange_core/internal/app/domain/credits"
	"github.com/campusmarket/exchange_core/internal/app/domain/exchange"
	"github.com/campusmarket/exchange_core/internal/app/domain/fault"
	"github.com/campusmarket/exchange_core/internal/app/domain/offer"
	"github.com/campusmarket/exchange_core/internal/app/domain/reward"
	"github.com/campusmarket/exchange_core/internal/app/domain/user"
	"github.com/campusmarket/exchange_core/internal/app/services/notify"
	"github.com/campusmarket/exchange_core/pkg/logger"
)

const actorHeader = "X-Actor-ID"

// Handler serves the HTTP API.
type Handler struct {
	app    *app.Application
	log    *logger.Logger
	router chi.Router
}

// New creates a Handler around the application.
func New(application *app.Application, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &Handler{app: application, log: log}
	h.router = h.routes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(newCORSMiddleware([]string{"*"}).Handler)
	r.Use(requestMetrics(h.app.Metrics))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", h.app.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", h.createUser)
		r.Get("/users/{id}", h.getUser)

		r.Get("/credits/balance", h.balance)
		r.Get("/credits/history", h.history)
		r.Post("/credits/adjust", h.adjust)

		r.Post("/offers", h.createOffer)
		r.Get("/offers/{id}", h.getOffer)

		r.Post("/exchanges", h.createExchange)
		r.Get("/exchanges", h.listExchanges)
		r.Get("/exchanges/{id}", h.getExchange)
		r.Get("/exchanges/{id}/events", h.exchangeEvents)
		r.Post("/exchanges/{id}/accept", h.acceptExchange)
		r.Post("/exchanges/{id}/reject", h.rejectExchange)
		r.Post("/exchanges/{id}/confirm", h.confirmExchange)
		r.Post("/exchanges/{id}/cancel", h.cancelExchange)
		r.Post("/exchanges/{id}/dispute", h.disputeExchange)

		r.Get("/rewards", h.listRewards)
		r.Post("/rewards", h.createReward)
		r.Get("/rewards/{id}", h.getReward)
		r.Post("/rewards/{id}/claim", h.claimReward)

		r.Get("/claims", h.listClaims)
		r.Get("/claims/pending", h.listPendingClaims)
		r.Get("/claims/{id}", h.getClaim)
		r.Post("/claims/{id}/status", h.updateClaimStatus)

		r.Get("/notifications", h.listNotifications)
	})
	return r
}

// --- helpers ----------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if errors.As(err, &fe) {
		writeJSON(w, statusForCode(fe.Code), errorResponse{Error: fe.Message(), Code: string(fe.Code)})
		return
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) || errors.Is(err, errBadRequest) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	// Anything without a fault code is an internal failure; its text stays
	// out of the response.
	h.log.WithError(err).Error("internal error")
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func statusForCode(code fault.Code) int {
	switch code {
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Forbidden:
		return http.StatusForbidden
	case fault.Conflict:
		return http.StatusConflict
	case fault.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

var errBadRequest = errors.New("bad request")

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := strings.TrimSpace(r.Header.Get(actorHeader))
	if actor == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: actorHeader + " header is required"})
		return "", false
	}
	return actor, true
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

// --- users ------------------------------------------------------------------

type createUserRequest struct {
	ID       string `json:"id,omitempty"`
	FullName string `json:"full_name"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	u, err := h.app.Users.CreateUser(r.Context(), user.User{
		ID:       strings.TrimSpace(req.ID),
		FullName: strings.TrimSpace(req.FullName),
		Active:   true,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if _, err := h.app.Ledger.InitialGrant(r.Context(), u.ID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.app.Users.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- credits ----------------------------------------------------------------

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	b, err := h.app.Ledger.Balance(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	entries, err := h.app.Ledger.History(r.Context(), actor, queryLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []credits.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type adjustRequest struct {
	UserID      string `json:"user_id"`
	Type        string `json:"transaction_type"`
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"reference_id,omitempty"`
	Description string `json:"description,omitempty"`
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	entry, err := h.app.Ledger.Adjust(r.Context(), req.UserID,
		credits.TransactionType(req.Type), req.Amount, req.ReferenceID, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// --- offers -----------------------------------------------------------------

type createOfferRequest struct {
	Title        string `json:"title"`
	CreditsValue int64  `json:"credits_value"`
}

func (h *Handler) createOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createOfferRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "title is required"})
		return
	}
	if req.CreditsValue < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "credits_value must not be negative"})
		return
	}
	if _, err := h.app.Users.GetUser(r.Context(), actor); err != nil {
		h.writeError(w, err)
		return
	}
	o, err := h.app.Offers.CreateOffer(r.Context(), offer.Offer{
		OwnerID:      actor,
		Title:        strings.TrimSpace(req.Title),
		CreditsValue: req.CreditsValue,
		Status:       offer.StatusActive,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) getOffer(w http.ResponseWriter, r *http.Request) {
	o, err := h.app.Offers.GetOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// --- exchanges --------------------------------------------------------------

type createExchangeRequest struct {
	OfferID     string     `json:"offer_id"`
	LocationID  string     `json:"location_id,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func (h *Handler) createExchange(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createExchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	var scheduledAt time.Time
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}
	ex, err := h.app.Exchanges.Create(r.Context(), actor, req.OfferID, req.LocationID, scheduledAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ex)
}

func (h *Handler) listExchanges(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	list, err := h.app.Exchanges.ListMine(r.Context(), actor, queryLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []exchange.Exchange{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getExchange(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ex, err := h.app.Exchanges.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (h *Handler) exchangeEvents(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	events, err := h.app.Exchanges.Events(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if events == nil {
		events = []exchange.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) acceptExchange(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ex, err := h.app.Exchanges.Accept(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) rejectExchange(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, err)
			return
		}
	}
	ex, err := h.app.Exchanges.Reject(r.Context(), actor, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

type confirmRequest struct {
	Notes string `json:"notes,omitempty"`
}

func (h *Handler) confirmExchange(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, err)
			return
		}
	}
	ex, err := h.app.Exchanges.Confirm(r.Context(), actor, chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (h *Handler) cancelExchange(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, err)
			return
		}
	}
	ex, err := h.app.Exchanges.Cancel(r.Context(), actor, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

type disputeRequest struct {
	Notes string `json:"notes,omitempty"`
}

func (h *Handler) disputeExchange(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req disputeRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, err)
			return
		}
	}
	ex, err := h.app.Exchanges.Dispute(r.Context(), actor, chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// --- rewards ----------------------------------------------------------------

func (h *Handler) listRewards(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Rewards.ListAvailable(r.Context(), queryLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []reward.Reward{}
	}
	writeJSON(w, http.StatusOK, list)
}

type createRewardRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreditsCost int64  `json:"credits_cost"`
	Stock       int64  `json:"stock_quantity"`
}

func (h *Handler) createReward(w http.ResponseWriter, r *http.Request) {
	var req createRewardRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	rw, err := h.app.Rewards.CreateReward(r.Context(), req.Name, req.Description, req.CreditsCost, req.Stock)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rw)
}

func (h *Handler) getReward(w http.ResponseWriter, r *http.Request) {
	rw, err := h.app.Rewards.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rw)
}

type claimRequest struct {
	Notes string `json:"notes,omitempty"`
}

func (h *Handler) claimReward(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, err)
			return
		}
	}
	claim, err := h.app.Rewards.Claim(r.Context(), actor, chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

// --- claims -----------------------------------------------------------------

func (h *Handler) listClaims(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	list, err := h.app.Rewards.ListUserClaims(r.Context(), actor, queryLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []reward.Claim{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) listPendingClaims(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Rewards.ListPendingClaims(r.Context(), queryLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []reward.Claim{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := h.app.Rewards.GetClaim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

type updateClaimRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

func (h *Handler) updateClaimStatus(w http.ResponseWriter, r *http.Request) {
	var req updateClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	claim, err := h.app.Rewards.UpdateClaimStatus(r.Context(), chi.URLParam(r, "id"),
		reward.ClaimStatus(req.Status), req.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// --- notifications ----------------------------------------------------------

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	list := h.app.Dispatcher.Recent(actor, queryLimit(r))
	if list == nil {
		list = []notify.Message{}
	}
	writeJSON(w, http.StatusOK, list)
}
