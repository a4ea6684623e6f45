// Package httpapi exposes the auction core over HTTP.
package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"bidledger/internal/apperr"
	"bidledger/internal/bidding"
	"bidledger/internal/lifecycle"
	"bidledger/internal/metrics"
	"bidledger/internal/money"
	"bidledger/internal/settlement"
	"bidledger/internal/storage"
)

const maxWebhookBytes = 64 << 10

// Deps are the services behind the routes.
type Deps struct {
	Bids       *bidding.Service
	Auctions   *lifecycle.Manager
	Settlement *settlement.Service
	Webhook    settlement.WebhookVerifier
	Metrics    *metrics.Metrics
	AdminToken string
	Logger     zerolog.Logger
}

// Handler contains HTTP request handlers.
type Handler struct {
	bids       *bidding.Service
	auctions   *lifecycle.Manager
	settlement *settlement.Service
	webhook    settlement.WebhookVerifier
	metrics    *metrics.Metrics
	adminToken string
	logger     zerolog.Logger
	now        func() time.Time
}

// NewHandler creates a new HTTP handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		bids:       deps.Bids,
		auctions:   deps.Auctions,
		settlement: deps.Settlement,
		webhook:    deps.Webhook,
		metrics:    deps.Metrics,
		adminToken: deps.AdminToken,
		logger:     deps.Logger.With().Str("component", "http").Logger(),
		now:        time.Now,
	}
}

// Routes configures all HTTP routes. CORS wraps the router so preflight requests are
// answered before method matching.
func (h *Handler) Routes() http.Handler {
	router := mux.NewRouter()
	router.Use(h.observe)

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/processor", h.ProcessorWebhook).Methods(http.MethodPost)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auctions/current", h.CurrentAuction).Methods(http.MethodGet)
	api.HandleFunc("/items/{id}", h.GetItem).Methods(http.MethodGet)
	api.HandleFunc("/items/{id}/history", h.BidHistory).Methods(http.MethodGet)
	api.HandleFunc("/items/{id}/bids", h.PlaceBid).Methods(http.MethodPost)
	api.HandleFunc("/bidders/unpaid-items", h.UnpaidItems).Methods(http.MethodGet)
	api.HandleFunc("/payments", h.CreatePayment).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(h.requireAdmin)
	admin.HandleFunc("/auctions", h.StartAuction).Methods(http.MethodPost)
	admin.HandleFunc("/auctions/active", h.ActiveAuction).Methods(http.MethodGet)
	admin.HandleFunc("/auctions/{id}/items", h.AuctionItems).Methods(http.MethodGet)
	admin.HandleFunc("/auctions/{id}/items", h.AddItem).Methods(http.MethodPost)
	admin.HandleFunc("/auctions/{id}/end", h.EndAuction).Methods(http.MethodPost)
	admin.HandleFunc("/items/{id}", h.UpdateItem).Methods(http.MethodPut)
	admin.HandleFunc("/items/{id}", h.DeleteItem).Methods(http.MethodDelete)
	admin.HandleFunc("/items/{id}/restore", h.RestoreBid).Methods(http.MethodPost)
	admin.HandleFunc("/items/{id}/reset", h.ResetBid).Methods(http.MethodPost)
	admin.HandleFunc("/items/{id}/paid", h.SetPaid).Methods(http.MethodPost)
	admin.HandleFunc("/payments", h.ListPayments).Methods(http.MethodGet)

	return corsMiddleware(router)
}

// HealthCheck returns service health status.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   h.now().UTC().Format(time.RFC3339),
	})
}

// CurrentAuction returns the current auction with its items.
func (h *Handler) CurrentAuction(w http.ResponseWriter, r *http.Request) {
	auction, items, err := h.auctions.AuctionItems(r.Context(), nil)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"auction": auctionView(auction),
		"items":   itemViews(items, false),
	})
}

// GetItem returns one item's current bid state.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	state, err := h.bids.GetItem(r.Context(), id)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, itemView(state, false))
}

// BidHistory returns the winning entry and the most recent outbid entries.
func (h *Handler) BidHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 100 {
			respondError(w, http.StatusBadRequest, "limit must be between 0 and 100")
			return
		}
		limit = n
	}

	history, err := h.bids.BidHistory(r.Context(), id, limit)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	out := historyResponse{Recent: make([]historyEntryResponse, 0, len(history.Recent))}
	if history.Winning != nil {
		winning := historyEntryView(*history.Winning)
		out.Winning = &winning
	}
	for _, e := range history.Recent {
		out.Recent = append(out.Recent, historyEntryView(e))
	}
	respondJSON(w, http.StatusOK, out)
}

// PlaceBid handles bid placement requests.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req placeBidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	amount, err := minor("amount", req.Amount)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}

	res, err := h.bids.PlaceBid(r.Context(), bidding.PlaceBidRequest{
		ItemID:   id,
		FullName: req.FullName,
		Email:    req.Email,
		Amount:   amount,
	})
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, placeBidResponse{ItemID: res.ItemID, CurrentBid: money.Format(res.CurrentBid)})
}

// UnpaidItems lists the items an email currently holds and has not paid for.
func (h *Handler) UnpaidItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.bids.UnpaidItems(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": itemViews(items, false)})
}

// CreatePayment opens a processor payment for won items.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	res, err := h.settlement.CreatePaymentRequest(r.Context(), settlement.CreateRequest{
		ItemIDs:    req.ItemIDs,
		PayerEmail: req.Email,
		CoverFee:   req.CoverFee,
	})
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, paymentResponse{
		PaymentReference: res.Reference,
		ClientSecret:     res.ClientSecret,
		AmountDue:        money.Format(res.AmountDue),
		Breakdown:        breakdownView(res.Breakdown),
	})
}

// ProcessorWebhook authenticates and applies a processor callback. Event types that do
// not affect settlement are acknowledged and ignored.
func (h *Handler) ProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.webhook.Verify(payload, r.Header.Get(settlement.SignatureHeader)); err != nil {
		h.logger.Warn().Err(err).Msg("webhook signature rejected")
		respondError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	cb, eventType, ok, err := settlement.ParseWebhook(payload)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	if !ok {
		h.logger.Debug().Str("type", eventType).Msg("unhandled webhook event")
		respondJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	res, err := h.settlement.ReconcileCallback(r.Context(), cb)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"received": true, "applied": res.Applied, "status": res.Status})
}

// StartAuction creates a new auction, ending the active one.
func (h *Handler) StartAuction(w http.ResponseWriter, r *http.Request) {
	var req startAuctionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	start := lifecycle.StartRequest{
		HolidayName: req.HolidayName,
		Services:    req.Services,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Items:       make([]lifecycle.ItemSpec, 0, len(req.Items)),
	}
	for i, item := range req.Items {
		d, err := item.details("items[" + strconv.Itoa(i) + "].")
		if err != nil {
			writeErr(w, r, h.logger, err)
			return
		}
		start.Items = append(start.Items, lifecycle.ItemSpec{
			Title:            d.Title,
			Service:          d.Service,
			Honor:            d.Honor,
			Description:      d.Description,
			StartingBid:      d.StartingBid,
			MinimumIncrement: d.MinimumIncrement,
			DisplayOrder:     d.DisplayOrder,
		})
	}

	res, err := h.auctions.StartAuction(r.Context(), start)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}

	items := make([]itemResponse, 0, len(res.Items))
	for _, item := range res.Items {
		items = append(items, itemView(storage.ItemState{
			Item:          item,
			AuctionStatus: res.Auction.Status,
			AuctionStart:  res.Auction.StartTime,
			AuctionEnd:    res.Auction.EndTime,
		}, true))
	}
	superseded := res.Superseded
	if superseded == nil {
		superseded = []uuid.UUID{}
	}
	respondJSON(w, http.StatusCreated, startAuctionResponse{Auction: auctionView(res.Auction), Items: items, Superseded: superseded})
}

// ActiveAuction returns the current auction with bidder emails.
func (h *Handler) ActiveAuction(w http.ResponseWriter, r *http.Request) {
	auction, items, err := h.auctions.AuctionItems(r.Context(), nil)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"auction": auctionView(auction), "items": itemViews(items, true)})
}

// AuctionItems returns any auction with its items.
func (h *Handler) AuctionItems(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	auction, items, err := h.auctions.AuctionItems(r.Context(), &id)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"auction": auctionView(auction), "items": itemViews(items, true)})
}

// EndAuction ends an auction now. Repeating it is safe.
func (h *Handler) EndAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	res, err := h.auctions.EndAuction(r.Context(), id)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"auction": auctionView(res.Auction), "transitioned": res.Transitioned})
}

// AddItem appends an item to an active auction.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req itemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	d, err := req.details("")
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	state, err := h.bids.AddItem(r.Context(), id, d)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, itemView(state, true))
}

// UpdateItem edits an item's catalog fields.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req itemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	d, err := req.details("")
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	state, err := h.bids.UpdateItem(r.Context(), id, d)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, itemView(state, true))
}

// DeleteItem removes an item nobody bid on.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.bids.DeleteItem(r.Context(), id); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestoreBid puts a bid back on an item.
func (h *Handler) RestoreBid(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req restoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	amount, err := minor("amount", req.Amount)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	state, err := h.bids.RestoreBid(r.Context(), bidding.RestoreRequest{ItemID: id, FullName: req.FullName, Email: req.Email, Amount: amount})
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, itemView(state, true))
}

// ResetBid returns an item to its starting bid.
func (h *Handler) ResetBid(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	state, err := h.bids.ResetBid(r.Context(), id)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, itemView(state, true))
}

// SetPaid flags an item paid or unpaid by hand.
func (h *Handler) SetPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req paidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	state, err := h.bids.SetPaid(r.Context(), id, req.Paid)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, itemView(state, true))
}

// ListPayments lists payment records, optionally filtered by status.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := h.settlement.Payments(r.Context(), storage.PaymentStatus(q.Get("status")), limit)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	out := make([]paymentRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, paymentRecordView(rec))
	}
	respondJSON(w, http.StatusOK, map[string]any{"payments": out})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, r, h.logger, apperr.Validation("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}
