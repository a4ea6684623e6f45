package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bidledger/internal/apperr"
	"bidledger/internal/bidding"
	"bidledger/internal/config"
	"bidledger/internal/lifecycle"
	"bidledger/internal/metrics"
	"bidledger/internal/settlement"
	"bidledger/internal/storage"
)

const (
	adminToken    = "s3cret"
	webhookSecret = "whsec_test"
)

var apiBase = time.Date(2025, 12, 20, 18, 0, 0, 0, time.UTC)

type stubProcessor struct{ n int }

func (p *stubProcessor) CreateIntent(_ context.Context, _ settlement.IntentRequest) (settlement.Intent, error) {
	p.n++
	return settlement.Intent{ID: fmt.Sprintf("pi_%d", p.n), ClientSecret: "secret"}, nil
}

type apiEnv struct {
	handler http.Handler
	metrics *metrics.Metrics
	now     time.Time
}

func newAPIEnv() *apiEnv {
	e := &apiEnv{now: apiBase, metrics: metrics.New()}
	clock := func() time.Time { return e.now }
	ledger := storage.NewMemory()
	logger := zerolog.Nop()

	h := NewHandler(Deps{
		Bids:     bidding.NewService(ledger, nil, logger, bidding.WithClock(clock)),
		Auctions: lifecycle.NewManager(ledger, nil, logger, lifecycle.WithClock(clock)),
		Settlement: settlement.NewService(ledger, &stubProcessor{}, config.SettlementConfig{
			Currency:      "usd",
			FeeRate:       decimal.RequireFromString("0.029"),
			FixedFeeMinor: 30,
		}, logger, settlement.WithClock(clock)),
		Webhook:    settlement.WebhookVerifier{Secret: webhookSecret, Tolerance: 5 * time.Minute},
		Metrics:    e.metrics,
		AdminToken: adminToken,
		Logger:     logger,
	})
	e.handler = h.Routes()
	return e
}

func (e *apiEnv) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func (e *apiEnv) startAuction(t *testing.T) startAuctionResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/admin/auctions", map[string]any{
		"holidayName": "Winter",
		"services":    []string{"Evening"},
		"startTime":   apiBase,
		"endTime":     apiBase.Add(2 * time.Hour),
		"items": []map[string]any{
			{"title": "Candle", "service": "Evening", "honor": "Candle", "startingBid": "18.00", "minimumIncrement": 5},
			{"title": "Ark", "service": "Evening", "honor": "Ark", "startingBid": 30, "minimumIncrement": "1.00"},
		},
	}, true)
	assert.Equal(t, http.StatusCreated, rec.Code)
	return decode[startAuctionResponse](t, rec)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	e := newAPIEnv()

	rec := e.do(t, http.MethodPost, "/api/v1/admin/auctions", map[string]any{}, false)
	check.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/admin/payments", nil, false)
	check.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/admin/payments", nil, true)
	check.Equal(t, http.StatusOK, rec.Code)
}

func TestBidFlow(t *testing.T) {
	e := newAPIEnv()
	started := e.startAuction(t)
	candle := started.Items[0]
	check.Equal(t, "18.00", candle.CurrentBid)
	check.Equal(t, "23.00", candle.MinimumNextBid)

	e.now = apiBase.Add(10 * time.Minute)
	path := "/api/v1/items/" + candle.ID.String()

	rec := e.do(t, http.MethodPost, path+"/bids", map[string]any{"fullName": "Ann", "email": "ann@example.com", "amount": "18.00"}, false)
	check.Equal(t, http.StatusConflict, rec.Code)
	check.Equal(t, "bid must be at least 23.00", decode[map[string]string](t, rec)["error"])

	rec = e.do(t, http.MethodPost, path+"/bids", map[string]any{"fullName": "Ann", "email": "ann@example.com", "amount": "23.001"}, false)
	check.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, path+"/bids", map[string]any{"fullName": "Ann", "email": "ann@example.com", "amount": 25}, false)
	assert.Equal(t, http.StatusCreated, rec.Code)
	check.Equal(t, "25.00", decode[placeBidResponse](t, rec).CurrentBid)

	rec = e.do(t, http.MethodPost, path+"/bids", map[string]any{"fullName": "Bob", "email": "bob@example.com", "amount": "30.00"}, false)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodGet, path, nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	item := decode[itemResponse](t, rec)
	check.Equal(t, "30.00", item.CurrentBid)
	check.Equal(t, "Bob", item.CurrentBidderName)
	check.Equal(t, "", item.CurrentBidderEmail)
	check.Equal(t, 2, item.BidCount)

	rec = e.do(t, http.MethodGet, path+"/history", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	history := decode[historyResponse](t, rec)
	assert.NotNil(t, history.Winning)
	check.Equal(t, "30.00", history.Winning.Amount)
	assert.Equal(t, 1, len(history.Recent))
	check.Equal(t, "Ann", history.Recent[0].BidderName)

	rec = e.do(t, http.MethodGet, "/api/v1/auctions/current", nil, false)
	check.Equal(t, http.StatusOK, rec.Code)
}

func TestSettlementFlow(t *testing.T) {
	e := newAPIEnv()
	started := e.startAuction(t)
	e.now = apiBase.Add(10 * time.Minute)

	for i, amount := range []string{"50.00", "70.00"} {
		path := fmt.Sprintf("/api/v1/items/%s/bids", started.Items[i].ID)
		rec := e.do(t, http.MethodPost, path, map[string]any{"fullName": "Ann", "email": "ann@example.com", "amount": amount}, false)
		assert.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/auctions/%s/end", started.Auction.ID), nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	check.Equal(t, true, decode[map[string]any](t, rec)["transitioned"])

	rec = e.do(t, http.MethodGet, "/api/v1/bidders/unpaid-items?email=ann@example.com", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	check.Equal(t, 2, len(decode[map[string][]itemResponse](t, rec)["items"]))

	rec = e.do(t, http.MethodPost, "/api/v1/payments", map[string]any{
		"itemIds":  []string{started.Items[0].ID.String(), started.Items[1].ID.String()},
		"email":    "bob@example.com",
		"coverFee": true,
	}, false)
	check.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/payments", map[string]any{
		"itemIds":  []string{started.Items[0].ID.String(), started.Items[1].ID.String()},
		"email":    "ann@example.com",
		"coverFee": true,
	}, false)
	assert.Equal(t, http.StatusCreated, rec.Code)
	payment := decode[paymentResponse](t, rec)
	check.Equal(t, "123.78", payment.AmountDue)
	check.Equal(t, "120.00", payment.Breakdown.Subtotal)
	check.Equal(t, "3.78", payment.Breakdown.Fee)

	event := fmt.Sprintf(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":%q,"amount":12378,"amount_received":12378}}}`, payment.PaymentReference)
	send := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", bytes.NewBufferString(event))
		req.Header.Set(settlement.SignatureHeader, header)
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)
		return rec
	}

	rec = send("t=1,v1=deadbeef")
	check.Equal(t, http.StatusBadRequest, rec.Code)

	signature := settlement.SignatureFor(webhookSecret, time.Now(), []byte(event))
	rec = send(signature)
	assert.Equal(t, http.StatusOK, rec.Code)
	check.Equal(t, true, decode[map[string]any](t, rec)["applied"])

	rec = send(signature)
	assert.Equal(t, http.StatusOK, rec.Code)
	check.Equal(t, false, decode[map[string]any](t, rec)["applied"])

	rec = e.do(t, http.MethodGet, "/api/v1/bidders/unpaid-items?email=ann@example.com", nil, false)
	check.Equal(t, 0, len(decode[map[string][]itemResponse](t, rec)["items"]))

	rec = e.do(t, http.MethodGet, "/api/v1/admin/payments?status=succeeded", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	payments := decode[map[string][]paymentRecordResponse](t, rec)["payments"]
	assert.Equal(t, 1, len(payments))
	check.Equal(t, "123.78", payments[0].Amount)
}

func TestAdminItemOverrides(t *testing.T) {
	e := newAPIEnv()
	started := e.startAuction(t)
	path := fmt.Sprintf("/api/v1/admin/items/%s", started.Items[0].ID)

	rec := e.do(t, http.MethodPost, path+"/paid", map[string]bool{"paid": true}, true)
	check.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, path+"/restore", map[string]any{"fullName": "Ann", "email": "ann@example.com", "amount": "40.00"}, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	restored := decode[itemResponse](t, rec)
	check.Equal(t, "40.00", restored.CurrentBid)
	check.Equal(t, "ann@example.com", restored.CurrentBidderEmail)

	rec = e.do(t, http.MethodPost, path+"/reset", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	reset := decode[itemResponse](t, rec)
	check.Equal(t, "18.00", reset.CurrentBid)
	check.Equal(t, "", reset.CurrentBidderName)
}

func TestAdminItemEdits(t *testing.T) {
	e := newAPIEnv()
	started := e.startAuction(t)
	itemsPath := fmt.Sprintf("/api/v1/admin/auctions/%s/items", started.Auction.ID)
	body := map[string]any{"title": "Scroll", "service": "Evening", "honor": "Scroll", "startingBid": "20.00", "minimumIncrement": 2}

	rec := e.do(t, http.MethodPost, itemsPath, body, false)
	check.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, itemsPath, body, true)
	assert.Equal(t, http.StatusCreated, rec.Code)
	added := decode[itemResponse](t, rec)
	check.Equal(t, "20.00", added.CurrentBid)
	check.Equal(t, "22.00", added.MinimumNextBid)

	body["minimumIncrement"] = "0.50"
	rec = e.do(t, http.MethodPost, itemsPath, body, true)
	check.Equal(t, http.StatusBadRequest, rec.Code)

	itemPath := "/api/v1/admin/items/" + added.ID.String()
	body["startingBid"] = "25.00"
	body["minimumIncrement"] = 5
	rec = e.do(t, http.MethodPut, itemPath, body, false)
	check.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPut, itemPath, body, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	updated := decode[itemResponse](t, rec)
	check.Equal(t, "25.00", updated.StartingBid)
	check.Equal(t, "25.00", updated.CurrentBid)
	check.Equal(t, "30.00", updated.MinimumNextBid)

	rec = e.do(t, http.MethodDelete, itemPath, nil, true)
	check.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/v1/items/"+added.ID.String(), nil, false)
	check.Equal(t, http.StatusNotFound, rec.Code)

	e.now = apiBase.Add(10 * time.Minute)
	candle := started.Items[0]
	rec = e.do(t, http.MethodPost, "/api/v1/items/"+candle.ID.String()+"/bids", map[string]any{"fullName": "Ann", "email": "ann@example.com", "amount": "25.00"}, false)
	assert.Equal(t, http.StatusCreated, rec.Code)

	candlePath := "/api/v1/admin/items/" + candle.ID.String()
	rec = e.do(t, http.MethodDelete, candlePath, nil, true)
	check.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPut, candlePath, map[string]any{"service": "Evening", "honor": "Candle", "startingBid": "30.00", "minimumIncrement": 5}, true)
	check.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPut, candlePath, map[string]any{"title": "Candle", "service": "Evening", "honor": "Candle", "startingBid": "10.00", "minimumIncrement": 5}, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	kept := decode[itemResponse](t, rec)
	check.Equal(t, "10.00", kept.StartingBid)
	check.Equal(t, "25.00", kept.CurrentBid)
	check.Equal(t, "ann@example.com", kept.CurrentBidderEmail)
}

func TestErrorMapping(t *testing.T) {
	e := newAPIEnv()

	rec := e.do(t, http.MethodGet, "/api/v1/items/not-a-uuid", nil, false)
	check.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/items/6f1b7c1e-3c55-4b3e-9a43-0b1f8e2a9d10", nil, false)
	check.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/payments", `{"itemIds": [], "unknown": 1}`, false)
	check.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodOptions, "/api/v1/payments", nil, false)
	check.Equal(t, http.StatusOK, rec.Code)
	check.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	cases := []struct {
		err    error
		status int
	}{
		{apperr.Validation("bad"), http.StatusBadRequest},
		{apperr.Unauthorized("mine"), http.StatusForbidden},
		{apperr.NotFound("gone"), http.StatusNotFound},
		{apperr.Conflict("late"), http.StatusConflict},
		{apperr.Transient(errors.New("deadlock")), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		check.Equal(t, tc.status, statusFor(tc.err))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newAPIEnv()

	rec := e.do(t, http.MethodGet, "/health", nil, false)
	check.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	check.True(t, bytes.Contains(rec.Body.Bytes(), []byte(`auction_http_requests_total{code="200",route="/health"} 1`)))
}
