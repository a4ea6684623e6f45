package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreExposed(t *testing.T) {
	m := New()
	m.BidAccepted()
	m.BidAccepted()
	m.BidRejected("bid_too_low")
	m.Notification("outbid", "sent")
	m.ObserveHTTP("place_bid", http.StatusOK, 15*time.Millisecond)

	check.Equal(t, 2.0, testutil.ToFloat64(m.bidsAccepted))
	check.Equal(t, 1.0, testutil.ToFloat64(m.bidsRejected.WithLabelValues("bid_too_low")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	check.True(t, strings.Contains(body, "auction_bids_accepted_total 2"))
	check.True(t, strings.Contains(body, `auction_notifications_total{result="sent",type="outbid"} 1`))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.BidAccepted()
	m.AuctionEnded("manual")
	m.ObserveHTTP("x", 200, time.Second)
	check.True(t, m.Registry() == nil)
}
