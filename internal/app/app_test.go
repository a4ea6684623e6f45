package app

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"bidledger/internal/storage"
)

const auctionYAML = `
holiday_name: Winter
services: [Evening, Morning]
start_time: 2025-12-20T18:00:00Z
end_time: "2025-12-20T20:00:00Z"
items:
  - title: Opening the Ark
    service: Evening
    honor: Ark
    starting_bid: 18
    minimum_increment: "5.00"
  - service: Morning
    honor: Candle
    starting_bid: "12.50"
    minimum_increment: 1
    display_order: 7
`

func TestLoadAuctionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auction.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(auctionYAML), 0o600))

	file, err := LoadAuctionFile(path)
	assert.NoError(t, err)
	check.Equal(t, "Winter", file.HolidayName)
	check.Equal(t, []string{"Evening", "Morning"}, file.Services)
	check.True(t, file.StartTime.Equal(time.Date(2025, 12, 20, 18, 0, 0, 0, time.UTC)))
	check.True(t, file.EndTime.Equal(time.Date(2025, 12, 20, 20, 0, 0, 0, time.UTC)))

	req, err := file.StartRequest()
	assert.NoError(t, err)
	assert.Equal(t, 2, len(req.Items))
	check.Equal(t, int64(1800), req.Items[0].StartingBid)
	check.Equal(t, int64(500), req.Items[0].MinimumIncrement)
	check.Equal(t, int64(1250), req.Items[1].StartingBid)
	check.Equal(t, 7, req.Items[1].DisplayOrder)
}

func TestAuctionFileRejectsSubCentAmounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auction.yaml")
	body := strings.Replace(auctionYAML, `starting_bid: "12.50"`, `starting_bid: "12.505"`, 1)
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	file, err := LoadAuctionFile(path)
	assert.NoError(t, err)
	_, err = file.StartRequest()
	check.Error(t, err)
}

func sampleItems() (storage.Auction, []storage.ItemState) {
	auction := storage.Auction{
		ID:          uuid.New(),
		HolidayName: "Winter",
		StartTime:   time.Date(2025, 12, 20, 18, 0, 0, 0, time.UTC),
		EndTime:     time.Date(2025, 12, 20, 20, 0, 0, 0, time.UTC),
		Status:      storage.AuctionEnded,
	}
	bidder := &storage.Bidder{ID: uuid.New(), FullName: "Ann Lee", Email: "ann@example.com"}
	items := []storage.ItemState{
		{
			Item:          storage.AuctionItem{ID: uuid.New(), AuctionID: auction.ID, Service: "Evening", Honor: "Ark", StartingBid: 1800, CurrentBid: 5000, DisplayOrder: 1, IsPaid: true},
			CurrentBidder: bidder,
			BidCount:      3,
		},
		{
			Item: storage.AuctionItem{ID: uuid.New(), AuctionID: auction.ID, Service: "Morning", Honor: "Candle", StartingBid: 1000, CurrentBid: 1000, DisplayOrder: 2},
		},
	}
	return auction, items
}

func TestWriteItemsCSV(t *testing.T) {
	_, items := sampleItems()

	var buf bytes.Buffer
	assert.NoError(t, writeItemsCSV(&buf, items))

	records, err := csv.NewReader(&buf).ReadAll()
	assert.NoError(t, err)
	assert.Equal(t, 3, len(records))
	check.Equal(t, csvHeader, records[0])
	check.Equal(t, []string{"1", "Evening", "Ark", "", "18.00", "50.00", "Ann Lee", "ann@example.com", "true", "3", "true"}, records[1])
	check.Equal(t, []string{"2", "Morning", "Candle", "", "10.00", "10.00", "", "", "false", "0", "false"}, records[2])
}

func TestBidChart(t *testing.T) {
	_, items := sampleItems()

	bars := bidBars(items)
	assert.Equal(t, 1, len(bars))
	check.Equal(t, "1. Ark", bars[0].Label)
	check.Equal(t, 50.0, bars[0].Value)

	var buf bytes.Buffer
	assert.NoError(t, renderBidChart(&buf, "Winter final bids", bars))
	check.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))
}

func TestWriteItemsTable(t *testing.T) {
	auction, items := sampleItems()

	var buf bytes.Buffer
	assert.NoError(t, writeItemsTable(&buf, auction, items))
	out := buf.String()
	check.True(t, strings.Contains(out, "Winter (ended)"))
	check.True(t, strings.Contains(out, "ann@example.com"))
	check.True(t, strings.Contains(out, "50.00"))
}
