package bidding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/rs/zerolog"

	"bidledger/internal/apperr"
	"bidledger/internal/notify"
	"bidledger/internal/storage"
)

var auctionStart = time.Date(2025, 12, 20, 18, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Outbid
}

func (r *recordingNotifier) NotifyOutbid(_ context.Context, note notify.Outbid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
}

type fixture struct {
	ledger   *storage.Memory
	notifier *recordingNotifier
	svc      *Service
	now      time.Time
	item     storage.AuctionItem
	auction  storage.Auction
}

func newFixture(t *testing.T, startingBid, increment int64) *fixture {
	t.Helper()
	f := &fixture{
		ledger:   storage.NewMemory(),
		notifier: &recordingNotifier{},
		now:      auctionStart.Add(10 * time.Minute),
	}
	f.auction = storage.Auction{
		ID:          uuid.New(),
		HolidayName: "Winter",
		StartTime:   auctionStart,
		EndTime:     auctionStart.Add(2 * time.Hour),
		Status:      storage.AuctionActive,
		CreatedAt:   auctionStart,
	}
	f.item = storage.AuctionItem{
		ID:               uuid.New(),
		AuctionID:        f.auction.ID,
		Title:            "Opening the Ark",
		Service:          "Evening",
		Honor:            "Ark",
		StartingBid:      startingBid,
		MinimumIncrement: increment,
		CurrentBid:       startingBid,
		CreatedAt:        auctionStart,
	}
	err := f.ledger.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertAuction(ctx, f.auction); err != nil {
			return err
		}
		return tx.InsertItems(ctx, []storage.AuctionItem{f.item})
	})
	assert.NoError(t, err)

	f.svc = NewService(f.ledger, f.notifier, zerolog.Nop(), WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) bid(name, email string, amount int64) (PlaceBidResult, error) {
	return f.svc.PlaceBid(context.Background(), PlaceBidRequest{ItemID: f.item.ID, FullName: name, Email: email, Amount: amount})
}

func (f *fixture) state(t *testing.T) storage.ItemState {
	t.Helper()
	state, err := f.svc.GetItem(context.Background(), f.item.ID)
	assert.NoError(t, err)
	return state
}

func TestFirstBidMustClearIncrement(t *testing.T) {
	f := newFixture(t, 1800, 500)

	_, err := f.bid("Ann Lee", "ann@example.com", 1800)
	check.True(t, errors.Is(err, ErrBidTooLow))
	check.True(t, errors.Is(err, apperr.ErrConflict))
	check.Equal(t, "bid must be at least 23.00", apperr.Message(err))

	res, err := f.bid("Ann Lee", "ann@example.com", 2300)
	assert.NoError(t, err)
	check.Equal(t, int64(2300), res.CurrentBid)
	check.True(t, res.Outbid == nil)
}

func TestConcurrentRaceOnlyHigherClears(t *testing.T) {
	f := newFixture(t, 1800, 500)

	_, err := f.bid("Ann", "ann@example.com", 2500)
	assert.NoError(t, err)

	var (
		wg      sync.WaitGroup
		errLow  error
		errHigh error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errLow = f.bid("Bob", "bob@example.com", 2300)
	}()
	go func() {
		defer wg.Done()
		_, errHigh = f.bid("Cy", "cy@example.com", 3000)
	}()
	wg.Wait()

	check.True(t, errors.Is(errLow, ErrBidTooLow))
	check.NoError(t, errHigh)

	state := f.state(t)
	check.Equal(t, int64(3000), state.Item.CurrentBid)
	check.Equal(t, "cy@example.com", state.CurrentBidder.Email)
}

func TestConcurrentBidsKeepLedgerConsistent(t *testing.T) {
	f := newFixture(t, 1000, 100)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []int64
	)
	for i := 0; i < 40; i++ {
		amount := int64(1100 + (i%20)*100)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.bid("Bidder", uuid.NewString()+"@example.com", amount)
			if err != nil {
				if !errors.Is(err, ErrBidTooLow) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			accepted = append(accepted, res.CurrentBid)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var highest int64
	for _, a := range accepted {
		if a > highest {
			highest = a
		}
	}
	state := f.state(t)
	check.Equal(t, highest, state.Item.CurrentBid)
	check.Equal(t, len(accepted), state.BidCount)

	history, err := f.svc.BidHistory(context.Background(), f.item.ID, 100)
	assert.NoError(t, err)
	assert.NotNil(t, history.Winning)
	check.Equal(t, highest, history.Winning.Amount)
	check.Equal(t, len(accepted)-1, len(history.Recent))

	// newest first; each accepted bid cleared the one before it by the increment
	prev := history.Winning.Amount
	for _, entry := range history.Recent {
		check.True(t, prev >= entry.Amount+f.item.MinimumIncrement)
		check.False(t, entry.IsWinning)
		prev = entry.Amount
	}
}

func TestOutbidOnlyForDifferentBidder(t *testing.T) {
	f := newFixture(t, 1000, 100)

	_, err := f.bid("Ann", "ann@example.com", 1100)
	assert.NoError(t, err)
	_, err = f.bid("Ann", "ANN@example.com", 1300)
	assert.NoError(t, err)
	check.Equal(t, 0, len(f.notifier.notes))

	res, err := f.bid("Bob", "bob@example.com", 1500)
	assert.NoError(t, err)
	assert.NotNil(t, res.Outbid)
	assert.Equal(t, 1, len(f.notifier.notes))

	note := f.notifier.notes[0]
	check.Equal(t, "ann@example.com", note.Recipient)
	check.Equal(t, int64(1500), note.NewAmount)
	check.Equal(t, "Bob", note.NewBidderName)
	check.Equal(t, "Opening the Ark", note.ItemTitle)
}

func TestAuctionWindow(t *testing.T) {
	f := newFixture(t, 1000, 100)

	f.now = auctionStart.Add(-time.Minute)
	_, err := f.bid("Ann", "ann@example.com", 1100)
	check.True(t, errors.Is(err, ErrAuctionNotActive))

	f.now = f.auction.EndTime
	_, err = f.bid("Ann", "ann@example.com", 1100)
	check.True(t, errors.Is(err, ErrAuctionNotActive))

	f.now = auctionStart
	_, err = f.bid("Ann", "ann@example.com", 1100)
	check.NoError(t, err)

	err = f.ledger.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.SetAuctionEnded(ctx, f.auction.ID, f.now)
	})
	assert.NoError(t, err)
	_, err = f.bid("Bob", "bob@example.com", 5000)
	check.True(t, errors.Is(err, ErrAuctionNotActive))
	check.Equal(t, int64(1100), f.state(t).Item.CurrentBid)
}

func TestPlaceBidValidation(t *testing.T) {
	f := newFixture(t, 1000, 100)

	cases := []PlaceBidRequest{
		{ItemID: f.item.ID, FullName: "  ", Email: "ann@example.com", Amount: 2000},
		{ItemID: f.item.ID, FullName: "Ann", Email: "not-an-email", Amount: 2000},
		{ItemID: f.item.ID, FullName: "Ann", Email: "Ann <ann@example.com>", Amount: 2000},
		{ItemID: f.item.ID, FullName: "Ann", Email: "ann@example.com", Amount: 0},
	}
	for _, req := range cases {
		_, err := f.svc.PlaceBid(context.Background(), req)
		check.True(t, errors.Is(err, apperr.ErrValidation))
	}

	_, err := f.svc.PlaceBid(context.Background(), PlaceBidRequest{ItemID: uuid.New(), FullName: "Ann", Email: "ann@example.com", Amount: 2000})
	check.True(t, errors.Is(err, ErrItemNotFound))
	check.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestBidderNameIsNotOverwritten(t *testing.T) {
	f := newFixture(t, 1000, 100)

	_, err := f.bid("Ann Lee", "ann@example.com", 1100)
	assert.NoError(t, err)
	_, err = f.bid("A. Lee", "ann@example.com", 1200)
	assert.NoError(t, err)

	check.Equal(t, "Ann Lee", f.state(t).CurrentBidder.FullName)

	history, err := f.svc.BidHistory(context.Background(), f.item.ID, 0)
	assert.NoError(t, err)
	check.Equal(t, "A. Lee", history.Winning.BidderName)
}
