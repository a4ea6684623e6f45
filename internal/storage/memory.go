package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Ledger. All transactions are serialised by one mutex and
// run against a copy of the state that only replaces the live state on success.
type Memory struct {
	mu    sync.Mutex
	state memState

	locksMu sync.Mutex
	locks   map[int64]struct{}
}

var _ Ledger = (*Memory)(nil)

type memState struct {
	auctions      map[uuid.UUID]Auction
	items         map[uuid.UUID]AuctionItem
	bidders       map[uuid.UUID]Bidder
	bidderByEmail map[string]uuid.UUID
	history       []BidHistoryEntry
	payments      map[string]PaymentRecord
	notifications map[NotificationKey]NotificationLogEntry
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		state: memState{
			auctions:      make(map[uuid.UUID]Auction),
			items:         make(map[uuid.UUID]AuctionItem),
			bidders:       make(map[uuid.UUID]Bidder),
			bidderByEmail: make(map[string]uuid.UUID),
			payments:      make(map[string]PaymentRecord),
			notifications: make(map[NotificationKey]NotificationLogEntry),
		},
		locks: make(map[int64]struct{}),
	}
}

func (s memState) clone() memState {
	out := memState{
		auctions:      make(map[uuid.UUID]Auction, len(s.auctions)),
		items:         make(map[uuid.UUID]AuctionItem, len(s.items)),
		bidders:       make(map[uuid.UUID]Bidder, len(s.bidders)),
		bidderByEmail: make(map[string]uuid.UUID, len(s.bidderByEmail)),
		history:       append([]BidHistoryEntry(nil), s.history...),
		payments:      make(map[string]PaymentRecord, len(s.payments)),
		notifications: make(map[NotificationKey]NotificationLogEntry, len(s.notifications)),
	}
	for k, v := range s.auctions {
		out.auctions[k] = v
	}
	for k, v := range s.items {
		out.items[k] = v
	}
	for k, v := range s.bidders {
		out.bidders[k] = v
	}
	for k, v := range s.bidderByEmail {
		out.bidderByEmail[k] = v
	}
	for k, v := range s.payments {
		out.payments[k] = v
	}
	for k, v := range s.notifications {
		out.notifications[k] = v
	}
	return out
}

// InTx runs fn against a private copy of the state and publishes it when fn succeeds.
func (m *Memory) InTx(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(ctx, &memTx{s: &work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// TryAdvisoryLock emulates a session advisory lock within the process.
func (m *Memory) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if _, held := m.locks[key]; held {
		return nil, false, nil
	}
	m.locks[key] = struct{}{}
	var once sync.Once
	unlock := func() {
		once.Do(func() {
			m.locksMu.Lock()
			delete(m.locks, key)
			m.locksMu.Unlock()
		})
	}
	return unlock, true, nil
}

// Close is a no-op.
func (m *Memory) Close() {}

type memTx struct {
	s *memState
}

var _ Tx = (*memTx)(nil)

func (t *memTx) LockLifecycle(context.Context) error { return nil }

func (t *memTx) EndActiveAuctions(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0)
	for id, a := range t.s.auctions {
		if a.Status != AuctionActive {
			continue
		}
		ended := now
		a.Status = AuctionEnded
		a.EndedAt = &ended
		t.s.auctions[id] = a
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *memTx) InsertAuction(_ context.Context, auction Auction) error {
	if _, exists := t.s.auctions[auction.ID]; exists {
		return fmt.Errorf("insert auction: duplicate id %s", auction.ID)
	}
	if auction.Status == AuctionActive {
		for _, a := range t.s.auctions {
			if a.Status == AuctionActive {
				return fmt.Errorf("insert auction: %w", ErrActiveAuctionExists)
			}
		}
	}
	auction.Services = append([]string(nil), auction.Services...)
	t.s.auctions[auction.ID] = auction
	return nil
}

func (t *memTx) InsertItems(_ context.Context, items []AuctionItem) error {
	for _, item := range items {
		if _, ok := t.s.auctions[item.AuctionID]; !ok {
			return fmt.Errorf("insert auction item: unknown auction %s", item.AuctionID)
		}
		if _, exists := t.s.items[item.ID]; exists {
			return fmt.Errorf("insert auction item: duplicate id %s", item.ID)
		}
		if item.StartingBid < 0 || item.MinimumIncrement < 1 || item.CurrentBid < item.StartingBid {
			return fmt.Errorf("insert auction item: check constraint violated for %s", item.ID)
		}
		t.s.items[item.ID] = item
	}
	return nil
}

func (t *memTx) GetAuction(_ context.Context, id uuid.UUID) (Auction, error) {
	a, ok := t.s.auctions[id]
	if !ok {
		return Auction{}, fmt.Errorf("get auction: %w", ErrNotFound)
	}
	return a, nil
}

func (t *memTx) GetAuctionForUpdate(ctx context.Context, id uuid.UUID) (Auction, error) {
	return t.GetAuction(ctx, id)
}

func (t *memTx) CurrentAuction(context.Context) (Auction, error) {
	var (
		best  Auction
		found bool
	)
	for _, a := range t.s.auctions {
		if !found {
			best, found = a, true
			continue
		}
		aActive, bestActive := a.Status == AuctionActive, best.Status == AuctionActive
		if aActive != bestActive {
			if aActive {
				best = a
			}
			continue
		}
		if a.CreatedAt.After(best.CreatedAt) {
			best = a
		}
	}
	if !found {
		return Auction{}, fmt.Errorf("current auction: %w", ErrNotFound)
	}
	return best, nil
}

func (t *memTx) SetAuctionEnded(_ context.Context, id uuid.UUID, now time.Time) error {
	a, ok := t.s.auctions[id]
	if !ok || a.Status != AuctionActive {
		return fmt.Errorf("set auction ended: %w", ErrNotFound)
	}
	ended := now
	a.Status = AuctionEnded
	a.EndedAt = &ended
	t.s.auctions[id] = a
	return nil
}

func (t *memTx) ListDueAuctions(_ context.Context, now time.Time) ([]Auction, error) {
	due := make([]Auction, 0)
	for _, a := range t.s.auctions {
		if a.Status == AuctionActive && !a.EndTime.After(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].EndTime.Before(due[j].EndTime) })
	return due, nil
}

func (t *memTx) ListAuctionItems(_ context.Context, auctionID uuid.UUID) ([]ItemState, error) {
	states := make([]ItemState, 0)
	for _, item := range t.s.items {
		if item.AuctionID == auctionID {
			states = append(states, t.itemState(item, true))
		}
	}
	sort.Slice(states, func(i, j int) bool {
		a, b := states[i].Item, states[j].Item
		if a.DisplayOrder != b.DisplayOrder {
			return a.DisplayOrder < b.DisplayOrder
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return states, nil
}

func (t *memTx) itemState(item AuctionItem, withCount bool) ItemState {
	a := t.s.auctions[item.AuctionID]
	state := ItemState{
		Item:          item,
		AuctionStatus: a.Status,
		AuctionStart:  a.StartTime,
		AuctionEnd:    a.EndTime,
	}
	if item.CurrentBidderID != nil {
		if b, ok := t.s.bidders[*item.CurrentBidderID]; ok {
			state.CurrentBidder = &b
		}
	}
	if withCount {
		for _, h := range t.s.history {
			if h.ItemID == item.ID {
				state.BidCount++
			}
		}
	}
	return state
}

func (t *memTx) GetItem(_ context.Context, id uuid.UUID) (ItemState, error) {
	item, ok := t.s.items[id]
	if !ok {
		return ItemState{}, fmt.Errorf("get item: %w", ErrNotFound)
	}
	return t.itemState(item, true), nil
}

func (t *memTx) GetItemForUpdate(_ context.Context, id uuid.UUID) (ItemState, error) {
	item, ok := t.s.items[id]
	if !ok {
		return ItemState{}, fmt.Errorf("get item for update: %w", ErrNotFound)
	}
	return t.itemState(item, false), nil
}

func (t *memTx) GetItemsForUpdate(_ context.Context, ids []uuid.UUID) ([]ItemState, error) {
	states := make([]ItemState, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if item, ok := t.s.items[id]; ok {
			states = append(states, t.itemState(item, false))
		}
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].Item.ID.String() < states[j].Item.ID.String()
	})
	return states, nil
}

func (t *memTx) ListUnpaidItems(_ context.Context, email string) ([]ItemState, error) {
	id, ok := t.s.bidderByEmail[NormalizeEmail(email)]
	if !ok {
		return []ItemState{}, nil
	}
	states := make([]ItemState, 0)
	for _, item := range t.s.items {
		if item.IsPaid || item.CurrentBidderID == nil || *item.CurrentBidderID != id {
			continue
		}
		states = append(states, t.itemState(item, true))
	}
	sort.Slice(states, func(i, j int) bool {
		ai, aj := t.s.auctions[states[i].Item.AuctionID], t.s.auctions[states[j].Item.AuctionID]
		if !ai.CreatedAt.Equal(aj.CreatedAt) {
			return ai.CreatedAt.Before(aj.CreatedAt)
		}
		return states[i].Item.DisplayOrder < states[j].Item.DisplayOrder
	})
	return states, nil
}

func (t *memTx) FindOrCreateBidder(_ context.Context, fullName, email string, now time.Time) (Bidder, error) {
	key := NormalizeEmail(email)
	if id, ok := t.s.bidderByEmail[key]; ok {
		return t.s.bidders[id], nil
	}
	b := Bidder{ID: uuid.New(), FullName: fullName, Email: key, CreatedAt: now}
	t.s.bidders[b.ID] = b
	t.s.bidderByEmail[key] = b.ID
	return b, nil
}

func (t *memTx) SetCurrentBid(_ context.Context, itemID uuid.UUID, amount int64, bidderID *uuid.UUID) error {
	item, ok := t.s.items[itemID]
	if !ok {
		return fmt.Errorf("set current bid: %w", ErrNotFound)
	}
	if amount < item.StartingBid {
		return fmt.Errorf("set current bid: amount %d below starting bid %d", amount, item.StartingBid)
	}
	item.CurrentBid = amount
	if bidderID != nil {
		id := *bidderID
		item.CurrentBidderID = &id
	} else {
		item.CurrentBidderID = nil
	}
	t.s.items[itemID] = item
	return nil
}

func (t *memTx) UpdateItem(_ context.Context, item AuctionItem) error {
	existing, ok := t.s.items[item.ID]
	if !ok {
		return fmt.Errorf("update item: %w", ErrNotFound)
	}
	if item.StartingBid < 0 || item.MinimumIncrement < 1 || item.CurrentBid < item.StartingBid {
		return fmt.Errorf("update item: check constraint violated for %s", item.ID)
	}
	existing.Title = item.Title
	existing.Service = item.Service
	existing.Honor = item.Honor
	existing.Description = item.Description
	existing.StartingBid = item.StartingBid
	existing.MinimumIncrement = item.MinimumIncrement
	existing.CurrentBid = item.CurrentBid
	existing.DisplayOrder = item.DisplayOrder
	t.s.items[item.ID] = existing
	return nil
}

func (t *memTx) DeleteItem(_ context.Context, id uuid.UUID) error {
	if _, ok := t.s.items[id]; !ok {
		return fmt.Errorf("delete item: %w", ErrNotFound)
	}
	for _, h := range t.s.history {
		if h.ItemID == id {
			return fmt.Errorf("delete item: bid history references %s", id)
		}
	}
	delete(t.s.items, id)
	return nil
}

func (t *memTx) AppendWinningBid(ctx context.Context, entry BidHistoryEntry) error {
	if _, ok := t.s.items[entry.ItemID]; !ok {
		return fmt.Errorf("insert bid history: unknown item %s", entry.ItemID)
	}
	if err := t.ClearWinningBid(ctx, entry.ItemID); err != nil {
		return err
	}
	if entry.Source == "" {
		entry.Source = BidSourceBid
	}
	entry.IsWinning = true
	t.s.history = append(t.s.history, entry)
	return nil
}

func (t *memTx) ClearWinningBid(_ context.Context, itemID uuid.UUID) error {
	for i := range t.s.history {
		if t.s.history[i].ItemID == itemID && t.s.history[i].IsWinning {
			t.s.history[i].IsWinning = false
		}
	}
	return nil
}

func (t *memTx) ListBidHistory(_ context.Context, itemID uuid.UUID, limit int) ([]BidHistoryEntry, error) {
	entries := make([]BidHistoryEntry, 0)
	for i := len(t.s.history) - 1; i >= 0; i-- {
		if t.s.history[i].ItemID == itemID {
			entries = append(entries, t.s.history[i])
		}
	}
	// newest first is insertion order reversed; a stable sort keeps it for equal timestamps
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsWinning != entries[j].IsWinning {
			return entries[i].IsWinning
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (t *memTx) SetItemsPaid(_ context.Context, ids []uuid.UUID, paid bool) error {
	for _, id := range ids {
		item, ok := t.s.items[id]
		if !ok {
			continue
		}
		item.IsPaid = paid
		t.s.items[id] = item
	}
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, record PaymentRecord) error {
	if _, exists := t.s.payments[record.Reference]; exists {
		return fmt.Errorf("insert payment: duplicate reference %s", record.Reference)
	}
	record.PayerEmail = NormalizeEmail(record.PayerEmail)
	record.ItemIDs = append([]uuid.UUID(nil), record.ItemIDs...)
	record.UpdatedAt = record.CreatedAt
	t.s.payments[record.Reference] = record
	return nil
}

func (t *memTx) GetPaymentForUpdate(_ context.Context, reference string) (PaymentRecord, error) {
	record, ok := t.s.payments[reference]
	if !ok {
		return PaymentRecord{}, fmt.Errorf("get payment for update: %w", ErrNotFound)
	}
	return record, nil
}

func (t *memTx) CompletePayment(_ context.Context, reference string, status PaymentStatus, reason string, now time.Time) error {
	record, ok := t.s.payments[reference]
	if !ok || record.Status != PaymentPending {
		return fmt.Errorf("complete payment: %w", ErrNotFound)
	}
	record.Status = status
	record.FailureReason = reason
	record.UpdatedAt = now
	t.s.payments[reference] = record
	return nil
}

func (t *memTx) ListPayments(_ context.Context, status PaymentStatus, limit int) ([]PaymentRecord, error) {
	records := make([]PaymentRecord, 0)
	for _, r := range t.s.payments {
		if status == "" || r.Status == status {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (t *memTx) ClaimNotification(_ context.Context, key NotificationKey, now time.Time, backoff time.Duration, maxAttempts int) (bool, error) {
	key.Recipient = NormalizeEmail(key.Recipient)
	entry, exists := t.s.notifications[key]
	if !exists {
		t.s.notifications[key] = NotificationLogEntry{
			ID:        uuid.New(),
			Key:       key,
			Status:    NotificationPending,
			Attempts:  1,
			UpdatedAt: now,
		}
		return true, nil
	}
	if entry.Status != NotificationFailed || entry.Attempts >= maxAttempts {
		return false, nil
	}
	if now.Before(entry.UpdatedAt.Add(backoff * time.Duration(entry.Attempts))) {
		return false, nil
	}
	entry.Status = NotificationPending
	entry.Attempts++
	entry.LastError = ""
	entry.UpdatedAt = now
	t.s.notifications[key] = entry
	return true, nil
}

func (t *memTx) FinishNotification(_ context.Context, key NotificationKey, status NotificationStatus, errMsg string, now time.Time) error {
	key.Recipient = NormalizeEmail(key.Recipient)
	entry, ok := t.s.notifications[key]
	if !ok {
		return nil
	}
	entry.Status = status
	entry.LastError = errMsg
	entry.UpdatedAt = now
	if status == NotificationSent {
		sent := now
		entry.SentAt = &sent
	}
	t.s.notifications[key] = entry
	return nil
}

func (t *memTx) GetNotification(_ context.Context, key NotificationKey) (NotificationLogEntry, error) {
	key.Recipient = NormalizeEmail(key.Recipient)
	entry, ok := t.s.notifications[key]
	if !ok {
		return NotificationLogEntry{}, fmt.Errorf("get notification: %w", ErrNotFound)
	}
	return entry, nil
}
