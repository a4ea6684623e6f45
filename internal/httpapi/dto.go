package httpapi

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bidledger/internal/apperr"
	"bidledger/internal/bidding"
	"bidledger/internal/money"
	"bidledger/internal/storage"
)

// Amounts cross the wire in major units. Requests accept "25.00" or 25; responses are
// fixed two-place strings.

type itemResponse struct {
	ID                 uuid.UUID `json:"id"`
	AuctionID          uuid.UUID `json:"auctionId"`
	Title              string    `json:"title"`
	Service            string    `json:"service"`
	Honor              string    `json:"honor"`
	Description        string    `json:"description,omitempty"`
	StartingBid        string    `json:"startingBid"`
	MinimumIncrement   string    `json:"minimumIncrement"`
	CurrentBid         string    `json:"currentBid"`
	MinimumNextBid     string    `json:"minimumNextBid"`
	CurrentBidderName  string    `json:"currentBidderName,omitempty"`
	CurrentBidderEmail string    `json:"currentBidderEmail,omitempty"`
	IsPaid             bool      `json:"isPaid"`
	BidCount           int       `json:"bidCount"`
	DisplayOrder       int       `json:"displayOrder"`
	AuctionStatus      string    `json:"auctionStatus"`
	AuctionEndsAt      time.Time `json:"auctionEndsAt"`
}

// itemView renders an item. Bidder emails are only included for operators.
func itemView(st storage.ItemState, withEmail bool) itemResponse {
	item := st.Item
	out := itemResponse{
		ID:               item.ID,
		AuctionID:        item.AuctionID,
		Title:            item.Title,
		Service:          item.Service,
		Honor:            item.Honor,
		Description:      item.Description,
		StartingBid:      money.Format(item.StartingBid),
		MinimumIncrement: money.Format(item.MinimumIncrement),
		CurrentBid:       money.Format(item.CurrentBid),
		MinimumNextBid:   money.Format(item.CurrentBid + item.MinimumIncrement),
		IsPaid:           item.IsPaid,
		BidCount:         st.BidCount,
		DisplayOrder:     item.DisplayOrder,
		AuctionStatus:    string(st.AuctionStatus),
		AuctionEndsAt:    st.AuctionEnd,
	}
	if st.CurrentBidder != nil {
		out.CurrentBidderName = st.CurrentBidder.FullName
		if withEmail {
			out.CurrentBidderEmail = st.CurrentBidder.Email
		}
	}
	return out
}

func itemViews(states []storage.ItemState, withEmail bool) []itemResponse {
	out := make([]itemResponse, 0, len(states))
	for _, st := range states {
		out = append(out, itemView(st, withEmail))
	}
	return out
}

type historyEntryResponse struct {
	Amount     string    `json:"amount"`
	BidderName string    `json:"bidderName"`
	IsWinning  bool      `json:"isWinning"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"createdAt"`
}

type historyResponse struct {
	Winning *historyEntryResponse  `json:"winning"`
	Recent  []historyEntryResponse `json:"recent"`
}

func historyEntryView(e storage.BidHistoryEntry) historyEntryResponse {
	return historyEntryResponse{
		Amount:     money.Format(e.Amount),
		BidderName: e.BidderName,
		IsWinning:  e.IsWinning,
		Source:     string(e.Source),
		CreatedAt:  e.CreatedAt,
	}
}

type auctionResponse struct {
	ID          uuid.UUID  `json:"id"`
	HolidayName string     `json:"holidayName"`
	Services    []string   `json:"services"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     time.Time  `json:"endTime"`
	Status      string     `json:"status"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

func auctionView(a storage.Auction) auctionResponse {
	services := a.Services
	if services == nil {
		services = []string{}
	}
	return auctionResponse{
		ID:          a.ID,
		HolidayName: a.HolidayName,
		Services:    services,
		StartTime:   a.StartTime,
		EndTime:     a.EndTime,
		Status:      string(a.Status),
		EndedAt:     a.EndedAt,
	}
}

type placeBidRequest struct {
	FullName string          `json:"fullName"`
	Email    string          `json:"email"`
	Amount   decimal.Decimal `json:"amount"`
}

type placeBidResponse struct {
	ItemID     uuid.UUID `json:"itemId"`
	CurrentBid string    `json:"currentBid"`
}

type paymentRequest struct {
	ItemIDs  []uuid.UUID `json:"itemIds"`
	Email    string      `json:"email"`
	CoverFee *bool       `json:"coverFee"`
}

type paymentLineResponse struct {
	ItemID  uuid.UUID `json:"itemId"`
	Title   string    `json:"title"`
	Service string    `json:"service"`
	Honor   string    `json:"honor"`
	Amount  string    `json:"amount"`
}

type breakdownResponse struct {
	Subtotal string                `json:"subtotal"`
	Fee      string                `json:"processingFee"`
	Total    string                `json:"total"`
	CoverFee bool                  `json:"coverFee"`
	Items    []paymentLineResponse `json:"items"`
}

func breakdownView(m storage.PaymentMetadata) breakdownResponse {
	lines := make([]paymentLineResponse, 0, len(m.Items))
	for _, l := range m.Items {
		lines = append(lines, paymentLineResponse{
			ItemID:  l.ItemID,
			Title:   l.Title,
			Service: l.Service,
			Honor:   l.Honor,
			Amount:  money.Format(l.Amount),
		})
	}
	return breakdownResponse{
		Subtotal: money.Format(m.Subtotal),
		Fee:      money.Format(m.Fee),
		Total:    money.Format(m.Total),
		CoverFee: m.CoverFee,
		Items:    lines,
	}
}

type paymentResponse struct {
	PaymentReference string            `json:"paymentReference"`
	ClientSecret     string            `json:"clientSecret"`
	AmountDue        string            `json:"amountDue"`
	Breakdown        breakdownResponse `json:"breakdown"`
}

type paymentRecordResponse struct {
	PaymentReference string            `json:"paymentReference"`
	ItemIDs          []uuid.UUID       `json:"itemIds"`
	PayerEmail       string            `json:"payerEmail"`
	Amount           string            `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	FailureReason    string            `json:"failureReason,omitempty"`
	Breakdown        breakdownResponse `json:"breakdown"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func paymentRecordView(p storage.PaymentRecord) paymentRecordResponse {
	return paymentRecordResponse{
		PaymentReference: p.Reference,
		ItemIDs:          p.ItemIDs,
		PayerEmail:       p.PayerEmail,
		Amount:           money.Format(p.Amount),
		Currency:         p.Currency,
		Status:           string(p.Status),
		FailureReason:    p.FailureReason,
		Breakdown:        breakdownView(p.Metadata),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

type itemRequest struct {
	Title            string          `json:"title"`
	Service          string          `json:"service"`
	Honor            string          `json:"honor"`
	Description      string          `json:"description"`
	StartingBid      decimal.Decimal `json:"startingBid"`
	MinimumIncrement decimal.Decimal `json:"minimumIncrement"`
	DisplayOrder     int             `json:"displayOrder"`
}

// details converts the wire item; prefix names the field in validation messages.
func (req itemRequest) details(prefix string) (bidding.ItemDetails, error) {
	startingBid, err := minor(prefix+"startingBid", req.StartingBid)
	if err != nil {
		return bidding.ItemDetails{}, err
	}
	increment, err := minor(prefix+"minimumIncrement", req.MinimumIncrement)
	if err != nil {
		return bidding.ItemDetails{}, err
	}
	return bidding.ItemDetails{
		Title:            req.Title,
		Service:          req.Service,
		Honor:            req.Honor,
		Description:      req.Description,
		StartingBid:      startingBid,
		MinimumIncrement: increment,
		DisplayOrder:     req.DisplayOrder,
	}, nil
}

type startAuctionRequest struct {
	HolidayName string        `json:"holidayName"`
	Services    []string      `json:"services"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Items       []itemRequest `json:"items"`
}

type startAuctionResponse struct {
	Auction    auctionResponse `json:"auction"`
	Items      []itemResponse  `json:"items"`
	Superseded []uuid.UUID     `json:"superseded"`
}

type restoreRequest struct {
	FullName string          `json:"fullName"`
	Email    string          `json:"email"`
	Amount   decimal.Decimal `json:"amount"`
}

type paidRequest struct {
	Paid bool `json:"paid"`
}

// minor converts a wire amount, naming the field in the validation message.
func minor(field string, amount decimal.Decimal) (int64, error) {
	v, err := money.ToMinor(amount)
	if err != nil {
		return 0, apperr.Validation("%s: %v", field, err)
	}
	return v, nil
}
