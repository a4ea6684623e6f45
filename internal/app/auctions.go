package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"bidledger/internal/config"
	"bidledger/internal/lifecycle"
	"bidledger/internal/money"
)

// AuctionFile is the operator's description of a new auction, read from YAML or JSON.
// Amounts are major units.
type AuctionFile struct {
	HolidayName string            `mapstructure:"holiday_name"`
	Services    []string          `mapstructure:"services"`
	StartTime   time.Time         `mapstructure:"start_time"`
	EndTime     time.Time         `mapstructure:"end_time"`
	Items       []AuctionFileItem `mapstructure:"items"`
}

// AuctionFileItem is one item of an AuctionFile.
type AuctionFileItem struct {
	Title            string          `mapstructure:"title"`
	Service          string          `mapstructure:"service"`
	Honor            string          `mapstructure:"honor"`
	Description      string          `mapstructure:"description"`
	StartingBid      decimal.Decimal `mapstructure:"starting_bid"`
	MinimumIncrement decimal.Decimal `mapstructure:"minimum_increment"`
	DisplayOrder     int             `mapstructure:"display_order"`
}

// LoadAuctionFile reads an auction description. The format follows the file extension.
func LoadAuctionFile(path string) (AuctionFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return AuctionFile{}, fmt.Errorf("read auction file: %w", err)
	}

	var file AuctionFile
	if err := v.Unmarshal(&file, config.DecodeHook()); err != nil {
		return AuctionFile{}, fmt.Errorf("decode auction file: %w", err)
	}
	return file, nil
}

// StartRequest converts the file into minor units.
func (f AuctionFile) StartRequest() (lifecycle.StartRequest, error) {
	req := lifecycle.StartRequest{
		HolidayName: f.HolidayName,
		Services:    f.Services,
		StartTime:   f.StartTime,
		EndTime:     f.EndTime,
		Items:       make([]lifecycle.ItemSpec, 0, len(f.Items)),
	}
	for i, item := range f.Items {
		starting, err := money.ToMinor(item.StartingBid)
		if err != nil {
			return lifecycle.StartRequest{}, fmt.Errorf("item %d starting_bid: %w", i+1, err)
		}
		increment, err := money.ToMinor(item.MinimumIncrement)
		if err != nil {
			return lifecycle.StartRequest{}, fmt.Errorf("item %d minimum_increment: %w", i+1, err)
		}
		req.Items = append(req.Items, lifecycle.ItemSpec{
			Title:            item.Title,
			Service:          item.Service,
			Honor:            item.Honor,
			Description:      item.Description,
			StartingBid:      starting,
			MinimumIncrement: increment,
			DisplayOrder:     item.DisplayOrder,
		})
	}
	return req, nil
}

// StartAuction creates the auction described in path, ending any active auction.
func (a *App) StartAuction(ctx context.Context, path string) (lifecycle.StartResult, error) {
	file, err := LoadAuctionFile(path)
	if err != nil {
		return lifecycle.StartResult{}, err
	}
	req, err := file.StartRequest()
	if err != nil {
		return lifecycle.StartResult{}, err
	}

	svc, err := a.openServices(ctx, nil)
	if err != nil {
		return lifecycle.StartResult{}, err
	}
	defer svc.close()

	return svc.auctions.StartAuction(ctx, req)
}

// EndAuction ends the given auction, or the current one when auctionID is empty.
func (a *App) EndAuction(ctx context.Context, auctionID string) (lifecycle.EndResult, error) {
	svc, err := a.openServices(ctx, nil)
	if err != nil {
		return lifecycle.EndResult{}, err
	}
	defer svc.close()

	var id uuid.UUID
	if auctionID == "" {
		current, err := svc.auctions.CurrentAuction(ctx)
		if err != nil {
			return lifecycle.EndResult{}, err
		}
		id = current.ID
	} else {
		id, err = uuid.Parse(auctionID)
		if err != nil {
			return lifecycle.EndResult{}, fmt.Errorf("invalid auction id %q: %w", auctionID, err)
		}
	}
	return svc.auctions.EndAuction(ctx, id)
}

func parseAuctionID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid auction id %q: %w", raw, err)
	}
	return &id, nil
}
