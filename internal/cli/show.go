package cli

import (
	"github.com/spf13/cobra"

	"bidledger/internal/app"
)

var (
	showAuctionID string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the items and current bids of an auction",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ShowOptions{
			AuctionID: showAuctionID,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showAuctionID, "auction", "", "Auction id (defaults to the current auction)")
}
