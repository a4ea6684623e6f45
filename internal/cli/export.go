package cli

import (
	"github.com/spf13/cobra"

	"bidledger/internal/app"
)

var (
	exportAuctionID string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxItems  int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export auction results as CSV and/or a PNG bar chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			AuctionID: exportAuctionID,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxItems:  exportMaxItems,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportAuctionID, "auction", "", "Auction id (defaults to the current auction)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxItems, "max-items", 0, "Maximum items to export (defaults to config)")
}
