package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	startAuctionFile string
	endAuctionID     string
)

var startAuctionCmd = &cobra.Command{
	Use:   "start-auction",
	Short: "Create an auction from a YAML or JSON file, ending the active one",
	RunE: func(cmd *cobra.Command, args []string) error {
		if startAuctionFile == "" {
			return errors.New("--file is required")
		}

		res, err := getApp().StartAuction(cmd.Context(), startAuctionFile)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, id := range res.Superseded {
			fmt.Fprintf(out, "ended previous auction %s\n", id)
		}
		fmt.Fprintf(out, "started auction %s with %d items\n", res.Auction.ID, len(res.Items))
		return nil
	},
}

var endAuctionCmd = &cobra.Command{
	Use:   "end-auction",
	Short: "End an auction now and email the winners",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := getApp().EndAuction(cmd.Context(), endAuctionID)
		if err != nil {
			return err
		}
		state := "ended"
		if !res.Transitioned {
			state = "already ended"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "auction %s %s; winner notifications requested\n", res.Auction.ID, state)
		return nil
	},
}

func init() {
	startAuctionCmd.Flags().StringVar(&startAuctionFile, "file", "", "Path to the auction description (yaml or json)")
	endAuctionCmd.Flags().StringVar(&endAuctionID, "auction", "", "Auction id (defaults to the current auction)")
}
