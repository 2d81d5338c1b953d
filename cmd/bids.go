package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/jurishealth/internal/award"
	"github.com/sells-group/jurishealth/internal/bidding"
	"github.com/sells-group/jurishealth/internal/model"
)

var bidsCmd = &cobra.Command{
	Use:   "bids",
	Short: "Submit, withdraw and list hospital bids",
}

var bidsSubmitCmd = &cobra.Command{
	Use:   "submit <case-id>",
	Short: "Submit a bid on a case for a hospital",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		hospital, _ := cmd.Flags().GetString("hospital")
		amount, _ := cmd.Flags().GetInt64("amount")
		notes, _ := cmd.Flags().GetString("notes")

		res, err := env.Bidding.SubmitBid(ctx, bidding.SubmitRequest{
			HospitalID: hospital,
			CaseID:     args[0],
			Amount:     amount,
			Notes:      notes,
		})
		if err != nil {
			return eris.Wrap(err, "bids submit")
		}
		return printJSON(os.Stdout, res)
	},
}

var bidsWithdrawCmd = &cobra.Command{
	Use:   "withdraw <bid-id>",
	Short: "Withdraw a hospital's active bid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		hospital, _ := cmd.Flags().GetString("hospital")
		b, err := env.Bidding.WithdrawBid(ctx, hospital, args[0])
		if err != nil {
			return eris.Wrap(err, "bids withdraw")
		}
		return printJSON(os.Stdout, b)
	},
}

var bidsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bids on a case or by a hospital",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		caseID, _ := cmd.Flags().GetString("case")
		hospital, _ := cmd.Flags().GetString("hospital")
		status, _ := cmd.Flags().GetString("status")
		if (caseID == "") == (hospital == "") {
			return eris.New("exactly one of --case or --hospital is required")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var bids []model.Bid
		if caseID != "" {
			bids, err = env.Bidding.ListCaseBids(ctx, caseID)
		} else {
			bids, err = env.Bidding.ListHospitalBids(ctx, hospital, model.BidStatus(status))
		}
		if err != nil {
			return eris.Wrap(err, "bids list")
		}
		return printJSON(os.Stdout, bids)
	},
}

var awardCmd = &cobra.Command{
	Use:   "award <case-id> <bid-id>",
	Short: "Award a bidding case to one of its active bids",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		payer, _ := cmd.Flags().GetString("payer")
		notes, _ := cmd.Flags().GetString("notes")
		res, err := env.Arbiter.Award(ctx, args[0], args[1], adminActor(cmd),
			award.AwardOptions{PayerEntity: payer, Notes: notes})
		if err != nil {
			return eris.Wrap(err, "award")
		}
		return printJSON(os.Stdout, res)
	},
}

func init() {
	bidsSubmitCmd.Flags().String("hospital", "", "bidding hospital id (required)")
	bidsSubmitCmd.Flags().Int64("amount", 0, "bid amount in minor currency units (required)")
	bidsSubmitCmd.Flags().String("notes", "", "free-text notes")
	_ = bidsSubmitCmd.MarkFlagRequired("hospital")
	_ = bidsSubmitCmd.MarkFlagRequired("amount")

	bidsWithdrawCmd.Flags().String("hospital", "", "hospital that owns the bid (required)")
	_ = bidsWithdrawCmd.MarkFlagRequired("hospital")

	bidsListCmd.Flags().String("case", "", "list every bid on this case")
	bidsListCmd.Flags().String("hospital", "", "list this hospital's bids")
	bidsListCmd.Flags().String("status", "", "with --hospital, filter by bid status (active, winning, losing, withdrawn)")

	awardCmd.Flags().String("payer", "", "paying entity recorded on the award")
	awardCmd.Flags().String("notes", "", "free-text notes")
	awardCmd.Flags().String("actor", "cli", "admin identity recorded in the audit trail")

	bidsCmd.AddCommand(bidsSubmitCmd, bidsWithdrawCmd, bidsListCmd)
	rootCmd.AddCommand(bidsCmd)
	rootCmd.AddCommand(awardCmd)
}
