package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/jurishealth/internal/model"
	"github.com/sells-group/jurishealth/internal/store"
)

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Inspect and administer cases",
}

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cases",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		specialty, _ := cmd.Flags().GetString("specialty")
		city, _ := cmd.Flags().GetString("city")
		court, _ := cmd.Flags().GetString("court")
		limit, _ := cmd.Flags().GetInt("limit")

		cases, err := env.Store.ListCases(ctx, store.CaseFilter{
			Status:    model.CaseStatus(status),
			Specialty: model.Specialty(specialty),
			City:      city,
			CourtCode: court,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "cases list")
		}
		if len(cases) == 0 {
			fmt.Fprintln(os.Stderr, "No cases found.")
			return nil
		}
		formatCasesList(os.Stdout, cases)
		return nil
	},
}

var casesShowCmd = &cobra.Command{
	Use:   "show <case-id>",
	Short: "Show a case with its bids and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Store.GetCase(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "cases show")
		}
		bids, err := env.Bidding.ListCaseBids(ctx, c.ID)
		if err != nil {
			return eris.Wrap(err, "cases show: bids")
		}
		audit, err := env.Store.ListAudit(ctx, c.ID)
		if err != nil {
			return eris.Wrap(err, "cases show: audit")
		}
		out := struct {
			Case  *model.Case        `json:"case"`
			Award *model.Award       `json:"award,omitempty"`
			Bids  []model.Bid        `json:"bids"`
			Audit []model.AuditEntry `json:"audit"`
		}{Case: c, Bids: bids, Audit: audit}
		if aw, err := env.Store.GetAward(ctx, c.ID); err == nil {
			out.Award = aw
		}
		return printJSON(os.Stdout, out)
	},
}

var casesConflictsCmd = &cobra.Command{
	Use:   "conflicts <case-id>",
	Short: "List field conflicts recorded between sources for a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		conflicts, err := env.Store.ListConflicts(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "cases conflicts")
		}
		return printJSON(os.Stdout, conflicts)
	},
}

var casesExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire cases past their bidding window and close long-expired ones",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Arbiter.ExpireDue(ctx, time.Now().UTC())
		if err != nil {
			return eris.Wrap(err, "cases expire")
		}
		return printJSON(os.Stdout, res)
	},
}

var casesReopenCmd = &cobra.Command{
	Use:   "reopen <case-id>",
	Short: "Reverse an award and return the case to bidding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		reason, _ := cmd.Flags().GetString("reason")
		c, err := env.Arbiter.Reopen(ctx, args[0], adminActor(cmd), reason)
		if err != nil {
			return eris.Wrap(err, "cases reopen")
		}
		return printJSON(os.Stdout, c)
	},
}

var casesCloseCmd = &cobra.Command{
	Use:   "close <case-id>",
	Short: "Close an awarded case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		reason, _ := cmd.Flags().GetString("reason")
		c, err := env.Arbiter.Close(ctx, args[0], adminActor(cmd), reason)
		if err != nil {
			return eris.Wrap(err, "cases close")
		}
		return printJSON(os.Stdout, c)
	},
}

// adminActor reads the --actor flag as an administrator identity.
func adminActor(cmd *cobra.Command) model.Actor {
	id, _ := cmd.Flags().GetString("actor")
	return model.Actor{ID: id, Role: model.RoleAdmin}
}

func init() {
	casesListCmd.Flags().String("status", "", "filter by status (open, bidding, awarded, expired, closed)")
	casesListCmd.Flags().String("specialty", "", "filter by specialty")
	casesListCmd.Flags().String("city", "", "filter by city")
	casesListCmd.Flags().String("court", "", "filter by court code")
	casesListCmd.Flags().Int("limit", 50, "max number of cases to display")

	casesConflictsCmd.Flags().Int("limit", 50, "max number of conflicts to display")

	casesReopenCmd.Flags().String("reason", "", "why the award is reversed (required)")
	casesReopenCmd.Flags().String("actor", "cli", "admin identity recorded in the audit trail")
	_ = casesReopenCmd.MarkFlagRequired("reason")

	casesCloseCmd.Flags().String("reason", "", "optional note for the audit trail")
	casesCloseCmd.Flags().String("actor", "cli", "admin identity recorded in the audit trail")

	casesCmd.AddCommand(casesListCmd, casesShowCmd, casesConflictsCmd, casesExpireCmd, casesReopenCmd, casesCloseCmd)
	rootCmd.AddCommand(casesCmd)
}

// formatCasesList writes a tabular list of cases to w.
func formatCasesList(out io.Writer, cases []model.Case) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNUMBER\tSTATUS\tSPECIALTIES\tCITY\tCOURT\tFIRST SEEN")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-----------\t----\t-----\t----------")

	for i := range cases {
		c := &cases[i]
		specs := make([]string, len(c.Specialties))
		for j, s := range c.Specialties {
			specs[j] = string(s)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(c.ID),
			c.CanonicalNumber,
			c.Status,
			strings.Join(specs, ","),
			orDash(c.City),
			orDash(c.CourtCode),
			c.FirstSeenAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
