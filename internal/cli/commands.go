package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"legacymigrate/internal/audit"
	"legacymigrate/internal/config"
	"legacymigrate/internal/migration"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var summaryPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a full migration and write the integrity report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			runID := uuid.NewString()
			s, err := g.open(ctx, runID)
			if err != nil {
				return err
			}
			defer s.close()

			r := migration.NewDefaultRunner(s.log)
			r.RunID = runID
			r.Progress = func(p migration.Progress) {
				s.log.Info("progress", "stage", p.Stage, "pct", fmt.Sprintf("%.0f", p.Percentage), "msg", p.Message)
			}

			sum, runErr := r.Run(ctx, s.cfg)
			if sum.RunID == "" {
				return runErr
			}
			if err := writeSummary(cmd, sum); err != nil {
				return err
			}
			if summaryPath != "" {
				if err := writeJSON(summaryPath, sum); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&summaryPath, "summary", "", "also write the run summary as JSON to this path")
	return cmd
}

func writeSummary(cmd *cobra.Command, sum migration.Summary) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	printf(w, "run %s  dry_run=%v  aborted=%v\n", sum.RunID, sum.DryRun, sum.Aborted)
	printf(w, "ENTITY\tPHASE\tSTATUS\tEXPECTED\tEXTRACTED\tINSERTED\tUPDATED\tREJECTED\tFAILED\tUNRESOLVED\n")
	for _, e := range sum.Entities {
		printf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			e.Entity, e.Phase, e.Status, e.Expected, e.Extracted, e.Inserted, e.Updated, e.Rejected, e.Failed, e.Unresolved)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "\n")
	return audit.WriteText(cmd.OutOrStdout(), sum.Report)
}

func newProbeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Report which legacy tables and columns are present",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer s.close()

			rep, err := migration.NewDefaultRunner(s.log).Probe(cmd.Context(), s.cfg)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s\n", rep.String())
			return nil
		},
	}
}

func newAuditCmd(g *globalFlags) *cobra.Command {
	var runID, out string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Re-run the integrity checks of a finished run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer s.close()

			rep, err := migration.NewDefaultRunner(s.log).Audit(cmd.Context(), s.cfg, runID)
			if err != nil {
				return err
			}
			if out != "" {
				if err := audit.WriteReport(out, rep); err != nil {
					return err
				}
			}
			return audit.WriteText(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to audit (default: latest)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the report to this path (.zst compresses)")
	return cmd
}

func newCheckConfigCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			issues := config.Validate(cfg)
			for _, iss := range issues {
				printf(cmd.ErrOrStderr(), "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
			}
			if config.HasErrors(issues) {
				return fmt.Errorf("configuration is invalid")
			}
			printf(cmd.OutOrStdout(), "configuration is valid\n")
			return nil
		},
	}
}
