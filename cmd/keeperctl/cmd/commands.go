package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/HatiCode/modelkeeper/cmd/keeper/router"
	"github.com/HatiCode/modelkeeper/pkg/artifacts"
	"github.com/HatiCode/modelkeeper/pkg/cycle"
	"github.com/HatiCode/modelkeeper/pkg/promotion"
	"github.com/HatiCode/modelkeeper/pkg/report"
	"github.com/HatiCode/modelkeeper/pkg/validator"
)

func newPromoteCommand(o *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Validate staged candidates and promote them to production",
		Long: `Validate every staged candidate against production and promote them all when
every one of them passes. --force skips validation and promotes whatever is staged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.local() {
				return ErrRemoteOnly
			}
			res, err := o.client().Promote(cmd.Context(), force)
			if err != nil {
				if len(res.Validation) > 0 {
					_ = o.print(res, func(w io.Writer) { writeValidation(w, res.Validation) })
				}
				return err
			}
			return o.print(res, func(w io.Writer) { writePromotion(w, res) })
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "promote without validation")
	return cmd
}

func newRollbackCommand(o *options) *cobra.Command {
	var snapshot int64
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore production from a backup snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if snapshot < 0 {
				return fmt.Errorf("snapshot must be >= 0, got %d", snapshot)
			}

			var res promotion.RollbackResult
			var err error
			if o.local() {
				var m *promotion.Manager
				if m, err = o.manager(); err != nil {
					return err
				}
				err = o.locked(cmd.Context(), func() error {
					res, err = m.Rollback(cmd.Context(), snapshot)
					return err
				})
			} else {
				res, err = o.client().Rollback(cmd.Context(), snapshot)
			}
			if err != nil {
				return err
			}
			return o.print(res, func(w io.Writer) {
				fmt.Fprintf(w, "restored %d model(s) from snapshot %s: %s\n",
					len(res.Restored), res.Snapshot.Label, strings.Join(res.Restored, ", "))
			})
		},
	}
	cmd.Flags().Int64Var(&snapshot, "snapshot", 0, "snapshot ID to restore (0 restores the latest)")
	return cmd
}

func newReportCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "List the models serving production",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rep promotion.Report
			var err error
			if o.local() {
				var m *promotion.Manager
				if m, err = o.manager(); err != nil {
					return err
				}
				rep, err = m.GenerateReport(cmd.Context())
			} else {
				rep, err = o.client().Production(cmd.Context())
			}
			if err != nil {
				return err
			}
			return o.print(rep, func(w io.Writer) { writeModels(w, rep.Models) })
		},
	}
}

func newBackupsCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backup snapshots, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var snaps []artifacts.Snapshot
			var err error
			if o.local() {
				var m *promotion.Manager
				if m, err = o.manager(); err != nil {
					return err
				}
				snaps, err = m.Backups(cmd.Context())
			} else {
				snaps, err = o.client().Backups(cmd.Context())
			}
			if err != nil {
				return err
			}
			if snaps == nil {
				snaps = []artifacts.Snapshot{}
			}
			return o.print(snaps, func(w io.Writer) { writeSnapshots(w, snaps) })
		},
	}
}

func newPruneCommand(o *options) *cobra.Command {
	var retain int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest backup snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if retain < 0 {
				return fmt.Errorf("retain must be >= 0, got %d", retain)
			}

			var deleted []int64
			var err error
			if o.local() {
				var m *promotion.Manager
				if m, err = o.manager(); err != nil {
					return err
				}
				err = o.locked(cmd.Context(), func() error {
					deleted, err = m.Prune(cmd.Context(), retain)
					return err
				})
			} else {
				deleted, err = o.client().Prune(cmd.Context(), retain)
			}
			if err != nil {
				return err
			}
			if deleted == nil {
				deleted = []int64{}
			}
			return o.print(router.PruneResponse{Deleted: deleted}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted %d snapshot(s)\n", len(deleted))
			})
		},
	}
	cmd.Flags().IntVar(&retain, "retain", 10, "number of newest snapshots to keep")
	return cmd
}

func newRunCommand(o *options) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a training cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.local() {
				return ErrRemoteOnly
			}
			c := o.client()
			if !wait {
				if err := c.RequestCycle(cmd.Context()); err != nil {
					return err
				}
				return o.print(router.CycleQueued{Queued: true}, func(w io.Writer) {
					fmt.Fprintln(w, "cycle queued")
				})
			}

			rep, err := c.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			if err := o.print(rep, func(w io.Writer) { writeCycle(w, rep) }); err != nil {
				return err
			}
			if rep.Status == report.StatusFailed {
				return fmt.Errorf("cycle failed: %s", rep.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "run the cycle synchronously and print its report")
	return cmd
}

func newCyclesCommand(o *options) *cobra.Command {
	var latest bool
	var limit int
	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "Show cycle reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.local() {
				return ErrRemoteOnly
			}
			c := o.client()
			if latest {
				rep, err := c.LatestReport(cmd.Context())
				if err != nil {
					return err
				}
				return o.print(rep, func(w io.Writer) { writeCycle(w, rep) })
			}

			reps, err := c.Reports(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return o.print(reps, func(w io.Writer) { writeCycles(w, reps) })
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "show only the most recent report in detail")
	cmd.Flags().IntVar(&limit, "limit", report.DefaultListLimit, "maximum number of reports")
	return cmd
}

func newStatusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler state, training state and the retraining decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.local() {
				return ErrRemoteOnly
			}
			st, err := o.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return o.print(st, func(w io.Writer) { writeStatus(w, st) })
		},
	}
}

// print writes v as indented JSON or calls text.
func (o *options) print(v any, text func(io.Writer)) error {
	if o.output() == "json" {
		enc := json.NewEncoder(o.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(o.out)
	return nil
}

func writePromotion(w io.Writer, res cycle.PromoteResult) {
	if len(res.Validation) > 0 {
		writeValidation(w, res.Validation)
	}
	how := "validated"
	if res.Forced {
		how = "forced"
	}
	fmt.Fprintf(w, "promoted (%s) %s, backup snapshot %d\n", how, strings.Join(res.Promoted, ", "), res.SnapshotID)
}

func writeValidation(w io.Writer, results []validator.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tKIND\tMETRIC\tBASELINE\tCANDIDATE\tIMPROVEMENT\tPASSED")
	for _, r := range results {
		verdict := fmt.Sprint(r.Passed)
		switch {
		case r.Error != "":
			verdict = "error: " + r.Error
		case r.ColdStart:
			verdict = "cold start"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f%%\t%s\n",
			r.ModelName, r.Kind, r.Metric, optFloat(r.BaselineMetric), optFloat(r.CandidateMetric), r.Improvement*100, verdict)
	}
	_ = tw.Flush()
}

func writeModels(w io.Writer, models []artifacts.Info) {
	if len(models) == 0 {
		fmt.Fprintln(w, "production is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSIZE\tTRANSFORM\tMODIFIED\tCHECKSUM")
	for _, m := range models {
		transform := "-"
		if m.HasCompanion {
			transform = fmt.Sprintf("%d B", m.CompanionSize)
		}
		fmt.Fprintf(tw, "%s\t%d B\t%s\t%s\t%s\n", m.Name, m.Size, transform, m.ModTime.Format(time.RFC3339), shortSum(m.Checksum))
	}
	_ = tw.Flush()
}

func writeSnapshots(w io.Writer, snaps []artifacts.Snapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "no backups")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tCREATED\tMODELS")
	for _, s := range snaps {
		names := make([]string, len(s.Models))
		for i, m := range s.Models {
			names[i] = m.Name
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.ID, s.Label, s.CreatedAt.Format(time.RFC3339), strings.Join(names, ","))
	}
	_ = tw.Flush()
}

func writeCycle(w io.Writer, r report.CycleReport) {
	fmt.Fprintf(w, "cycle %s (%s: %s)\n", r.ID, r.Trigger, strings.Join(r.Reasons, ", "))
	fmt.Fprintf(w, "  status:   %s (reached %s, %s)\n", r.Status, r.StageReached, r.Duration().Round(time.Second))
	if r.SnapshotID > 0 {
		fmt.Fprintf(w, "  snapshot: %d\n", r.SnapshotID)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  error:    [%s/%s] %s\n", r.ErrorKind, r.Severity, r.Error)
	}
	if len(r.ValidationResults) > 0 {
		writeValidation(w, r.ValidationResults)
	}
}

func writeCycles(w io.Writer, reps []report.CycleReport) {
	if len(reps) == 0 {
		fmt.Fprintln(w, "no cycles yet")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTRIGGER\tSTATUS\tSTAGE\tDURATION\tERROR")
	for _, r := range reps {
		errKind := "-"
		if r.ErrorKind != "" {
			errKind = string(r.ErrorKind)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Format(time.RFC3339), r.Trigger, r.Status, r.StageReached, r.Duration().Round(time.Second), errKind)
	}
	_ = tw.Flush()
}

func writeStatus(w io.Writer, st router.StatusResponse) {
	fmt.Fprintf(w, "scheduler:  %s (daily at %s %s, checks every %s, %d cycle(s) run)\n",
		st.Scheduler.State, st.Scheduler.DailyAt, st.Scheduler.TimeZone, st.Scheduler.CheckEvery, st.Scheduler.Cycles)
	if st.Scheduler.RetryAt != nil {
		fmt.Fprintf(w, "retry at:   %s\n", st.Scheduler.RetryAt.Format(time.RFC3339))
	}
	if st.Scheduler.LastError != "" {
		fmt.Fprintf(w, "last error: %s\n", st.Scheduler.LastError)
	}

	trained := "never"
	if !st.State.LastTrainTime.IsZero() {
		trained = st.State.LastTrainTime.Format(time.RFC3339)
	}
	fmt.Fprintf(w, "trained:    %s\n", trained)
	if st.State.LastTrainTradeCount != nil {
		fmt.Fprintf(w, "trades:     %d at last cycle\n", *st.State.LastTrainTradeCount)
	}
	fmt.Fprintf(w, "accuracy:   %s\n", optFloat(st.State.LastKnownAccuracy))

	decision := "no"
	if st.ShouldTrain {
		decision = "yes (" + strings.Join(st.Reasons, ", ") + ")"
	}
	fmt.Fprintf(w, "retrain:    %s\n", decision)
	if st.TriggerErr != "" {
		fmt.Fprintf(w, "trigger:    %s\n", st.TriggerErr)
	}
}

func optFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
