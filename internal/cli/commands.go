package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/campaign"
	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/scheduler"
	"whatsapp-automation/internal/store"

	"github.com/spf13/cobra"
)

// migrate has nothing left to do once PersistentPreRunE opened the
// database, since opening runs the auto-migration
func newMigrateCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newProgressCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <campaign-id>",
		Short: "Show a campaign's delivery counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid campaign id %q", args[0])
			}
			p, err := campaign.GetProgress(cmd.Context(), opts.Store, uint(id))
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "campaign %d %s: %d/%d sent, %d delivered, %d read, %d failed (%.2f%%)\n",
				p.CampaignID, p.Status, p.Sent, p.Total, p.Delivered, p.Read, p.Failed, p.Progress)
			return nil
		},
	}
}

func newExecutionsCommand(opts *Options) *cobra.Command {
	var (
		flowID, conversationID uint
		status                 string
		limit                  int
	)
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List flow executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.ExecutionFilter{FlowID: flowID, ConversationID: conversationID, Limit: limit}
			if status != "" {
				for _, s := range strings.Split(status, ",") {
					f.Statuses = append(f.Statuses, models.ExecutionStatus(strings.ToUpper(strings.TrimSpace(s))))
				}
			}
			executions, err := opts.Store.ListExecutions(cmd.Context(), f)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				if executions == nil {
					executions = []models.FlowExecution{}
				}
				return writeJSON(cmd.OutOrStdout(), executions)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFLOW\tCONVERSATION\tTRIGGER\tSTATUS\tSTEP\tERROR")
			for _, e := range executions {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%d\t%s\n",
					e.ID, e.FlowID, e.ConversationID, e.TriggerType, e.Status, e.CurrentStep, e.ErrorMessage)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().UintVar(&flowID, "flow", 0, "only executions of this flow")
	cmd.Flags().UintVar(&conversationID, "conversation", 0, "only executions for this conversation")
	cmd.Flags().StringVar(&status, "status", "", "comma-separated statuses, e.g. running,paused")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

type scheduleRow struct {
	TriggerID   uint       `json:"triggerId"`
	FlowID      uint       `json:"flowId"`
	FlowName    string     `json:"flowName"`
	Description string     `json:"description"`
	NextRun     *time.Time `json:"nextRun,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// schedules lists active SCHEDULE triggers with the next time each fires,
// computed the same way the running scheduler arms them
func newSchedulesCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "List active schedule triggers and their next run",
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := opts.Store.ActiveTriggers(cmd.Context(), models.TriggerSchedule)
			if err != nil {
				return err
			}
			loc := opts.Location
			if loc == nil {
				loc = time.Local
			}

			now := time.Now()
			rows := make([]scheduleRow, 0, len(active))
			for _, at := range active {
				row := scheduleRow{TriggerID: at.Trigger.ID, FlowID: at.Flow.ID, FlowName: at.Flow.Name}
				cfg, err := automation.ParseScheduleConfig(at.Trigger)
				if err != nil {
					row.Error = err.Error()
					rows = append(rows, row)
					continue
				}
				row.Description = scheduler.Describe(cfg)
				rule, err := scheduler.NewRule(cfg, loc)
				if err != nil {
					row.Error = err.Error()
				} else if next := rule.Next(now); !next.IsZero() {
					row.NextRun = &next
				} else {
					row.Error = "no future run"
				}
				rows = append(rows, row)
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TRIGGER\tFLOW\tSCHEDULE\tNEXT RUN")
			for _, r := range rows {
				next := r.Error
				if r.NextRun != nil {
					next = r.NextRun.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.TriggerID, r.FlowName, r.Description, next)
			}
			return tw.Flush()
		},
	}
}
