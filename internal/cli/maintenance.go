package cli

import (
	"fmt"
	"time"

	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/campaign"
	"whatsapp-automation/internal/config"
	"whatsapp-automation/internal/database"
	"whatsapp-automation/internal/events"
	"whatsapp-automation/internal/timer"
	"whatsapp-automation/internal/whatsapp"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// copy-db moves a sqlite deployment onto the configured database, usually
// postgres, then syncs its sequences
func newCopyDBCommand(opts *Options) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "copy-db",
		Short: "Copy every table from a sqlite file into the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.DB == nil {
				return errors.New("copy-db needs a database connection")
			}
			src, err := gorm.Open(sqlite.Open(from), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
			if err != nil {
				return errors.Wrapf(err, "open %s", from)
			}
			counts, err := database.CopyAll(src, opts.DB)
			if err != nil {
				return err
			}
			if err := database.SyncSequences(opts.DB); err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), counts)
			}
			total := 0
			for _, n := range counts {
				total += n
			}
			fmt.Fprintf(cmd.OutOrStdout(), "copied %d rows from %s\n", total, from)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "path of the sqlite database to copy")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func newSyncSequencesCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-sequences",
		Short: "Reset postgres id sequences after rows were inserted with explicit ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.DB == nil {
				return errors.New("sync-sequences needs a database connection")
			}
			if err := database.SyncSequences(opts.DB); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sequences synced")
			return nil
		},
	}
}

// recover runs the startup sweep without serving HTTP. Executions due now
// are driven to completion or to their next delay; the delay itself is
// persisted and picked up by the server.
func newRecoverCommand(opts *Options) *cobra.Command {
	var campaigns bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Re-drive PENDING and RUNNING executions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config
			if cfg == nil {
				cfg = &config.Config{}
			}
			transport := opts.Transport
			if transport == nil {
				transport = whatsapp.NewClient(cfg.WhatsAppAPIURL, cfg.WhatsAppToken, opts.Store)
			}
			loc := opts.Location
			if loc == nil {
				loc = time.Local
			}

			timers := timer.NewWheelService(100*time.Millisecond, 60)
			timers.Start()
			defer timers.Stop()

			vars := automation.NewSubstitutor(loc)
			engine := automation.NewEngine(opts.Store, transport, timers, vars, events.Nop{}, automation.EngineConfig{
				DefaultDelay: cfg.DefaultDelay,
				LogLimit:     cfg.ExecutionLogLimit,
				GuardTTL:     cfg.ProcessingGuardTTL,
				Concurrency:  cfg.SchedulerConcurrency,
			})
			defer engine.Shutdown()
			n, err := engine.Recover(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d executions\n", n)

			if !campaigns {
				return nil
			}
			dispatcher := campaign.NewDispatcher(opts.Store, transport, timers, vars, events.Nop{}, campaign.Config{
				DefaultRateLimitPerMinute: cfg.DefaultRateLimitPerMinute,
			})
			defer dispatcher.Shutdown()
			c, err := dispatcher.Recover(cmd.Context())
			if err != nil {
				return err
			}
			// scheduled campaigns armed for later stay SCHEDULED for the server
			dispatcher.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d campaigns\n", c)
			return nil
		},
	}
	cmd.Flags().BoolVar(&campaigns, "campaigns", false, "also resume SENDING campaigns and wait for them to finish")
	return cmd
}
