// Package cli implements automationctl, the operator tool for inspecting
// flows, executions and campaigns directly in the database.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/config"
	"whatsapp-automation/internal/database"
	"whatsapp-automation/internal/logger"
	"whatsapp-automation/internal/store"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// Options holds global flags and the store every command reads from
type Options struct {
	Format string // "text" | "json"

	// Store is opened from the environment when nil
	Store    store.Store
	DB       *gorm.DB
	Location *time.Location
	Config   *config.Config

	// Transport is built from Config when nil
	Transport automation.Transport
}

var validFormats = []string{"text", "json"}

func NewRootCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "automationctl",
		Short:         "Inspect and maintain the WhatsApp automation database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			if opts.Store != nil {
				return nil
			}
			cfg := config.LoadConfig()
			logger.Init(cfg.LogLevel, cfg.LogFormat)
			opts.Config = cfg
			db, err := database.Open(cfg)
			if err != nil {
				return err
			}
			opts.DB = db
			opts.Store = store.NewGormStore(db)
			if opts.Location == nil {
				opts.Location = cfg.Timezone
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newProgressCommand(opts))
	cmd.AddCommand(newExecutionsCommand(opts))
	cmd.AddCommand(newSchedulesCommand(opts))
	cmd.AddCommand(newCopyDBCommand(opts))
	cmd.AddCommand(newSyncSequencesCommand(opts))
	cmd.AddCommand(newRecoverCommand(opts))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
