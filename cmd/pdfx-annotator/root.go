package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/config"
)

type rootFlags struct {
	configPath string
	handlerURL string
	pageURL    string
	userID     string
	blockID    string
	courseID   string
	csrfToken  string
	journalDSN string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cfg := &config.Config{}

	cmd := &cobra.Command{
		Use:   "pdfx-annotator",
		Short: "Cache, batch and persist PDF annotations against the course handler",
		Long: `pdfx-annotator keeps a local cache of one learner's annotations for one PDF
block and persists them to the course platform's annotation handler.

Settings come from --config (YAML), then PDFX_* environment variables, then flags.

Examples:
  pdfx-annotator load --handler-url https://lms.example.com/handler/annotations --user u1 --block b1
  pdfx-annotator push marks.json --config pdfx.yaml
  pdfx-annotator sync --config pdfx.yaml`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, flags, &loaded)
			if err := loaded.Validate(); err != nil {
				return err
			}
			*cfg = loaded
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file")
	pf.StringVar(&flags.handlerURL, "handler-url", "", "annotation handler URL")
	pf.StringVar(&flags.pageURL, "page-url", "", "viewer page scanned for an anti-forgery token")
	pf.StringVar(&flags.userID, "user", "", "learner id")
	pf.StringVar(&flags.blockID, "block", "", "PDF block id")
	pf.StringVar(&flags.courseID, "course", "", "course id")
	pf.StringVar(&flags.csrfToken, "csrf-token", "", "explicit anti-forgery token")
	pf.StringVar(&flags.journalDSN, "journal", "", "journal DSN (memory://, file://path, postgres://...)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newLoadCmd(cfg),
		newPushCmd(cfg),
		newStatsCmd(cfg),
		newSyncCmd(cfg),
	)
	return cmd
}

// applyFlags overrides cfg with the flags the user actually set.
func applyFlags(cmd *cobra.Command, flags *rootFlags, cfg *config.Config) {
	set := func(name string, dst *string, value string) {
		if cmd.Flags().Changed(name) {
			*dst = value
		}
	}
	set("handler-url", &cfg.HandlerURL, flags.handlerURL)
	set("page-url", &cfg.PageURL, flags.pageURL)
	set("user", &cfg.UserID, flags.userID)
	set("block", &cfg.BlockID, flags.blockID)
	set("course", &cfg.CourseID, flags.courseID)
	set("csrf-token", &cfg.CSRFToken, flags.csrfToken)
	set("journal", &cfg.JournalDSN, flags.journalDSN)
	set("log-level", &cfg.Log.Level, flags.logLevel)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
