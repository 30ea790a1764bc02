package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/config"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/dropwatch"
)

const closeTimeout = 30 * time.Second

// withApp runs fn against a fresh session and always closes it, so queued
// work gets its final save attempt.
func withApp(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, a *app) error) (err error) {
	a, err := newApp(*cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if closeErr := a.close(ctx); err == nil {
			err = closeErr
		}
	}()
	return fn(cmd.Context(), a)
}

func writeIndented(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLoadCmd(cfg *config.Config) *cobra.Command {
	var (
		page    int
		rawType string
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load and print the learner's annotations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var typ annotation.Type
			if rawType != "" {
				parsed, err := annotation.ParseType(rawType)
				if err != nil {
					return err
				}
				typ = parsed
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				all, err := a.iface.LoadAnnotations(ctx, nil)
				if err != nil {
					return err
				}
				switch {
				case page > 0:
					return writeIndented(cmd, a.iface.GetAnnotationsForPage(page, typ))
				case typ != "":
					return writeIndented(cmd, a.iface.GetAnnotationsByType(typ))
				default:
					return writeIndented(cmd, all)
				}
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 0, "only print this page")
	cmd.Flags().StringVar(&rawType, "type", "", "only print this annotation type")
	return cmd
}

func newPushCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "push FILE...",
		Short: "Submit annotation files and save them immediately",
		Long: `Each file holds one record, an array of records, or {"op":"delete","record":{...}}.
Every file is validated before anything is submitted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ops []dropwatch.Operation
			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				parsed, err := dropwatch.Parse(raw)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				ops = append(ops, parsed...)
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				// Deletes only reach the handler for records the cache knows.
				if _, err := a.iface.LoadAnnotations(ctx, nil); err != nil {
					return err
				}
				saved, deleted := 0, 0
				for _, op := range ops {
					if op.Delete {
						if err := a.iface.DeleteAnnotation(op.Record); err != nil {
							return err
						}
						deleted++
						continue
					}
					if err := a.iface.SaveAnnotation(op.Record); err != nil {
						return fmt.Errorf("save %s: %w", op.Record.ID, err)
					}
					saved++
				}
				if err := a.iface.ForceSave(ctx); err != nil {
					return err
				}
				printf(cmd, "saved %d, deleted %d\n", saved, deleted)
				return nil
			})
		},
	}
}

func newStatsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Load annotations and print storage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				if _, err := a.iface.LoadAnnotations(ctx, nil); err != nil {
					return err
				}
				return writeIndented(cmd, a.iface.GetStorageStatistics())
			})
		},
	}
}
