package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"pkt.systems/cloudstorage"
)

func newInitDBCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Drop and recreate the multipart session ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runService(cmd, func(ctx context.Context, svc *cloudstorage.Service) error {
				if err := svc.InitDB(ctx); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "multipart ledger initialised")
				return err
			})
		},
	}
}

func newCleanMultipartCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "clean-multipart",
		Short: "Abort multipart uploads older than --max-multipart-lifetime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runService(cmd, func(ctx context.Context, svc *cloudstorage.Service) error {
				result, err := svc.CleanMultipart(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
				if len(result.Errors) > 0 {
					return fmt.Errorf("%d of %d uploads could not be aborted", len(result.Errors), result.Total)
				}
				return nil
			})
		},
	}
}

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate DIR [RESOURCE_ID]",
		Short: "Upload the files of a local resource filestore into the object store",
		Long: `Walks DIR, laid out as <id[0:3]>/<id[3:6]>/<id[6:]>, looks every resource
up in CKAN and uploads those stored as uploads. Files whose content is already
stored are skipped. With RESOURCE_ID only that resource is migrated.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var only string
			if len(args) == 2 {
				only = args[1]
			}
			return c.runService(cmd, func(ctx context.Context, svc *cloudstorage.Service) error {
				report, err := svc.Migrate(ctx, args[0], only)
				if report != nil {
					out := cmd.OutOrStdout()
					for _, id := range report.Uploaded {
						fmt.Fprintf(out, "uploaded %s\n", id)
					}
					for _, id := range report.Skipped {
						fmt.Fprintf(out, "skipped  %s\n", id)
					}
					failed := make([]string, 0, len(report.Failed))
					for id := range report.Failed {
						failed = append(failed, id)
					}
					sort.Strings(failed)
					for _, id := range failed {
						fmt.Fprintf(out, "failed   %s: %v\n", id, report.Failed[id])
					}
					if err == nil && len(failed) > 0 {
						err = fmt.Errorf("%d resource(s) failed to migrate", len(failed))
					}
				}
				return err
			})
		},
	}
}

func newFixCORSCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "fix-cors [ORIGIN...]",
		Short: "Apply CORS rules to the store container (defaults to --cors-origin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runService(cmd, func(ctx context.Context, svc *cloudstorage.Service) error {
				err := svc.FixCORS(ctx, args)
				if errors.Is(err, cloudstorage.ErrCORSUnsupported) {
					return fmt.Errorf("%s store: %w", svc.Credentials().Provider, err)
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "cors rules updated")
				return err
			})
		},
	}
}

func newSignCommand(c *cli) *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "sign RESOURCE_ID FILENAME",
		Short: "Print the download URL of a stored resource file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runService(cmd, func(ctx context.Context, svc *cloudstorage.Service) error {
				u, ok, err := svc.SignURL(ctx, args[0], args[1], contentType)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no object stored for resource %s file %s", args[0], args[1])
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), u)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type signed into the URL")
	return cmd
}

func newUploadCommand(c *cli) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "upload RESOURCE_ID FILE",
		Short: "Store a local file for a resource in a single request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runService(cmd, func(ctx context.Context, svc *cloudstorage.Service) error {
				result, err := svc.UploadFile(ctx, args[0], name, args[1])
				if err != nil {
					return err
				}
				if result.Skipped {
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "unchanged %s\n", result.Key)
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s)\n", result.Key, humanizeBytes(result.Size))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "filename to store under (defaults to the base name of FILE)")
	return cmd
}

func newClearCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "clear RESOURCE_ID FILENAME",
		Short: "Delete the stored file a resource no longer points at (no-op with --leave-files)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runService(cmd, func(ctx context.Context, svc *cloudstorage.Service) error {
				if err := svc.ClearResource(ctx, args[0], args[1]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "cleared %s %s\n", args[0], args[1])
				return err
			})
		},
	}
}

func newPurgeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "purge RESOURCE_ID [FILENAME]",
		Short: "Delete every stored object of a resource (no-op with --leave-files)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filename string
			if len(args) == 2 {
				filename = args[1]
			}
			return c.runService(cmd, func(ctx context.Context, svc *cloudstorage.Service) error {
				keys, err := svc.Purge(ctx, args[0], filename)
				for _, key := range keys {
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
				}
				return err
			})
		},
	}
}
