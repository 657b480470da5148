package main

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/courier/internal/app"
	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	"github.com/MarcoPoloResearchLab/courier/internal/logging"
	"github.com/spf13/cobra"
)

const defaultHistoryLimit = 50

func runClient(cmd *cobra.Command, fn func(ctx context.Context, client *app.Client) error) error {
	return withClient(cmd.Context(), logging.FormatConsole, fn)
}

func newCreateCommand() *cobra.Command {
	var (
		file  string
		input payloadFlags
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a new delivery request; it syncs right away when online",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := input.payload(file)
			if err != nil {
				return err
			}
			return runClient(cmd, func(ctx context.Context, client *app.Client) error {
				record, err := client.Repository.Create(ctx, payload)
				if err != nil {
					return err
				}
				renderRecord(cmd.OutOrStdout(), record)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with the delivery request")
	input.register(cmd)
	return cmd
}

func newUpdateCommand() *cobra.Command {
	var (
		file  string
		input changeFlags
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a delivery request by local or server identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := input.changes(cmd, file)
			if err != nil {
				return err
			}
			return runClient(cmd, func(ctx context.Context, client *app.Client) error {
				record, err := client.Repository.Update(ctx, args[0], changes)
				if err != nil {
					return err
				}
				renderRecord(cmd.OutOrStdout(), record)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with the fields to change")
	input.register(cmd)
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a delivery request from this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, func(ctx context.Context, client *app.Client) error {
				record, err := client.Repository.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", record.LocalID)
				return err
			})
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one delivery request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, func(ctx context.Context, client *app.Client) error {
				record, err := client.Repository.Get(ctx, args[0])
				if err != nil {
					return err
				}
				renderRecord(cmd.OutOrStdout(), record)
				return nil
			})
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List delivery requests on this device, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, func(ctx context.Context, client *app.Client) error {
				records, err := deliveries.Collect(client.Repository.List(ctx))
				if err != nil {
					return err
				}
				renderRecords(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
}

func newHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show the sync log, for one request or the most recent attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, func(ctx context.Context, client *app.Client) error {
				var (
					entries []deliveries.SyncLogEntry
					err     error
				)
				if len(args) == 1 {
					entries, err = client.Repository.History(ctx, args[0])
				} else {
					entries, err = client.Repository.RecentHistory(ctx, limit)
				}
				if err != nil {
					return err
				}
				renderHistory(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultHistoryLimit, "Number of recent entries to show")
	return cmd
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push every pending record to the remote store now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, func(ctx context.Context, client *app.Client) error {
				result, err := client.Repository.Sync(ctx)
				renderSyncResult(cmd.OutOrStdout(), result)
				return err
			})
		},
	}
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a failed delivery request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, func(ctx context.Context, client *app.Client) error {
				record, err := client.Repository.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				renderRecord(cmd.OutOrStdout(), record)
				return nil
			})
		},
	}
}

func newClearHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-history",
		Short: "Delete every sync log entry on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, func(ctx context.Context, client *app.Client) error {
				if err := client.Repository.ClearHistory(ctx); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "sync history cleared")
				return err
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and the pending sync backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, func(ctx context.Context, client *app.Client) error {
				status, err := client.Repository.Status(ctx)
				if err != nil {
					return err
				}
				renderStatus(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
}

func newStatisticsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the remote store statistics for this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, func(ctx context.Context, client *app.Client) error {
				if !client.Monitor.IsOnline() {
					return errOffline
				}
				statistics, err := client.Remote.Statistics(ctx)
				if err != nil {
					return err
				}
				renderStatistics(cmd.OutOrStdout(), statistics)
				return nil
			})
		},
	}
}
