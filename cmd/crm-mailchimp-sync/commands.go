package main

import (
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/config"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/server"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/sync"
	"github.com/newrelic/nr-crm-mailchimp-sync/pkg/interop"
	"github.com/spf13/cobra"
)

func newSyncCommand() *cobra.Command {
	var (
		limit    int
		offset   int
		syncAll  bool
		force    bool
		pageOnly bool
	)

	cmd := &cobra.Command{
		Use:   "sync <config>",
		Short: "Push CRM changes to Mailchimp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if force && offset != 0 {
				return fmt.Errorf("--force only applies to runs starting at offset 0")
			}
			if !pageOnly && offset != 0 {
				return fmt.Errorf("--offset requires --page-only")
			}

			return withSyncer(args[0], func(i *interop.Interop, s *sync.Syncer) error {
				ctx := cmd.Context()

				if force {
					n, err := s.Unlock(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "discarded %d open revision(s)\n", n)
				}

				var (
					result *sync.ChangesResult
					err    error
				)
				if pageOnly {
					result, err = s.SyncAllChanges(ctx, limit, offset, syncAll || s.Config().SyncAll)
				} else {
					result, err = s.SyncAll(ctx, limit, syncAll || s.Config().SyncAll)
				}
				if err != nil {
					return err
				}

				fmt.Fprintf(
					cmd.OutOrStdout(),
					"revision %d: %d fetched, %d filtered, %d synced, done: %t\n",
					result.RevisionID,
					result.Fetched,
					result.Filtered,
					result.Synced,
					result.Done,
				)
				if pageOnly && !result.Done {
					fmt.Fprintf(cmd.OutOrStdout(), "continue with --page-only --offset %d\n", offset+limit)
				}

				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "number of CRM members fetched per page")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset, with --page-only")
	cmd.Flags().BoolVar(&syncAll, "all", false, "also push members without an active group")
	cmd.Flags().BoolVar(&force, "force", false, "discard the open revision of a stuck run first")
	cmd.Flags().BoolVar(&pageOnly, "page-only", false, "sync a single page and leave the run open")

	return cmd
}

func newUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <config>",
		Short: "Discard the open revision of a failed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSyncer(args[0], func(i *interop.Interop, s *sync.Syncer) error {
				n, err := s.Unlock(cmd.Context())
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "discarded %d open revision(s)\n", n)
				return nil
			})
		},
	}
}

func newCronCommand() *cobra.Command {
	var (
		batchSize int
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "cron <config>",
		Short: "Create CRM members for new Mailchimp subscribers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSyncer(args[0], func(i *interop.Interop, s *sync.Syncer) error {
				result, err := s.SyncAllCronBatch(cmd.Context(), batchSize, limit)

				fmt.Fprintf(
					cmd.OutOrStdout(),
					"%d processed, %d created, %d failed, %d filtered\n",
					result.Processed,
					result.Success,
					result.Failed,
					result.Filtered,
				)

				return err
			})
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "subscribers per Mailchimp page (default from configuration)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum subscribers to process (default from configuration)")

	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive Mailchimp webhooks and run scheduled cron batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInterop(func(i *interop.Interop) error {
				return serve(cmd, i)
			})
		},
	}
}

func serve(cmd *cobra.Command, i *interop.Interop) error {
	scheduler := server.NewScheduler(i.Logger)

	for _, name := range i.Configs {
		s, err := sync.New(i, name)
		if err != nil {
			return err
		}

		schedule := s.Config().Cron.Schedule
		if schedule == "" {
			continue
		}

		if err := scheduler.Add(server.Job{
			ConfigName: name,
			Schedule:   schedule,
			Runner:     s,
		}); err != nil {
			return err
		}
	}

	srv := server.New(i.Store, func(configName string) (server.EventHandler, error) {
		s, err := sync.New(i, configName)
		if err != nil {
			return nil, err
		}
		return s, nil
	}, i.Logger)

	scheduler.Start()
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(i.ListenAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-cmd.Context().Done():
		i.Logger.Infof("shutting down")
		return srv.Shutdown()
	}
}

func newEndpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Manage Mailchimp webhook endpoints",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <config>",
		Short: "Create a webhook endpoint for a configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInterop(func(i *interop.Interop) error {
				cfg, err := config.Load(i.ConfigDir, args[0])
				if err != nil {
					return err
				}

				secret := cfg.Webhook.Secret
				if secret == "" {
					id, err := uuid.NewV4()
					if err != nil {
						return err
					}
					secret = strings.ReplaceAll(id.String(), "-", "")
				}

				endpoint, err := i.Store.CreateEndpoint(cmd.Context(), cfg.Name, secret)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "/webhook/%s\n", endpoint.Secret)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list <config>",
		Short: "List the webhook endpoints of a configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInterop(func(i *interop.Interop) error {
				endpoints, err := i.Store.EndpointsByConfig(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				for _, e := range endpoints {
					fmt.Fprintf(
						cmd.OutOrStdout(),
						"/webhook/%s\t%s\n",
						e.Secret,
						e.CreatedAt.Format("2006-01-02 15:04:05"),
					)
				}
				return nil
			})
		},
	})

	return cmd
}
