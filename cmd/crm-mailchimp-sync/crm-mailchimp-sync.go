package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/sync"
	"github.com/newrelic/nr-crm-mailchimp-sync/pkg/interop"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crm-mailchimp-sync",
		Short: "Synchronize CRM members and Mailchimp subscribers",
		Long: `crm-mailchimp-sync keeps the members of a CRM and the subscribers of a
Mailchimp audience in sync. Each sync configuration is a file named after the
configuration in the configuration directory.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newSyncCommand(),
		newUnlockCommand(),
		newCronCommand(),
		newServeCommand(),
		newEndpointCommand(),
	)

	return cmd
}

// withInterop runs fn with the shared runtime and shuts it down afterwards.
func withInterop(fn func(i *interop.Interop) error) (err error) {
	i, err := interop.NewInteroperability()
	if err != nil {
		return fmt.Errorf("failed to create interop: %w", err)
	}

	defer func() {
		if shutdownErr := i.Shutdown(); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}()

	return fn(i)
}

func withSyncer(name string, fn func(i *interop.Interop, s *sync.Syncer) error) error {
	return withInterop(func(i *interop.Interop) error {
		s, err := sync.New(i, name)
		if err != nil {
			return err
		}
		return fn(i, s)
	})
}
