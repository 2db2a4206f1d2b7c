package tenantscmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tesseradata/tessera/platform/go/config"
	"github.com/tesseradata/tessera/platform/go/logging"
	"github.com/tesseradata/tessera/platform/go/persistence"
)

// Command groups tenant registry helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Tenant registry utilities (validate/ping)",
	}

	cmd.AddCommand(validateCommand())
	cmd.AddCommand(pingCommand())
	return cmd
}

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the tenant registry and report the configured tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			descriptors, err := config.LoadTenants(cfg.TenantsFile, cfg)
			if err != nil {
				return err
			}

			for _, desc := range descriptors {
				cmd.Printf("%s\tmax_conns=%d\tacquire_timeout=%s\n",
					desc.Tenant, desc.MaxConns, desc.AcquireTimeout)
			}
			cmd.Printf("%d tenants configured\n", len(descriptors))
			return nil
		},
	}
}

func pingCommand() *cobra.Command {
	var timeout time.Duration

	c := &cobra.Command{
		Use:   "ping",
		Short: "Initialize each tenant's pool and verify connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger, err := logging.NewLogger(logging.Config{Component: "cli", Level: cfg.LogLevel})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			descriptors, err := config.LoadTenants(cfg.TenantsFile, cfg)
			if err != nil {
				return err
			}

			router, err := persistence.NewRouter(logger, descriptors...)
			if err != nil {
				return err
			}
			defer router.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			failures := 0
			for _, desc := range descriptors {
				if _, err := router.Pool(ctx, desc.Tenant); err != nil {
					failures++
					cmd.Printf("%s\tFAIL\t%v\n", desc.Tenant, err)
					continue
				}
				cmd.Printf("%s\tOK\n", desc.Tenant)
			}

			if failures > 0 {
				return fmt.Errorf("%d of %d tenants unreachable", failures, len(descriptors))
			}
			return nil
		},
	}

	c.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout for the ping run")
	return c
}
