package auditcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	auditrepo "github.com/tesseradata/tessera/domains/audit/be/repo"
	auditservice "github.com/tesseradata/tessera/domains/audit/be/service"
	"github.com/tesseradata/tessera/platform/go/config"
	"github.com/tesseradata/tessera/platform/go/logging"
	"github.com/tesseradata/tessera/platform/go/persistence"
	"github.com/tesseradata/tessera/platform/go/tenant"
)

// Command groups audit trail helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail utilities",
	}

	cmd.AddCommand(tailCommand())
	return cmd
}

func tailCommand() *cobra.Command {
	var (
		limit  int
		entity string
	)

	c := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuditTenant == "" {
				return fmt.Errorf("AUDIT_TENANT is required for audit commands")
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

			coord := persistence.NewCoordinator(persistence.CoordinatorConfig{
				Router: router,
				Logger: logger,
			})

			repo, err := auditrepo.NewRepository(coord, tenant.ID(cfg.AuditTenant))
			if err != nil {
				return err
			}
			svc := auditservice.New(repo)

			opts := auditservice.ListOptions{Page: 1, PageSize: limit}
			if entity != "" {
				opts.Entity = &entity
			}

			result, err := svc.List(cmd.Context(), opts)
			if err != nil {
				return err
			}

			for _, e := range result.Entries {
				cmd.Printf("%s\t%s\t%s\t%s/%s\t%v\n",
					e.CommittedAt.Format("2006-01-02T15:04:05Z07:00"),
					e.Actor, e.Action, e.Entity, e.EntityID, e.Tenants)
			}
			cmd.Printf("%d of %d entries\n", len(result.Entries), result.TotalItems)
			return nil
		},
	}

	c.Flags().IntVar(&limit, "limit", 20, "number of entries to print")
	c.Flags().StringVar(&entity, "entity", "", "filter by entity")
	return c
}
