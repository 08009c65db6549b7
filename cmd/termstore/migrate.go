package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

func (c *cli) migrateCmd() *cobra.Command {
	var (
		docType string
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bring index generations in line with the declared types",
		Long: `Compares every registered document type with its active index generation and
migrates the types whose schema changed. Safe to run on every startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m := c.app.migrator

			if dryRun {
				types := []string{docType}
				if docType == "" {
					types = types[:0]
					for _, s := range c.app.registry.AllRegisteredTypes() {
						types = append(types, s.Type)
					}
				}
				for _, t := range types {
					plan, err := m.Plan(ctx, t)
					if err != nil {
						return err
					}
					printPlan(cmd, plan)
				}
				return nil
			}

			var results []*domain.MigrationResult
			if docType != "" {
				res, err := m.Migrate(ctx, docType)
				if err != nil {
					return err
				}
				results = append(results, res)
			} else {
				all, err := m.MigrateAll(ctx)
				if err != nil {
					return err
				}
				results = all
			}
			for _, r := range results {
				printMigration(cmd, r)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&docType, "type", "t", "", "Migrate a single document type")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print migration plans without applying them")
	return cmd
}

func printPlan(cmd *cobra.Command, plan *domain.MigrationPlan) {
	if plan.IsNoop() {
		cmd.Printf("%s: up to date (%s)\n", plan.Type, plan.FromIndex)
		return
	}
	from := plan.FromIndex
	if from == "" {
		from = "none"
	}
	cmd.Printf("%s: %s -> %s\n", plan.Type, from, plan.ToIndex)
	for _, ch := range plan.Changes {
		cmd.Printf("  %s\n", ch)
	}
}

func printMigration(cmd *cobra.Command, r *domain.MigrationResult) {
	if r.Noop {
		cmd.Printf("%s: up to date (%s)\n", r.Type, r.Index)
		return
	}
	line := fmt.Sprintf("%s: generation %d (%s), copied %d, caught up %d", r.Type, r.Generation, r.Index, r.Copied, r.CaughtUp)
	if r.RetiredIndex != "" {
		line += ", retired " + r.RetiredIndex
	}
	cmd.Println(line)
}
