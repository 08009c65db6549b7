package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/services"
)

func (c *cli) exportCmd() *cobra.Command {
	var (
		types    []string
		rangeArg string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the revisions committed in a range as JSON lines",
		Long: `Writes every revision created in (start, end] as one JSON object per line,
oldest first. Deletions appear as revisions with "deleted": true.

The range is "<start>...<end>" where each end is a branch path with an
optional @epochMillis, or a bare timestamp on the path of the other end:

  termstore export --type Concept --range MAIN@1700000000000...MAIN`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rng, err := domain.ParseRevisionRange(rangeArg)
			if err != nil {
				return err
			}
			if err := c.app.ensureIndices(ctx); err != nil {
				return err
			}
			if len(types) == 0 {
				for _, s := range c.app.registry.AllRegisteredTypes() {
					types = append(types, s.Type)
				}
			}

			release, err := c.app.locker.Acquire(ctx, services.ExportResource+rng.To.Path, 0)
			if err != nil {
				return err
			}
			defer release()

			enc := json.NewEncoder(cmd.OutOrStdout())
			total := 0
			for _, t := range types {
				n, err := c.exportType(cmd, enc, rng, t)
				total += n
				if err != nil {
					return fmt.Errorf("export %s: %w", t, err)
				}
			}
			c.app.logger.Info("export finished", "range", rng.String(), "revisions", total)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "Document types to export (default: all)")
	cmd.Flags().StringVarP(&rangeArg, "range", "r", "", "Revision range start...end")
	_ = cmd.MarkFlagRequired("range")
	return cmd
}

func (c *cli) exportType(cmd *cobra.Command, enc *json.Encoder, rng domain.RevisionRange, docType string) (int, error) {
	it, err := c.app.index.ReadRange(cmd.Context(), rng, docType)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	n := 0
	for it.Next(cmd.Context()) {
		if err := enc.Encode(it.Revision()); err != nil {
			return n, err
		}
		n++
	}
	return n, it.Err()
}
