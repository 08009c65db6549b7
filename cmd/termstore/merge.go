package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driving"
)

func (c *cli) mergeCmd() *cobra.Command {
	var req driving.MergeRequest
	cmd := &cobra.Command{
		Use:   "merge [source] [target]",
		Short: "Merge the changes of a branch into its parent or child",
		Long: `Replays the changes made on source since the last merge point onto target.
Source and target must be parent and child. Conflicting documents abort the
merge and are listed; nothing is written in that case.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.app.ensureIndices(ctx); err != nil {
				return err
			}
			req.Source, req.Target = args[0], args[1]
			res, err := c.app.merges.Merge(ctx, req)
			var conflict *domain.MergeConflictError
			if errors.As(err, &conflict) {
				cmd.Printf("Merge of %s into %s conflicts on %d documents:\n", conflict.Source, conflict.Target, len(conflict.IDs))
				for _, id := range conflict.IDs {
					cmd.Printf("  %s\n", id)
				}
				return err
			}
			if err != nil {
				return err
			}
			if res.AffectedCount == 0 {
				cmd.Printf("%s is up to date with %s\n", req.Target, req.Source)
				return nil
			}
			cmd.Printf("Merged %d documents into %s in %d commits, head %d\n",
				res.AffectedCount, res.BranchPath, len(res.CommitIDs), res.HeadTimestamp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&req.Squash, "squash", false, "Write a single commit on the target")
	cmd.Flags().StringVar(&req.UserID, "author", "termstore", "Author recorded on the merge commits")
	cmd.Flags().StringVarP(&req.Comment, "comment", "m", "", "Comment recorded on the merge commits")
	return cmd
}
