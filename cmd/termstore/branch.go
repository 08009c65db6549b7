package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

func (c *cli) branchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Manage branches",
		Long:  `Create, inspect, rebase or delete branches of the revision store.`,
	}
	cmd.AddCommand(
		c.branchCreateCmd(),
		c.branchGetCmd(),
		c.branchChildrenCmd(),
		c.branchListCmd(),
		c.branchDeleteCmd(),
		c.branchRebaseCmd(),
		c.branchLogCmd(),
	)
	return cmd
}

func (c *cli) branchCreateCmd() *cobra.Command {
	var metadata []string
	cmd := &cobra.Command{
		Use:   "create [parent] [name]",
		Short: "Create a branch off the head of its parent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			b, err := c.app.branches.Create(cmd.Context(), args[0], args[1], meta)
			if err != nil {
				return err
			}
			printBranch(cmd, b)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&metadata, "meta", "m", nil, "Branch metadata as key=value (repeatable)")
	return cmd
}

func (c *cli) branchGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [path]",
		Short: "Show a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.app.branches.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printBranch(cmd, b)
			return nil
		},
	}
}

func (c *cli) branchChildrenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "children [path]",
		Short: "List the active children of a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			children, err := c.app.branches.Children(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, b := range children {
				printBranchLine(cmd, b)
			}
			return nil
		},
	}
}

func (c *cli) branchListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			branches, err := c.app.branches.List(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(branches, func(i, j int) bool { return branches[i].Path < branches[j].Path })
			for _, b := range branches {
				if !all && !b.Active() {
					continue
				}
				printBranchLine(cmd, b)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include deleted branches")
	return cmd
}

func (c *cli) branchDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [path]",
		Short: "Delete a branch without active children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.branches.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) branchRebaseCmd() *cobra.Command {
	var base int64
	cmd := &cobra.Command{
		Use:   "rebase [path]",
		Short: "Move the base of a branch forward on its parent",
		Long: `Moves the base of a branch to a later timestamp of its parent, the parent
head by default. The branch must have no commits after the new base.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if base == 0 {
				b, err := c.app.branches.Get(ctx, args[0])
				if err != nil {
					return err
				}
				parent, err := c.app.branches.Get(ctx, b.Parent)
				if err != nil {
					return err
				}
				base = parent.Head
			}
			b, err := c.app.branches.Rebase(ctx, args[0], base)
			if err != nil {
				return err
			}
			printBranch(cmd, b)
			return nil
		},
	}
	cmd.Flags().Int64Var(&base, "base", 0, "New base timestamp in epoch millis (default: parent head)")
	return cmd
}

func (c *cli) branchLogCmd() *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "log [path]",
		Short: "List the commits of a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := c.app.branches.Get(ctx, args[0])
			if err != nil {
				return err
			}
			end := to
			if end == 0 {
				end = b.Head
			}
			commits, err := c.app.commits.List(ctx, b.Path, from, end)
			if err != nil {
				return err
			}
			for _, cm := range commits {
				cmd.Printf("%d  %s  %s", cm.Timestamp, cm.ID, cm.Author)
				if cm.IsMerge() {
					cmd.Printf("  merge from %s@%d", cm.MergeSource, cm.MergeSourceHead)
				}
				cmd.Printf("  (%d changes)", len(cm.Changes))
				if cm.Comment != "" {
					cmd.Printf("  %s", cm.Comment)
				}
				cmd.Println()
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "List commits after this timestamp")
	cmd.Flags().Int64Var(&to, "to", 0, "List commits up to this timestamp (default: head)")
	return cmd
}

func printBranch(cmd *cobra.Command, b *domain.Branch) {
	cmd.Printf("Branch: %s\n", b.Path)
	if b.Parent != "" {
		cmd.Printf("  Parent:  %s\n", b.Parent)
	}
	cmd.Printf("  Base:    %d\n", b.Base)
	cmd.Printf("  Head:    %d\n", b.Head)
	cmd.Printf("  State:   %s\n", b.State)
	cmd.Printf("  Created: %d\n", b.CreatedAt)
	if len(b.Metadata) > 0 {
		keys := make([]string, 0, len(b.Metadata))
		for k := range b.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Println("  Metadata:")
		for _, k := range keys {
			cmd.Printf("    %s: %s\n", k, b.Metadata[k])
		}
	}
}

func printBranchLine(cmd *cobra.Command, b *domain.Branch) {
	cmd.Printf("%-40s base=%d head=%d %s\n", b.Path, b.Base, b.Head, b.State)
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: metadata %q is not key=value", domain.ErrValidation, p)
		}
		meta[k] = v
	}
	return meta, nil
}
