package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"canopy/api/internal/app"
	"canopy/api/internal/config"
)

// withService opens the configured storage read-only in spirit: no
// migrations and no side services.
func withService(cmd *cobra.Command, fn func(svc *app.Service) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := cliLogger(cfg)
	storage, err := app.OpenStorage(cmd.Context(), cfg, false, log)
	if err != nil {
		return err
	}
	defer storage.Close()
	return fn(app.New(cfg, app.Deps{Store: storage.Store, Logger: log}))
}

func newTreeCmd() *cobra.Command {
	var (
		spaceID string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the live page tree of a space",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc *app.Service) error {
				tree, err := svc.PageTree(cmd.Context(), spaceID)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(tree)
				}
				printTree(cmd.OutOrStdout(), tree, 0)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&spaceID, "space", "", "Space ID (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the tree as JSON")
	_ = cmd.MarkFlagRequired("space")
	return cmd
}

func printTree(w io.Writer, nodes []*app.TreeNode, depth int) {
	for _, node := range nodes {
		title := node.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%s%s  [%s] %s\n", strings.Repeat("  ", depth), title, node.Position, node.ID)
		printTree(w, node.Children, depth+1)
	}
}

func newPositionsCmd() *cobra.Command {
	var spaceID string
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Report sibling groups whose pages share a position key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc *app.Service) error {
				dupes, err := svc.CheckPositions(cmd.Context(), spaceID)
				if err != nil {
					return err
				}
				if len(dupes) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no duplicate positions")
					return nil
				}
				for _, group := range dupes {
					parent := "(root)"
					if group.ParentPageID != nil {
						parent = *group.ParentPageID
					}
					fmt.Fprintf(cmd.OutOrStdout(), "parent %s position %s: %s\n", parent, group.Position, strings.Join(group.PageIDs, ", "))
				}
				return fmt.Errorf("%d sibling groups share a position", len(dupes))
			})
		},
	}
	cmd.Flags().StringVar(&spaceID, "space", "", "Space ID (required)")
	_ = cmd.MarkFlagRequired("space")
	return cmd
}
