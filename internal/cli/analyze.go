package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Snapshot the knowledge state of a workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		e, err := newEngine(ctx, b)
		if err != nil {
			return err
		}
		res := e.AnalyzeKnowledgeState(ctx, workspace)
		return report(res, res.Result)
	},
}

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Detect knowledge gaps in a workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		e, err := newEngine(ctx, b)
		if err != nil {
			return err
		}
		res := e.IdentifyWorkspaceGaps(ctx, workspace)
		return report(res, res.Result)
	},
}
