package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the autonomous workflow: analyze, detect, plan, execute, evaluate",
	Long: `Run the whole pipeline once against a workspace.

Ctrl+C aborts the plan: running activities finish, the rest fail as aborted,
and the partial run is still evaluated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := constraintsFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		e, err := newEngine(ctx, b)
		if err != nil {
			return err
		}

		logger.Info("autonomous workflow starting",
			zap.String("workspace_id", workspace),
			zap.String("backend", cfg.Backend),
			zap.Bool("queue", useQueue),
		)
		res := e.RunAutonomousWorkflow(ctx, workspace, c)
		return report(res, res.Result)
	},
}

func init() {
	addConstraintFlags(runCmd)
}
