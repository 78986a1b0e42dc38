package cli

import (
	"context"
	"fmt"

	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/sbenjam1n/kgap/internal/planner"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Acquisition plan management",
}

var planCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Detect gaps and build a plan that closes them within budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := constraintsFromFlags(cmd)
		if err != nil {
			return err
		}

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
		snap := e.AnalyzeKnowledgeState(ctx, workspace)
		if !snap.Success {
			return report(snap, snap.Result)
		}
		gaps := e.IdentifyGaps(ctx, snap.Snapshot)
		if !gaps.Success {
			return report(gaps, gaps.Result)
		}
		if len(gaps.Gaps) == 0 {
			return report(gaps, gaps.Result)
		}
		res := e.GeneratePlan(ctx, workspace, gaps.Gaps, c)
		return report(res, res.Result)
	},
}

var planShowCmd = &cobra.Command{
	Use:   "show [plan-id]",
	Short: "Show a saved plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		plan, err := b.plans.LoadPlan(ctx, args[0])
		if err != nil {
			return fmt.Errorf("plan '%s' not found: %w", args[0], err)
		}
		return printJSON(plan)
	},
}

var planExecuteCmd = &cobra.Command{
	Use:   "execute [plan-id]",
	Short: "Run a saved plan that has not been executed yet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		plan, err := b.plans.LoadPlan(ctx, args[0])
		if err != nil {
			return fmt.Errorf("plan '%s' not found: %w", args[0], err)
		}
		if plan.Status != knowledge.PlanCreated {
			return fmt.Errorf("plan '%s' is %s; only created plans can be executed", plan.ID, plan.Status)
		}

		e, err := newEngine(ctx, b)
		if err != nil {
			return err
		}
		before := e.AnalyzeKnowledgeState(ctx, plan.WorkspaceID)
		if !before.Success {
			return report(before, before.Result)
		}
		executed := e.ExecutePlan(ctx, plan)
		if executed.Execution == nil {
			return report(executed, executed.Result)
		}
		after := e.AnalyzeKnowledgeState(ctx, plan.WorkspaceID)
		if !after.Success {
			return report(after, after.Result)
		}
		evaluated := e.EvaluateImpact(ctx, plan, before.Snapshot, after.Snapshot, executed.Execution)

		out := struct {
			Execution  any `json:"execution"`
			Evaluation any `json:"evaluation"`
		}{executed, evaluated}
		if !evaluated.Success {
			return report(out, evaluated.Result)
		}
		return report(out, executed.Result)
	},
}

// constraintsFromFlags reads the per-run planning overrides. Budget flags
// left unset keep the configured budget.
func constraintsFromFlags(cmd *cobra.Command) (planner.Constraints, error) {
	var c planner.Constraints
	c.Policy, _ = cmd.Flags().GetString("policy")
	c.MaxPlanSize, _ = cmd.Flags().GetInt("max-size")
	if c.MaxPlanSize < 0 {
		return c, fmt.Errorf("--max-size must not be negative")
	}

	flags := cmd.Flags()
	if flags.Changed("budget-time") || flags.Changed("budget-computational") || flags.Changed("budget-interactive") {
		budget := cfg.Engine.Planning.Budget
		if flags.Changed("budget-time") {
			budget.Time, _ = flags.GetFloat64("budget-time")
		}
		if flags.Changed("budget-computational") {
			budget.Computational, _ = flags.GetFloat64("budget-computational")
		}
		if flags.Changed("budget-interactive") {
			budget.Interactive, _ = flags.GetFloat64("budget-interactive")
		}
		c.Budget = &budget
	}
	return c, nil
}

func addConstraintFlags(cmd *cobra.Command) {
	cmd.Flags().String("policy", "", "Prioritization policy: impact, effort or roi")
	cmd.Flags().Int("max-size", 0, "Maximum number of gaps in the plan")
	cmd.Flags().Float64("budget-time", 0, "Time budget")
	cmd.Flags().Float64("budget-computational", 0, "Computational budget")
	cmd.Flags().Float64("budget-interactive", 0, "Interactive budget")
}

func init() {
	addConstraintFlags(planCreateCmd)

	planCmd.AddCommand(planCreateCmd)
	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planExecuteCmd)
}
