package cli

import (
	"context"
	"fmt"

	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/sbenjam1n/kgap/internal/validator"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [item-id]",
	Short: "Run Tier 0 + Tier 1 validation against the records of a workspace",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		corpus, err := b.store.Load(ctx, workspace)
		if err != nil {
			return fmt.Errorf("load corpus: %w", err)
		}

		v := validator.New()
		passed, failed := 0, 0
		found := false
		for _, it := range corpus.Items() {
			if len(args) == 1 && it.ID != args[0] {
				continue
			}
			found = true
			result := v.ValidateItem(it)
			if result.Passed {
				passed++
				for _, w := range result.Warnings {
					fmt.Printf("WARN %s: %s\n", it.ID, w)
				}
				continue
			}
			failed++
			fmt.Printf("FAIL %s: %s\n", it.ID, formatValidationResult(result))
		}
		if len(args) == 1 && !found {
			return fmt.Errorf("item '%s' not found in workspace %s", args[0], workspace)
		}

		fmt.Printf("\n%d passed, %d failed\n", passed, failed)
		if failed > 0 {
			return fmt.Errorf("%d record(s) failed validation", failed)
		}
		return nil
	},
}

func formatValidationResult(r knowledge.ValidationResult) string {
	if r.Passed {
		return "PASSED"
	}
	result := fmt.Sprintf("FAILED (code %d): %s", r.Code, r.Message)
	for _, d := range r.Details {
		if !d.Passed && d.Fix != "" {
			result += fmt.Sprintf("\n    Fix: %s", d.Fix)
		}
	}
	return result
}
