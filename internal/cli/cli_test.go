package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sbenjam1n/kgap/internal/config"
	"github.com/sbenjam1n/kgap/internal/repository"
	"github.com/spf13/cobra"
)

func withConfig(t *testing.T) {
	t.Helper()
	old := cfg
	cfg = &config.Config{Backend: config.BackendMemory, Engine: config.DefaultEngine()}
	t.Cleanup(func() { cfg = old })
}

func constraintsCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addConstraintFlags(cmd)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags(%v): %v", args, err)
	}
	return cmd
}

func TestConstraintsFromFlags(t *testing.T) {
	withConfig(t)

	c, err := constraintsFromFlags(constraintsCmd(t))
	if err != nil {
		t.Fatalf("no flags: %v", err)
	}
	if c.Budget != nil || c.Policy != "" || c.MaxPlanSize != 0 {
		t.Errorf("no flags gave overrides: %+v", c)
	}

	c, err = constraintsFromFlags(constraintsCmd(t, "--policy", "roi", "--max-size", "3", "--budget-time", "7"))
	if err != nil {
		t.Fatalf("with flags: %v", err)
	}
	if c.Policy != "roi" || c.MaxPlanSize != 3 {
		t.Errorf("got policy %q size %d", c.Policy, c.MaxPlanSize)
	}
	if c.Budget == nil {
		t.Fatal("budget override missing")
	}
	want := cfg.Engine.Planning.Budget
	want.Time = 7
	if *c.Budget != want {
		t.Errorf("budget = %+v, want %+v", *c.Budget, want)
	}

	if _, err := constraintsFromFlags(constraintsCmd(t, "--max-size", "-1")); err == nil {
		t.Error("negative --max-size accepted")
	}
}

func TestOpenBackendRejectsUnknown(t *testing.T) {
	withConfig(t)
	cfg.Backend = "mongo"
	if _, err := openBackend(t.Context()); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestInitFS(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	if err := initFS(dir); err != nil {
		t.Fatalf("initFS: %v", err)
	}
	for _, sub := range []string{repository.DirDecisions, repository.DirPatterns, repository.DirNotes} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Errorf("%s/ not created: %v", sub, err)
		}
	}
	patterns := repository.ParseIgnore(dir)
	if len(patterns) == 0 {
		t.Error(".kgapignore has no patterns")
	}

	// A second run keeps the existing ignore file.
	custom := []byte("only.md\n")
	if err := os.WriteFile(filepath.Join(dir, repository.IgnoreFile), custom, 0644); err != nil {
		t.Fatal(err)
	}
	if err := initFS(dir); err != nil {
		t.Fatalf("initFS again: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(dir, repository.IgnoreFile))
	if string(got) != string(custom) {
		t.Errorf(".kgapignore overwritten: %q", got)
	}
}
