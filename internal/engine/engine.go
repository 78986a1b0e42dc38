// Package engine is the caller-facing surface of the gap pipeline. Every
// operation returns a result carrying Success and a reason on failure; no
// error or panic crosses this boundary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sbenjam1n/kgap/internal/analyzer"
	"github.com/sbenjam1n/kgap/internal/config"
	"github.com/sbenjam1n/kgap/internal/detector"
	"github.com/sbenjam1n/kgap/internal/evaluator"
	"github.com/sbenjam1n/kgap/internal/executor"
	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/sbenjam1n/kgap/internal/logging"
	"github.com/sbenjam1n/kgap/internal/planner"
	"github.com/sbenjam1n/kgap/internal/repository"
	"github.com/sbenjam1n/kgap/internal/siblings"
	"github.com/sbenjam1n/kgap/internal/validator"
	"go.uber.org/zap"
)

// Error kinds reported in Result.Kind.
const (
	KindStructural = "structural"
	KindValidation = "validation"
	KindResource   = "resource_infeasible"
	KindActivity   = "activity"
	KindSibling    = "sibling"
	KindPanic      = "panic"
	KindInternal   = "internal"
)

// ModeAutonomous is the session mode of RunAutonomousWorkflow.
const ModeAutonomous = "autonomous"

// Result is embedded in every engine result.
type Result struct {
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
	Kind     string   `json:"error_kind,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Result) fail(err error) {
	r.Success = false
	r.Error = err.Error()
	r.Kind = classify(err)
}

// AnalyzeResult carries a snapshot.
type AnalyzeResult struct {
	Result
	Snapshot *knowledge.Snapshot `json:"snapshot,omitempty"`
}

// GapsResult carries the validated gaps and the diagnostics of rejected
// candidates.
type GapsResult struct {
	Result
	Gaps        []knowledge.Gap `json:"gaps"`
	Diagnostics []string        `json:"diagnostics,omitempty"`
}

// PlanResult carries a plan.
type PlanResult struct {
	Result
	Plan *knowledge.Plan `json:"plan,omitempty"`
}

// ExecuteResult carries the outcome of a plan run.
type ExecuteResult struct {
	Result
	Execution *knowledge.ExecutionResult `json:"execution,omitempty"`
}

// EvaluateResult carries an impact evaluation.
type EvaluateResult struct {
	Result
	Evaluation *knowledge.ImpactEvaluation `json:"evaluation,omitempty"`
}

// WorkflowResult carries every artifact of an autonomous run. Stage names
// the last stage reached.
type WorkflowResult struct {
	Result
	Stage      string                      `json:"stage"`
	Token      string                      `json:"continuity_token,omitempty"`
	Before     *knowledge.Snapshot         `json:"before,omitempty"`
	Gaps       []knowledge.Gap             `json:"gaps,omitempty"`
	Plan       *knowledge.Plan             `json:"plan,omitempty"`
	Execution  *knowledge.ExecutionResult  `json:"execution,omitempty"`
	After      *knowledge.Snapshot         `json:"after,omitempty"`
	Evaluation *knowledge.ImpactEvaluation `json:"evaluation,omitempty"`
}

// Workflow stages.
const (
	StageRegister = "register"
	StageAnalyze  = "analyze"
	StageIdentify = "identify"
	StagePlan     = "plan"
	StageExecute  = "execute"
	StageEvaluate = "evaluate"
)

// Options configures the pipeline components.
type Options struct {
	Analyzer analyzer.Options
	Detector detector.Options
	Planner  planner.Options
	Executor executor.Options
}

// OptionsFromConfig maps the engine configuration onto component options.
func OptionsFromConfig(e config.Engine) Options {
	lanes := 1
	if e.Planning.ParallelTimeline {
		lanes = e.Execution.MaxConcurrentActivities
	}
	return Options{
		Analyzer: analyzer.Options{
			Expected:       e.Coverage.Expected,
			DefaultMinimum: e.Coverage.DefaultMinimum,
			MinSharedTags:  e.Thresholds.MinSharedTags,
		},
		Detector: detector.Options{
			Strategies: e.GapTypes(),
			Thresholds: detector.Thresholds{
				ShallowRatio:          e.Thresholds.ShallowRatio,
				DepthMinItems:         e.Thresholds.DepthMinItems,
				FreshnessMaxAgeDays:   e.Thresholds.FreshnessMaxAgeDays,
				QualityMinScore:       e.Thresholds.QualityMinScore,
				RelationshipMinDegree: e.Thresholds.RelationshipMinDegree,
				UsageMaxUnusedRatio:   e.Thresholds.UsageMaxUnusedRatio,
			},
		},
		Planner: planner.Options{
			Policy:      e.Planning.Policy,
			MaxPlanSize: e.Planning.MaxPlanSize,
			Selection:   e.Planning.Selection,
			Budget:      e.Planning.Budget,
			Lanes:       lanes,
		},
		Executor: executor.Options{
			MaxConcurrentActivities: e.Execution.MaxConcurrentActivities,
			ActivityTimeout:         e.Execution.ActivityTimeout,
			UnitDuration:            e.Execution.UnitDuration,
		},
	}
}

// Deps are the collaborators of an Engine. Only Reader is required.
type Deps struct {
	Reader repository.Reader
	// Writer receives acquired items. Defaults to Reader when it also writes.
	Writer repository.Writer
	// Plans persists plans and evaluations when set.
	Plans    repository.PlanStore
	Siblings *siblings.Client
	// Runner overrides the default Runner.
	Runner executor.ActivityRunner
	Sink   executor.EventSink
}

// Engine wires the analyzer, detector, planner, executor and evaluator.
type Engine struct {
	reader    repository.Reader
	plans     repository.PlanStore
	siblings  *siblings.Client
	analyzer  *analyzer.Analyzer
	detector  *detector.Detector
	planner   *planner.Builder
	executor  *executor.Executor
	evaluator *evaluator.Evaluator
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a new Engine.
func New(deps Deps, opts Options, logger *zap.Logger) *Engine {
	logger = logging.OrNop(logger)
	if opts.Analyzer.Now == nil {
		opts.Analyzer.Now = time.Now
	}
	client := deps.Siblings
	if client == nil {
		client = siblings.NewLocalClient(nil, logger)
	}
	writer := deps.Writer
	if writer == nil {
		writer, _ = deps.Reader.(repository.Writer)
	}
	runner := deps.Runner
	if runner == nil {
		runner = NewRunner(deps.Reader, writer, client, logger)
	}
	if deps.Sink != nil {
		opts.Executor.Sink = deps.Sink
	}

	det := detector.New(opts.Detector, logger)
	return &Engine{
		reader:    deps.Reader,
		plans:     deps.Plans,
		siblings:  client,
		analyzer:  analyzer.New(opts.Analyzer, logger),
		detector:  det,
		planner:   planner.New(opts.Planner, logger),
		executor:  executor.New(runner, opts.Executor, logger),
		evaluator: evaluator.New(det, logger),
		now:       opts.Analyzer.Now,
		logger:    logger,
	}
}

// Executor exposes the executor so callers can Abort a running plan.
func (e *Engine) Executor() *executor.Executor { return e.executor }

// AnalyzeKnowledgeState loads the workspace corpus and builds a snapshot.
func (e *Engine) AnalyzeKnowledgeState(ctx context.Context, workspaceID string) (out AnalyzeResult) {
	defer e.guard("analyze", &out.Result)
	snap, err := e.analyze(ctx, workspaceID)
	if err != nil {
		out.fail(err)
		return out
	}
	out.Success = true
	out.Snapshot = snap
	return out
}

// IdentifyGaps runs the detection strategies over snap. Rejected candidates
// are reported in Diagnostics, with suggested validation patterns when the
// suggester has any.
func (e *Engine) IdentifyGaps(ctx context.Context, snap *knowledge.Snapshot) (out GapsResult) {
	defer e.guard("identify", &out.Result)
	report, err := e.detector.Detect(ctx, snap)
	if err != nil {
		out.fail(err)
		return out
	}
	out.Success = true
	out.Gaps = report.Gaps
	if out.Gaps == nil {
		out.Gaps = []knowledge.Gap{}
	}
	out.Diagnostics = report.Diagnostics()
	for _, rej := range report.Rejected {
		sug := e.siblings.Suggest(ctx, validationType(rej.Result.Code), map[string]string{"candidate_id": rej.CandidateID})
		for _, p := range sug.Patterns {
			out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("suggested pattern for %s: %s (%s)", rej.CandidateID, p.Name, p.Description))
		}
	}
	return out
}

// IdentifyWorkspaceGaps analyzes the workspace and identifies its gaps in one
// call.
func (e *Engine) IdentifyWorkspaceGaps(ctx context.Context, workspaceID string) GapsResult {
	snap := e.AnalyzeKnowledgeState(ctx, workspaceID)
	if !snap.Success {
		return GapsResult{Result: snap.Result}
	}
	return e.IdentifyGaps(ctx, snap.Snapshot)
}

// GeneratePlan builds a plan for gaps and saves it when a plan store is
// configured.
func (e *Engine) GeneratePlan(ctx context.Context, workspaceID string, gaps []knowledge.Gap, c planner.Constraints) (out PlanResult) {
	defer e.guard("plan", &out.Result)
	plan, err := e.planner.Build(workspaceID, gaps, c)
	if err != nil {
		out.fail(err)
		return out
	}
	if e.plans != nil {
		if err := e.plans.SavePlan(ctx, plan); err != nil {
			out.fail(fmt.Errorf("save plan: %w", err))
			return out
		}
	}
	out.Success = true
	out.Plan = plan
	return out
}

// ExecutePlan runs plan. The run itself succeeding is what Success reports:
// a plan whose activities failed still succeeds here with a failed status in
// Execution, unless it was aborted or halted.
func (e *Engine) ExecutePlan(ctx context.Context, plan *knowledge.Plan) (out ExecuteResult) {
	defer e.guard("execute", &out.Result)
	res, err := e.executor.Execute(ctx, plan)
	if err != nil {
		out.fail(err)
		return out
	}
	out.Execution = res
	out.Success = res.Status == knowledge.PlanCompleted
	if !out.Success {
		out.Error = fmt.Sprintf("plan %s finished %s", plan.ID, res.Status)
		out.Kind = KindActivity
	}
	out.Warnings = append(out.Warnings, res.Warnings...)
	if e.plans != nil {
		if err := e.plans.SavePlan(context.WithoutCancel(ctx), plan); err != nil {
			e.logger.Warn("could not save executed plan", zap.String("plan_id", plan.ID), zap.Error(err))
			out.Warnings = append(out.Warnings, fmt.Sprintf("save plan %s: %v", plan.ID, err))
		}
	}
	return out
}

// EvaluateImpact compares before and after for plan. The evaluation is saved
// when a plan store is configured.
func (e *Engine) EvaluateImpact(ctx context.Context, plan *knowledge.Plan, before, after *knowledge.Snapshot, exec *knowledge.ExecutionResult) (out EvaluateResult) {
	defer e.guard("evaluate", &out.Result)
	ev, err := e.evaluator.Evaluate(plan, before, after, exec)
	if err != nil {
		out.fail(err)
		return out
	}
	if e.plans != nil {
		if err := e.plans.SaveEvaluation(ctx, ev); err != nil {
			e.logger.Warn("could not save evaluation", zap.String("plan_id", plan.ID), zap.Error(err))
			out.Warnings = append(out.Warnings, fmt.Sprintf("save evaluation for plan %s: %v", plan.ID, err))
		}
	}
	out.Success = true
	out.Evaluation = ev
	return out
}

// RunAutonomousWorkflow runs the whole pipeline once: analyze, identify,
// plan, execute, analyze again and evaluate. A workspace with no gaps
// succeeds at the identify stage without a plan.
func (e *Engine) RunAutonomousWorkflow(ctx context.Context, workspaceID string, c planner.Constraints) (out WorkflowResult) {
	defer e.guard("workflow", &out.Result)

	out.Stage = StageRegister
	reg := e.siblings.Register(ctx, siblings.Session{WorkspaceID: workspaceID, Mode: ModeAutonomous, StartedAt: e.now()})
	if reg.Success {
		out.Token = reg.Token
	} else {
		out.Warnings = append(out.Warnings, reg.Error)
	}

	out.Stage = StageAnalyze
	before := e.AnalyzeKnowledgeState(ctx, workspaceID)
	if !before.Success {
		out.Result = merge(out.Result, before.Result)
		return out
	}
	out.Before = before.Snapshot

	out.Stage = StageIdentify
	gaps := e.IdentifyGaps(ctx, before.Snapshot)
	if !gaps.Success {
		out.Result = merge(out.Result, gaps.Result)
		return out
	}
	out.Gaps = gaps.Gaps
	out.Warnings = append(out.Warnings, gaps.Diagnostics...)
	if len(gaps.Gaps) == 0 {
		out.Success = true
		return out
	}

	out.Stage = StagePlan
	planned := e.GeneratePlan(ctx, workspaceID, gaps.Gaps, c)
	if !planned.Success {
		out.Result = merge(out.Result, planned.Result)
		return out
	}
	out.Plan = planned.Plan

	out.Stage = StageExecute
	executed := e.ExecutePlan(ctx, planned.Plan)
	out.Execution = executed.Execution
	out.Warnings = append(out.Warnings, executed.Warnings...)
	if executed.Execution == nil {
		out.Result = merge(out.Result, executed.Result)
		return out
	}

	// An aborted run is still evaluated.
	ctx = context.WithoutCancel(ctx)
	out.Stage = StageEvaluate
	after := e.AnalyzeKnowledgeState(ctx, workspaceID)
	if !after.Success {
		out.Result = merge(out.Result, after.Result)
		return out
	}
	out.After = after.Snapshot
	evaluated := e.EvaluateImpact(ctx, planned.Plan, before.Snapshot, after.Snapshot, executed.Execution)
	if !evaluated.Success {
		out.Result = merge(out.Result, evaluated.Result)
		return out
	}
	out.Evaluation = evaluated.Evaluation
	out.Warnings = append(out.Warnings, evaluated.Warnings...)

	out.Success = executed.Success
	out.Error, out.Kind = executed.Error, executed.Kind
	e.logger.Info("autonomous workflow finished",
		zap.String("workspace_id", workspaceID),
		zap.String("plan_id", planned.Plan.ID),
		zap.String("status", string(executed.Execution.Status)),
		zap.Float64("overall_impact", evaluated.Evaluation.OverallImpact),
	)
	return out
}

func (e *Engine) analyze(ctx context.Context, workspaceID string) (*knowledge.Snapshot, error) {
	if e.reader == nil {
		return nil, knowledge.NewStructuralError("analyzer", "no corpus reader configured")
	}
	corpus, err := e.reader.Load(ctx, workspaceID)
	if err != nil {
		return nil, &knowledge.StructuralError{Stage: "analyzer", Reason: "load corpus " + workspaceID, Err: err}
	}
	snap, err := e.analyzer.Analyze(corpus)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// guard turns a panic in stage into a failed result.
func (e *Engine) guard(stage string, res *Result) {
	if r := recover(); r != nil {
		e.logger.Error("panic in engine", zap.String("stage", stage), zap.Any("panic", r), zap.Stack("stack"))
		res.Success = false
		res.Error = fmt.Sprintf("%s: internal error: %v", stage, r)
		res.Kind = KindPanic
	}
}

// merge keeps the warnings gathered so far and takes the failure of next.
func merge(acc, next Result) Result {
	next.Warnings = append(acc.Warnings, next.Warnings...)
	return next
}

func classify(err error) string {
	var (
		se  *knowledge.StructuralError
		vr  *knowledge.ValidationRejection
		ri  *knowledge.ResourceInfeasibility
		af  *knowledge.ActivityFailure
		sib *knowledge.SiblingUnavailable
	)
	switch {
	case errors.As(err, &ri):
		return KindResource
	case errors.As(err, &vr):
		return KindValidation
	case errors.As(err, &af):
		return KindActivity
	case errors.As(err, &sib):
		return KindSibling
	case errors.As(err, &se):
		return KindStructural
	}
	return KindInternal
}

func validationType(code int) string {
	switch code {
	case validator.CodeSeverityRange, validator.CodeConfidenceRange:
		return "ranges"
	case validator.CodeMissingSummary:
		return "content"
	}
	return "required_fields"
}
