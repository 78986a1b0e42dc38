// Package siblings holds the contracts of the subsystems the engine calls
// on a best-effort basis, and a Client that never lets their failures
// escape as errors or panics.
package siblings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/sbenjam1n/kgap/internal/logging"
	"go.uber.org/zap"
)

// Sibling names used in results and logs.
const (
	NameApplier    = "applier"
	NameSuggester  = "pattern_suggester"
	NameSynthesize = "synthesizer"
	NameContinuity = "continuity"
)

var errNotConfigured = errors.New("not configured")

// Strategy is one way to apply knowledge to a gap.
type Strategy struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Pattern is a validation pattern suggested for a context.
type Pattern struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// Session describes the workflow a continuity token is issued for.
type Session struct {
	WorkspaceID string    `json:"workspace_id"`
	PlanID      string    `json:"plan_id,omitempty"`
	Mode        string    `json:"mode"`
	StartedAt   time.Time `json:"started_at"`
}

// Applier maps a gap to application strategies.
type Applier interface {
	Apply(ctx context.Context, gap knowledge.Gap) ([]Strategy, error)
}

// PatternSuggester proposes validation patterns.
type PatternSuggester interface {
	Suggest(ctx context.Context, validationType string, attrs map[string]string) ([]Pattern, error)
}

// Synthesizer produces a new knowledge item for a gap from related items.
type Synthesizer interface {
	Synthesize(ctx context.Context, gap knowledge.Gap, related []knowledge.Item) (knowledge.Item, error)
}

// ContinuityRegistrar issues a token that ties a session to later ones.
type ContinuityRegistrar interface {
	Register(ctx context.Context, s Session) (string, error)
}

// Result is the outcome every Client call reports.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ApplyResult carries the strategies of a successful Apply.
type ApplyResult struct {
	Result
	Strategies []Strategy `json:"strategies,omitempty"`
}

// SuggestResult carries the patterns of a successful Suggest.
type SuggestResult struct {
	Result
	Patterns []Pattern `json:"patterns,omitempty"`
}

// SynthesizeResult carries the item of a successful Synthesize.
type SynthesizeResult struct {
	Result
	Item knowledge.Item `json:"item"`
}

// RegisterResult carries the token of a successful Register.
type RegisterResult struct {
	Result
	Token string `json:"token,omitempty"`
}

// Client fronts the sibling subsystems. Any of them may be nil.
type Client struct {
	Applier    Applier
	Suggester  PatternSuggester
	Synth      Synthesizer
	Continuity ContinuityRegistrar

	logger *zap.Logger
}

// NewClient creates a new Client.
func NewClient(a Applier, p PatternSuggester, s Synthesizer, c ContinuityRegistrar, logger *zap.Logger) *Client {
	return &Client{Applier: a, Suggester: p, Synth: s, Continuity: c, logger: logging.OrNop(logger)}
}

// NewLocalClient wires the built-in implementations, with continuity backed
// by registrar.
func NewLocalClient(registrar ContinuityRegistrar, logger *zap.Logger) *Client {
	if registrar == nil {
		registrar = LocalRegistrar{}
	}
	return NewClient(LocalApplier{}, LocalSuggester{}, NewLocalSynthesizer(nil), registrar, logger)
}

// Apply asks the applier for strategies for gap.
func (c *Client) Apply(ctx context.Context, gap knowledge.Gap) ApplyResult {
	var out ApplyResult
	out.Result = c.call(NameApplier, c.Applier == nil, func() error {
		s, err := c.Applier.Apply(ctx, gap)
		out.Strategies = s
		return err
	})
	return out
}

// Suggest asks the suggester for patterns.
func (c *Client) Suggest(ctx context.Context, validationType string, attrs map[string]string) SuggestResult {
	var out SuggestResult
	out.Result = c.call(NameSuggester, c.Suggester == nil, func() error {
		p, err := c.Suggester.Suggest(ctx, validationType, attrs)
		out.Patterns = p
		return err
	})
	return out
}

// Synthesize asks the synthesizer for a new item.
func (c *Client) Synthesize(ctx context.Context, gap knowledge.Gap, related []knowledge.Item) SynthesizeResult {
	var out SynthesizeResult
	out.Result = c.call(NameSynthesize, c.Synth == nil, func() error {
		it, err := c.Synth.Synthesize(ctx, gap, related)
		out.Item = it
		return err
	})
	return out
}

// Register asks the registrar for a continuity token.
func (c *Client) Register(ctx context.Context, s Session) RegisterResult {
	var out RegisterResult
	out.Result = c.call(NameContinuity, c.Continuity == nil, func() error {
		tok, err := c.Continuity.Register(ctx, s)
		out.Token = tok
		return err
	})
	return out
}

// call runs fn, turning a missing collaborator, an error or a panic into a
// failed Result.
func (c *Client) call(name string, missing bool, fn func() error) (res Result) {
	fail := func(err error) Result {
		su := &knowledge.SiblingUnavailable{Sibling: name, Err: err}
		c.logger.Warn("sibling call failed", zap.String("sibling", name), zap.Error(err))
		return Result{Success: false, Error: su.Error()}
	}
	if missing {
		return fail(errNotConfigured)
	}
	defer func() {
		if r := recover(); r != nil {
			res = fail(fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		return fail(err)
	}
	return Result{Success: true}
}
