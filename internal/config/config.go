package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sbenjam1n/kgap/internal/knowledge"
	"gopkg.in/yaml.v3"
)

// Backends understood by the CLI.
const (
	BackendMemory   = "memory"
	BackendFS       = "fs"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds all configuration for the kgap CLI.
type Config struct {
	DatabaseURL    string
	RedisURL       string
	CorpusRoot     string
	Backend        string
	SQLitePath     string
	LogLevel       string
	LogDevelopment bool
	EngineFile     string
	Engine         Engine
}

// Engine holds the tuning knobs of the analysis, planning and execution
// pipeline. It is usually read from a YAML file.
type Engine struct {
	Coverage   Coverage   `yaml:"coverage"`
	Strategies []string   `yaml:"strategies"`
	Thresholds Thresholds `yaml:"thresholds"`
	Planning   Planning   `yaml:"planning"`
	Execution  Execution  `yaml:"execution"`
}

// Coverage declares how many items each domain is expected to hold.
type Coverage struct {
	Expected       map[string]int `yaml:"expected"`
	DefaultMinimum int            `yaml:"default_minimum"`
}

// Thresholds parameterize the detection strategies and relationship inference.
type Thresholds struct {
	MinSharedTags         int     `yaml:"min_shared_tags"`
	ShallowRatio          float64 `yaml:"shallow_ratio"`
	DepthMinItems         int     `yaml:"depth_min_items"`
	FreshnessMaxAgeDays   int     `yaml:"freshness_max_age_days"`
	QualityMinScore       float64 `yaml:"quality_min_score"`
	RelationshipMinDegree float64 `yaml:"relationship_min_degree"`
	UsageMaxUnusedRatio   float64 `yaml:"usage_max_unused_ratio"`
}

// Planning configures the plan builder.
type Planning struct {
	Policy           string              `yaml:"policy"`
	MaxPlanSize      int                 `yaml:"max_plan_size"`
	Selection        string              `yaml:"selection"`
	ParallelTimeline bool                `yaml:"parallel_timeline"`
	Budget           knowledge.Resources `yaml:"budget"`
}

// Execution configures the plan executor.
type Execution struct {
	MaxConcurrentActivities int           `yaml:"max_concurrent_activities"`
	ActivityTimeout         time.Duration `yaml:"activity_timeout"`
	UnitDuration            time.Duration `yaml:"unit_duration"`
}

// DefaultEngine returns the engine defaults.
func DefaultEngine() Engine {
	strategies := make([]string, len(knowledge.GapTypes))
	for i, gt := range knowledge.GapTypes {
		strategies[i] = string(gt)
	}
	return Engine{
		Coverage: Coverage{
			Expected:       map[string]int{},
			DefaultMinimum: 3,
		},
		Strategies: strategies,
		Thresholds: Thresholds{
			MinSharedTags:         2,
			ShallowRatio:          0.5,
			DepthMinItems:         2,
			FreshnessMaxAgeDays:   90,
			QualityMinScore:       2.0,
			RelationshipMinDegree: 1.0,
			UsageMaxUnusedRatio:   0.6,
		},
		Planning: Planning{
			Policy:      "impact",
			MaxPlanSize: 10,
			Selection:   "prefix",
			Budget:      knowledge.Resources{Time: 40, Computational: 40, Interactive: 20},
		},
		Execution: Execution{
			MaxConcurrentActivities: 1,
			ActivityTimeout:         30 * time.Second,
			UnitDuration:            time.Second,
		},
	}
}

// Load reads configuration from environment variables with sensible defaults,
// then overlays the engine file named by KGAP_CONFIG if one is set.
func Load() (*Config, error) {
	corpusRoot, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	cfg := &Config{
		DatabaseURL:    getEnv("KGAP_DATABASE_URL", "postgres://localhost:5432/kgap?sslmode=disable"),
		RedisURL:       getEnv("KGAP_REDIS_URL", "redis://localhost:6379/0"),
		CorpusRoot:     getEnv("KGAP_CORPUS_ROOT", corpusRoot),
		Backend:        getEnv("KGAP_BACKEND", BackendFS),
		SQLitePath:     getEnv("KGAP_SQLITE_PATH", "kgap.db"),
		LogLevel:       getEnv("KGAP_LOG_LEVEL", "info"),
		LogDevelopment: getEnv("KGAP_LOG_DEV", "") == "1",
		EngineFile:     getEnv("KGAP_CONFIG", ""),
		Engine:         DefaultEngine(),
	}

	if cfg.EngineFile != "" {
		engine, err := LoadEngineFile(cfg.EngineFile)
		if err != nil {
			return nil, err
		}
		cfg.Engine = engine
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEngineFile reads an engine YAML file on top of DefaultEngine. Keys the
// file omits keep their default values.
func LoadEngineFile(path string) (Engine, error) {
	engine := DefaultEngine()
	data, err := os.ReadFile(path)
	if err != nil {
		return engine, fmt.Errorf("read engine config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &engine); err != nil {
		return engine, fmt.Errorf("parse engine config %s: %w", path, err)
	}
	if engine.Coverage.Expected == nil {
		engine.Coverage.Expected = map[string]int{}
	}
	return engine, nil
}

// Validate rejects settings the pipeline cannot run with.
func (e Engine) Validate() error {
	var errs []error
	if len(e.Strategies) == 0 {
		errs = append(errs, errors.New("strategies must name at least one gap type"))
	}
	for _, s := range e.Strategies {
		if _, err := knowledge.ParseGapType(strings.TrimSpace(s)); err != nil {
			errs = append(errs, fmt.Errorf("strategies: %w", err))
		}
	}
	switch e.Planning.Policy {
	case "impact", "effort", "roi":
	default:
		errs = append(errs, fmt.Errorf("planning.policy: unknown policy %q", e.Planning.Policy))
	}
	switch e.Planning.Selection {
	case "prefix", "knapsack":
	default:
		errs = append(errs, fmt.Errorf("planning.selection: unknown selection %q", e.Planning.Selection))
	}
	if e.Planning.MaxPlanSize <= 0 {
		errs = append(errs, errors.New("planning.max_plan_size must be positive"))
	}
	if e.Execution.MaxConcurrentActivities <= 0 {
		errs = append(errs, errors.New("execution.max_concurrent_activities must be positive"))
	}
	if e.Execution.ActivityTimeout < 0 {
		errs = append(errs, errors.New("execution.activity_timeout must not be negative"))
	}
	if e.Coverage.DefaultMinimum < 0 {
		errs = append(errs, errors.New("coverage.default_minimum must not be negative"))
	}
	for domain, n := range e.Coverage.Expected {
		if n < 0 {
			errs = append(errs, fmt.Errorf("coverage.expected[%s] must not be negative", domain))
		}
	}
	return errors.Join(errs...)
}

// GapTypes returns the enabled strategies as gap types.
func (e Engine) GapTypes() []knowledge.GapType {
	out := make([]knowledge.GapType, 0, len(e.Strategies))
	for _, s := range e.Strategies {
		if gt, err := knowledge.ParseGapType(strings.TrimSpace(s)); err == nil {
			out = append(out, gt)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
