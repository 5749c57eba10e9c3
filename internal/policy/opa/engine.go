package opa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/policy"
)

const (
	appsQuery = "data.ktime.apps.decision"

	// DefaultCacheSize bounds the number of memoized app decisions.
	DefaultCacheSize = 512

	evalTimeout = 50 * time.Millisecond
)

// Engine decides apps with rego policies loaded from a directory.
// It implements policy.AppRules and is safe for concurrent use.
type Engine struct {
	policyDir string
	cacheSize int
	logger    zerolog.Logger

	mu        sync.RWMutex
	appsQuery rego.PreparedEvalQuery
	modules   map[string]*ast.Module
	decisions *lru.Cache[string, policy.AppDecision]
}

// NewEngine loads and compiles every .rego file of policyDir.
func NewEngine(policyDir string, cacheSize int, logger zerolog.Logger) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	e := &Engine{
		policyDir: policyDir,
		cacheSize: cacheSize,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := e.load(); err != nil {
		return nil, err
	}

	e.logger.Info().Str("policy_dir", policyDir).Int("modules", len(e.modules)).Msg("OPA engine initialized")
	return e, nil
}

func (e *Engine) load() error {
	modules, err := loadPolicies(e.policyDir, e.logger)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	opts := make([]func(*rego.Rego), 0, len(modules)+1)
	opts = append(opts, rego.Query(appsQuery))
	for file, module := range modules {
		opts = append(opts, rego.ParsedModule(module))
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare apps query: %w", err)
	}

	decisions, err := lru.New[string, policy.AppDecision](e.cacheSize)
	if err != nil {
		return fmt.Errorf("failed to create decision cache: %w", err)
	}

	e.mu.Lock()
	e.modules = modules
	e.appsQuery = query
	e.decisions = decisions
	e.mu.Unlock()
	return nil
}

// loadPolicies parses all .rego files in dir.
func loadPolicies(dir string, logger zerolog.Logger) (map[string]*ast.Module, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", dir)
	}

	logger.Info().Int("count", len(files)).Msg("Loading policy files")

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}
		modules[file] = module
	}
	return modules, nil
}

// Evaluate runs the apps query for one app.
func (e *Engine) Evaluate(ctx context.Context, packageName, activityName string) (policy.AppDecision, error) {
	e.mu.RLock()
	query := e.appsQuery
	e.mu.RUnlock()

	input := map[string]interface{}{
		"package_name": packageName,
		"activity":     activityName,
	}

	startTime := time.Now()
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return policy.AppDecisionDefault, fmt.Errorf("apps query evaluation failed: %w", err)
	}
	e.logger.Debug().Dur("duration", time.Since(startTime)).Str("package", packageName).Msg("Apps query evaluated")

	// An undefined decision means the policy has no opinion.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return policy.AppDecisionDefault, nil
	}

	value, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return policy.AppDecisionDefault, fmt.Errorf("app decision is not a string: %T", results[0].Expressions[0].Value)
	}

	var decision policy.AppDecision
	if err := decision.UnmarshalText([]byte(value)); err != nil {
		return policy.AppDecisionDefault, err
	}
	return decision, nil
}

// Decide implements policy.AppRules. Decisions are memoized until the next
// Reload; evaluation errors are logged and yield the default decision.
func (e *Engine) Decide(packageName, activityName string) policy.AppDecision {
	key := packageName + ":" + activityName

	e.mu.RLock()
	decisions := e.decisions
	e.mu.RUnlock()

	if d, ok := decisions.Get(key); ok {
		metrics.AppDecisionCacheHits.Inc()
		return d
	}
	metrics.AppDecisionCacheMisses.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	d, err := e.Evaluate(ctx, packageName, activityName)
	if err != nil {
		e.logger.Error().Err(err).Str("package", packageName).Msg("App policy evaluation failed, using default decision")
		return policy.AppDecisionDefault
	}
	decisions.Add(key, d)
	return d
}

// Reload re-reads the policies from disk. On failure the previous policies
// stay in effect.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policies")

	if err := e.load(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	e.logger.Info().Msg("OPA policies reloaded successfully")
	return nil
}
