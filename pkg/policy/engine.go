package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// Engine evaluates admission policies against resource definitions before
// stack operations execute. It implements engine.PolicyGate: error-severity
// violations come back from Check and reject the submission, warnings are
// logged and let it pass.
type Engine struct {
	logger *telemetry.Logger
	loader *Loader

	mu       sync.RWMutex
	policies map[string]*compiledPolicy
}

var _ engine.PolicyGate = (*Engine)(nil)

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine builds a policy engine with the builtin policies compiled. A nil
// logger discards output.
func NewEngine(logger *telemetry.Logger) (*Engine, error) {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	logger = logger.NewComponentLogger("policy")

	e := &Engine{
		logger:   logger,
		loader:   NewLoader(logger),
		policies: make(map[string]*compiledPolicy),
	}
	for _, p := range BuiltinPolicies() {
		cp, err := compilePolicy(context.Background(), p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile builtin policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}
	return e, nil
}

// compilePolicy parses the module and prepares its deny query for reuse.
func compilePolicy(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}

	query, err := rego.New(
		rego.Query(fmt.Sprintf("%s.deny", module.Package.Path)),
		rego.Module(p.Name, p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}

	return &compiledPolicy{policy: p, query: query}, nil
}

// Check evaluates every enabled policy against one resource definition.
// Evaluation failures reject the submission rather than skipping the policy.
func (e *Engine) Check(ctx context.Context, input engine.PolicyInput) ([]engine.PolicyViolation, error) {
	e.mu.RLock()
	active := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			active = append(active, cp)
		}
	}
	e.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool { return active[i].policy.Name < active[j].policy.Name })

	var violations []engine.PolicyViolation
	for _, cp := range active {
		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}

		for _, fnd := range decodeFindings(cp.policy, results) {
			if fnd.severity == SeverityError {
				violations = append(violations, engine.PolicyViolation{
					Policy:  cp.policy.Name,
					Message: fnd.message,
				})
				continue
			}
			e.logger.WithFields(map[string]interface{}{
				"policy":   cp.policy.Name,
				"stack":    input.StackName,
				"resource": input.Resource.Name,
			}).Warn(fnd.message)
		}
	}
	return violations, nil
}

// finding is one decoded deny entry.
type finding struct {
	severity Severity
	message  string
}

// decodeFindings flattens the deny sets of a result set. Entries are strings
// or objects carrying message and severity fields; anything else is kept
// verbatim at the policy's own severity.
func decodeFindings(p Policy, results rego.ResultSet) []finding {
	var findings []finding
	for _, result := range results {
		for _, expr := range result.Expressions {
			entries, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, entry := range entries {
				findings = append(findings, decodeFinding(p, entry))
			}
		}
	}
	return findings
}

func decodeFinding(p Policy, entry interface{}) finding {
	fnd := finding{severity: p.Severity, message: fmt.Sprintf("%v", entry)}
	switch v := entry.(type) {
	case string:
		fnd.message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			fnd.message = msg
		}
		if raw, ok := v["severity"].(string); ok {
			if sev, ok := ParseSeverity(raw); ok {
				fnd.severity = sev
			}
		}
	}
	return fnd
}

// LoadPolicies loads .rego files from the given paths, replacing previously
// loaded file policies. Builtins stay unless a loaded policy reuses the name.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(paths)
	if err != nil {
		return err
	}
	return e.setLoaded(ctx, policies)
}

// Watch hot-reloads the file policies whenever a watched path changes. A
// reload that fails to compile keeps the current set. Watching stops when
// ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.setLoaded(ctx, policies)
	})
}

// setLoaded compiles the given policies and swaps them in for the current
// file-sourced set. The swap happens only after every policy compiled.
func (e *Engine) setLoaded(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		cp, err := compilePolicy(ctx, p)
		if err != nil {
			return err
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if cp.policy.Source != SourceBuiltin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.WithField("count", len(compiled)).Info("Policies loaded")
	return nil
}

// Close stops the file watcher if one is running.
func (e *Engine) Close() error {
	return e.loader.Close()
}

// Policies returns every registered policy sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// GetPolicy returns the policy with the given name.
func (e *Engine) GetPolicy(name string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("policy %s not found", name)
	}
	return cp.policy, nil
}

// EnablePolicy turns a policy back on.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy skips a policy on subsequent checks without unloading it.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy %s not found", name)
	}
	cp.policy.Enabled = enabled
	e.logger.WithFields(map[string]interface{}{
		"policy":  name,
		"enabled": enabled,
	}).Info("Policy toggled")
	return nil
}
