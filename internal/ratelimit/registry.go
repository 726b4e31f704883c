package ratelimit

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/rescale/mission-int/internal/logging"
)

// Scope identifies a group of compute service endpoints that share a limiter.
type Scope string

const (
	// ScopeQuery covers reads: pool, job and task status polls.
	ScopeQuery Scope = "query"

	// ScopeMutate covers pool and job creation, resizing and deletion.
	ScopeMutate Scope = "mutate"

	// ScopeTaskSubmit covers task creation and deletion, which a mission issues once per case.
	ScopeTaskSubmit Scope = "task-submit"
)

// ScopeConfig holds the limits for one scope.
type ScopeConfig struct {
	Scope      Scope
	PerSecond  float64
	Burst      int
	Percentage float64 // share of the account rate given to this scope
}

// EndpointRule maps a request to its scope. The most specific matching rule wins.
type EndpointRule struct {
	// Pattern is matched with strings.Contains against the request path.
	Pattern string
	// Method is the HTTP method to match, or "" for any method.
	Method string
	Scope  Scope
}

// specificity ranks rules: method-specific first, then longer patterns.
func (r EndpointRule) specificity() int {
	score := len(r.Pattern)
	if r.Method != "" {
		score += 1000
	}
	return score
}

// Registry resolves requests to scopes and owns one limiter per scope.
type Registry struct {
	rules        []EndpointRule
	configs      map[Scope]ScopeConfig
	limiters     map[Scope]*RateLimiter
	defaultScope Scope
}

// NewRegistry splits an account-wide request rate across the scopes. Polls
// get the full rate, task submission most of it and control-plane changes
// a small share.
func NewRegistry(perSecond float64, burst int, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.Named("ratelimit")

	r := &Registry{
		defaultScope: ScopeQuery,
		configs: map[Scope]ScopeConfig{
			ScopeQuery:      {Scope: ScopeQuery, Percentage: 100},
			ScopeTaskSubmit: {Scope: ScopeTaskSubmit, Percentage: 80},
			ScopeMutate:     {Scope: ScopeMutate, Percentage: 25},
		},
		limiters: make(map[Scope]*RateLimiter),
	}
	for scope, cfg := range r.configs {
		cfg.PerSecond = perSecond * cfg.Percentage / 100
		cfg.Burst = int(float64(burst) * cfg.Percentage / 100)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
		r.configs[scope] = cfg
		r.limiters[scope] = NewRateLimiter(cfg.PerSecond, cfg.Burst, logger)
	}

	r.rules = []EndpointRule{
		{Pattern: "/tasks", Method: http.MethodPost, Scope: ScopeTaskSubmit},
		{Pattern: "/tasks/", Method: http.MethodDelete, Scope: ScopeTaskSubmit},
		{Pattern: "/", Method: http.MethodPost, Scope: ScopeMutate},
		{Pattern: "/", Method: http.MethodPut, Scope: ScopeMutate},
		{Pattern: "/", Method: http.MethodPatch, Scope: ScopeMutate},
		{Pattern: "/", Method: http.MethodDelete, Scope: ScopeMutate},
		{Pattern: "/", Method: "", Scope: ScopeQuery},
	}
	sort.SliceStable(r.rules, func(i, j int) bool {
		return r.rules[i].specificity() > r.rules[j].specificity()
	})
	return r
}

// ResolveScope returns the scope of a request, or the default scope when no rule matches.
func (r *Registry) ResolveScope(method, path string) Scope {
	for _, rule := range r.rules {
		if !strings.Contains(path, rule.Pattern) {
			continue
		}
		if rule.Method != "" && !strings.EqualFold(rule.Method, method) {
			continue
		}
		return rule.Scope
	}
	return r.defaultScope
}

// Limiter returns the limiter that governs a request.
func (r *Registry) Limiter(method, path string) *RateLimiter {
	return r.limiters[r.ResolveScope(method, path)]
}

// ScopeConfig returns the limits of a scope, or of the default scope if unknown.
func (r *Registry) ScopeConfig(scope Scope) ScopeConfig {
	if cfg, ok := r.configs[scope]; ok {
		return cfg
	}
	return r.configs[r.defaultScope]
}

// ScopeDisplayString describes a scope for log messages, e.g. "mutate (5.00/sec, burst 10)".
func (r *Registry) ScopeDisplayString(scope Scope) string {
	cfg, ok := r.configs[scope]
	if !ok {
		return string(scope) + " (unknown scope)"
	}
	return fmt.Sprintf("%s (%.2f/sec, burst %d)", scope, cfg.PerSecond, cfg.Burst)
}
