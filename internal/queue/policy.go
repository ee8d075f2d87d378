package queue

import (
	"strings"
	"time"
)

const (
	DefaultBase       = 30 * time.Second
	DefaultFactor     = 4
	DefaultCap        = 16 * time.Minute
	DefaultMaxRetries = 5
)

// Policy bounds how often and how long an operation is retried.
type Policy struct {
	Base       time.Duration
	Factor     int64
	Cap        time.Duration
	MaxRetries int
}

// DefaultPolicy is used for entity types without an override.
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Factor: DefaultFactor, Cap: DefaultCap, MaxRetries: DefaultMaxRetries}
}

// Backoff returns min(Base * Factor^n, Cap). It never overflows and is
// non-decreasing in n.
func (p Policy) Backoff(n int) time.Duration {
	policy := p.normalized()
	if n < 0 {
		n = 0
	}
	delay := policy.Base
	for step := 0; step < n; step++ {
		if delay >= policy.Cap || delay > policy.Cap/time.Duration(policy.Factor) {
			return policy.Cap
		}
		delay *= time.Duration(policy.Factor)
	}
	if delay > policy.Cap {
		return policy.Cap
	}
	return delay
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Factor < 1 {
		p.Factor = DefaultFactor
	}
	if p.Cap <= 0 {
		p.Cap = DefaultCap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	return p
}

// Override replaces selected fields of the default policy for one entity type.
// Zero fields inherit the default.
type Override struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

// Policies resolves the retry policy for each entity type.
type Policies struct {
	Default   Policy
	Overrides map[string]Override
}

// NewPolicies builds Policies from the default policy and per-type overrides.
func NewPolicies(overrides map[string]Override) Policies {
	normalized := make(map[string]Override, len(overrides))
	for entityType, override := range overrides {
		normalized[strings.ToLower(strings.TrimSpace(entityType))] = override
	}
	return Policies{Default: DefaultPolicy(), Overrides: normalized}
}

// For returns the effective policy of an entity type.
func (p Policies) For(entityType string) Policy {
	policy := p.Default.normalized()
	override, ok := p.Overrides[strings.ToLower(strings.TrimSpace(entityType))]
	if !ok {
		return policy
	}
	if override.Base > 0 {
		policy.Base = override.Base
	}
	if override.Cap > 0 {
		policy.Cap = override.Cap
	}
	if override.MaxRetries > 0 {
		policy.MaxRetries = override.MaxRetries
	}
	return policy.normalized()
}
