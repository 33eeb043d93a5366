package bridge

import (
	"fmt"
	"sort"
	"sync"
)

// Policy declares how the bridge treats one operation.
type Policy struct {
	// Cacheable operations are side-effect free; their results are cached
	// by canonical arguments.
	Cacheable bool `yaml:"cacheable" toml:"cacheable" json:"cacheable"`

	// Mutating operations always reach the service.
	Mutating bool `yaml:"mutating" toml:"mutating" json:"mutating"`

	// RateLimit is the sustained calls per second; zero inherits the
	// service budget.
	RateLimit float64 `yaml:"rate_limit,omitempty" toml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Burst     int     `yaml:"burst,omitempty" toml:"burst,omitempty" json:"burst,omitempty"`
}

// Validate rejects contradictory policies.
func (p Policy) Validate() error {
	if p.Mutating && p.Cacheable {
		return ErrMutatingCacheable
	}
	if p.RateLimit < 0 || p.Burst < 0 {
		return fmt.Errorf("%w: negative rate limit", ErrServiceMisconfigured)
	}
	return nil
}

// Catalog maps (service, operation) pairs to their policy. Operations that
// are not registered are treated as non-cacheable.
type Catalog struct {
	mu  sync.RWMutex
	ops map[string]map[string]Policy
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{ops: make(map[string]map[string]Policy)}
}

// Register declares an operation. A mutating operation cannot be
// registered as cacheable.
func (c *Catalog) Register(service, operation string, p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%s/%s: %w", service, operation, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ops[service] == nil {
		c.ops[service] = make(map[string]Policy)
	}
	c.ops[service][operation] = p
	return nil
}

// Lookup returns the registered policy.
func (c *Catalog) Lookup(service, operation string) (Policy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.ops[service][operation]
	return p, ok
}

// Operations lists the registered operations of service, sorted.
func (c *Catalog) Operations(service string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.ops[service]))
	for op := range c.ops[service] {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}
