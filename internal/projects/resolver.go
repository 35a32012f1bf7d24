package projects

import (
	"math/rand"
	"sync"
	"time"
)

// Resolver decides how a build ends. It must return StatusHosted or
// StatusFailed.
type Resolver interface {
	Resolve(p Project) Status
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(p Project) Status

func (f ResolverFunc) Resolve(p Project) Status {
	return f(p)
}

// RandomResolver succeeds with a fixed probability. The same seed yields the
// same sequence of outcomes.
type RandomResolver struct {
	mu          sync.Mutex
	rng         *rand.Rand
	successRate float64
}

// NewRandomResolver returns a resolver that hosts a build with probability
// successRate. A zero seed picks one from the wall clock.
func NewRandomResolver(successRate float64, seed int64) *RandomResolver {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomResolver{
		rng:         rand.New(rand.NewSource(seed)),
		successRate: successRate,
	}
}

func (r *RandomResolver) Resolve(Project) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng.Float64() < r.successRate {
		return StatusHosted
	}
	return StatusFailed
}
