package circuitbreaker

import (
	"sync"
	"time"
)

// Registry holds one breaker per service, created on first use.
type Registry struct {
	breakers sync.Map // service name -> *Breaker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Get returns the breaker for name, creating it with the given settings
// if it does not exist yet. Settings of an existing breaker are not
// changed.
func (r *Registry) Get(name string, failureThreshold int, openDuration time.Duration) *Breaker {
	if b, ok := r.breakers.Load(name); ok {
		return b.(*Breaker)
	}
	b, _ := r.breakers.LoadOrStore(name, New(name, failureThreshold, openDuration))
	return b.(*Breaker)
}

// Lookup returns the breaker for name without creating one.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	b, ok := r.breakers.Load(name)
	if !ok {
		return nil, false
	}
	return b.(*Breaker), true
}

// Remove drops the breaker for name, if any.
func (r *Registry) Remove(name string) {
	r.breakers.Delete(name)
}

// Range calls fn for every breaker until fn returns false.
func (r *Registry) Range(fn func(*Breaker) bool) {
	r.breakers.Range(func(_, v any) bool {
		return fn(v.(*Breaker))
	})
}
