// Package registry maps request paths to backend services using
// longest-prefix matching over configured base paths.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/finsight/gateway/internal/config"
)

// ErrRouteNotFound is returned by Resolve when no configured base path
// prefixes the request path.
var ErrRouteNotFound = errors.New("registry: no route for path")

// Service is a routable backend service. Enabled state is mutable at
// runtime; everything else is fixed until the next configuration reload.
type Service struct {
	Name      string
	BasePath  string
	Instances []string

	Timeout          time.Duration
	MaxRetries       int
	FailureThreshold int
	OpenDuration     time.Duration
	Cacheable        bool
	CacheTTL         time.Duration

	enabled atomic.Bool
	next    atomic.Uint64
}

// Enabled reports whether the service currently accepts traffic.
func (s *Service) Enabled() bool {
	return s.enabled.Load()
}

// SetEnabled flips the service in or out of rotation.
func (s *Service) SetEnabled(v bool) {
	s.enabled.Store(v)
}

// NextInstance returns instances starting at a rotating offset, so that
// consecutive calls spread first attempts across the backend set.
func (s *Service) NextInstance() []string {
	n := len(s.Instances)
	if n == 0 {
		return nil
	}
	start := int(s.next.Add(1)-1) % n
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.Instances[(start+i)%n])
	}
	return out
}

// Registry resolves request paths to services. A snapshot of the routing
// table is swapped atomically on reload, so Resolve never blocks on
// configuration updates.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[snapshot]
}

type snapshot struct {
	// ordered longest base path first; ties keep configuration order
	ordered  []*Service
	services map[string]*Service
}

// New builds a registry from the configured services.
func New(services []config.Service) *Registry {
	r := &Registry{}
	r.Load(services)
	return r
}

// Load replaces the routing table. Enabled state carries over for
// services that survive the reload under the same name.
func (r *Registry) Load(services []config.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.snapshot.Load()

	snap := &snapshot{
		ordered:  make([]*Service, 0, len(services)),
		services: make(map[string]*Service, len(services)),
	}
	for _, sc := range services {
		svc := &Service{
			Name:             sc.Name,
			BasePath:         sc.BasePath,
			Instances:        append([]string(nil), sc.Instances...),
			Timeout:          sc.Timeout.Duration(),
			MaxRetries:       sc.GetMaxRetries(),
			FailureThreshold: sc.CircuitFailureThreshold,
			OpenDuration:     sc.CircuitOpenDuration.Duration(),
			Cacheable:        sc.Cacheable,
			CacheTTL:         sc.CacheTTL.Duration(),
		}
		enabled := sc.IsEnabled()
		if enabled && prev != nil {
			if old, ok := prev.services[sc.Name]; ok {
				enabled = old.Enabled()
			}
		}
		svc.enabled.Store(enabled)
		snap.ordered = append(snap.ordered, svc)
		snap.services[sc.Name] = svc
	}

	sort.SliceStable(snap.ordered, func(i, j int) bool {
		return len(snap.ordered[i].BasePath) > len(snap.ordered[j].BasePath)
	})

	r.snapshot.Store(snap)
}

// Resolve returns the service whose base path is the longest prefix of
// path. A base path matches exactly or at a "/" segment boundary.
func (r *Registry) Resolve(path string) (*Service, error) {
	snap := r.snapshot.Load()
	for _, svc := range snap.ordered {
		if matchesPrefix(path, svc.BasePath) {
			return svc, nil
		}
	}
	return nil, ErrRouteNotFound
}

func matchesPrefix(path, base string) bool {
	if !strings.HasPrefix(path, base) {
		return false
	}
	return len(path) == len(base) || path[len(base)] == '/'
}

// Get returns a service by name.
func (r *Registry) Get(name string) (*Service, bool) {
	svc, ok := r.snapshot.Load().services[name]
	return svc, ok
}

// List returns all registered services, longest base path first.
func (r *Registry) List() []*Service {
	snap := r.snapshot.Load()
	return append([]*Service(nil), snap.ordered...)
}

// SetEnabled flips a named service in or out of rotation. It returns
// false when the service is unknown.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	svc, ok := r.Get(name)
	if !ok {
		return false
	}
	svc.SetEnabled(enabled)
	return true
}
