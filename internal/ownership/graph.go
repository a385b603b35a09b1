// Package ownership holds the service ownership graph used for attribution and
// blast-radius expansion. Readers always see one complete snapshot; updates build a
// new snapshot and swap it in atomically.
package ownership

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"routeline/internal/domain"
)

// Snapshot is an immutable view of the ownership data.
type Snapshot struct {
	Generation uint64
	LoadedAt   time.Time
	services   map[string]domain.ServiceOwnership
	dependents map[string][]string
}

func (s *Snapshot) Len() int { return len(s.services) }

func (s *Snapshot) Lookup(service string) (domain.ServiceOwnership, bool) {
	o, ok := s.services[service]
	return o, ok
}

// Services returns the snapshot content sorted by service name.
func (s *Snapshot) Services() []domain.ServiceOwnership {
	out := make([]domain.ServiceOwnership, 0, len(s.services))
	for _, o := range s.services {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

type Graph struct {
	snap   atomic.Pointer[Snapshot]
	mu     sync.Mutex // serialises writers
	flight singleflight.Group
	now    func() time.Time
}

func NewGraph() *Graph {
	g := &Graph{now: time.Now}
	g.snap.Store(buildSnapshot(0, time.Time{}, map[string]domain.ServiceOwnership{}))
	return g
}

// Snapshot returns the current snapshot.
func (g *Graph) Snapshot() *Snapshot {
	return g.snap.Load()
}

// Replace swaps in a full snapshot built from services.
func (g *Graph) Replace(services []domain.ServiceOwnership) (*Snapshot, error) {
	normalized, err := Normalize(services)
	if err != nil {
		return nil, err
	}
	next := make(map[string]domain.ServiceOwnership, len(normalized))
	for _, s := range normalized {
		next[s.Service] = s
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.snap.Load()
	snap := buildSnapshot(cur.Generation+1, g.now(), next)
	g.snap.Store(snap)
	return snap, nil
}

// Normalize trims and dedupes entries and rejects unnamed or repeated services.
func Normalize(services []domain.ServiceOwnership) ([]domain.ServiceOwnership, error) {
	out := make([]domain.ServiceOwnership, 0, len(services))
	seen := make(map[string]bool, len(services))
	for _, s := range services {
		s, err := normalize(s)
		if err != nil {
			return nil, err
		}
		if seen[s.Service] {
			return nil, fmt.Errorf("%w: duplicate service %s", domain.ErrInvalidOwnership, s.Service)
		}
		seen[s.Service] = true
		out = append(out, s)
	}
	return out, nil
}

// Apply upserts and deletes individual services on a copy of the current snapshot.
func (g *Graph) Apply(upserts []domain.ServiceOwnership, deletes []string) (*Snapshot, error) {
	normalized, err := Normalize(upserts)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.snap.Load()
	next := make(map[string]domain.ServiceOwnership, len(cur.services)+len(normalized))
	for k, v := range cur.services {
		next[k] = v
	}
	for _, name := range deletes {
		delete(next, strings.TrimSpace(name))
	}
	for _, s := range normalized {
		next[s.Service] = s
	}
	snap := buildSnapshot(cur.Generation+1, g.now(), next)
	g.snap.Store(snap)
	return snap, nil
}

// ResolveOwners returns the owners of a service or domain.ErrUnknownService.
func (g *Graph) ResolveOwners(ctx context.Context, service string) (domain.Owners, error) {
	if err := ctx.Err(); err != nil {
		return domain.Owners{}, err
	}
	o, ok := g.snap.Load().services[service]
	if !ok {
		return domain.Owners{}, fmt.Errorf("%w: %s", domain.ErrUnknownService, service)
	}
	return domain.Owners{
		Service:         o.Service,
		Team:            o.Team,
		PrimaryOwner:    o.PrimaryOwner,
		SecondaryOwners: append([]string(nil), o.SecondaryOwners...),
		OnCall:          o.OnCall,
		Channel:         o.Channel,
	}, nil
}

// ResolveDependents returns the services that transitively depend on service, up to
// depth hops away. Cycles are tolerated. Concurrent identical queries against the
// same snapshot share one traversal.
func (g *Graph) ResolveDependents(ctx context.Context, service string, depth int) ([]string, error) {
	snap := g.snap.Load()
	if _, known := snap.services[service]; !known {
		if _, referenced := snap.dependents[service]; !referenced {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownService, service)
		}
	}
	if depth <= 0 {
		return []string{}, nil
	}
	key := fmt.Sprintf("%d|%s|%d", snap.Generation, service, depth)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, _, _ := g.flight.Do(key, func() (any, error) {
		return traverse(snap, service, depth), nil
	})
	return append([]string(nil), res.([]string)...), nil
}

// BlastRadius expands services with their dependents and returns the sorted union.
func (g *Graph) BlastRadius(ctx context.Context, services []string, depth int) []string {
	set := map[string]struct{}{}
	for _, s := range services {
		set[s] = struct{}{}
		deps, err := g.ResolveDependents(ctx, s, depth)
		if err != nil {
			continue
		}
		for _, d := range deps {
			set[d] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func traverse(snap *Snapshot, origin string, depth int) []string {
	visited := map[string]bool{origin: true}
	frontier := []string{origin}
	var out []string
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, svc := range frontier {
			for _, dep := range snap.dependents[svc] {
				if visited[dep] {
					continue
				}
				visited[dep] = true
				out = append(out, dep)
				next = append(next, dep)
			}
		}
		frontier = next
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

func buildSnapshot(gen uint64, at time.Time, services map[string]domain.ServiceOwnership) *Snapshot {
	dependents := map[string][]string{}
	for name, s := range services {
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	for k := range dependents {
		sort.Strings(dependents[k])
	}
	return &Snapshot{Generation: gen, LoadedAt: at, services: services, dependents: dependents}
}

func normalize(s domain.ServiceOwnership) (domain.ServiceOwnership, error) {
	s.Service = strings.TrimSpace(s.Service)
	if s.Service == "" {
		return s, fmt.Errorf("%w: service name is required", domain.ErrInvalidOwnership)
	}
	s.SecondaryOwners = dedupe(s.SecondaryOwners)
	s.Dependencies = dedupe(s.Dependencies)
	return s, nil
}

// dedupe trims and removes duplicates while keeping the first occurrence order.
func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
