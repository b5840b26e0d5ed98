// Package graph implements the Graph Resolver (spec §4.5): it matches
// dependency names to concrete services and detects cycles in the induced
// dependency graph.
package graph

import (
	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/inobulles/aquabsd-init/internal/domain"
)

// Resolver resolves dep_names into concrete Service references and checks
// the resulting graph for cycles.
type Resolver struct {
	log logrus.FieldLogger
}

func New(log logrus.FieldLogger) *Resolver {
	return &Resolver{log: log}
}

// Resolve implements spec §4.5's resolve(services) operation: for every
// service S and every name in S.dep_names, assigns S.deps[i] = find(name).
// find(n) returns the unique service whose name == n, else the first
// Script service (in loaded order) whose provides set contains n, else
// nil. A nil entry is logged but not fatal.
//
// Lookups are backed by hashicorp/go-immutable-radix trees rather than a
// linear scan.
func (r *Resolver) Resolve(services []*domain.Service) {
	byName := iradix.New()
	byProvides := iradix.New()

	for _, s := range services {
		byName, _, _ = byName.Insert([]byte(s.Name), s)
	}

	// Per spec §9's recorded "open question": the provides lookup is built
	// against every kind's Provides(), which is non-empty only for Script
	// services — non-Script kinds contribute nothing here, matching the
	// original's behavior rather than "fixing" it to be Script-only.
	for _, s := range services {
		for _, p := range s.Provides() {
			if _, exists := byProvides.Get([]byte(p)); exists {
				continue // first Script service in loaded order wins
			}
			byProvides, _, _ = byProvides.Insert([]byte(p), s)
		}
	}

	for _, s := range services {
		s.Deps = make([]*domain.Service, len(s.DepNames))

		for i, name := range s.DepNames {
			var resolved *domain.Service

			if v, ok := byName.Get([]byte(name)); ok {
				resolved = v.(*domain.Service)
			} else if v, ok := byProvides.Get([]byte(name)); ok {
				resolved = v.(*domain.Service)
			}

			if resolved == nil {
				r.log.WithFields(logrus.Fields{
					"subsystem": "graph",
					"service":   s.Name,
					"dep":       name,
				}).Warn("dependency name unresolved; treated as satisfied")
			}

			s.Deps[i] = resolved
		}
	}
}

// CheckAcyclic implements spec §4.5's check_acyclic(services) operation: a
// depth-first traversal with a per-node "on current path" mark, starting
// independently from every service to catch disconnected components. A
// second per-node "visited" mark records nodes whose traversal has finished
// without finding a cycle, so they are not traversed again. Null dependency
// entries are skipped.
func (r *Resolver) CheckAcyclic(services []*domain.Service) error {
	onPath := make(map[*domain.Service]bool, len(services))
	visited := make(map[*domain.Service]bool, len(services))

	var visit func(s *domain.Service) error
	visit = func(s *domain.Service) error {
		if onPath[s] {
			return domain.NewError(domain.CircularDependency, "graph",
				map[string]interface{}{"service": s.Name}, nil)
		}
		if visited[s] {
			return nil
		}

		onPath[s] = true
		for _, d := range s.Deps {
			if d == nil {
				continue
			}
			if err := visit(d); err != nil {
				return err
			}
		}
		onPath[s] = false
		visited[s] = true

		return nil
	}

	for _, s := range services {
		if err := visit(s); err != nil {
			return err
		}
	}

	return nil
}
