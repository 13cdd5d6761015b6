// Package balancer implements the four target-selection policies:
// round-robin, weighted round-robin, sticky sessions, and
// least-response-time.
package balancer

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lambo-proxy/lambo/pkg/clientip"
	"github.com/lambo-proxy/lambo/pkg/target"
	"github.com/lambo-proxy/lambo/pkg/targetgroup"
)

// Algorithm names as they appear in LOAD_BALANCING_ALGORITHM.
const (
	RoundRobin = "ROUND_ROBIN"
	Weighted   = "WEIGHTED"
	Sticky     = "STICKY"
	LRT        = "LRT"
)

// ttfbFloor prevents a cold target (zero recorded TTFB) from dominating
// LRT selection purely because a zero average would zero its metric
// regardless of how many connections it has in flight.
const ttfbFloor = 0.001

// rrState is a per-TargetGroup round-robin cursor, advanced atomically.
type rrState struct {
	counter uint64
}

// stickyEntry binds a client identifier to a Target until Expiry.
type stickyEntry struct {
	targetKey string // IP:port identity, for validating against a fresh healthy view
	target    *target.Target
	expiry    time.Time
}

// stickyTable is the per-group sticky-session map, guarded by its own
// mutex so sessions in one group never contend with another.
type stickyTable struct {
	mu      sync.Mutex
	entries map[string]stickyEntry
}

// Selector dispatches to the configured policy and owns all per-group
// selection state (round-robin cursors, sticky tables, weighted-list
// caches live on the TargetGroup itself).
type Selector struct {
	algorithm  string
	sessionTTL time.Duration

	mu    sync.Mutex
	rr    map[string]*rrState
	stick map[string]*stickyTable
}

// New builds a Selector for the given algorithm name (one of RoundRobin,
// Weighted, Sticky, LRT). Unknown names fall back to round-robin.
func New(algorithm string, sessionTTL time.Duration) *Selector {
	return &Selector{
		algorithm:  algorithm,
		sessionTTL: sessionTTL,
		rr:         make(map[string]*rrState),
		stick:      make(map[string]*stickyTable),
	}
}

// Pick selects a Target from group's current healthy view using the
// Selector's configured algorithm. It returns nil if there are no
// healthy targets to choose from.
func (s *Selector) Pick(group *targetgroup.TargetGroup, req *http.Request) *target.Target {
	healthy := group.HealthyView()
	if len(healthy) == 0 {
		return nil
	}

	switch s.algorithm {
	case Weighted:
		expansion := group.WeightedExpansion()
		if len(expansion) == 0 {
			return nil
		}
		return s.roundRobinOver(group.Name+"#weighted", filterHealthy(expansion, healthy))
	case Sticky:
		return s.sticky(group, healthy, req)
	case LRT:
		return leastResponseTime(healthy)
	case RoundRobin:
		return s.roundRobinOver(group.Name, healthy)
	default:
		return s.roundRobinOver(group.Name, healthy)
	}
}

// filterHealthy keeps only weighted-expansion entries whose target is
// still present in the current healthy view, preserving repetition and
// order. This is cheap relative to the expansion being cached once.
func filterHealthy(expansion, healthy []*target.Target) []*target.Target {
	present := make(map[*target.Target]bool, len(healthy))
	for _, t := range healthy {
		present[t] = true
	}
	out := make([]*target.Target, 0, len(expansion))
	for _, t := range expansion {
		if present[t] {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *Selector) roundRobinOver(key string, targets []*target.Target) *target.Target {
	if len(targets) == 0 {
		return nil
	}
	s.mu.Lock()
	st := s.rr[key]
	if st == nil {
		st = &rrState{}
		s.rr[key] = st
	}
	s.mu.Unlock()

	n := uint64(len(targets))
	idx := atomic.AddUint64(&st.counter, 1) - 1
	return targets[idx%n]
}

func (s *Selector) stickyTableFor(groupName string) *stickyTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.stick[groupName]
	if t == nil {
		t = &stickyTable{entries: make(map[string]stickyEntry)}
		s.stick[groupName] = t
	}
	return t
}

func (s *Selector) sticky(group *targetgroup.TargetGroup, healthy []*target.Target, req *http.Request) *target.Target {
	clientID := clientip.Of(req)
	table := s.stickyTableFor(group.Name)

	healthyByKey := make(map[string]*target.Target, len(healthy))
	for _, t := range healthy {
		healthyByKey[t.Key()] = t
	}

	table.mu.Lock()
	defer table.mu.Unlock()

	now := time.Now()
	if entry, ok := table.entries[clientID]; ok {
		if now.Before(entry.expiry) {
			if current, stillHealthy := healthyByKey[entry.targetKey]; stillHealthy {
				// Refresh the bound instance to the current object
				// (the slice backing the healthy view may have been
				// rebuilt since the entry was created).
				entry.target = current
				table.entries[clientID] = entry
				return current
			}
		}
		delete(table.entries, clientID)
	}

	picked := s.roundRobinOver(group.Name, healthy)
	if picked == nil {
		return nil
	}
	table.entries[clientID] = stickyEntry{
		targetKey: picked.Key(),
		target:    picked,
		expiry:    now.Add(s.sessionTTL),
	}
	return picked
}

func leastResponseTime(healthy []*target.Target) *target.Target {
	var best *target.Target
	var bestMetric float64
	for _, t := range healthy {
		avg := t.AvgTTFB()
		if avg < ttfbFloor {
			avg = ttfbFloor
		}
		metric := float64(t.ActiveConnections()) * avg
		if best == nil || metric < bestMetric {
			best = t
			bestMetric = metric
		}
	}
	return best
}
