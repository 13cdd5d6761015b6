// Package targetgroup models a named set of Targets produced by expanding
// host[:port][/base] specs into one Target per resolved IPv4 address.
package targetgroup

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/lambo-proxy/lambo/pkg/target"
)

// HealthCheckConfig carries the per-group probe parameters; it is
// consumed by pkg/healthcheck, which owns the actual probing goroutine.
type HealthCheckConfig struct {
	Enabled           bool
	Path              string
	Interval          time.Duration
	SucceedThreshold  int
	FailureThreshold  int
}

// TargetGroup is an immutable (post-construction) list of Targets plus
// the weight table and health-check parameters that apply to them.
type TargetGroup struct {
	Name         string
	Targets      []*target.Target
	Weights      map[string]int
	weightsGiven bool
	HealthCheck  HealthCheckConfig

	// weightedExpansion is built once from Targets/Weights and cached;
	// the Target set never changes after construction so this is safe
	// to compute lazily and reuse forever.
	weightedExpansion []*target.Target

	// checkerRunning is toggled by pkg/healthcheck's Start/Stop; when
	// false, HealthyView returns every Target regardless of latch state.
	checkerRunning bool
}

// New parses a comma-delimited list of "host[:port][/base]" specs,
// resolving each host to one Target per unique IPv4 address. Entries
// with an unparsable port are skipped silently; hostnames that fail to
// resolve contribute zero Targets. weights may be nil, meaning "no
// weights configured" (as opposed to an empty-but-present map).
func New(name, specList string, weights map[string]int, hc HealthCheckConfig) *TargetGroup {
	g := &TargetGroup{
		Name:         name,
		Weights:      weights,
		weightsGiven: weights != nil,
		HealthCheck:  hc,
	}
	if g.Weights == nil {
		g.Weights = map[string]int{}
	}
	g.Targets = parseTargets(specList, g.Weights)
	return g
}

func parseTargets(specList string, weights map[string]int) []*target.Target {
	var targets []*target.Target
	for _, raw := range strings.Split(specList, ",") {
		spec := strings.TrimSpace(raw)
		if spec == "" {
			continue
		}

		addressPart, baseURI := spec, "/"
		if idx := strings.Index(spec, "/"); idx >= 0 {
			addressPart = spec[:idx]
			rest := spec[idx+1:]
			if rest == "" {
				baseURI = "/"
			} else {
				baseURI = "/" + rest
			}
		}

		hostname, portStr, port := addressPart, "", 80
		if idx := strings.LastIndex(addressPart, ":"); idx >= 0 {
			hostname = addressPart[:idx]
			portStr = addressPart[idx+1:]
			p, err := strconv.Atoi(portStr)
			if err != nil {
				continue // unparsable port: skip this spec entirely
			}
			port = p
		}
		if hostname == "" {
			continue
		}

		weight := weights[hostname]
		if weight == 0 {
			weight = 1
		}

		for _, ip := range resolve(hostname) {
			targets = append(targets, target.New(ip, port, baseURI, hostname, weight))
		}
	}
	return targets
}

// resolve returns the unique IPv4 addresses for hostname. A dotted IPv4
// literal is returned as-is without touching the resolver. Unresolvable
// hostnames return an empty slice.
func resolve(hostname string) []string {
	if ip := net.ParseIP(hostname); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return []string{v4.String()}
		}
		return nil // IPv6 literals are not expanded; targets are IPv4 only
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool, len(addrs))
	var ips []string
	for _, a := range addrs {
		v4 := a.IP.To4()
		if v4 == nil {
			continue
		}
		ipStr := v4.String()
		if seen[ipStr] {
			continue
		}
		seen[ipStr] = true
		ips = append(ips, ipStr)
	}
	return ips
}

// WeightsProvided reports whether this group was constructed with an
// explicit weights map (as opposed to one defaulted to empty). WEIGHTED
// selection is invalid on a group where this is false.
func (g *TargetGroup) WeightsProvided() bool {
	return g.weightsGiven
}

// WeightedExpansion returns the Target list repeated by each Target's
// weight, in original order, building and caching it on first call.
func (g *TargetGroup) WeightedExpansion() []*target.Target {
	if !g.weightsGiven {
		return nil
	}
	if g.weightedExpansion == nil {
		expansion := make([]*target.Target, 0, len(g.Targets))
		for _, t := range g.Targets {
			for i := 0; i < t.Weight; i++ {
				expansion = append(expansion, t)
			}
		}
		g.weightedExpansion = expansion
	}
	return g.weightedExpansion
}

// SetCheckerRunning records whether this group's HealthChecker is
// currently active; called once by pkg/healthcheck at Start/Stop.
func (g *TargetGroup) SetCheckerRunning(running bool) {
	g.checkerRunning = running
}

// HealthyView returns the subset of Targets currently marked healthy,
// or the full Target list if the group's checker isn't enabled/running.
func (g *TargetGroup) HealthyView() []*target.Target {
	if !g.HealthCheck.Enabled || !g.checkerRunning {
		return g.Targets
	}
	healthy := make([]*target.Target, 0, len(g.Targets))
	for _, t := range g.Targets {
		if t.Healthy() {
			healthy = append(healthy, t)
		}
	}
	return healthy
}
