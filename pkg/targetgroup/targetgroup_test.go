package targetgroup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ExpandsIPLiteralsWithDefaultPort(t *testing.T) {
	g := New("backends", "127.0.0.1,127.0.0.2:9090", nil, HealthCheckConfig{})
	require.Len(t, g.Targets, 2)
	assert.Equal(t, "127.0.0.1", g.Targets[0].IP)
	assert.Equal(t, 80, g.Targets[0].Port)
	assert.Equal(t, "127.0.0.2", g.Targets[1].IP)
	assert.Equal(t, 9090, g.Targets[1].Port)
}

func TestNew_ParsesBaseURI(t *testing.T) {
	g := New("backends", "127.0.0.1:8080/api/v1", nil, HealthCheckConfig{})
	require.Len(t, g.Targets, 1)
	assert.Equal(t, "/api/v1", g.Targets[0].BaseURI)
}

func TestNew_SkipsUnparsablePort(t *testing.T) {
	g := New("backends", "127.0.0.1:notaport,127.0.0.2:9090", nil, HealthCheckConfig{})
	require.Len(t, g.Targets, 1)
	assert.Equal(t, "127.0.0.2", g.Targets[0].IP)
}

func TestNew_UnresolvableHostnameContributesNoTargets(t *testing.T) {
	g := New("backends", "this-host-does-not-resolve.invalid:80", nil, HealthCheckConfig{})
	assert.Empty(t, g.Targets)
}

func TestNew_WeightsAppliedByHostname(t *testing.T) {
	g := New("backends", "127.0.0.1:8081,127.0.0.2:8082",
		map[string]int{"127.0.0.1": 3}, HealthCheckConfig{})
	require.Len(t, g.Targets, 2)
	assert.Equal(t, 3, g.Targets[0].Weight)
	assert.Equal(t, 1, g.Targets[1].Weight) // default
}

func TestWeightsProvided(t *testing.T) {
	withWeights := New("g", "127.0.0.1:80", map[string]int{"127.0.0.1": 2}, HealthCheckConfig{})
	assert.True(t, withWeights.WeightsProvided())

	withoutWeights := New("g", "127.0.0.1:80", nil, HealthCheckConfig{})
	assert.False(t, withoutWeights.WeightsProvided())
}

func TestWeightedExpansion_RepeatsByWeight(t *testing.T) {
	g := New("g", "127.0.0.1:80,127.0.0.2:80",
		map[string]int{"127.0.0.1": 1, "127.0.0.2": 2}, HealthCheckConfig{})
	expansion := g.WeightedExpansion()
	require.Len(t, expansion, 3)
	assert.Same(t, g.Targets[0], expansion[0])
	assert.Same(t, g.Targets[1], expansion[1])
	assert.Same(t, g.Targets[1], expansion[2])

	// Cached: same backing data on repeat calls.
	assert.Equal(t, expansion, g.WeightedExpansion())
}

func TestWeightedExpansion_EmptyWithoutWeights(t *testing.T) {
	g := New("g", "127.0.0.1:80", nil, HealthCheckConfig{})
	assert.Empty(t, g.WeightedExpansion())
}

func TestHealthyView_AllTargetsWhenCheckerNotRunning(t *testing.T) {
	g := New("g", "127.0.0.1:80,127.0.0.2:80", nil, HealthCheckConfig{Enabled: true})
	g.Targets[0].SetHealthy(false)
	// Checker never started: SetCheckerRunning is left false.
	assert.Len(t, g.HealthyView(), 2)
}

func TestHealthyView_FiltersUnhealthyWhenCheckerRunning(t *testing.T) {
	g := New("g", "127.0.0.1:80,127.0.0.2:80", nil, HealthCheckConfig{Enabled: true, Interval: time.Second})
	g.SetCheckerRunning(true)
	g.Targets[0].SetHealthy(false)

	healthy := g.HealthyView()
	require.Len(t, healthy, 1)
	assert.Same(t, g.Targets[1], healthy[0])
}
