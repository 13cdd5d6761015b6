package balancer

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambo-proxy/lambo/pkg/targetgroup"
)

func newGroup(t *testing.T, spec string, weights map[string]int) *targetgroup.TargetGroup {
	t.Helper()
	g := targetgroup.New("g", spec, weights, targetgroup.HealthCheckConfig{})
	require.NotEmpty(t, g.Targets)
	return g
}

func req(remoteAddr string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = remoteAddr
	return r
}

func TestRoundRobin_ExactCycleSingleThreaded(t *testing.T) {
	g := newGroup(t, "10.0.0.1:80,10.0.0.2:80,10.0.0.3:80", nil)
	s := New(RoundRobin, time.Minute)

	var seen []string
	for i := 0; i < 6; i++ {
		seen = append(seen, s.Pick(g, req("1.1.1.1:1")).Key())
	}
	assert.Equal(t, []string{
		"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80",
		"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80",
	}, seen)
}

func TestWeighted_1to2Distribution(t *testing.T) {
	g := newGroup(t, "10.0.0.1:80,10.0.0.2:80", map[string]int{"10.0.0.1": 1, "10.0.0.2": 2})
	s := New(Weighted, time.Minute)

	var seen []string
	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		k := s.Pick(g, req("1.1.1.1:1")).Key()
		seen = append(seen, k)
		counts[k]++
	}
	assert.Equal(t, 3, counts["10.0.0.1:80"])
	assert.Equal(t, 6, counts["10.0.0.2:80"])
	assert.Equal(t, []string{
		"10.0.0.1:80", "10.0.0.2:80", "10.0.0.2:80",
		"10.0.0.1:80", "10.0.0.2:80", "10.0.0.2:80",
		"10.0.0.1:80", "10.0.0.2:80", "10.0.0.2:80",
	}, seen)
}

func TestWeighted_NilWithoutWeights(t *testing.T) {
	g := newGroup(t, "10.0.0.1:80", nil)
	s := New(Weighted, time.Minute)
	assert.Nil(t, s.Pick(g, req("1.1.1.1:1")))
}

func TestSticky_SameClientSameTargetWithinTTL(t *testing.T) {
	g := newGroup(t, "10.0.0.1:80,10.0.0.2:80", nil)
	s := New(Sticky, time.Hour)

	a := req("9.9.9.1:1111")
	b := req("9.9.9.2:2222")

	firstA := s.Pick(g, a)
	firstB := s.Pick(g, b)
	require.NotNil(t, firstA)
	require.NotNil(t, firstB)
	assert.NotEqual(t, firstA.Key(), firstB.Key())

	secondA := s.Pick(g, a)
	assert.Equal(t, firstA.Key(), secondA.Key())
}

func TestSticky_ExpiresAfterTTL(t *testing.T) {
	g := newGroup(t, "10.0.0.1:80,10.0.0.2:80", nil)
	s := New(Sticky, time.Millisecond)

	a := req("9.9.9.1:1111")
	first := s.Pick(g, a)
	require.NotNil(t, first)

	time.Sleep(5 * time.Millisecond)
	second := s.Pick(g, a)
	require.NotNil(t, second)
	// The expired binding is discarded and a fresh round-robin pick is
	// made: the first pick used index 0, so this one lands on index 1.
	assert.Equal(t, "10.0.0.1:80", first.Key())
	assert.Equal(t, "10.0.0.2:80", second.Key())
}

func TestSticky_PrefersXForwardedFor(t *testing.T) {
	g := newGroup(t, "10.0.0.1:80,10.0.0.2:80", nil)
	s := New(Sticky, time.Hour)

	r1 := req("5.5.5.5:1")
	r1.Header.Set("X-Forwarded-For", "203.0.113.9")
	r2 := req("6.6.6.6:2") // different remote addr, same XFF client
	r2.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.9")

	first := s.Pick(g, r1)
	second := s.Pick(g, r2)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.Key(), second.Key())
}

func TestLRT_PrefersLowerMetric(t *testing.T) {
	g := newGroup(t, "10.0.0.1:80,10.0.0.2:80", nil)
	busy, idle := g.Targets[0], g.Targets[1]

	busy.IncConnections()
	busy.IncConnections()
	busy.RecordTTFB(0.5)

	picked := leastResponseTime(g.HealthyView())
	assert.Same(t, idle, picked)
}

func TestLRT_ColdTargetUsesTTFBFloor(t *testing.T) {
	g := newGroup(t, "10.0.0.1:80", nil)
	t1 := g.Targets[0]
	t1.IncConnections()
	// No TTFB samples recorded: avg is 0, floored to 0.001.
	picked := leastResponseTime(g.HealthyView())
	assert.Same(t, t1, picked)
}

func TestUnknownAlgorithm_FallsBackToRoundRobin(t *testing.T) {
	g := newGroup(t, "10.0.0.1:80,10.0.0.2:80", nil)
	s := New("NOT_A_REAL_ALGORITHM", time.Minute)
	first := s.Pick(g, req("1.1.1.1:1"))
	second := s.Pick(g, req("1.1.1.1:1"))
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotEqual(t, first.Key(), second.Key())
}

func TestPick_NilWhenNoHealthyTargets(t *testing.T) {
	g := targetgroup.New("g", "10.0.0.1:80", nil, targetgroup.HealthCheckConfig{Enabled: true})
	g.SetCheckerRunning(true)
	g.Targets[0].SetHealthy(false)

	s := New(RoundRobin, time.Minute)
	assert.Nil(t, s.Pick(g, req("1.1.1.1:1")))
}
