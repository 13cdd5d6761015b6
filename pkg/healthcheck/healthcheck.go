// Package healthcheck runs the periodic active probe loop that drives
// each TargetGroup's per-Target healthy latch.
package healthcheck

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lambo-proxy/lambo/pkg/target"
	"github.com/lambo-proxy/lambo/pkg/targetgroup"
)

// probeTimeout is the fixed per-request timeout for health probes,
// independent of the group's forwarding CONNECTION_TIMEOUT.
const probeTimeout = 5 * time.Second

// counters tracks the hysteresis state machine for one Target within
// one group: the two fields are never simultaneously nonzero.
type counters struct {
	consecutiveFailures  int
	consecutiveSuccesses int
}

// Checker owns the background probe goroutine for a single TargetGroup.
// One Checker is created per enabled group and runs until Stop is called.
type Checker struct {
	group  *targetgroup.TargetGroup
	client *http.Client
	log    *logrus.Entry

	state map[*target.Target]*counters

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// New builds a Checker for group. It does not start the probe loop;
// call Start for that.
func New(group *targetgroup.TargetGroup, log *logrus.Entry) *Checker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Checker{
		group:  group,
		client: &http.Client{Timeout: probeTimeout},
		log:    log.WithFields(logrus.Fields{"component": "healthcheck", "group": group.Name}),
		state:  make(map[*target.Target]*counters, len(group.Targets)),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the probe loop as a background goroutine if the group's
// health checks are enabled. It is a no-op otherwise. Targets start
// healthy so traffic flows before the first round completes.
func (c *Checker) Start() {
	if !c.group.HealthCheck.Enabled {
		return
	}
	c.started = true
	c.group.SetCheckerRunning(true)
	go c.run()
}

// Stop signals the probe loop to exit and waits up to 5s for it to do so.
func (c *Checker) Stop() {
	select {
	case <-c.stop:
		return // already stopped
	default:
		close(c.stop)
	}
	if c.started {
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			c.log.Warn("health checker did not stop within grace period")
		}
	}
	c.group.SetCheckerRunning(false)
}

func (c *Checker) run() {
	defer close(c.done)
	interval := c.group.HealthCheck.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		for _, t := range c.group.Targets {
			select {
			case <-c.stop:
				return
			default:
			}
			c.probeOne(t)
		}

		select {
		case <-c.stop:
			return
		case <-time.After(interval):
		}
	}
}

// probeOne checks a single Target and advances its hysteresis counters.
// A recover() guard keeps one misbehaving probe from killing the whole
// group's checker goroutine; the round just logs and moves to the next
// target.
func (c *Checker) probeOne(t *target.Target) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("target", t.Key()).Errorf("recovered panic during probe: %v", r)
		}
	}()

	st := c.state[t]
	if st == nil {
		st = &counters{}
		c.state[t] = st
	}

	ok := c.probe(t)

	if ok {
		st.consecutiveFailures = 0
		st.consecutiveSuccesses++
		if st.consecutiveSuccesses >= c.group.HealthCheck.SucceedThreshold {
			if !t.Healthy() {
				c.log.WithField("target", t.Key()).Info("target marked healthy")
			}
			t.SetHealthy(true)
		}
	} else {
		st.consecutiveSuccesses = 0
		st.consecutiveFailures++
		if st.consecutiveFailures >= c.group.HealthCheck.FailureThreshold {
			if t.Healthy() {
				c.log.WithField("target", t.Key()).Warn("target marked unhealthy")
			}
			t.SetHealthy(false)
		}
	}
}

// probe issues a single GET to the group's health path and reports
// success only for an exact 200 status.
func (c *Checker) probe(t *target.Target) bool {
	url := "http://" + t.Key() + c.group.HealthCheck.Path
	resp, err := c.client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
