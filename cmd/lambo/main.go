// Command lambo runs the HTTP layer-7 reverse proxy and load balancer.
package main

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/lambo-proxy/lambo/pkg/balancer"
	"github.com/lambo-proxy/lambo/pkg/config"
	"github.com/lambo-proxy/lambo/pkg/forwarder"
	"github.com/lambo-proxy/lambo/pkg/healthcheck"
	"github.com/lambo-proxy/lambo/pkg/proxy"
)

func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	log.Infof("loaded configuration:\n%s", cfg.DumpYAML())

	checkers := startHealthCheckers(cfg, log)
	defer stopHealthCheckers(checkers)

	selector := balancer.New(cfg.Settings.LoadBalancingAlgorithm, cfg.Settings.SessionTTL())
	fwd := forwarder.New(cfg.Settings.ConnectionTimeout(), cfg.Settings.HeaderConventionEnable, cfg.Settings.ListenerPort, logrus.NewEntry(log))
	p := proxy.New(cfg, selector, fwd, logrus.NewEntry(log))

	addr := fmt.Sprintf(":%d", cfg.Settings.ListenerPort)
	log.Infof("listening on %s", addr)

	if err := http.ListenAndServe(addr, p); err != nil {
		log.Fatalf("proxy server failed: %v", err)
	}
}

// startHealthCheckers launches one Checker per target group that has
// health checking enabled.
func startHealthCheckers(cfg *config.Config, log *logrus.Logger) []*healthcheck.Checker {
	var checkers []*healthcheck.Checker
	for _, group := range cfg.TargetGroups {
		if !group.HealthCheck.Enabled {
			continue
		}
		checker := healthcheck.New(group, logrus.NewEntry(log))
		checker.Start()
		checkers = append(checkers, checker)
		log.WithField("group", group.Name).Info("health checker started")
	}
	return checkers
}

func stopHealthCheckers(checkers []*healthcheck.Checker) {
	for _, c := range checkers {
		c.Stop()
	}
}
