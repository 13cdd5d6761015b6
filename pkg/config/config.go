// Package config loads the proxy's configuration once, at startup, from
// environment variables. Fixed scalar settings are parsed with
// caarlos0/env struct tags; the open-ended indexed families
// (LISTENER_RULE_{N}_*, TARGET_GROUP_{N}_*) are discovered with a manual
// contiguous scan.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"github.com/lambo-proxy/lambo/pkg/rules"
	"github.com/lambo-proxy/lambo/pkg/targetgroup"
)

// Settings holds the fixed, statically-named configuration knobs.
// Struct tags are parsed by github.com/caarlos0/env/v9.
type Settings struct {
	ListenerPort            int    `env:"LISTENER_PORT" envDefault:"8080" yaml:"listener_port"`
	ConnectionTimeoutMillis int    `env:"CONNECTION_TIMEOUT" envDefault:"5000" yaml:"connection_timeout_ms"`
	LoadBalancingAlgorithm  string `env:"LOAD_BALANCING_ALGORITHM" envDefault:"ROUND_ROBIN" yaml:"load_balancing_algorithm"`
	HeaderConventionEnable  bool   `env:"HEADER_CONVENTION_ENABLE" envDefault:"false" yaml:"header_convention_enable"`
	SessionTTLMillis        int    `env:"SESSION_TTL" envDefault:"300000" yaml:"session_ttl_ms"`
}

// ConnectionTimeout is Settings.ConnectionTimeoutMillis as a time.Duration.
func (s Settings) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutMillis) * time.Millisecond
}

// SessionTTL is Settings.SessionTTLMillis as a time.Duration.
func (s Settings) SessionTTL() time.Duration {
	return time.Duration(s.SessionTTLMillis) * time.Millisecond
}

// Config is the fully assembled, read-once application configuration:
// the fixed Settings plus the parsed rule table and target groups.
type Config struct {
	Settings     Settings
	RuleTable    *rules.Table
	TargetGroups map[string]*targetgroup.TargetGroup

	// yamlRules/groupNames mirror RuleTable/TargetGroups in a form that
	// marshals cleanly, used only for the startup diagnostics dump.
	yamlRules  []rules.Rule
	groupNames []string
}

// Load reads Settings from the environment, then discovers and parses
// the indexed LISTENER_RULE_{N}_* and TARGET_GROUP_{N}_* families.
// Configuration errors (e.g. WEIGHTED without weights for every
// hostname, or a malformed weight spec) are returned as fatal errors.
func Load() (*Config, error) {
	var settings Settings
	if err := env.Parse(&settings); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	ruleList := parseListenerRules()
	groups, err := parseTargetGroups()
	if err != nil {
		return nil, err
	}

	if err := validateAlgorithm(settings.LoadBalancingAlgorithm, groups); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}

	return &Config{
		Settings:     settings,
		RuleTable:    rules.NewTable(ruleList),
		TargetGroups: groups,
		yamlRules:    ruleList,
		groupNames:   names,
	}, nil
}

// validateAlgorithm enforces that WEIGHTED selection is only used with
// groups that actually carry a weight for every hostname they contain.
func validateAlgorithm(algorithm string, groups map[string]*targetgroup.TargetGroup) error {
	if algorithm != "WEIGHTED" {
		return nil
	}
	for name, g := range groups {
		if !g.WeightsProvided() {
			return fmt.Errorf("target group %q: LOAD_BALANCING_ALGORITHM=WEIGHTED requires TARGET_GROUP weights", name)
		}
		for _, t := range g.Targets {
			if _, ok := g.Weights[t.Hostname]; !ok {
				return fmt.Errorf("target group %q: hostname %q has no entry in its weights map", name, t.Hostname)
			}
		}
	}
	return nil
}

// parseListenerRules scans LISTENER_RULE_{1..}_PATH_PREFIX contiguously
// until one is missing.
func parseListenerRules() []rules.Rule {
	var out []rules.Rule
	for n := 1; ; n++ {
		prefix := os.Getenv(fmt.Sprintf("LISTENER_RULE_%d_PATH_PREFIX", n))
		if prefix == "" {
			break
		}
		rewrite := os.Getenv(fmt.Sprintf("LISTENER_RULE_%d_PATH_REWRITE", n))
		group := os.Getenv(fmt.Sprintf("LISTENER_RULE_%d_TARGET_GROUP", n))
		if group == "" {
			continue
		}
		out = append(out, rules.Rule{
			PathPrefix:      prefix,
			PathRewrite:     rewrite,
			TargetGroupName: group,
		})
	}
	return out
}

// parseTargetGroups scans TARGET_GROUP_{1..}_NAME contiguously until one
// is missing.
func parseTargetGroups() (map[string]*targetgroup.TargetGroup, error) {
	groups := make(map[string]*targetgroup.TargetGroup)
	for n := 1; ; n++ {
		name := os.Getenv(fmt.Sprintf("TARGET_GROUP_%d_NAME", n))
		if name == "" {
			break
		}
		targetsStr := os.Getenv(fmt.Sprintf("TARGET_GROUP_%d_TARGETS", n))

		weights, weightsGiven, err := parseWeights(os.Getenv(fmt.Sprintf("TARGET_GROUP_%d_WEIGHTS", n)))
		if err != nil {
			return nil, fmt.Errorf("target group %q: %w", name, err)
		}
		var weightsMap map[string]int
		if weightsGiven {
			weightsMap = weights
		}

		hc := targetgroup.HealthCheckConfig{
			Enabled:          strings.EqualFold(os.Getenv(fmt.Sprintf("TARGET_GROUP_%d_HEALTH_CHECK_ENABLED", n)), "true"),
			Path:             envDefault(fmt.Sprintf("TARGET_GROUP_%d_HEALTH_CHECK_PATH", n), "/health"),
			Interval:         envDurationMillis(fmt.Sprintf("TARGET_GROUP_%d_HEALTH_CHECK_INTERVAL", n), 60000),
			SucceedThreshold: envInt(fmt.Sprintf("TARGET_GROUP_%d_HEALTH_CHECK_SUCCEED_THRESHOLD", n), 2),
			FailureThreshold: envInt(fmt.Sprintf("TARGET_GROUP_%d_HEALTH_CHECK_FAILURE_THRESHOLD", n), 2),
		}

		groups[name] = targetgroup.New(name, targetsStr, weightsMap, hc)
	}
	return groups, nil
}

// parseWeights parses a comma list of "host:weight" entries. An empty
// spec returns (nil, false, nil): no weights were provided at all,
// distinct from an explicit-but-empty map.
func parseWeights(spec string) (map[string]int, bool, error) {
	if spec == "" {
		return nil, false, nil
	}
	out := make(map[string]int)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, false, fmt.Errorf("malformed weight entry %q", entry)
		}
		w, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || w < 1 {
			return nil, false, fmt.Errorf("malformed weight entry %q", entry)
		}
		out[strings.TrimSpace(parts[0])] = w
	}
	return out, true, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationMillis(key string, defMillis int) time.Duration {
	return time.Duration(envInt(key, defMillis)) * time.Millisecond
}

// DumpYAML renders the effective configuration as YAML for startup
// diagnostics logging — ops visibility into what was actually resolved
// from the environment, not a config input.
func (c *Config) DumpYAML() string {
	type groupSummary struct {
		Name               string `yaml:"name"`
		Targets            int    `yaml:"resolved_targets"`
		HealthCheckEnabled bool   `yaml:"health_check_enabled"`
	}
	type ruleSummary struct {
		PathPrefix  string `yaml:"path_prefix"`
		PathRewrite string `yaml:"path_rewrite"`
		TargetGroup string `yaml:"target_group"`
	}
	doc := struct {
		Settings Settings       `yaml:"settings"`
		Rules    []ruleSummary  `yaml:"listener_rules"`
		Groups   []groupSummary `yaml:"target_groups"`
	}{Settings: c.Settings}

	for _, r := range c.yamlRules {
		doc.Rules = append(doc.Rules, ruleSummary{r.PathPrefix, r.PathRewrite, r.TargetGroupName})
	}
	for _, name := range c.groupNames {
		g := c.TargetGroups[name]
		doc.Groups = append(doc.Groups, groupSummary{name, len(g.Targets), g.HealthCheck.Enabled})
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Sprintf("<failed to render config: %v>", err)
	}
	return string(out)
}
