// Package proxy orchestrates one request end-to-end: match the listener
// rule, look up the target group, select a healthy target, rewrite the
// path, and forward — translating any failure along the way into the
// client-visible status taxonomy.
package proxy

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/lambo-proxy/lambo/pkg/apperrors"
	"github.com/lambo-proxy/lambo/pkg/balancer"
	"github.com/lambo-proxy/lambo/pkg/config"
	"github.com/lambo-proxy/lambo/pkg/forwarder"
)

// Proxy is the top-level request handler: RuleTable.Match -> healthy
// view -> Selector.Pick -> rule.RewriteURI -> Forwarder.Forward.
type Proxy struct {
	cfg       *config.Config
	selector  *balancer.Selector
	forwarder *forwarder.Forwarder
	log       *logrus.Entry
}

// New wires a Proxy from an assembled Config, a Selector configured for
// the configured algorithm, and a Forwarder configured for the
// configured timeout and header convention.
func New(cfg *config.Config, selector *balancer.Selector, fwd *forwarder.Forwarder, log *logrus.Entry) *Proxy {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Proxy{cfg: cfg, selector: selector, forwarder: fwd, log: log.WithField("component", "proxy")}
}

// ServeHTTP implements http.Handler. Any unhandled failure in the steps
// below becomes a 502 empty response.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Errorf("recovered panic handling request: %v", rec)
			writeEmpty(w, apperrors.InternalFault.Status())
		}
	}()

	uri := r.URL.Path
	if uri == "" {
		uri = "/"
	}

	rule, ok := p.cfg.RuleTable.Match(uri)
	if !ok {
		writeEmpty(w, apperrors.NoRoute.Status())
		return
	}

	group, ok := p.cfg.TargetGroups[rule.TargetGroupName]
	if !ok {
		p.log.WithField("group", rule.TargetGroupName).Warn("listener rule points to unknown target group")
		writeEmpty(w, apperrors.UnknownGroup.Status())
		return
	}

	if len(group.HealthyView()) == 0 {
		writeEmpty(w, apperrors.NoTargets.Status())
		return
	}

	chosen := p.selector.Pick(group, r)
	if chosen == nil {
		writeEmpty(w, apperrors.SelectionFailure.Status())
		return
	}

	rewrittenPath := rule.RewriteURI(uri)

	result, fwdErr := p.forwarder.Forward(chosen, r, rewrittenPath)
	if fwdErr != nil {
		p.log.WithFields(logrus.Fields{
			"target": chosen.Key(),
			"kind":   fwdErr.Kind,
		}).Warnf("forwarding failed: %v", fwdErr)
		writeEmpty(w, fwdErr.Kind.Status())
		return
	}

	header := w.Header()
	for name, values := range result.Header {
		header[name] = values
	}
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}

func writeEmpty(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(status)
}
