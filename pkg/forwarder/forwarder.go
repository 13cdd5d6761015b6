// Package forwarder translates an inbound request into an upstream
// request against a chosen Target, issues it, and translates the
// upstream response (or failure) back.
package forwarder

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lambo-proxy/lambo/pkg/apperrors"
	"github.com/lambo-proxy/lambo/pkg/clientip"
	"github.com/lambo-proxy/lambo/pkg/target"
)

// hopByHop is the fixed set of request headers never forwarded upstream.
// Host is always regenerated rather than copied through.
var hopByHop = map[string]bool{
	"host":              true,
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
}

// idleConnsPerTarget is the maximum number of idle connections kept in
// the pool for each upstream ip:port.
const idleConnsPerTarget = 20

// Result is the upstream response translated back to the caller. Bodies
// are buffered in full rather than streamed.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder issues upstream requests for already-selected Targets and
// owns one connection pool per upstream ip:port.
type Forwarder struct {
	connectionTimeout      time.Duration
	headerConventionEnable bool
	listenerPort           int
	log                    *logrus.Entry

	mu      sync.Mutex
	clients map[string]*http.Client
}

// New builds a Forwarder. connectionTimeout bounds each upstream
// round-trip; listenerPort is reported via X-Forwarded-Port when header
// synthesis is enabled.
func New(connectionTimeout time.Duration, headerConventionEnable bool, listenerPort int, log *logrus.Entry) *Forwarder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Forwarder{
		connectionTimeout:      connectionTimeout,
		headerConventionEnable: headerConventionEnable,
		listenerPort:           listenerPort,
		log:                    log.WithField("component", "forwarder"),
		clients:                make(map[string]*http.Client),
	}
}

// clientFor returns the shared *http.Client for t's ip:port, creating
// one (with its own pooled Transport) on first use.
func (f *Forwarder) clientFor(t *target.Target) *http.Client {
	key := t.Key()

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c
	}

	transport := &http.Transport{
		MaxIdleConns:        idleConnsPerTarget,
		MaxIdleConnsPerHost: idleConnsPerTarget,
		IdleConnTimeout:     90 * time.Second,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   f.connectionTimeout,
		// Load balancers must not follow redirects implicitly.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	f.clients[key] = client
	return client
}

// Forward dispatches req to t at rewrittenPath and returns the
// translated upstream response, or an *apperrors.Error describing why
// forwarding failed. Upstream-originated status codes (including 4xx/5xx)
// are never treated as errors here; they come back inside Result.
func (f *Forwarder) Forward(t *target.Target, req *http.Request, rewrittenPath string) (*Result, *apperrors.Error) {
	url := t.URL(rewrittenPath)
	if req.URL.RawQuery != "" {
		url += "?" + req.URL.RawQuery
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, apperrors.New(apperrors.InternalFault, err)
	}

	upstreamReq, err := http.NewRequest(req.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.New(apperrors.InternalFault, err)
	}
	upstreamReq.Header = f.buildHeaders(req, t)
	if f.headerConventionEnable {
		// Restore the original Host despite the hop-by-hop strip. The
		// transport writes the wire Host header from Request.Host, not
		// from the header map.
		upstreamReq.Host = req.Host
	}

	t.IncConnections()
	start := time.Now()
	resp, err := f.clientFor(t).Do(upstreamReq)
	defer t.DecConnections()

	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	t.RecordTTFB(time.Since(start).Seconds())

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.New(apperrors.InternalFault, err)
	}

	header := make(http.Header, len(resp.Header))
	for name, values := range resp.Header {
		if hopByHop[strings.ToLower(name)] {
			continue
		}
		header[name] = append([]string(nil), values...)
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       respBody,
	}, nil
}

// buildHeaders copies req's headers minus hop-by-hop entries, then
// synthesizes the X-Forwarded-*/X-Real-IP/X-Request-Id convention when
// enabled. Host restoration happens on the upstream Request itself.
func (f *Forwarder) buildHeaders(req *http.Request, t *target.Target) http.Header {
	out := make(http.Header, len(req.Header)+6)
	for name, values := range req.Header {
		if hopByHop[strings.ToLower(name)] {
			continue
		}
		out[name] = append([]string(nil), values...)
	}

	if !f.headerConventionEnable {
		return out
	}

	clientIP := clientip.Of(req)

	if existing := out.Get("X-Forwarded-For"); existing != "" {
		out.Set("X-Forwarded-For", existing+", "+clientIP)
	} else {
		out.Set("X-Forwarded-For", clientIP)
	}

	out.Set("X-Forwarded-Host", req.Host)
	out.Set("X-Forwarded-Port", strconv.Itoa(f.listenerPort))

	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	out.Set("X-Forwarded-Proto", scheme)
	out.Set("X-Real-IP", clientIP)
	out.Set("X-Request-Id", uuid.NewString())

	return out
}

// classify maps a transport-level failure into the UpstreamTimeout /
// UpstreamConnection / InternalFault taxonomy.
func classify(err error) *apperrors.Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.New(apperrors.UpstreamTimeout, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return apperrors.New(apperrors.UpstreamConnection, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return apperrors.New(apperrors.UpstreamConnection, err)
	}

	return apperrors.New(apperrors.InternalFault, err)
}
