// Package clientip centralizes client-identity derivation so the sticky
// balancer and the X-Forwarded-* header synthesis in pkg/forwarder agree
// on exactly the same client for a given request.
package clientip

import (
	"net/http"
	"strings"
)

// Of derives a client identifier for req: the first X-Forwarded-For
// entry if present, else the first hop of AccessRoute (a stand-in for
// Flask's access_route: the remaining X-Forwarded-For hops, then the
// peer address), else RemoteAddr, else the literal "unknown".
func Of(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if route := AccessRoute(req); len(route) > 0 {
		return route[0]
	}
	if req.RemoteAddr != "" {
		return stripPort(req.RemoteAddr)
	}
	return "unknown"
}

// AccessRoute reconstructs the proxy-hop chain a client request
// travelled through, mirroring Flask's request.access_route: the
// X-Forwarded-For chain (oldest hop first) followed by the immediate
// peer address.
func AccessRoute(req *http.Request) []string {
	var hops []string
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		for _, hop := range strings.Split(xff, ",") {
			hop = strings.TrimSpace(hop)
			if hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	if req.RemoteAddr != "" {
		hops = append(hops, stripPort(req.RemoteAddr))
	}
	return hops
}

func stripPort(addr string) string {
	if idx := strings.LastIndex(addr, ":"); idx >= 0 && !strings.Contains(addr[idx+1:], ":") {
		return addr[:idx]
	}
	return addr
}
