// Package master wires the two rcpd daemons together: it launches them,
// relays listener addresses and trust material between them, and
// aggregates their final reports into one result.
package master

import (
	"fmt"
	"strings"
)

// Endpoint is one side of the copy: an optional [user@]host prefix and a
// path. An empty Host means the path is local and rcpd runs as a plain
// subprocess.
type Endpoint struct {
	User string
	Host string
	Path string
}

// ParseEndpoint splits "[user@]host:path" or a bare local path.
func ParseEndpoint(s string) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty path")
	}
	host, path, found := strings.Cut(s, ":")
	if !found || strings.ContainsAny(host, "/") {
		// no colon, or a colon after a slash: a plain local path
		return Endpoint{Path: s}, nil
	}
	ep := Endpoint{Host: host, Path: path}
	if user, h, ok := strings.Cut(ep.Host, "@"); ok {
		if user == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: empty user", s)
		}
		ep.User, ep.Host = user, h
	}
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: empty host", s)
	}
	if ep.Path == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: empty path", s)
	}
	return ep, nil
}

func (e Endpoint) Remote() bool { return e.Host != "" }

func (e Endpoint) String() string {
	if !e.Remote() {
		return e.Path
	}
	if e.User != "" {
		return e.User + "@" + e.Host + ":" + e.Path
	}
	return e.Host + ":" + e.Path
}
