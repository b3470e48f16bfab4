package fwdproxy

import (
	"errors"
	"strconv"
	"strings"
)

var ErrUnresolvableTarget = errors.New("unresolvable request target")

// ResolveTarget turns a request-line target into an absolute URL. Besides
// absolute URLs it accepts the path-encoded form "/host[:port]/path" used by
// clients that cannot be pointed at a proxy.
func ResolveTarget(token string) (string, error) {
	if strings.HasPrefix(token, "http") {
		return token, nil
	}
	if !strings.HasPrefix(token, "/") {
		return "", ErrUnresolvableTarget
	}
	rest := token[1:]
	if rest == "" || strings.HasPrefix(rest, "/") {
		return "", ErrUnresolvableTarget
	}
	if !strings.Contains(rest, "/") {
		return "http://" + rest + "/", nil
	}
	return "http://" + rest, nil
}

// SplitHostPortPath is lenient: a missing or non-numeric port becomes 80.
func SplitHostPortPath(url string) (host string, port int, path string) {
	if _, after, ok := strings.Cut(url, "://"); ok {
		url = after
	}
	hostPort, rest, ok := strings.Cut(url, "/")
	path = "/" + rest
	if !ok {
		path = "/"
	}

	port = 80
	host, portStr, ok := strings.Cut(hostPort, ":")
	if ok {
		if p, err := strconv.Atoi(portStr); err == nil && p > 0 && p <= 65535 {
			port = p
		}
	}
	return host, port, path
}
