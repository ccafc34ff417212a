package urlutil

import (
	"net"
	"net/url"
	"path"
	"strings"
)

// JoinPath joins path segments onto base, collapsing duplicate slashes.
// A trailing slash on the last segment is kept.
func JoinPath(base string, paths ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	allPaths := append([]string{u.Path}, paths...)
	u.Path = path.Join(allPaths...)

	if len(paths) > 0 && strings.HasSuffix(paths[len(paths)-1], "/") {
		u.Path += "/"
	}

	return u.String(), nil
}

// IsLoopbackHost reports whether host names the local machine.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ListenAddr returns the host:port a listener for u binds to, defaulting
// the port by scheme.
func ListenAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// CallbackPath is the path a redirect URI's receiver serves, "/" when empty.
func CallbackPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}
